package cenc

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		keyID   string
		key     string
		wantErr bool
	}{
		{"uuid", "eb676abb-cb34-5e96-bbcf-616630f1a3da", "100b6c20940f779a4589152b57d2dacb", false},
		{"bare hex", "eb676abbcb345e96bbcf616630f1a3da", "100b6c20940f779a4589152b57d2dacb", false},
		{"bad id", "nope", "100b6c20940f779a4589152b57d2dacb", true},
		{"short key", "eb676abbcb345e96bbcf616630f1a3da", "100b", true},
		{"not hex", "eb676abbcb345e96bbcf616630f1a3da", "zz0b6c20940f779a4589152b57d2dacb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseKey(tt.keyID, tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uuid.MustParse("eb676abb-cb34-5e96-bbcf-616630f1a3da"), k.ID)
			assert.Len(t, k.Key, KeySize)
		})
	}
}

func TestParseSystemIDs(t *testing.T) {
	ids, err := ParseSystemIDs([]string{"common", "Widevine", "9a04f079-9840-4286-ab92-e65be0885f95"})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{SystemCommon, SystemWidevine, SystemPlayReady}, ids)

	_, err = ParseSystemIDs([]string{"unknown-drm"})
	assert.Error(t, err)
}

func TestRoundRobin(t *testing.T) {
	_, err := NewRoundRobin(nil)
	assert.ErrorIs(t, err, ErrNoKeys)

	keys := []Key{{ID: uuid.UUID{1}}, {ID: uuid.UUID{2}}, {ID: uuid.UUID{3}}}
	rr, err := NewRoundRobin(keys)
	require.NoError(t, err)
	assert.Equal(t, 3, rr.Len())

	for period, want := range []byte{1, 2, 3, 1, 2} {
		k, err := rr.KeyForPeriod(uint64(period))
		require.NoError(t, err)
		assert.Equal(t, uuid.UUID{want}, k.ID)
	}
}
