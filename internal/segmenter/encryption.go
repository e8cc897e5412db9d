package segmenter

import (
	"github.com/jmylchreest/fragmentr/internal/mp4box"
)

// EncryptionMetadataBuilder writes key rotation metadata into the movie
// fragment tree.
type EncryptionMetadataBuilder struct {
	moof *mp4box.Moof
}

// Apply replaces the fragment pssh boxes with the systems of cfg. When the
// fragment is encrypted it also attaches a seig sample group description
// to track index i for this fragment only.
func (b *EncryptionMetadataBuilder) Apply(i int, encrypted bool, cfg *EncryptionConfig) {
	b.moof.PSSH = psshBoxes(cfg.ProtectionSystems)

	if !encrypted {
		return
	}

	traf := b.moof.Trafs[i]
	traf.SampleGroups = append(traf.SampleGroups, seigEntry(cfg))
}

func seigEntry(cfg *EncryptionConfig) mp4box.SeigEntry {
	e := mp4box.SeigEntry{
		IsProtected:     true,
		CryptByteBlock:  cfg.CryptByteBlock,
		SkipByteBlock:   cfg.SkipByteBlock,
		PerSampleIVSize: cfg.PerSampleIVSize,
		KID:             cfg.KeyID,
	}
	if cfg.PerSampleIVSize == 0 {
		e.ConstantIV = cfg.ConstantIV
	}
	return e
}

func psshBoxes(systems []ProtectionSystem) []mp4box.PSSH {
	out := make([]mp4box.PSSH, 0, len(systems))
	for _, s := range systems {
		p := mp4box.PSSH{SystemID: s.SystemID, Data: s.Data}
		for _, kid := range s.KeyIDs {
			p.KIDs = append(p.KIDs, kid)
		}
		out = append(out, p)
	}
	return out
}

// protection converts cfg to the default track protection of the init
// segment.
func protection(cfg *EncryptionConfig) *mp4box.Protection {
	if cfg == nil {
		return nil
	}
	p := &mp4box.Protection{
		Scheme:          cfg.Scheme,
		KID:             cfg.KeyID,
		PerSampleIVSize: cfg.PerSampleIVSize,
		CryptByteBlock:  cfg.CryptByteBlock,
		SkipByteBlock:   cfg.SkipByteBlock,
	}
	if p.Scheme == ([4]byte{}) {
		p.Scheme = mp4box.SchemeCENC
	}
	if cfg.PerSampleIVSize == 0 {
		p.ConstantIV = cfg.ConstantIV
	}
	return p
}
