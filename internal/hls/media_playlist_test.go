package hls

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/fragmentr/internal/version"
)

const (
	testTimeScale = 90000
	mb            = 1000000
	header        = "#EXTM3U\n" +
		"#EXT-X-VERSION:6\n" +
		"## Generated with fragmentr version test\n"
)

func setTestVersion(t *testing.T) {
	t.Helper()
	prev := version.Version
	version.Version = "test"
	t.Cleanup(func() { version.Version = prev })
}

func videoInfo() MediaInfo {
	return MediaInfo{
		ReferenceTimeScale: testTimeScale,
		Video:              &VideoInfo{Width: 1280, Height: 720, PixelWidth: 1, PixelHeight: 1},
		InitSegmentName:    "init.mp4",
	}
}

func render(t *testing.T, p *MediaPlaylist) string {
	t.Helper()
	var buf bytes.Buffer
	_, err := p.WriteTo(&buf)
	require.NoError(t, err)
	return buf.String()
}

func TestParsePlaylistType(t *testing.T) {
	for in, want := range map[string]PlaylistType{
		"vod":   PlaylistTypeVOD,
		"":      PlaylistTypeVOD,
		"EVENT": PlaylistTypeEvent,
		"live":  PlaylistTypeLive,
	} {
		got, err := ParsePlaylistType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePlaylistType("archive")
	assert.ErrorIs(t, err, ErrUnknownPlaylistType)
}

func TestSetMediaInfo(t *testing.T) {
	p := NewMediaPlaylist(PlaylistTypeVOD, 0)

	err := p.SetMediaInfo(MediaInfo{Video: &VideoInfo{Width: 1280, Height: 720}})
	assert.ErrorIs(t, err, ErrInvalidMediaInfo, "missing timescale")

	err = p.SetMediaInfo(MediaInfo{ReferenceTimeScale: testTimeScale})
	assert.ErrorIs(t, err, ErrInvalidMediaInfo, "no audio or video")

	assert.NoError(t, p.SetMediaInfo(MediaInfo{
		ReferenceTimeScale: testTimeScale,
		Video:              &VideoInfo{Width: 1280, Height: 720},
	}))
}

func TestDisplayResolution(t *testing.T) {
	p := NewMediaPlaylist(PlaylistTypeVOD, 0)
	_, _, ok := p.DisplayResolution()
	assert.False(t, ok)

	require.NoError(t, p.SetMediaInfo(MediaInfo{
		ReferenceTimeScale: testTimeScale,
		Video:              &VideoInfo{Width: 1920, Height: 818, PixelWidth: 1636, PixelHeight: 1635},
	}))
	w, h, ok := p.DisplayResolution()
	require.True(t, ok)
	assert.Equal(t, uint32(1921), w)
	assert.Equal(t, uint32(818), h)
}

func TestSingleFile(t *testing.T) {
	setTestVersion(t)

	t.Run("init range only", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		require.NoError(t, p.SetMediaInfo(MediaInfo{
			ReferenceTimeScale: testTimeScale,
			Video:              &VideoInfo{Width: 1280, Height: 720},
			MediaFileName:      "file.mp4",
			InitRange:          &ByteRange{Offset: 16, Size: 485},
		}))
		assert.Equal(t, header+
			"#EXT-X-TARGETDURATION:0\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXT-X-MAP:URI=\"file.mp4\",BYTERANGE=\"485@16\"\n"+
			"#EXT-X-ENDLIST\n", render(t, p))
	})

	t.Run("contiguous ranges omit the offset", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		require.NoError(t, p.SetMediaInfo(MediaInfo{
			ReferenceTimeScale: testTimeScale,
			Video:              &VideoInfo{Width: 1280, Height: 720},
			MediaFileName:      "file.mp4",
			InitRange:          &ByteRange{Offset: 0, Size: 501},
		}))
		p.AddSegment("file.mp4", 0, 10*testTimeScale, 1000, 1*mb)
		p.AddSegment("file.mp4", 10*testTimeScale, 10*testTimeScale, 1001000, 2*mb)

		assert.Equal(t, header+
			"#EXT-X-TARGETDURATION:10\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXT-X-MAP:URI=\"file.mp4\",BYTERANGE=\"501@0\"\n"+
			"#EXTINF:10.000,\n"+
			"#EXT-X-BYTERANGE:1000000@1000\n"+
			"file.mp4\n"+
			"#EXTINF:10.000,\n"+
			"#EXT-X-BYTERANGE:2000000\n"+
			"file.mp4\n"+
			"#EXT-X-ENDLIST\n", render(t, p))
	})
}

func TestBitrate(t *testing.T) {
	t.Run("from media info", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		info := videoInfo()
		info.Bandwidth = 8191
		require.NoError(t, p.SetMediaInfo(info))
		assert.Equal(t, uint64(8191), p.Bitrate())
	})

	t.Run("from segments", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		require.NoError(t, p.SetMediaInfo(videoInfo()))
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddSegment("file2.m4s", 10*testTimeScale, 20*testTimeScale, 0, 5*mb)
		assert.Equal(t, uint64(2000000), p.Bitrate())
	})
}

func TestLongestSegmentDuration(t *testing.T) {
	p := NewMediaPlaylist(PlaylistTypeVOD, 0)
	require.NoError(t, p.SetMediaInfo(videoInfo()))
	p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
	p.AddSegment("file2.m4s", 10*testTimeScale, 30*testTimeScale, 0, 5*mb)
	p.AddSegment("file3.m4s", 40*testTimeScale, 14*testTimeScale, 0, 3*mb)

	assert.InDelta(t, 30.0, p.LongestSegmentDuration(), 0.01)
	assert.Equal(t, uint32(30), p.TargetDuration())
}

func TestVOD(t *testing.T) {
	setTestVersion(t)

	t.Run("empty", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		info := videoInfo()
		info.InitSegmentName = ""
		require.NoError(t, p.SetMediaInfo(info))
		assert.Equal(t, header+
			"#EXT-X-TARGETDURATION:0\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXT-X-ENDLIST\n", render(t, p))
	})

	t.Run("target duration override", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		require.NoError(t, p.SetMediaInfo(videoInfo()))
		p.SetTargetDuration(20)
		p.AddSegment("seg_1.m4s", 0, 10*testTimeScale, 0, mb)
		assert.Contains(t, render(t, p), "#EXT-X-TARGETDURATION:20\n")
	})

	t.Run("segments with init", func(t *testing.T) {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		require.NoError(t, p.SetMediaInfo(videoInfo()))
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddSegment("file2.m4s", 10*testTimeScale, 30*testTimeScale, 0, 5*mb)

		assert.Equal(t, header+
			"#EXT-X-TARGETDURATION:30\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXT-X-MAP:URI=\"init.mp4\"\n"+
			"#EXTINF:10.000,\n"+
			"file1.m4s\n"+
			"#EXTINF:30.000,\n"+
			"file2.m4s\n"+
			"#EXT-X-ENDLIST\n", render(t, p))
	})
}

func TestEncryptionInfo(t *testing.T) {
	setTestVersion(t)

	const (
		widevineKey = "#EXT-X-KEY:METHOD=SAMPLE-AES," +
			"URI=\"http://example.com\",IV=0x12345678,KEYFORMATVERSIONS=\"1/2/4\"," +
			"KEYFORMAT=\"com.widevine\"\n"
		otherKey = "#EXT-X-KEY:METHOD=SAMPLE-AES," +
			"URI=\"http://mydomain.com\",KEYID=0xfedc,IV=0x12345678," +
			"KEYFORMATVERSIONS=\"1\"," +
			"KEYFORMAT=\"com.widevine.someother\"\n"
		segments = "#EXTINF:10.000,\n" +
			"file1.m4s\n" +
			"#EXTINF:30.000,\n" +
			"file2.m4s\n"
	)

	newPlaylist := func(t *testing.T) *MediaPlaylist {
		p := NewMediaPlaylist(PlaylistTypeVOD, 0)
		info := videoInfo()
		info.InitSegmentName = ""
		require.NoError(t, p.SetMediaInfo(info))
		return p
	}
	addSegments := func(p *MediaPlaylist) {
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddSegment("file2.m4s", 10*testTimeScale, 30*testTimeScale, 0, 5*mb)
	}
	prologue := header + "#EXT-X-TARGETDURATION:30\n#EXT-X-PLAYLIST-TYPE:VOD\n"

	t.Run("single key", func(t *testing.T) {
		p := newPlaylist(t)
		p.AddEncryptionInfo(MethodSampleAES, "http://example.com", "", "0x12345678", "com.widevine", "1/2/4")
		addSegments(p)
		assert.Equal(t, prologue+widevineKey+segments+"#EXT-X-ENDLIST\n", render(t, p))
	})

	t.Run("empty iv", func(t *testing.T) {
		p := newPlaylist(t)
		p.AddEncryptionInfo(MethodSampleAES, "http://example.com", "", "", "com.widevine", "")
		addSegments(p)
		assert.Equal(t, prologue+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://example.com\",KEYFORMAT=\"com.widevine\"\n"+
			segments+"#EXT-X-ENDLIST\n", render(t, p))
	})

	t.Run("cenc method", func(t *testing.T) {
		p := newPlaylist(t)
		p.AddEncryptionInfo(MethodSampleAESCENC, "http://example.com", "", "0x12345678", "com.widevine", "1/2/4")
		addSegments(p)
		assert.Contains(t, render(t, p), "#EXT-X-KEY:METHOD=SAMPLE-AES-CENC,")
	})

	t.Run("multiple keys", func(t *testing.T) {
		p := newPlaylist(t)
		p.AddEncryptionInfo(MethodSampleAES, "http://example.com", "", "0x12345678", "com.widevine", "1/2/4")
		p.AddEncryptionInfo(MethodSampleAES, "http://mydomain.com", "0xfedc", "0x12345678", "com.widevine.someother", "1")
		addSegments(p)
		assert.Equal(t, prologue+widevineKey+otherKey+segments+"#EXT-X-ENDLIST\n", render(t, p))
	})

	t.Run("discontinuity after clear lead", func(t *testing.T) {
		p := newPlaylist(t)
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddEncryptionInfo(MethodSampleAES, "http://example.com", "", "0x12345678", "com.widevine", "1/2/4")
		p.AddSegment("file2.m4s", 10*testTimeScale, 30*testTimeScale, 0, 5*mb)

		assert.Equal(t, prologue+
			"#EXTINF:10.000,\n"+
			"file1.m4s\n"+
			"#EXT-X-DISCONTINUITY\n"+
			widevineKey+
			"#EXTINF:30.000,\n"+
			"file2.m4s\n"+
			"#EXT-X-ENDLIST\n", render(t, p))
	})
}

func TestLanguage(t *testing.T) {
	p := NewMediaPlaylist(PlaylistTypeVOD, 0)
	assert.Empty(t, p.Language())

	for _, tc := range []struct {
		in, want string
	}{
		{"eng", "en"},
		{"eng-US", "en-US"},
		{"apa", "apa"},
		{"und", ""},
	} {
		require.NoError(t, p.SetMediaInfo(MediaInfo{
			ReferenceTimeScale: testTimeScale,
			Audio:              &AudioInfo{Language: tc.in},
		}))
		assert.Equal(t, tc.want, p.Language(), tc.in)
	}
}

func TestNumChannels(t *testing.T) {
	p := NewMediaPlaylist(PlaylistTypeVOD, 0)
	assert.Equal(t, 0, p.NumChannels())

	for _, n := range []int{2, 8} {
		require.NoError(t, p.SetMediaInfo(MediaInfo{
			ReferenceTimeScale: testTimeScale,
			Audio:              &AudioInfo{NumChannels: n},
		}))
		assert.Equal(t, n, p.NumChannels())
	}
}

func TestLive(t *testing.T) {
	setTestVersion(t)

	newLive := func(t *testing.T) *MediaPlaylist {
		p := NewMediaPlaylist(PlaylistTypeLive, 20)
		info := videoInfo()
		info.InitSegmentName = ""
		require.NoError(t, p.SetMediaInfo(info))
		return p
	}
	prologue := header + "#EXT-X-TARGETDURATION:20\n"

	t.Run("within window", func(t *testing.T) {
		p := newLive(t)
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddSegment("file2.m4s", 10*testTimeScale, 20*testTimeScale, 0, 2*mb)

		assert.Equal(t, prologue+
			"#EXTINF:10.000,\n"+
			"file1.m4s\n"+
			"#EXTINF:20.000,\n"+
			"file2.m4s\n", render(t, p))
	})

	t.Run("time shifted", func(t *testing.T) {
		p := newLive(t)
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddSegment("file2.m4s", 10*testTimeScale, 20*testTimeScale, 0, 2*mb)
		p.AddSegment("file3.m4s", 30*testTimeScale, 20*testTimeScale, 0, 2*mb)

		assert.Equal(t, prologue+
			"#EXT-X-MEDIA-SEQUENCE:1\n"+
			"#EXTINF:20.000,\n"+
			"file2.m4s\n"+
			"#EXTINF:20.000,\n"+
			"file3.m4s\n", render(t, p))
	})

	t.Run("time shifted keeps leading keys", func(t *testing.T) {
		p := newLive(t)
		p.AddEncryptionInfo(MethodSampleAES, "http://example.com", "", "0x12345678", "com.widevine", "1/2/4")
		p.AddEncryptionInfo(MethodSampleAES, "http://mydomain.com", "0xfedc", "0x12345678", "com.widevine.someother", "1")
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		p.AddSegment("file2.m4s", 10*testTimeScale, 20*testTimeScale, 0, 2*mb)
		p.AddSegment("file3.m4s", 30*testTimeScale, 20*testTimeScale, 0, 2*mb)

		assert.Equal(t, prologue+
			"#EXT-X-MEDIA-SEQUENCE:1\n"+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://example.com\",IV=0x12345678,KEYFORMATVERSIONS=\"1/2/4\",KEYFORMAT=\"com.widevine\"\n"+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://mydomain.com\",KEYID=0xfedc,IV=0x12345678,KEYFORMATVERSIONS=\"1\",KEYFORMAT=\"com.widevine.someother\"\n"+
			"#EXTINF:20.000,\n"+
			"file2.m4s\n"+
			"#EXTINF:20.000,\n"+
			"file3.m4s\n", render(t, p))
	})

	t.Run("key groups slide with segments", func(t *testing.T) {
		p := newLive(t)
		addKeys := func(keyID, iv string) {
			p.AddEncryptionInfo(MethodSampleAES, "http://example.com", "", iv, "com.widevine", "1/2/4")
			p.AddEncryptionInfo(MethodSampleAES, "http://mydomain.com", keyID, iv, "com.widevine.someother", "1")
		}
		p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
		addKeys("0xfedc", "0x12345678")
		p.AddSegment("file2.m4s", 10*testTimeScale, 20*testTimeScale, 0, 2*mb)
		addKeys("0xfedd", "0x22345678")
		p.AddSegment("file3.m4s", 30*testTimeScale, 20*testTimeScale, 0, 2*mb)
		addKeys("0xfede", "0x32345678")
		p.AddSegment("file4.m4s", 50*testTimeScale, 20*testTimeScale, 0, 2*mb)

		assert.Equal(t, prologue+
			"#EXT-X-MEDIA-SEQUENCE:2\n"+
			"#EXT-X-DISCONTINUITY-SEQUENCE:1\n"+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://example.com\",IV=0x22345678,KEYFORMATVERSIONS=\"1/2/4\",KEYFORMAT=\"com.widevine\"\n"+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://mydomain.com\",KEYID=0xfedd,IV=0x22345678,KEYFORMATVERSIONS=\"1\",KEYFORMAT=\"com.widevine.someother\"\n"+
			"#EXTINF:20.000,\n"+
			"file3.m4s\n"+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://example.com\",IV=0x32345678,KEYFORMATVERSIONS=\"1/2/4\",KEYFORMAT=\"com.widevine\"\n"+
			"#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"http://mydomain.com\",KEYID=0xfede,IV=0x32345678,KEYFORMATVERSIONS=\"1\",KEYFORMAT=\"com.widevine.someother\"\n"+
			"#EXTINF:20.000,\n"+
			"file4.m4s\n", render(t, p))
	})
}

func TestEvent(t *testing.T) {
	setTestVersion(t)

	p := NewMediaPlaylist(PlaylistTypeEvent, 20)
	info := videoInfo()
	info.InitSegmentName = ""
	require.NoError(t, p.SetMediaInfo(info))
	p.AddSegment("file1.m4s", 0, 10*testTimeScale, 0, mb)
	p.AddSegment("file2.m4s", 10*testTimeScale, 20*testTimeScale, 0, 2*mb)
	p.AddSegment("file3.m4s", 30*testTimeScale, 20*testTimeScale, 0, 2*mb)

	assert.Equal(t, header+
		"#EXT-X-TARGETDURATION:20\n"+
		"#EXT-X-PLAYLIST-TYPE:EVENT\n"+
		"#EXTINF:10.000,\n"+
		"file1.m4s\n"+
		"#EXTINF:20.000,\n"+
		"file2.m4s\n"+
		"#EXTINF:20.000,\n"+
		"file3.m4s\n", render(t, p))
}
