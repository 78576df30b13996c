package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddressForms(t *testing.T) {
	a, err := ParseAddress(`"Alice" <sip:alice@example.com:5070>`)
	require.NoError(t, err)
	assert.Equal(t, "Alice", a.Display)
	assert.Equal(t, "sip", a.Scheme)
	assert.Equal(t, "alice", a.User)
	assert.Equal(t, "example.com", a.Host)
	assert.Equal(t, 5070, a.Port)
	assert.Equal(t, `"Alice" <sip:alice@example.com:5070>`, a.String())

	b, err := ParseAddress("bob@example.org")
	require.NoError(t, err)
	assert.Equal(t, "sip", b.Scheme)
	assert.Equal(t, "bob", b.User)
	assert.Equal(t, "example.org", b.Host)
	assert.Equal(t, "sip:bob@example.org", b.URI())

	_, err = ParseAddress("")
	assert.Error(t, err)
}

func TestSDPRoundTrip(t *testing.T) {
	sdp := &SDP{
		Conn: "198.51.100.7",
		Media: []*Media{
			{
				Type: "audio",
				Port: 40000,
				Formats: []Format{
					{PT: 96, Name: "speex", Rate: 16000},
					{PT: 0, Name: "pcmu", Rate: 8000},
					{PT: 101, Name: "telephone-event", Rate: 8000},
				},
			},
			{
				Type:    "video",
				Port:    40002,
				Formats: []Format{{PT: 99, Name: "h264", Rate: 90000}},
				Attrs:   []string{"fmtp:99 profile-level-id=420014;packetization-mode=1"},
			},
		},
	}

	parsed, err := ParseSDP(sdp.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", parsed.Conn)
	require.Len(t, parsed.Media, 2)

	audio := parsed.MediaOfType("audio")
	require.NotNil(t, audio)
	assert.Equal(t, 40000, audio.Port)
	assert.True(t, audio.HasFormat(Format{PT: 96, Name: "speex", Rate: 16000}))
	assert.True(t, audio.HasFormat(Format{PT: 0, Name: "pcmu", Rate: 8000}))

	video := parsed.MediaOfType("video")
	require.NotNil(t, video)
	assert.Contains(t, video.Attrs, "fmtp:99 profile-level-id=420014;packetization-mode=1")
}

func TestFormatMatching(t *testing.T) {
	// dynamic payload types match by name and rate regardless of number
	assert.True(t, Format{PT: 96, Name: "speex", Rate: 16000}.
		Matches(Format{PT: 103, Name: "SPEEX", Rate: 16000}))
	assert.False(t, Format{PT: 96, Name: "speex", Rate: 16000}.
		Matches(Format{PT: 96, Name: "speex", Rate: 8000}))
	// static types also match by number
	assert.True(t, Format{PT: 0, Name: "pcmu", Rate: 8000}.
		Matches(Format{PT: 0}))
}

func TestHoldConvention(t *testing.T) {
	sdp, err := ParseSDP("v=0\r\nc=IN IP4 0.0.0.0\r\nm=audio 4000 RTP/AVP 0\r\n")
	require.NoError(t, err)
	assert.True(t, sdp.OnHold())
}
