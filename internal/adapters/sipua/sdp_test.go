package sipua

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferDescribesAudio(t *testing.T) {
	m := newLocalMedia("10.0.0.5", 41000)
	body, err := m.offer(false)
	require.NoError(t, err)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(body))
	require.Len(t, desc.MediaDescriptions, 1)
	audio := desc.MediaDescriptions[0]
	assert.Equal(t, "audio", audio.MediaName.Media)
	assert.Equal(t, 41000, audio.MediaName.Port.Value)
	assert.Equal(t, []string{"0", "8", "101"}, audio.MediaName.Formats)
	_, sendrecv := audio.Attribute("sendrecv")
	assert.True(t, sendrecv)

	addr, err := remoteAudio(body)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:41000", addr)
}

func TestHoldOfferIsSendOnlyWithNewVersion(t *testing.T) {
	m := newLocalMedia("10.0.0.5", 0)
	first, err := m.offer(false)
	require.NoError(t, err)
	held, err := m.offer(true)
	require.NoError(t, err)

	var a, b sdp.SessionDescription
	require.NoError(t, a.Unmarshal(first))
	require.NoError(t, b.Unmarshal(held))
	assert.Equal(t, a.Origin.SessionID, b.Origin.SessionID)
	assert.Greater(t, b.Origin.SessionVersion, a.Origin.SessionVersion)
	assert.Equal(t, defaultRTPPort, b.MediaDescriptions[0].MediaName.Port.Value)

	_, sendonly := b.MediaDescriptions[0].Attribute("sendonly")
	assert.True(t, sendonly)
}

func TestRemoteAudioPrefersMediaConnection(t *testing.T) {
	body := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=video 5004 RTP/AVP 96\r\n" +
		"m=audio 6000 RTP/AVP 0\r\n" +
		"c=IN IP4 192.0.2.9\r\n"
	addr, err := remoteAudio([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.9:6000", addr)
}

func TestRemoteAudioMissing(t *testing.T) {
	_, err := remoteAudio(nil)
	assert.ErrorIs(t, err, errNoAudio)

	body := "v=0\r\n" +
		"o=pbx 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 0 RTP/AVP 0\r\n"
	_, err = remoteAudio([]byte(body))
	assert.ErrorIs(t, err, errNoAudio)
}
