package rtc

import (
	"encoding/json"
	"testing"

	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/transport/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebRTCConfig(t *testing.T) {
	cfg := WebRTCConfig([]config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	})
	require.Len(t, cfg.ICEServers, 2)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, cfg.ICEServers[1].URLs)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
}

func TestOfferAnswer(t *testing.T) {
	f := NewFactory(WebRTCConfig(nil))
	nop := func(peer.MediaEvent) {}

	a, err := f.NewSession(nop)
	require.NoError(t, err)
	defer a.Close()
	b, err := f.NewSession(nop)
	require.NoError(t, err)
	defer b.Close()

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	var desc map[string]any
	require.NoError(t, json.Unmarshal(offer, &desc))
	assert.Equal(t, "offer", desc["type"])
	assert.Contains(t, desc["sdp"], "m=audio")

	answer, err := b.AcceptOffer(offer)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(answer, &desc))
	assert.Equal(t, "answer", desc["type"])

	require.NoError(t, a.ApplyAnswer(answer))
	assert.Nil(t, a.RemoteStream())
}

func TestBadPayloads(t *testing.T) {
	s, err := NewFactory(WebRTCConfig(nil)).NewSession(nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.AcceptOffer(json.RawMessage(`not json`))
	assert.Error(t, err)
	assert.Error(t, s.ApplyAnswer(json.RawMessage(`{`)))
	assert.Error(t, s.AddCandidate(json.RawMessage(`[]`)))
}

func TestClosedSession(t *testing.T) {
	s, err := NewFactory(WebRTCConfig(nil)).NewSession(nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, s.SetAudioEnabled(false))
	assert.False(t, s.SetVideoEnabled(false))
	assert.ErrorIs(t, s.SetHold(true), ErrClosed)
}
