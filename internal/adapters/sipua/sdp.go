package sipua

import (
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pion/sdp/v3"
)

const defaultRTPPort = 40000

var errNoAudio = errors.New("no audio media")

// localMedia describes the agent's audio leg. Every description it hands out
// carries a fresh origin version so re-offers are not mistaken for repeats.
type localMedia struct {
	host      string
	port      int
	sessionID uint64
	version   atomic.Uint64
}

func newLocalMedia(host string, port int) *localMedia {
	if port <= 0 {
		port = defaultRTPPort
	}
	return &localMedia{host: host, port: port, sessionID: uint64(time.Now().UnixNano())}
}

// offer returns PCMU/PCMA audio with telephone-event. held marks the stream
// sendonly.
func (m *localMedia) offer(held bool) ([]byte, error) {
	direction := "sendrecv"
	if held {
		direction = "sendonly"
	}
	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: m.port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	audio.WithCodec(0, "PCMU", 8000, 0, "").
		WithCodec(8, "PCMA", 8000, 0, "").
		WithCodec(101, "telephone-event", 8000, 0, "0-16").
		WithPropertyAttribute(direction)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       userAgentName,
			SessionID:      m.sessionID,
			SessionVersion: m.version.Add(1),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: m.host,
		},
		SessionName: userAgentName,
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: m.host},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{audio},
	}
	return desc.Marshal()
}

// remoteAudio returns host:port of the first audio stream in body. A media
// level connection line wins over the session level one.
func remoteAudio(body []byte) (string, error) {
	if len(body) == 0 {
		return "", errNoAudio
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return "", err
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" || md.MediaName.Port.Value == 0 {
			continue
		}
		conn := desc.ConnectionInformation
		if md.ConnectionInformation != nil {
			conn = md.ConnectionInformation
		}
		if conn == nil || conn.Address == nil {
			return "", errors.New("audio without connection address")
		}
		return net.JoinHostPort(conn.Address.Address, strconv.Itoa(md.MediaName.Port.Value)), nil
	}
	return "", errNoAudio
}
