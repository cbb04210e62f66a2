package sipua

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/domain"
)

func testAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(config.TrunkConfig{
		Registrar:   "sip.example.com",
		Realm:       "example.com",
		ListenAddr:  "127.0.0.1:0",
		ContactHost: "127.0.0.1",
	})
	require.NoError(t, err)
	return a
}

func TestRegistrarURI(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"sip.example.com", "sip:sip.example.com"},
		{"sip.example.com:5080", "sip:sip.example.com:5080"},
		{"sip:pbx.example.com", "sip:pbx.example.com"},
		{"sip:1001@pbx.example.com", "sip:pbx.example.com"},
	}
	for _, tc := range cases {
		u, err := registrarURI(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, u.String(), tc.in)
	}

	for _, bad := range []string{"", "  ", "wss://sip.example.com"} {
		_, err := registrarURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestListenPort(t *testing.T) {
	p, err := listenPort("0.0.0.0:5070")
	require.NoError(t, err)
	assert.Equal(t, 5070, p)

	p, err = listenPort("")
	require.NoError(t, err)
	assert.Equal(t, 5060, p)

	_, err = listenPort("nohost")
	assert.Error(t, err)
}

func TestRegisterRequestCarriesBinding(t *testing.T) {
	b := &binding{
		registrar: sip.Uri{Host: "sip.example.com"},
		aor:       sip.Uri{User: "1001", Host: "example.com"},
		creds:     domain.TrunkCredentials{Username: "1001", Password: "pw", DisplayName: "agent-1"},
		callID:    "reg-call",
	}
	b.cseq.Store(4)
	contact := sip.ContactHeader{Address: sip.Uri{Host: "10.0.0.5", Port: 5060}}

	req := registerRequest(b, contact, 5*time.Minute)
	assert.Equal(t, sip.REGISTER, req.Method)
	assert.Equal(t, "1001", req.From().Address.User)
	assert.True(t, req.From().Params.Has("tag"))
	assert.Equal(t, "agent-1", req.From().DisplayName)
	assert.Equal(t, "1001", req.To().Address.User)
	assert.Equal(t, "1001", req.Contact().Address.User)
	assert.Equal(t, "reg-call", req.CallID().Value())
	assert.Equal(t, uint32(4), req.CSeq().SeqNo)
	require.NotNil(t, req.GetHeader("Expires"))
	assert.Equal(t, "300", req.GetHeader("Expires").Value())

	assert.Empty(t, contact.Address.User, "caller's contact is not modified")

	unbind := registerRequest(b, contact, 0)
	assert.Equal(t, "0", unbind.GetHeader("Expires").Value())
}

func TestRegisterRejectsUnreachableScheme(t *testing.T) {
	a := testAgent(t)
	defer a.shutdown()

	err := a.Register(context.Background(), "wss://sip.example.com", sip.Uri{User: "1001", Host: "example.com"},
		domain.TrunkCredentials{Username: "1001", Password: "pw"})
	assert.Error(t, err)
	assert.NoError(t, a.Unregister(context.Background()), "nothing bound")
}

func TestShutdownClosesInvitations(t *testing.T) {
	a := testAgent(t)
	assert.True(t, a.deliver(&invitation{id: "inv-1"}))

	a.shutdown()
	inv, ok := <-a.Invitations()
	require.True(t, ok, "queued invitation is still readable")
	assert.Equal(t, "inv-1", inv.ID())
	_, ok = <-a.Invitations()
	assert.False(t, ok)

	assert.False(t, a.deliver(&invitation{id: "inv-2"}))
}

func TestDeliverWhenBehindIsBusy(t *testing.T) {
	a := testAgent(t)
	defer a.shutdown()
	for i := 0; i < inboundBuffer; i++ {
		require.True(t, a.deliver(&invitation{}))
	}
	assert.False(t, a.deliver(&invitation{}))
}

func TestRegistrationCallback(t *testing.T) {
	a := testAgent(t)
	defer a.shutdown()
	var got []bool
	a.OnRegistration(func(registered bool) { got = append(got, registered) })
	a.notifyRegistration(false)
	a.notifyRegistration(true)
	assert.Equal(t, []bool{false, true}, got)
}

func TestAnswerErrorMapsFinalResponse(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "2002", Host: "example.com"})
	res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)

	err := answerError(&sipgo.ErrDialogResponse{Res: res})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "486")

	err = answerError(sipgo.ErrDialogResponse{Res: res})
	assert.ErrorIs(t, err, ErrRejected)

	other := errors.New("transport down")
	assert.Equal(t, other, answerError(other))
}

func TestAckForReinvite(t *testing.T) {
	inv := sip.NewRequest(sip.INVITE, sip.Uri{User: "2002", Host: "10.0.0.9", Port: 5060})
	from := sip.FromHeader{Address: sip.Uri{User: "1001", Host: "example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "local")
	callID := sip.CallIDHeader("call-7")
	inv.AppendHeader(&from)
	inv.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "2002", Host: "example.com"}, Params: sip.NewParams()})
	inv.AppendHeader(&callID)
	inv.AppendHeader(&sip.CSeqHeader{SeqNo: 3, MethodName: sip.INVITE})

	res := sip.NewResponseFromRequest(inv, sip.StatusOK, "OK", nil)
	res.To().Params.Add("tag", "remote")

	ack := ackFor(inv, res)
	assert.Equal(t, sip.ACK, ack.Method)
	assert.Equal(t, "call-7", ack.CallID().Value())
	assert.Equal(t, uint32(3), ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
	tag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "remote", tag)
}

func TestDTMFRelayBody(t *testing.T) {
	assert.Equal(t, "Signal=5\r\nDuration=160\r\n", string(dtmfRelay('5')))
	assert.Equal(t, "Signal=#\r\nDuration=160\r\n", string(dtmfRelay('#')))
}

func TestRemoteStreamID(t *testing.T) {
	s := &remoteStream{id: "call-7", addr: "192.0.2.9:6000"}
	assert.Equal(t, "sip:call-7@192.0.2.9:6000", s.StreamID())
}
