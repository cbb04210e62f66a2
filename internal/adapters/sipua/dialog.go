package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/transport/trunk"
)

const dtmfDuration = 160

// leg is what both sides of a sipgo dialog offer for in-dialog requests.
type leg interface {
	Do(ctx context.Context, req *sip.Request) (*sip.Response, error)
	Bye(ctx context.Context) error
	Context() context.Context
}

type dialog struct {
	agent *Agent
	id    string
	leg   leg
	// target is the remote Contact, known once the dialog is established.
	target func() sip.Uri

	// stopInvite cancels an outbound INVITE still waiting for its answer.
	stopInvite context.CancelFunc
	inviteCtx  context.Context

	established chan struct{}
	estOnce     sync.Once
	done        chan struct{}
	doneOnce    sync.Once

	mu     sync.Mutex
	err    error
	stream *remoteStream
}

var _ trunk.Dialog = (*dialog)(nil)

func newOutboundDialog(a *Agent, s *sipgo.DialogClientSession) *dialog {
	ctx, cancel := context.WithCancel(context.Background())
	return &dialog{
		agent: a,
		id:    s.InviteRequest.CallID().Value(),
		leg:   s,
		target: func() sip.Uri {
			if res := s.InviteResponse; res != nil && res.Contact() != nil {
				return res.Contact().Address
			}
			return s.InviteRequest.Recipient
		},
		stopInvite:  cancel,
		inviteCtx:   ctx,
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func newInboundDialog(a *Agent, s *sipgo.DialogServerSession) *dialog {
	d := &dialog{
		agent: a,
		id:    s.InviteRequest.CallID().Value(),
		leg:   s,
		target: func() sip.Uri {
			return s.InviteRequest.Contact().Address
		},
		established: make(chan struct{}),
		done:        make(chan struct{}),
	}
	d.setStream(s.InviteRequest.Body())
	d.markEstablished()
	go d.watch()
	return d
}

// await blocks until the outbound INVITE is answered, sends the ACK and then
// follows the dialog to its end.
func (d *dialog) await(opts sipgo.AnswerOptions) {
	s := d.leg.(*sipgo.DialogClientSession)
	err := s.WaitAnswer(d.inviteCtx, opts)
	switch {
	case errors.Is(err, context.Canceled):
		d.end(nil)
		return
	case err != nil:
		d.end(answerError(err))
		return
	}
	if err := s.Ack(context.Background()); err != nil {
		d.end(fmt.Errorf("ack: %w", err))
		return
	}
	if d.inviteCtx.Err() != nil {
		// hung up while the answer was in flight
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_ = s.Bye(ctx)
		cancel()
		d.end(nil)
		return
	}
	if s.InviteResponse != nil {
		d.setStream(s.InviteResponse.Body())
	}
	d.markEstablished()
	d.watch()
}

// answerError maps a final non-2xx answer to ErrRejected. sipgo returns the
// response error both by value and by pointer.
func answerError(err error) error {
	var res *sip.Response
	var byPtr *sipgo.ErrDialogResponse
	var byVal sipgo.ErrDialogResponse
	switch {
	case errors.As(err, &byPtr):
		res = byPtr.Res
	case errors.As(err, &byVal):
		res = byVal.Res
	}
	if res == nil {
		return err
	}
	return fmt.Errorf("%w: %d %s", ErrRejected, res.StatusCode, res.Reason)
}

func (d *dialog) watch() {
	select {
	case <-d.leg.Context().Done():
		d.end(nil)
	case <-d.done:
	}
}

func (d *dialog) markEstablished() {
	d.estOnce.Do(func() { close(d.established) })
}

func (d *dialog) isEstablished() bool {
	select {
	case <-d.established:
		return true
	default:
		return false
	}
}

func (d *dialog) end(err error) {
	d.doneOnce.Do(func() {
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	})
}

func (d *dialog) setStream(body []byte) {
	addr, err := remoteAudio(body)
	if err != nil {
		d.agent.logger.Debug().Err(err).Str("call_id", d.id).Msg("no remote audio")
		return
	}
	d.mu.Lock()
	d.stream = &remoteStream{id: d.id, addr: addr}
	d.mu.Unlock()
}

func (d *dialog) ID() string                   { return d.id }
func (d *dialog) Established() <-chan struct{} { return d.established }
func (d *dialog) Done() <-chan struct{}        { return d.done }

func (d *dialog) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Bye hangs up. An outbound call that is still ringing is canceled instead.
func (d *dialog) Bye(ctx context.Context) error {
	if !d.isEstablished() && d.stopInvite != nil {
		d.stopInvite()
		return nil
	}
	err := d.leg.Bye(ctx)
	d.end(nil)
	if err != nil {
		return fmt.Errorf("bye: %w", err)
	}
	return nil
}

// Hold re-offers the session as sendonly, or sendrecv to resume.
func (d *dialog) Hold(ctx context.Context, held bool) error {
	if !d.isEstablished() {
		return fmt.Errorf("hold: %w", ErrNotEstablished)
	}
	body, err := d.agent.media.offer(held)
	if err != nil {
		return fmt.Errorf("hold: %w", err)
	}
	req := sip.NewRequest(sip.INVITE, d.target())
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	res, err := d.leg.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("hold re-invite: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("hold re-invite: %w: %d %s", ErrRejected, res.StatusCode, res.Reason)
	}
	if err := d.agent.client.WriteRequest(ackFor(req, res)); err != nil {
		return fmt.Errorf("hold ack: %w", err)
	}
	return nil
}

// Refer asks the remote party to call target and leave this dialog.
func (d *dialog) Refer(ctx context.Context, target sip.Uri) error {
	if !d.isEstablished() {
		return fmt.Errorf("refer: %w", ErrNotEstablished)
	}
	req := sip.NewRequest(sip.REFER, d.target())
	req.AppendHeader(&sip.ReferToHeader{Address: target})

	res, err := d.leg.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("refer: %w", err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("refer: %w: %d %s", ErrRejected, res.StatusCode, res.Reason)
	}
	return nil
}

// SendDTMF sends one INFO per digit, in order.
func (d *dialog) SendDTMF(tone string) error {
	if !d.isEstablished() {
		return fmt.Errorf("dtmf: %w", ErrNotEstablished)
	}
	for _, digit := range tone {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		err := d.info(ctx, digit)
		cancel()
		if err != nil {
			return fmt.Errorf("dtmf %c: %w", digit, err)
		}
	}
	return nil
}

func (d *dialog) info(ctx context.Context, digit rune) error {
	req := sip.NewRequest(sip.INFO, d.target())
	req.SetBody(dtmfRelay(digit))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/dtmf-relay"))
	res, err := d.leg.Do(ctx, req)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("%w: %d %s", ErrRejected, res.StatusCode, res.Reason)
	}
	return nil
}

// SetMuted always succeeds: the agent sends no local RTP on trunk legs.
func (d *dialog) SetMuted(bool) bool { return true }

// SetVideoEnabled always reports false; trunk legs are audio only.
func (d *dialog) SetVideoEnabled(bool) bool { return false }

func (d *dialog) RemoteStream() call.StreamHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	return d.stream
}

// remoteStream is the RTP endpoint announced by the remote party.
type remoteStream struct {
	id   string
	addr string
}

func (r *remoteStream) StreamID() string { return "sip:" + r.id + "@" + r.addr }

// ackFor builds the ACK of a 2xx answer to an in-dialog re-INVITE.
func ackFor(inv *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, inv.Recipient)
	if h := inv.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inv.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}
	for _, h := range inv.GetHeaders("Route") {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	ack.SetTransport(inv.Transport())
	if dst := inv.Destination(); dst != "" {
		ack.SetDestination(dst)
	}
	return ack
}

func dtmfRelay(digit rune) []byte {
	return []byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, dtmfDuration))
}

// invitation is an inbound INVITE that is ringing.
type invitation struct {
	agent *Agent
	s     *sipgo.DialogServerSession
	id    string
	from  sip.Uri

	settled    chan struct{}
	settleOnce sync.Once
}

var _ trunk.Invitation = (*invitation)(nil)

func newInvitation(a *Agent, s *sipgo.DialogServerSession) *invitation {
	inv := &invitation{
		agent:   a,
		s:       s,
		id:      s.InviteRequest.CallID().Value(),
		settled: make(chan struct{}),
	}
	if from := s.InviteRequest.From(); from != nil {
		inv.from = from.Address
	}
	return inv
}

func (i *invitation) ID() string            { return i.id }
func (i *invitation) From() sip.Uri         { return i.from }
func (i *invitation) Done() <-chan struct{} { return i.s.Context().Done() }

func (i *invitation) settle() {
	i.settleOnce.Do(func() { close(i.settled) })
}

// Accept answers with the local description. A failed answer leaves the
// invitation ringing.
func (i *invitation) Accept(ctx context.Context) (trunk.Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	body, err := i.agent.media.offer(false)
	if err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	if err := i.s.RespondSDP(body); err != nil {
		return nil, fmt.Errorf("answer: %w", err)
	}
	i.settle()
	return newInboundDialog(i.agent, i.s), nil
}

func (i *invitation) Reject(ctx context.Context) error {
	defer i.settle()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := i.s.Respond(sip.StatusBusyHere, "Busy Here", nil); err != nil {
		return fmt.Errorf("reject: %w", err)
	}
	return nil
}
