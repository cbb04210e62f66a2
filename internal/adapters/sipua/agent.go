// Package sipua is the SIP user agent behind the trunk transport. It
// registers with the registrar, places and answers INVITE dialogs and carries
// the in-dialog requests the trunk needs (re-INVITE hold, REFER, INFO DTMF).
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/agentcall/internal/config"
	"github.com/dkeye/agentcall/internal/domain"
	"github.com/dkeye/agentcall/internal/transport/trunk"
)

const (
	userAgentName  = "agentcall"
	defaultExpiry  = 5 * time.Minute
	requestTimeout = 10 * time.Second
	inboundBuffer  = 4
)

var (
	ErrRejected       = errors.New("sip request rejected")
	ErrNotEstablished = errors.New("dialog not established")
)

// Agent implements trunk.UserAgent on emiago/sipgo.
type Agent struct {
	cfg      config.TrunkConfig
	ua       *sipgo.UserAgent
	client   *sipgo.Client
	server   *sipgo.Server
	contact  sip.ContactHeader
	outbound *sipgo.DialogClientCache
	inbound  *sipgo.DialogServerCache
	media    *localMedia
	logger   zerolog.Logger

	onRegistration func(registered bool)

	mu          sync.Mutex
	closed      bool
	invitations chan trunk.Invitation
	bind        *binding
}

var _ trunk.UserAgent = (*Agent)(nil)

// binding is one registered address of record, refreshed until it is
// replaced or removed.
type binding struct {
	registrar sip.Uri
	aor       sip.Uri
	creds     domain.TrunkCredentials
	cseq      atomic.Uint32
	callID    string
	cancel    context.CancelFunc
}

func New(cfg config.TrunkConfig) (*Agent, error) {
	host := cfg.ContactHost
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := listenPort(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("sip listen address %q: %w", cfg.ListenAddr, err)
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgentName), sipgo.WithUserAgentHostname(host))
	if err != nil {
		return nil, fmt.Errorf("sip user agent: %w", err)
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sip client: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("sip server: %w", err)
	}

	contact := sip.ContactHeader{Address: sip.Uri{Host: host, Port: port}}
	a := &Agent{
		cfg:         cfg,
		ua:          ua,
		client:      client,
		server:      server,
		contact:     contact,
		outbound:    sipgo.NewDialogClientCache(client, contact),
		inbound:     sipgo.NewDialogServerCache(client, contact),
		media:       newLocalMedia(host, cfg.RTPPort),
		logger:      log.With().Str("module", "sipua").Str("realm", cfg.Realm).Logger(),
		invitations: make(chan trunk.Invitation, inboundBuffer),
	}
	server.OnInvite(a.onInvite)
	server.OnAck(a.onAck)
	server.OnBye(a.onBye)
	return a, nil
}

// OnRegistration sets the callback told when a refresh loses or regains the
// binding. Set it before Register.
func (a *Agent) OnRegistration(fn func(registered bool)) {
	a.mu.Lock()
	a.onRegistration = fn
	a.mu.Unlock()
}

// Run listens for inbound requests until ctx is done. The binding is removed
// and Invitations is closed on the way out.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().Str("listen", a.cfg.ListenAddr).Str("transport", a.cfg.Transport).Msg("sip user agent listening")
	err := a.server.ListenAndServe(ctx, a.cfg.Transport, a.cfg.ListenAddr)
	a.shutdown()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("sip listen %s: %w", a.cfg.ListenAddr, err)
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := a.Unregister(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("unregister on shutdown failed")
	}

	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.invitations)
	}
	a.mu.Unlock()

	_ = a.client.Close()
	_ = a.server.Close()
	_ = a.ua.Close()
}

func (a *Agent) Invitations() <-chan trunk.Invitation { return a.invitations }

// deliver hands inv to the trunk transport without blocking the SIP
// handler. It fails when the agent is stopping or the transport is behind.
func (a *Agent) deliver(inv *invitation) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	select {
	case a.invitations <- inv:
		return true
	default:
		return false
	}
}

func (a *Agent) expiry() time.Duration {
	if a.cfg.RegisterExpiry > 0 {
		return a.cfg.RegisterExpiry
	}
	return defaultExpiry
}

// Register binds aor at the registrar, answering a digest challenge with
// creds, and keeps the binding fresh in the background.
func (a *Agent) Register(ctx context.Context, registrar string, aor sip.Uri, creds domain.TrunkCredentials) error {
	target, err := registrarURI(registrar)
	if err != nil {
		return err
	}
	b := &binding{registrar: target, aor: aor, creds: creds, callID: sip.GenerateTagN(24)}
	if err := a.register(ctx, b, a.expiry()); err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	a.mu.Lock()
	old := a.bind
	a.bind = b
	a.mu.Unlock()
	if old != nil {
		old.cancel()
	}
	a.logger.Info().Str("aor", aor.String()).Str("registrar", target.String()).Dur("expiry", a.expiry()).Msg("bound")
	go a.refresh(rctx, b)
	return nil
}

// Unregister removes the current binding. Without one it is a no-op.
func (a *Agent) Unregister(ctx context.Context) error {
	a.mu.Lock()
	b := a.bind
	a.bind = nil
	a.mu.Unlock()
	if b == nil {
		return nil
	}
	b.cancel()
	return a.register(ctx, b, 0)
}

func (a *Agent) refresh(ctx context.Context, b *binding) {
	ticker := time.NewTicker(a.expiry() * 4 / 5)
	defer ticker.Stop()
	registered := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rctx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := a.register(rctx, b, a.expiry())
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn().Err(err).Str("aor", b.aor.String()).Msg("binding refresh failed")
		}
		if ok := err == nil; ok != registered {
			registered = ok
			a.notifyRegistration(ok)
		}
	}
}

func (a *Agent) notifyRegistration(registered bool) {
	a.mu.Lock()
	fn := a.onRegistration
	a.mu.Unlock()
	if fn != nil {
		fn(registered)
	}
}

func (a *Agent) register(ctx context.Context, b *binding, expiry time.Duration) error {
	req := registerRequest(b, a.contact, expiry)
	req.SetTransport(strings.ToUpper(a.cfg.Transport))

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return fmt.Errorf("register %s: %w", b.aor.User, err)
	}
	res, err := finalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("register %s: %w", b.aor.User, err)
	}

	if res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired {
		tx, err := a.client.DoDigestAuth(ctx, req, res, sipgo.DigestAuth{
			Username: b.creds.Username,
			Password: b.creds.Password,
		})
		if err != nil {
			return fmt.Errorf("register %s: digest: %w", b.aor.User, err)
		}
		res, err = finalResponse(ctx, tx)
		tx.Terminate()
		if err != nil {
			return fmt.Errorf("register %s: %w", b.aor.User, err)
		}
	}
	if req.CSeq() != nil {
		b.cseq.Store(req.CSeq().SeqNo)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("register %s: %w: %d %s", b.aor.User, ErrRejected, res.StatusCode, res.Reason)
	}
	return nil
}

// registerRequest builds a REGISTER for b. Refreshes reuse the Call-ID and
// advance the CSeq of the previous one.
func registerRequest(b *binding, contact sip.ContactHeader, expiry time.Duration) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, b.registrar)

	from := sip.FromHeader{DisplayName: b.creds.DisplayName, Address: b.aor, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	to := sip.ToHeader{Address: b.aor, Params: sip.NewParams()}
	contact.Address.User = b.aor.User
	callID := sip.CallIDHeader(b.callID)
	cseq := sip.CSeqHeader{SeqNo: b.cseq.Load(), MethodName: sip.REGISTER}
	expires := sip.ExpiresHeader(expiry / time.Second)

	req.AppendHeader(&from)
	req.AppendHeader(&to)
	req.AppendHeader(&contact)
	req.AppendHeader(&callID)
	req.AppendHeader(&cseq)
	req.AppendHeader(&expires)
	return req
}

// Invite sends an INVITE to to and returns the early dialog. The answer is
// awaited in the background and reported through Established.
func (a *Agent) Invite(ctx context.Context, to sip.Uri) (trunk.Dialog, error) {
	a.mu.Lock()
	b := a.bind
	a.mu.Unlock()

	offer, err := a.media.offer(false)
	if err != nil {
		return nil, fmt.Errorf("invite %s: %w", to.User, err)
	}
	headers := []sip.Header{sip.NewHeader("Content-Type", "application/sdp")}
	if b != nil {
		from := sip.FromHeader{DisplayName: b.creds.DisplayName, Address: b.aor, Params: sip.NewParams()}
		from.Params.Add("tag", sip.GenerateTagN(16))
		headers = append(headers, &from)
	}

	s, err := a.outbound.Invite(ctx, to, offer, headers...)
	if err != nil {
		return nil, fmt.Errorf("invite %s: %w", to.User, err)
	}
	opts := sipgo.AnswerOptions{}
	if b != nil {
		opts.Username, opts.Password = b.creds.Username, b.creds.Password
	}
	d := newOutboundDialog(a, s)
	go d.await(opts)
	return d, nil
}

func (a *Agent) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil && to.Params.Has("tag") {
		a.onReinvite(req, tx)
		return
	}

	s, err := a.inbound.ReadInvite(req, tx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("unreadable invite")
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
		return
	}
	inv := newInvitation(a, s)
	if err := s.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		a.logger.Warn().Err(err).Str("call_id", inv.id).Msg("ringing not sent")
		return
	}
	if !a.deliver(inv) {
		a.logger.Info().Str("call_id", inv.id).Msg("no room for invitation, busy")
		_ = s.Respond(sip.StatusBusyHere, "Busy Here", nil)
		_ = s.Close()
		return
	}

	// the transaction is terminated when this handler returns
	select {
	case <-inv.settled:
	case <-s.Context().Done():
	}
}

// onReinvite answers a session refresh or remote hold with the current
// local description.
func (a *Agent) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	body, err := a.media.offer(false)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Server Error", nil))
		return
	}
	a.logger.Debug().Str("call_id", req.CallID().Value()).Msg("re-invite")
	res := sip.NewSDPResponseFromRequest(req, body)
	res.AppendHeader(&a.contact)
	if err := tx.Respond(res); err != nil {
		a.logger.Warn().Err(err).Msg("re-invite answer failed")
	}
}

func (a *Agent) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := a.inbound.ReadAck(req, tx); err != nil {
		a.logger.Debug().Err(err).Str("call_id", req.CallID().Value()).Msg("ack outside dialog")
	}
}

func (a *Agent) onBye(req *sip.Request, tx sip.ServerTransaction) {
	err := a.outbound.ReadBye(req, tx)
	if unknownDialog(err) {
		err = a.inbound.ReadBye(req, tx)
	}
	switch {
	case unknownDialog(err):
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
	case err != nil:
		a.logger.Warn().Err(err).Str("call_id", req.CallID().Value()).Msg("bye failed")
	}
}

func unknownDialog(err error) bool {
	return errors.Is(err, sipgo.ErrDialogDoesNotExists) || errors.Is(err, sipgo.ErrDialogOutsideDialog)
}

// finalResponse waits for the first non-provisional response on tx.
func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// registrarURI accepts host[:port] or a sip:/sips: URI. Other schemes, such
// as a browser wss:// registrar, cannot be reached by this agent.
func registrarURI(s string) (sip.Uri, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sip.Uri{}, errors.New("empty registrar")
	}
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "sip:"), strings.HasPrefix(lower, "sips:"):
	case strings.Contains(lower, "://"):
		return sip.Uri{}, fmt.Errorf("registrar %q: unsupported scheme", s)
	default:
		s = "sip:" + s
	}
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("registrar %q: %w", s, err)
	}
	if u.Host == "" {
		return sip.Uri{}, fmt.Errorf("registrar %q: missing host", s)
	}
	u.User = ""
	return u, nil
}

func listenPort(addr string) (int, error) {
	if addr == "" {
		return 5060, nil
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
