package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dkeye/agentcall/internal/call"
	"github.com/dkeye/agentcall/internal/domain"
)

var errUsage = errors.New("usage")

// Phone is the controller surface the console drives.
type Phone interface {
	Start(ctx context.Context, destination string) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	ToggleMute(muted bool) error
	ToggleVideo(enabled bool) error
	ToggleHold(ctx context.Context, held bool) error
	Transfer(ctx context.Context, target string) error
	SendDTMF(tone string) error
	Snapshot() call.Snapshot
	Backend(ctx context.Context) (call.Kind, error)
}

var _ Phone = (*call.Controller)(nil)

const help = `commands:
  call <destination>   room id, or extension when the trunk is registered
  answer | reject
  hangup
  mute on|off
  video on|off
  hold on|off
  transfer <target>
  dtmf <tones>
  status
  quit`

// Console is a line-oriented control surface over a Phone.
type Console struct {
	phone Phone
	out   io.Writer
}

func NewConsole(phone Phone, out io.Writer) *Console {
	return &Console{phone: phone, out: out}
}

// Run executes lines from in until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(c.out, `type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.Exec(ctx, line)
			if err != nil {
				fmt.Fprintf(c.out, "error: %s (%v)\n", domain.Reason(err), err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Exec runs one command line.
func (c *Console) Exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, help)
		return false, nil
	case "quit", "exit":
		return true, nil
	case "status":
		c.status(ctx)
		return false, nil
	case "call":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: call <destination>", errUsage)
		}
		err = c.phone.Start(ctx, args[0])
	case "answer":
		err = c.phone.Accept(ctx)
	case "reject":
		err = c.phone.Reject(ctx)
	case "hangup":
		err = c.phone.End(ctx)
	case "mute", "video", "hold":
		on, perr := onOff(cmd, args)
		if perr != nil {
			return false, perr
		}
		switch cmd {
		case "mute":
			err = c.phone.ToggleMute(on)
		case "video":
			err = c.phone.ToggleVideo(on)
		default:
			err = c.phone.ToggleHold(ctx, on)
		}
	case "transfer":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: transfer <target>", errUsage)
		}
		err = c.phone.Transfer(ctx, args[0])
	case "dtmf":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: dtmf <tones>", errUsage)
		}
		err = c.phone.SendDTMF(args[0])
	default:
		return false, fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	if err != nil {
		return false, err
	}
	c.status(ctx)
	return false, nil
}

func onOff(cmd string, args []string) (bool, error) {
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on":
			return true, nil
		case "off":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: %s on|off", errUsage, cmd)
}

func (c *Console) status(ctx context.Context) {
	s := c.phone.Snapshot()
	kind, why := c.phone.Backend(ctx)
	fmt.Fprintf(c.out, "state=%s call=%s transport=%s muted=%t video=%t held=%t remote=%s next=%s",
		s.State, s.ID, s.Transport, s.AudioMuted, s.VideoEnabled, s.Held, s.RemoteParty, kind)
	if why != nil {
		fmt.Fprintf(c.out, " (%v)", why)
	}
	fmt.Fprintln(c.out)
}
