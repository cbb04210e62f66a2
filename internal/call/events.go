package call

type EventKind int

const (
	EventConnected EventKind = iota
	EventRemoteHangup
	EventFailed
	EventIncoming
	EventRemoteNotice
	EventRegistration
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventRemoteHangup:
		return "remote-hangup"
	case EventFailed:
		return "failed"
	case EventIncoming:
		return "incoming"
	case EventRemoteNotice:
		return "remote-notice"
	case EventRegistration:
		return "registration"
	default:
		return "unknown"
	}
}

type NoticeKind string

const (
	NoticeMute     NoticeKind = "mute"
	NoticeVideo    NoticeKind = "video"
	NoticeHold     NoticeKind = "hold"
	NoticeTransfer NoticeKind = "transfer"
)

// Notice is what the remote party announced about its side of the call.
type Notice struct {
	Kind   NoticeKind
	Party  string
	Value  bool
	Target string
}

// Event is an asynchronous fact reported by a transport.
type Event struct {
	Kind   EventKind
	Source Kind
	CallID string
	// From is the remote party of an incoming call.
	From       string
	Err        error
	Notice     Notice
	Registered bool
}
