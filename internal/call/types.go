package call

import (
	"context"
	"errors"
)

// State is the call lifecycle phase. Exactly one Session is live per client.
type State int32

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateOnCall
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateOnCall:
		return "oncall"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects a transition while another call is in progress.
	ErrBusy = errors.New("call already in progress")

	// ErrNoIncomingCall is returned by AnswerCall outside the incoming state.
	ErrNoIncomingCall = errors.New("no incoming call to answer")

	// ErrNotInCall rejects in-call operations on an idle session.
	ErrNotInCall = errors.New("not in a call")
)

// Signal is one control-link message between the two ends of a call.
type Signal struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

const (
	// SignalVideoID carries the responder's video channel id to the caller.
	SignalVideoID = "id"
	// SignalVideoEnd tells the partner the local video was switched off.
	SignalVideoEnd = "video-end"
	// SignalEndCall tells the partner the call was hung up.
	SignalEndCall = "end-call"
)

// MediaStream is an opaque handle to a set of live media tracks.
type MediaStream interface {
	// Stop releases the underlying tracks. Must tolerate repeat calls.
	Stop()
}

// MediaSource produces local capture streams; acquiring one may need user
// permission and can block, hence the context.
type MediaSource interface {
	CaptureAudio(ctx context.Context) (MediaStream, error)
	CaptureVideo(ctx context.Context) (MediaStream, error)
}

// Transport is the external peer-connection capability. Codec and ICE
// negotiation happen behind it; this package only orchestrates channels.
type Transport interface {
	// OpenChannel allocates an addressable channel with a unique identity.
	OpenChannel(ctx context.Context) (Channel, error)
}

// Channel is one addressable media/data endpoint.
type Channel interface {
	ID() string
	// Dial places a media call carrying local to the remote channel.
	Dial(ctx context.Context, remoteID string, local MediaStream) (MediaLink, error)
	// Connect opens a data-only control link to the remote channel.
	Connect(ctx context.Context, remoteID string) (ControlLink, error)
	// Calls yields inbound media calls; Links yields inbound control links.
	Calls() <-chan IncomingMedia
	Links() <-chan ControlLink
	Close() error
}

// IncomingMedia is an inbound media call awaiting an answer.
type IncomingMedia interface {
	// PeerID identifies the dialing channel.
	PeerID() string
	// Answer accepts the call; local may be nil for receive-only legs.
	Answer(local MediaStream) (MediaLink, error)
}

// MediaLink is one established media leg.
type MediaLink interface {
	// Remote yields the partner's stream once it arrives.
	Remote() <-chan MediaStream
	// Done is closed when the link ends, locally or remotely.
	Done() <-chan struct{}
	Close() error
}

// ControlLink is the data-only connection used for in-call signaling.
type ControlLink interface {
	Send(Signal) error
	Recv() <-chan Signal
	Close() error
}

// EndReason explains why a call ended.
type EndReason int

const (
	EndLocal EndReason = iota
	EndRemote
	EndBusy
)

func (r EndReason) String() string {
	switch r {
	case EndLocal:
		return "local"
	case EndRemote:
		return "remote"
	case EndBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Observer receives call notifications. It replaces the original design's
// assignable handler fields with an explicit subscriber interface; embed
// NopObserver to pick only the notifications you care about.
type Observer interface {
	StateChanged(from, to State)
	// AudioStream fires when the partner's audio arrives.
	AudioStream(remote MediaStream)
	// VideoStream fires when the partner's video arrives.
	VideoStream(remote MediaStream)
	// LocalVideo fires when the local camera stream is ready.
	LocalVideo(local MediaStream)
	// VideoClosed fires when the partner's video goes away.
	VideoClosed()
	CallEnded(reason EndReason)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) StateChanged(from, to State)    {}
func (NopObserver) AudioStream(remote MediaStream) {}
func (NopObserver) VideoStream(remote MediaStream) {}
func (NopObserver) LocalVideo(local MediaStream)   {}
func (NopObserver) VideoClosed()                   {}
func (NopObserver) CallEnded(reason EndReason)     {}
