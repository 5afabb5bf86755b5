package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prateek-m/veilchat/internal/protocol"
)

// ErrPartnerOffline rejects a call to a user with no live connection, so no
// signaling is wasted on someone who can never answer.
var ErrPartnerOffline = errors.New("partner is offline")

// Conn is the slice of the realtime connection used for call signaling.
type Conn interface {
	Emit(event string, v any) error
	On(event string, fn func(data json.RawMessage))
}

// Session is the per-client call state machine. It coordinates three media
// channels (audio, outgoing video, incoming video) and one control link, all
// provided by an injected Transport. State transitions are serialized on the
// session mutex; establishment work runs in goroutines that are generation-
// checked so a stale completion cannot touch a newer call.
type Session struct {
	log       zerolog.Logger
	conn      Conn
	transport Transport
	source    MediaSource
	obs       Observer
	self      protocol.User
	drain     time.Duration
	reachable func(partnerID int64) bool

	mu     sync.Mutex
	state  State
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc

	partnerID      int64
	partnerName    string
	partnerAudioID string
	partnerVideoID string

	audio    Channel
	outVideo Channel
	inVideo  Channel

	control ControlLink
	pending []Signal // control signals queued until the link is up

	audioLink    MediaLink
	outVideoLink MediaLink
	inVideoLink  MediaLink

	localAudio  MediaStream
	remoteAudio MediaStream
	localVideo  MediaStream
	remoteVideo MediaStream

	// draining is non-nil while the control link of the previous call is
	// still waiting out its drain period; closed when teardown finishes.
	draining chan struct{}
}

// Option tweaks session construction.
type Option func(*Session)

// WithDrain overrides how long the control link outlives the rest of the
// call. The ordering guarantee is the point, not the duration.
func WithDrain(d time.Duration) Option {
	return func(s *Session) { s.drain = d }
}

// WithReachable installs a presence check consulted before dialing out.
func WithReachable(fn func(partnerID int64) bool) Option {
	return func(s *Session) { s.reachable = fn }
}

// New wires a call session onto conn and subscribes to its signaling events.
func New(conn Conn, transport Transport, source MediaSource, self protocol.User, obs Observer, log zerolog.Logger, opts ...Option) *Session {
	if obs == nil {
		obs = NopObserver{}
	}
	s := &Session{
		log:       log,
		conn:      conn,
		transport: transport,
		source:    source,
		obs:       obs,
		self:      self,
		drain:     time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	conn.On(protocol.EventForwardedCalling, s.onForwardedCalling)
	conn.On(protocol.EventForwardedPeerID, s.onForwardedPeerID)
	conn.On(protocol.EventForwardedBusy, s.onForwardedBusy)
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PartnerName returns who the current call is with, if any.
func (s *Session) PartnerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerName
}

// Call dials partnerID: allocates the three media channel identities, sends
// them to the partner and waits for the partner to establish audio. If the
// previous call is still draining its control link, Call waits that out
// first so the new call cannot touch channels being torn down.
func (s *Session) Call(ctx context.Context, partnerID int64, partnerName string) error {
	if s.reachable != nil && !s.reachable(partnerID) {
		return ErrPartnerOffline
	}
	if err := s.waitDrain(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	gen, cctx := s.armLocked()
	s.partnerID, s.partnerName = partnerID, partnerName
	s.state = StateOutgoing
	s.mu.Unlock()
	s.obs.StateChanged(StateIdle, StateOutgoing)

	audio, _, inVideo, err := s.openChannels(cctx, gen)
	if err != nil {
		s.endCall(false, EndLocal)
		return err
	}

	err = s.conn.Emit(protocol.EventSendingPeerID, protocol.CallOffer{
		From:     s.self.ID,
		FromName: s.self.Name,
		To:       partnerID,
		AudioID:  audio.ID(),
		VideoID:  inVideo.ID(),
	})
	if err != nil {
		s.endCall(false, EndLocal)
		return err
	}

	go s.acceptControl(cctx, gen, audio)
	go s.answerAudio(cctx, gen, audio)
	go s.answerVideo(cctx, gen, inVideo)
	return nil
}

// AnswerCall accepts the ringing call: dials the caller's audio channel with
// a local capture, hands over our incoming-video channel id on the control
// link and starts outgoing video.
func (s *Session) AnswerCall(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIncoming {
		s.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen := s.gen
	cctx := s.ctx
	audio := s.audio
	inVideo := s.inVideo
	remoteAudioID := s.partnerAudioID
	s.mu.Unlock()
	if audio == nil || inVideo == nil {
		return ErrNoIncomingCall
	}

	localAudio, err := s.source.CaptureAudio(cctx)
	if err != nil {
		return err
	}
	link, err := audio.Dial(cctx, remoteAudioID, localAudio)
	if err != nil {
		localAudio.Stop()
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		localAudio.Stop()
		_ = link.Close()
		return nil
	}
	s.localAudio = localAudio
	s.audioLink = link
	s.mu.Unlock()

	go s.watchRemoteAudio(cctx, gen, link)

	s.sendControl(Signal{Type: SignalVideoID, Payload: inVideo.ID()})
	s.dialVideo(cctx, gen)
	return nil
}

// StartVideo (re)starts the outgoing video leg without touching the call
// state. The local incoming-video channel id is re-announced over the relay
// so the partner can dial back even after a stop. A no-op when video is
// already running.
func (s *Session) StartVideo(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return ErrNotInCall
	}
	gen := s.gen
	inVideo := s.inVideo
	partnerID := s.partnerID
	s.mu.Unlock()

	if inVideo != nil {
		_ = s.conn.Emit(protocol.EventSendVideoPeerID, protocol.VideoPeerID{
			To:      partnerID,
			VideoID: inVideo.ID(),
		})
	}
	s.dialVideo(ctx, gen)
	return nil
}

// EndVideo stops the outgoing video leg without touching the call state.
func (s *Session) EndVideo() {
	s.mu.Lock()
	link := s.outVideoLink
	local := s.localVideo
	s.outVideoLink = nil
	s.localVideo = nil
	active := s.state != StateIdle
	s.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
	if local != nil {
		local.Stop()
	}
	if active {
		s.sendControl(Signal{Type: SignalVideoEnd})
	}
}

// EndCall hangs up: notifies the partner over the control link, stops every
// local stream, closes every channel and schedules the control link's
// release after the drain period. Idempotent; on an idle session it is a
// no-op.
func (s *Session) EndCall() {
	s.endCall(true, EndLocal)
}

// Close ends any call and waits for the drain teardown to finish.
func (s *Session) Close() {
	s.EndCall()
	s.mu.Lock()
	d := s.draining
	s.mu.Unlock()
	if d != nil {
		<-d
	}
}

// --- signaling event handlers ---

func (s *Session) onForwardedCalling(data json.RawMessage) {
	var offer protocol.CallOffer
	if json.Unmarshal(data, &offer) != nil {
		return
	}

	s.mu.Lock()
	if s.state != StateIdle || s.draining != nil {
		s.mu.Unlock()
		// explicit busy policy: never interrupt an in-progress call
		_ = s.conn.Emit(protocol.EventCallBusy, protocol.CallBusy{From: s.self.ID, To: offer.From})
		return
	}
	gen, cctx := s.armLocked()
	s.partnerID = offer.From
	s.partnerName = offer.FromName
	s.partnerAudioID = offer.AudioID
	s.partnerVideoID = offer.VideoID
	s.state = StateIncoming
	s.mu.Unlock()

	audio, _, inVideo, err := s.openChannels(cctx, gen)
	if err != nil {
		s.endCall(false, EndLocal)
		return
	}

	go s.connectControl(cctx, gen, audio, offer.AudioID)
	go s.answerVideo(cctx, gen, inVideo)
	// notify only once the channels exist, so an immediate AnswerCall works
	s.obs.StateChanged(StateIdle, StateIncoming)
}

func (s *Session) onForwardedPeerID(data json.RawMessage) {
	var vp protocol.VideoPeerID
	if json.Unmarshal(data, &vp) != nil {
		return
	}
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.partnerVideoID = vp.VideoID
	gen := s.gen
	cctx := s.ctx
	s.mu.Unlock()
	go s.dialVideo(cctx, gen)
}

func (s *Session) onForwardedBusy(data json.RawMessage) {
	var busy protocol.CallBusy
	if json.Unmarshal(data, &busy) != nil {
		return
	}
	s.mu.Lock()
	ringing := s.state == StateOutgoing && s.partnerID == busy.From
	s.mu.Unlock()
	if ringing {
		s.endCall(false, EndBusy)
	}
}

// --- establishment goroutines (generation-checked) ---

// armLocked starts a new call generation. Caller holds the mutex.
func (s *Session) armLocked() (uint64, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	s.ctx, s.cancel = ctx, cancel
	return s.gen, ctx
}

func (s *Session) openChannels(ctx context.Context, gen uint64) (audio, outVideo, inVideo Channel, err error) {
	opened := make([]Channel, 0, 3)
	for i := 0; i < 3; i++ {
		ch, cerr := s.transport.OpenChannel(ctx)
		if cerr != nil {
			for _, c := range opened {
				_ = c.Close()
			}
			return nil, nil, nil, cerr
		}
		opened = append(opened, ch)
	}
	audio, outVideo, inVideo = opened[0], opened[1], opened[2]

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		for _, c := range opened {
			_ = c.Close()
		}
		return nil, nil, nil, context.Canceled
	}
	s.audio, s.outVideo, s.inVideo = audio, outVideo, inVideo
	s.mu.Unlock()
	return audio, outVideo, inVideo, nil
}

// acceptControl waits for the callee to open the control link back to us.
func (s *Session) acceptControl(ctx context.Context, gen uint64, audio Channel) {
	select {
	case link := <-audio.Links():
		if link == nil {
			return
		}
		s.adoptControl(gen, link)
		s.controlLoop(ctx, gen, link)
	case <-ctx.Done():
	}
}

// connectControl opens the control link toward the caller's audio channel.
func (s *Session) connectControl(ctx context.Context, gen uint64, audio Channel, remoteID string) {
	link, err := audio.Connect(ctx, remoteID)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("control link failed")
		}
		return
	}
	s.adoptControl(gen, link)
	s.controlLoop(ctx, gen, link)
}

func (s *Session) adoptControl(gen uint64, link ControlLink) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	s.control = link
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, sig := range queued {
		_ = link.Send(sig)
	}
}

// sendControl delivers a signal now or as soon as the control link is up.
func (s *Session) sendControl(sig Signal) {
	s.mu.Lock()
	link := s.control
	if link == nil {
		s.pending = append(s.pending, sig)
	}
	s.mu.Unlock()
	if link != nil {
		_ = link.Send(sig)
	}
}

func (s *Session) controlLoop(ctx context.Context, gen uint64, link ControlLink) {
	for {
		select {
		case sig, ok := <-link.Recv():
			if !ok {
				return
			}
			switch sig.Type {
			case SignalVideoID:
				s.mu.Lock()
				stale := s.gen != gen
				if !stale {
					s.partnerVideoID = sig.Payload
				}
				s.mu.Unlock()
				if !stale {
					go s.dialVideo(ctx, gen)
				}
			case SignalVideoEnd:
				s.mu.Lock()
				stale := s.gen != gen
				s.mu.Unlock()
				if !stale {
					s.obs.VideoClosed()
				}
			case SignalEndCall:
				s.mu.Lock()
				stale := s.gen != gen
				s.mu.Unlock()
				if !stale {
					// peer already tore down; do not echo the signal back
					s.endCall(false, EndRemote)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// answerAudio handles the caller side: the callee dials our audio channel
// and we answer with a local capture.
func (s *Session) answerAudio(ctx context.Context, gen uint64, audio Channel) {
	var incoming IncomingMedia
	select {
	case incoming = <-audio.Calls():
		if incoming == nil {
			return
		}
	case <-ctx.Done():
		return
	}

	localAudio, err := s.source.CaptureAudio(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("audio capture failed")
		}
		return
	}
	link, err := incoming.Answer(localAudio)
	if err != nil {
		localAudio.Stop()
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		localAudio.Stop()
		_ = link.Close()
		return
	}
	s.localAudio = localAudio
	s.audioLink = link
	s.partnerAudioID = incoming.PeerID()
	s.mu.Unlock()

	s.watchRemoteAudio(ctx, gen, link)
}

// watchRemoteAudio promotes the call to oncall once the partner's audio
// stream arrives.
func (s *Session) watchRemoteAudio(ctx context.Context, gen uint64, link MediaLink) {
	select {
	case stream := <-link.Remote():
		if stream == nil {
			return
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			stream.Stop()
			return
		}
		s.remoteAudio = stream
		from := s.state
		s.state = StateOnCall
		s.mu.Unlock()
		s.obs.StateChanged(from, StateOnCall)
		s.obs.AudioStream(stream)
	case <-ctx.Done():
	}
}

// answerVideo accepts inbound video legs on the incoming-video channel, over
// and over, so the partner can stop and restart video within one call.
func (s *Session) answerVideo(ctx context.Context, gen uint64, inVideo Channel) {
	for {
		var incoming IncomingMedia
		select {
		case incoming = <-inVideo.Calls():
			if incoming == nil {
				return
			}
		case <-ctx.Done():
			return
		}

		link, err := incoming.Answer(nil)
		if err != nil {
			continue
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			_ = link.Close()
			return
		}
		s.inVideoLink = link
		s.mu.Unlock()

		var stream MediaStream
		select {
		case stream = <-link.Remote():
		case <-ctx.Done():
			return
		}
		if stream != nil {
			s.mu.Lock()
			stale := s.gen != gen
			if !stale {
				s.remoteVideo = stream
			}
			s.mu.Unlock()
			if stale {
				stream.Stop()
				return
			}
			s.obs.VideoStream(stream)
		}

		select {
		case <-link.Done():
			s.mu.Lock()
			stale := s.gen != gen
			if !stale {
				if s.remoteVideo != nil {
					s.remoteVideo.Stop()
					s.remoteVideo = nil
				}
				s.inVideoLink = nil
			}
			s.mu.Unlock()
			if stale {
				return
			}
			s.obs.VideoClosed()
		case <-ctx.Done():
			return
		}
	}
}

// dialVideo captures local video and dials the partner's incoming-video
// channel. A no-op until the partner's video id is known or while a video
// leg is already up.
func (s *Session) dialVideo(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.outVideoLink != nil || s.partnerVideoID == "" || s.outVideo == nil {
		s.mu.Unlock()
		return
	}
	outVideo := s.outVideo
	remoteID := s.partnerVideoID
	s.mu.Unlock()

	localVideo, err := s.source.CaptureVideo(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("video capture failed")
		}
		return
	}
	link, err := outVideo.Dial(ctx, remoteID, localVideo)
	if err != nil {
		localVideo.Stop()
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.outVideoLink != nil {
		s.mu.Unlock()
		localVideo.Stop()
		_ = link.Close()
		return
	}
	s.localVideo = localVideo
	s.outVideoLink = link
	s.mu.Unlock()
	s.obs.LocalVideo(localVideo)
}

// --- teardown ---

func (s *Session) endCall(notifyPartner bool, reason EndReason) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++

	control := s.control
	audio := s.audio
	s.control = nil
	s.audio = nil
	s.pending = nil

	streams := []MediaStream{s.localAudio, s.remoteAudio, s.localVideo, s.remoteVideo}
	s.localAudio, s.remoteAudio, s.localVideo, s.remoteVideo = nil, nil, nil, nil

	links := []MediaLink{s.audioLink, s.outVideoLink, s.inVideoLink}
	s.audioLink, s.outVideoLink, s.inVideoLink = nil, nil, nil

	channels := []Channel{s.outVideo, s.inVideo}
	s.outVideo, s.inVideo = nil, nil

	s.partnerID, s.partnerName = 0, ""
	s.partnerAudioID, s.partnerVideoID = "", ""

	from := s.state
	s.state = StateIdle

	if notifyPartner && control != nil {
		_ = control.Send(Signal{Type: SignalEndCall})
	}

	draining := make(chan struct{})
	s.draining = draining
	drain := s.drain
	s.mu.Unlock()

	// local media and peer links close immediately
	for _, stream := range streams {
		if stream != nil {
			stream.Stop()
		}
	}
	for _, link := range links {
		if link != nil {
			_ = link.Close()
		}
	}
	for _, ch := range channels {
		if ch != nil {
			_ = ch.Close()
		}
	}

	s.obs.StateChanged(from, StateIdle)
	s.obs.CallEnded(reason)

	// the control link and its carrier channel stay up for the drain period
	// so the end-of-call signal is not lost to an immediate teardown
	time.AfterFunc(drain, func() {
		s.mu.Lock()
		if s.draining == draining {
			s.draining = nil
		}
		s.mu.Unlock()
		if control != nil {
			_ = control.Close()
		}
		if audio != nil {
			_ = audio.Close()
		}
		close(draining)
	})
}

func (s *Session) waitDrain(ctx context.Context) error {
	s.mu.Lock()
	d := s.draining
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	select {
	case <-d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
