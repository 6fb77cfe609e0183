package negotiator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// State is one phase of a single streamer-viewer negotiation.
type State string

const (
	StateIdle          State = "idle"
	StateOfferCreated  State = "offer_created"
	StateAnswerAwaited State = "answer_awaited"
	StateConnected     State = "connected"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

func (s State) terminal() bool {
	return s == StateFailed || s == StateClosed
}

// LinkStats aggregates receiver report feedback for one negotiation.
type LinkStats struct {
	FractionLost float64
	TotalLost    uint32
	Jitter       uint32
	ReportsSeen  uint64
	LastReportAt time.Time
}

// Negotiator drives exactly one offer/answer exchange with one remote
// peer. It never renegotiates: media changes mean closing this negotiator
// and starting a fresh one. All methods are safe for concurrent use.
type Negotiator struct {
	pc     *webrtc.PeerConnection
	role   domain.Role
	logger *zap.SugaredLogger

	mu       sync.Mutex
	state    State
	busy     bool
	watchdog *time.Timer
	timeout  time.Duration

	// Candidates that arrive before the remote description is set.
	pending []webrtc.ICECandidateInit

	onStateChange func(State)
	onTrack       func(*webrtc.TrackRemote)

	statsMu sync.Mutex
	stats   LinkStats
}

// Option configures a Negotiator before its peer connection starts.
type Option func(*Negotiator)

// WithStateListener registers a callback invoked outside the negotiator's
// lock on every state transition.
func WithStateListener(fn func(State)) Option {
	return func(n *Negotiator) { n.onStateChange = fn }
}

// WithTrackHandler registers the viewer-side callback for incoming tracks.
func WithTrackHandler(fn func(*webrtc.TrackRemote)) Option {
	return func(n *Negotiator) { n.onTrack = fn }
}

func newAPI(cfg *config.Config) (*webrtc.API, webrtc.Configuration) {
	se := webrtc.SettingEngine{}
	if cfg.WebRTC.PortRange.Min > 0 {
		se.SetEphemeralUDPPortRange(cfg.WebRTC.PortRange.Min, cfg.WebRTC.PortRange.Max)
	}

	var servers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), webrtc.Configuration{ICEServers: servers}
}

// NewStreamer creates the streamer-side negotiator for one viewer. The
// shared local tracks attach to this peer connection; an empty track list
// is allowed here but CreateOffer will refuse to run without media.
func NewStreamer(cfg *config.Config, tracks []webrtc.TrackLocal, logger *zap.SugaredLogger, opts ...Option) (*Negotiator, error) {
	api, rtcCfg := newAPI(cfg)
	pc, err := api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		pc:      pc,
		role:    domain.RoleStreamer,
		logger:  logger,
		state:   StateIdle,
		timeout: cfg.Negotiation.Timeout,
	}
	for _, opt := range opts {
		opt(n)
	}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach track: %w", err)
		}
		go n.readRTCP(sender)
	}

	n.watchConnection()
	return n, nil
}

// NewViewer creates the viewer-side negotiator. Incoming tracks arrive on
// the handler registered with WithTrackHandler; the first one marks the
// negotiation Connected.
func NewViewer(cfg *config.Config, logger *zap.SugaredLogger, opts ...Option) (*Negotiator, error) {
	api, rtcCfg := newAPI(cfg)
	pc, err := api.NewPeerConnection(rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	n := &Negotiator{
		pc:      pc,
		role:    domain.RoleViewer,
		logger:  logger,
		state:   StateIdle,
		timeout: cfg.Negotiation.Timeout,
	}
	for _, opt := range opts {
		opt(n)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// Media flowing is the viewer's proof the negotiation succeeded.
		n.transition(StateConnected, StateAnswerAwaited, StateConnected)
		if n.onTrack != nil {
			n.onTrack(track)
		}
	})

	n.watchConnection()
	return n, nil
}

// State returns the current negotiation state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Role reports which side of the negotiation this is.
func (n *Negotiator) Role() domain.Role {
	return n.role
}

// Stats returns accumulated receiver report feedback.
func (n *Negotiator) Stats() LinkStats {
	n.statsMu.Lock()
	defer n.statsMu.Unlock()
	return n.stats
}

// CreateOffer produces a complete local description, candidates included,
// ready to route to the viewer. Only valid in Idle, and only with local
// media attached.
func (n *Negotiator) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	n.mu.Lock()
	if n.state.terminal() {
		n.mu.Unlock()
		return nil, domain.ErrNegotiatorClosed
	}
	if n.state != StateIdle || n.busy {
		n.mu.Unlock()
		return nil, fmt.Errorf("create offer in state %s: %w", n.state, domain.ErrInvalidState)
	}
	if len(n.pc.GetSenders()) == 0 {
		n.mu.Unlock()
		return nil, fmt.Errorf("create offer without local tracks: %w", domain.ErrMediaUnavailable)
	}
	// The lock cannot be held across the pion calls below, so mark the
	// negotiator busy to keep a second exchange from starting in parallel.
	n.busy = true
	n.mu.Unlock()
	defer n.clearBusy()

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("gathering candidates: %w", ctx.Err())
	}

	data, err := json.Marshal(n.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encode offer: %w", err)
	}

	if !n.transition(StateOfferCreated, StateIdle) {
		return nil, domain.ErrNegotiatorClosed
	}
	n.startWatchdog()
	return data, nil
}

// SetRemoteAnswer applies the viewer's answer. Only valid after
// CreateOffer; the streamer side is Connected once the answer applies.
func (n *Negotiator) SetRemoteAnswer(raw json.RawMessage) error {
	n.mu.Lock()
	if n.state.terminal() {
		n.mu.Unlock()
		return domain.ErrNegotiatorClosed
	}
	if n.state != StateOfferCreated || n.busy {
		n.mu.Unlock()
		return fmt.Errorf("answer in state %s: %w", n.state, domain.ErrInvalidState)
	}
	n.busy = true
	n.mu.Unlock()
	defer n.clearBusy()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("apply answer: %w", err)
	}

	n.flushPending()
	n.transition(StateConnected, StateOfferCreated)
	n.stopWatchdog()
	return nil
}

// Accept applies the streamer's offer and produces a complete answer. The
// viewer then awaits media; the first incoming track marks Connected.
func (n *Negotiator) Accept(ctx context.Context, rawOffer json.RawMessage) (json.RawMessage, error) {
	n.mu.Lock()
	if n.state.terminal() {
		n.mu.Unlock()
		return nil, domain.ErrNegotiatorClosed
	}
	if n.state != StateIdle || n.busy {
		n.mu.Unlock()
		return nil, fmt.Errorf("accept offer in state %s: %w", n.state, domain.ErrInvalidState)
	}
	n.busy = true
	n.mu.Unlock()
	defer n.clearBusy()

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(rawOffer, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := n.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("apply offer: %w", err)
	}
	n.flushPending()

	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("gathering candidates: %w", ctx.Err())
	}

	data, err := json.Marshal(n.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encode answer: %w", err)
	}

	if !n.transition(StateAnswerAwaited, StateIdle) {
		return nil, domain.ErrNegotiatorClosed
	}
	n.startWatchdog()
	return data, nil
}

// AddRemoteCandidate applies a trickled ICE candidate, buffering it when
// the remote description is not set yet.
func (n *Negotiator) AddRemoteCandidate(raw json.RawMessage) error {
	n.mu.Lock()
	if n.state.terminal() {
		n.mu.Unlock()
		return domain.ErrNegotiatorClosed
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("decode candidate: %w", err)
	}

	if n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) clearBusy() {
	n.mu.Lock()
	n.busy = false
	n.mu.Unlock()
}

// flushPending applies candidates buffered before the remote description
// was set.
func (n *Negotiator) flushPending() {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			n.logger.Warnw("failed to apply buffered candidate", "error", err)
		}
	}
}

// Close tears the negotiation down. Further calls on a closed negotiator
// return ErrNegotiatorClosed.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.state == StateClosed {
		n.mu.Unlock()
		return nil
	}
	n.setStateLocked(StateClosed)
	n.mu.Unlock()

	n.stopWatchdog()
	return n.pc.Close()
}

// fail moves any non-terminal state to Failed and releases the transport.
func (n *Negotiator) fail(reason string) {
	n.mu.Lock()
	if n.state.terminal() {
		n.mu.Unlock()
		return
	}
	prev := n.state
	n.setStateLocked(StateFailed)
	n.mu.Unlock()

	n.logger.Warnw("negotiation failed",
		"role", n.role,
		"from_state", prev,
		"reason", reason,
	)
	n.stopWatchdog()
	n.pc.Close()
}

// transition moves to next if the current state is one of from, reporting
// whether the transition happened.
func (n *Negotiator) transition(next State, from ...State) bool {
	n.mu.Lock()
	allowed := false
	for _, s := range from {
		if n.state == s {
			allowed = true
			break
		}
	}
	if n.state == next {
		n.mu.Unlock()
		return true
	}
	if !allowed {
		n.mu.Unlock()
		return false
	}
	n.setStateLocked(next)
	n.mu.Unlock()

	if next == StateConnected {
		n.stopWatchdog()
	}
	return true
}

func (n *Negotiator) setStateLocked(next State) {
	n.state = next
	if n.onStateChange != nil {
		go n.onStateChange(next)
	}
}

func (n *Negotiator) startWatchdog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watchdog != nil {
		n.watchdog.Stop()
	}
	n.watchdog = time.AfterFunc(n.timeout, func() {
		if n.State() != StateConnected {
			n.fail("negotiation timed out")
		}
	})
}

func (n *Negotiator) stopWatchdog() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watchdog != nil {
		n.watchdog.Stop()
		n.watchdog = nil
	}
}

func (n *Negotiator) watchConnection() {
	n.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			n.fail("transport failed")
		case webrtc.PeerConnectionStateClosed:
			// Close already handled the transition.
		}
	})
}

// readRTCP drains receiver reports from one sender, folding loss and
// jitter feedback into the link stats.
func (n *Negotiator) readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		k, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:k])
		if err != nil {
			continue
		}
		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			n.statsMu.Lock()
			for _, report := range rr.Reports {
				n.stats.FractionLost = float64(report.FractionLost) / 256
				n.stats.TotalLost = report.TotalLost
				n.stats.Jitter = report.Jitter
			}
			n.stats.ReportsSeen++
			n.stats.LastReportAt = time.Now()
			n.statsMu.Unlock()
		}
	}
}
