package roomclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"streamcast/internal/client/channel"
	"streamcast/internal/client/media"
	"streamcast/internal/client/negotiator"
	"streamcast/internal/core/domain"
	"streamcast/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Phase is the client's position in the browse/stream/view lifecycle.
type Phase string

const (
	PhaseBrowsing  Phase = "browsing"
	PhaseStreaming Phase = "streaming"
	PhaseViewing   Phase = "viewing"
)

const ackTimeout = 10 * time.Second

// EventChannel is the client's view of the coordinator connection.
type EventChannel interface {
	Emit(event string, payload interface{}) error
	Subscribe(event string, handler channel.EventHandler) channel.Subscription
	ParticipantID() domain.ParticipantID
}

// streamerNegotiator and viewerNegotiator are the negotiator surfaces the
// client drives. *negotiator.Negotiator implements both.
type streamerNegotiator interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	SetRemoteAnswer(raw json.RawMessage) error
	AddRemoteCandidate(raw json.RawMessage) error
	State() negotiator.State
	Close() error
}

type viewerNegotiator interface {
	Accept(ctx context.Context, rawOffer json.RawMessage) (json.RawMessage, error)
	AddRemoteCandidate(raw json.RawMessage) error
	State() negotiator.State
	Close() error
}

// Client is one participant's room state machine. It is Browsing until
// GoLive or Join succeeds, runs the WebRTC negotiations its role demands,
// and returns to Browsing when its room ends or it leaves.
type Client struct {
	cfg    *config.Config
	ch     EventChannel
	logger *zap.SugaredLogger

	mu          sync.Mutex
	phase       Phase
	roomID      domain.RoomID
	viewerCount int
	chatLog     []domain.ChatMessage
	liveRooms   map[domain.RoomID]domain.ParticipantID

	localMedia *media.LocalMedia
	streamNegs map[domain.ParticipantID]streamerNegotiator
	viewNeg    viewerNegotiator

	roleSubs []channel.Subscription
	baseSubs []channel.Subscription

	onRemoteTrack func(*webrtc.TrackRemote)

	// Factories are swappable for tests.
	newStreamerNeg func() (streamerNegotiator, error)
	newViewerNeg   func(onTrack func(*webrtc.TrackRemote)) (viewerNegotiator, error)
	newLocalMedia  func() (*media.LocalMedia, error)
}

// Option adjusts client construction.
type Option func(*Client)

// WithRemoteTrackHandler registers a callback for incoming media tracks
// while viewing.
func WithRemoteTrackHandler(fn func(*webrtc.TrackRemote)) Option {
	return func(c *Client) { c.onRemoteTrack = fn }
}

func New(cfg *config.Config, ch EventChannel, logger *zap.SugaredLogger, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg,
		ch:         ch,
		logger:     logger,
		phase:      PhaseBrowsing,
		liveRooms:  make(map[domain.RoomID]domain.ParticipantID),
		streamNegs: make(map[domain.ParticipantID]streamerNegotiator),
	}
	c.newLocalMedia = func() (*media.LocalMedia, error) {
		return media.New(logger)
	}
	c.newStreamerNeg = func() (streamerNegotiator, error) {
		return negotiator.NewStreamer(cfg, c.localMedia.Tracks(), logger)
	}
	c.newViewerNeg = func(onTrack func(*webrtc.TrackRemote)) (viewerNegotiator, error) {
		return negotiator.NewViewer(cfg, logger, negotiator.WithTrackHandler(onTrack))
	}
	for _, opt := range opts {
		opt(c)
	}

	// Listing subscriptions live for the client's whole lifetime.
	c.baseSubs = append(c.baseSubs,
		ch.Subscribe(domain.EventRoomCreated, c.handleRoomCreated),
		ch.Subscribe(domain.EventStreamEnded, c.handleStreamEnded),
	)
	return c
}

func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Client) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// ViewerCount reports the last count announced by the coordinator.
func (c *Client) ViewerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewerCount
}

// ChatLog returns the messages seen so far, in arrival order.
func (c *Client) ChatLog() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatMessage, len(c.chatLog))
	copy(out, c.chatLog)
	return out
}

// LiveRooms returns the room ids announced while browsing, sorted.
func (c *Client) LiveRooms() []domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.RoomID, 0, len(c.liveRooms))
	for id := range c.liveRooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RoomStreamer reports the announced streamer of a browse-listed room.
func (c *Client) RoomStreamer(id domain.RoomID) (domain.ParticipantID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	streamer, ok := c.liveRooms[id]
	return streamer, ok
}

// GoLive creates a room and enters Streaming. An empty roomID lets the
// coordinator assign one; the effective id is returned.
func (c *Client) GoLive(ctx context.Context, roomID domain.RoomID) (domain.RoomID, error) {
	c.mu.Lock()
	if c.phase != PhaseBrowsing {
		c.mu.Unlock()
		return "", fmt.Errorf("go live while %s: %w", c.phase, domain.ErrInvalidState)
	}
	c.mu.Unlock()

	lm, err := c.newLocalMedia()
	if err != nil {
		return "", fmt.Errorf("acquire local media: %w", domain.ErrMediaUnavailable)
	}

	ack := make(chan domain.RoomCreatedPayload, 1)
	ackSub := c.ch.Subscribe(domain.EventRoomCreated, func(raw json.RawMessage) {
		var p domain.RoomCreatedPayload
		if json.Unmarshal(raw, &p) == nil {
			select {
			case ack <- p:
			default:
			}
		}
	})
	defer ackSub.Close()

	if err := c.ch.Emit(domain.EventCreateRoom, domain.CreateRoomPayload{RoomID: roomID}); err != nil {
		return "", err
	}

	assigned, err := awaitAck(ctx, ack)
	if err != nil {
		return "", fmt.Errorf("awaiting room-created: %w", err)
	}

	c.mu.Lock()
	c.phase = PhaseStreaming
	c.roomID = assigned.RoomID
	c.viewerCount = 0
	c.chatLog = nil
	c.localMedia = lm
	delete(c.liveRooms, assigned.RoomID)
	c.mu.Unlock()

	c.setRoleSubs([]channel.Subscription{
		c.ch.Subscribe(domain.EventViewerJoined, c.handleViewerJoined),
		c.ch.Subscribe(domain.EventViewerLeft, c.handleViewerLeft),
		c.ch.Subscribe(domain.EventReceiveAnswer, c.handleReceiveAnswer),
		c.ch.Subscribe(domain.EventReceiveCandidate, c.handleReceiveCandidate),
		c.ch.Subscribe(domain.EventNewMessage, c.handleNewMessage),
	})

	c.logger.Infow("went live", "room_id", assigned.RoomID)
	return assigned.RoomID, nil
}

// Join enters Viewing on the given room.
func (c *Client) Join(ctx context.Context, roomID domain.RoomID) error {
	c.mu.Lock()
	if c.phase != PhaseBrowsing {
		c.mu.Unlock()
		return fmt.Errorf("join while %s: %w", c.phase, domain.ErrInvalidState)
	}
	c.mu.Unlock()

	ack := make(chan domain.RoomJoinedPayload, 1)
	ackSub := c.ch.Subscribe(domain.EventRoomJoined, func(raw json.RawMessage) {
		var p domain.RoomJoinedPayload
		if json.Unmarshal(raw, &p) == nil && p.RoomID == roomID {
			select {
			case ack <- p:
			default:
			}
		}
	})
	defer ackSub.Close()

	// The offer can arrive immediately after the join is acknowledged, so
	// the handler must be in place before join-room is sent.
	c.setRoleSubs([]channel.Subscription{
		c.ch.Subscribe(domain.EventReceiveOffer, c.handleReceiveOffer),
		c.ch.Subscribe(domain.EventReceiveCandidate, c.handleReceiveCandidate),
		c.ch.Subscribe(domain.EventNewMessage, c.handleNewMessage),
	})

	if err := c.ch.Emit(domain.EventJoinRoom, domain.JoinRoomPayload{RoomID: roomID}); err != nil {
		c.closeRoleSubs()
		return err
	}

	joined, err := awaitAck(ctx, ack)
	if err != nil {
		c.closeRoleSubs()
		return fmt.Errorf("awaiting room-joined: %w", err)
	}

	c.mu.Lock()
	c.phase = PhaseViewing
	c.roomID = roomID
	c.viewerCount = joined.TotalViewers
	c.chatLog = nil
	c.mu.Unlock()

	c.logger.Infow("joined room", "room_id", roomID, "total_viewers", joined.TotalViewers)
	return nil
}

// Leave exits the current room and returns to Browsing. Leaving while
// Browsing is a no-op.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase == PhaseBrowsing {
		return nil
	}

	err := c.ch.Emit(domain.EventLeaveRoom, nil)
	c.teardown()
	return err
}

// SendChat relays a chat line to the room. The local log gets the line
// immediately; the coordinator fans it out to everyone else.
func (c *Client) SendChat(text string) error {
	c.mu.Lock()
	if c.phase == PhaseBrowsing {
		c.mu.Unlock()
		return fmt.Errorf("chat while browsing: %w", domain.ErrNotInRoom)
	}
	roomID := c.roomID
	c.chatLog = append(c.chatLog, domain.ChatMessage{
		RoomID: roomID,
		Sender: c.ch.ParticipantID(),
		Text:   text,
		SentAt: time.Now(),
	})
	c.mu.Unlock()

	return c.ch.Emit(domain.EventSendMessage, domain.SendMessagePayload{
		RoomID:  roomID,
		Message: text,
	})
}

// Close leaves any room and releases every subscription.
func (c *Client) Close() error {
	c.teardown()
	for _, sub := range c.baseSubs {
		sub.Close()
	}
	c.baseSubs = nil
	return nil
}

func (c *Client) handleRoomCreated(raw json.RawMessage) {
	var p domain.RoomCreatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.mu.Lock()
	// Only the browse list cares; our own room never appears in it.
	if c.phase == PhaseBrowsing || p.RoomID != c.roomID {
		c.liveRooms[p.RoomID] = p.StreamerID
	}
	c.mu.Unlock()
}

func (c *Client) handleStreamEnded(raw json.RawMessage) {
	var p domain.StreamEndedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	delete(c.liveRooms, p.RoomID)
	viewingIt := c.phase == PhaseViewing && c.roomID == p.RoomID
	c.mu.Unlock()

	if viewingIt {
		c.logger.Infow("stream ended", "room_id", p.RoomID)
		c.teardown()
	}
}

func (c *Client) handleViewerJoined(raw json.RawMessage) {
	var p domain.ViewerJoinedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	if c.phase != PhaseStreaming {
		c.mu.Unlock()
		return
	}
	c.viewerCount = p.TotalViewers
	roomID := c.roomID
	c.mu.Unlock()

	// One negotiation per viewer, run off the reader goroutine.
	go c.offerTo(p.ViewerID, roomID)
}

func (c *Client) offerTo(viewerID domain.ParticipantID, roomID domain.RoomID) {
	neg, err := c.newStreamerNeg()
	if err != nil {
		c.logger.Errorw("failed to create negotiation", "viewer_id", viewerID, "error", err)
		return
	}

	c.mu.Lock()
	if prev, ok := c.streamNegs[viewerID]; ok {
		prev.Close()
	}
	c.streamNegs[viewerID] = neg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Negotiation.Timeout)
	defer cancel()

	offer, err := neg.CreateOffer(ctx)
	if err != nil {
		c.logger.Errorw("failed to create offer", "viewer_id", viewerID, "error", err)
		c.dropStreamNeg(viewerID)
		return
	}

	if err := c.ch.Emit(domain.EventSendOffer, domain.SendOfferPayload{
		ViewerID: viewerID,
		Offer:    offer,
		RoomID:   roomID,
	}); err != nil {
		c.logger.Errorw("failed to send offer", "viewer_id", viewerID, "error", err)
		c.dropStreamNeg(viewerID)
	}
}

func (c *Client) handleViewerLeft(raw json.RawMessage) {
	var p domain.ViewerLeftPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	if c.phase != PhaseStreaming {
		c.mu.Unlock()
		return
	}
	if p.TotalViewers >= 0 {
		c.viewerCount = p.TotalViewers
	}
	neg, ok := c.streamNegs[p.ViewerID]
	delete(c.streamNegs, p.ViewerID)
	c.mu.Unlock()

	if ok {
		neg.Close()
	}
}

func (c *Client) handleReceiveAnswer(raw json.RawMessage) {
	var p domain.ReceiveAnswerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	neg, ok := c.streamNegs[p.ViewerID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warnw("answer from unknown viewer", "viewer_id", p.ViewerID)
		return
	}

	if err := neg.SetRemoteAnswer(p.Answer); err != nil {
		c.logger.Warnw("failed to apply answer", "viewer_id", p.ViewerID, "error", err)
	}
}

func (c *Client) handleReceiveOffer(raw json.RawMessage) {
	var p domain.ReceiveOfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	if c.roomID != "" && c.roomID != p.RoomID {
		c.mu.Unlock()
		return
	}
	// A fresh offer supersedes any negotiation in flight.
	if c.viewNeg != nil {
		c.viewNeg.Close()
		c.viewNeg = nil
	}
	c.mu.Unlock()

	neg, err := c.newViewerNeg(c.remoteTrack)
	if err != nil {
		c.logger.Errorw("failed to create negotiation", "error", err)
		return
	}
	c.mu.Lock()
	c.viewNeg = neg
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Negotiation.Timeout)
	defer cancel()

	answer, err := neg.Accept(ctx, p.Offer)
	if err != nil {
		c.logger.Errorw("failed to answer offer", "error", err)
		return
	}

	if err := c.ch.Emit(domain.EventSendAnswer, domain.SendAnswerPayload{
		RoomID: p.RoomID,
		Answer: answer,
	}); err != nil {
		c.logger.Errorw("failed to send answer", "error", err)
	}
}

func (c *Client) handleReceiveCandidate(raw json.RawMessage) {
	var p domain.ReceiveCandidatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	var target interface{ AddRemoteCandidate(json.RawMessage) error }
	switch c.phase {
	case PhaseStreaming:
		if neg, ok := c.streamNegs[p.From]; ok {
			target = neg
		}
	case PhaseViewing:
		if c.viewNeg != nil {
			target = c.viewNeg
		}
	}
	c.mu.Unlock()

	if target == nil {
		return
	}
	if err := target.AddRemoteCandidate(p.Candidate); err != nil {
		c.logger.Warnw("failed to apply candidate", "from", p.From, "error", err)
	}
}

func (c *Client) handleNewMessage(raw json.RawMessage) {
	var p domain.NewMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}

	c.mu.Lock()
	if c.phase != PhaseBrowsing && p.RoomID == c.roomID {
		c.chatLog = append(c.chatLog, domain.ChatMessage{
			RoomID: p.RoomID,
			Sender: p.ViewerID,
			Text:   p.Message,
			SentAt: time.Now(),
		})
	}
	c.mu.Unlock()
}

func (c *Client) remoteTrack(track *webrtc.TrackRemote) {
	c.logger.Infow("remote track",
		"kind", track.Kind().String(),
		"stream_id", track.StreamID(),
	)
	if c.onRemoteTrack != nil {
		c.onRemoteTrack(track)
	}
}

func (c *Client) dropStreamNeg(viewerID domain.ParticipantID) {
	c.mu.Lock()
	neg, ok := c.streamNegs[viewerID]
	delete(c.streamNegs, viewerID)
	c.mu.Unlock()
	if ok {
		neg.Close()
	}
}

// teardown closes every negotiation, releases role subscriptions and
// returns the client to Browsing.
func (c *Client) teardown() {
	c.mu.Lock()
	negs := c.streamNegs
	c.streamNegs = make(map[domain.ParticipantID]streamerNegotiator)
	viewNeg := c.viewNeg
	c.viewNeg = nil
	c.phase = PhaseBrowsing
	c.roomID = ""
	c.viewerCount = 0
	c.localMedia = nil
	c.mu.Unlock()

	for _, neg := range negs {
		neg.Close()
	}
	if viewNeg != nil {
		viewNeg.Close()
	}
	c.closeRoleSubs()
}

func (c *Client) setRoleSubs(subs []channel.Subscription) {
	c.mu.Lock()
	c.roleSubs = subs
	c.mu.Unlock()
}

// closeRoleSubs swaps the subscription set out under the lock and closes
// the handles outside it; teardown can race Leave with the reader
// goroutine's stream-ended handling.
func (c *Client) closeRoleSubs() {
	c.mu.Lock()
	subs := c.roleSubs
	c.roleSubs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func awaitAck[T any](ctx context.Context, ack <-chan T) (T, error) {
	var zero T
	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case v := <-ack:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-timer.C:
		return zero, context.DeadlineExceeded
	}
}
