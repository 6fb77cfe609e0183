package roomclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"streamcast/internal/client/channel"
	"streamcast/internal/client/negotiator"
	"streamcast/internal/core/domain"
	"streamcast/pkg/config"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChannel is an in-process Event Channel double. Tests deliver server
// events with deliver and inspect what the client emitted.
type fakeChannel struct {
	mu       sync.Mutex
	id       domain.ParticipantID
	emitted  []emittedEvent
	handlers map[string]map[int]channel.EventHandler
	nextSub  int

	// autoRespond, when set, runs synchronously after every Emit.
	autoRespond func(event string, payload interface{})
}

type emittedEvent struct {
	event   string
	payload interface{}
}

func newFakeChannel(id domain.ParticipantID) *fakeChannel {
	return &fakeChannel{
		id:       id,
		handlers: make(map[string]map[int]channel.EventHandler),
	}
}

func (f *fakeChannel) ParticipantID() domain.ParticipantID { return f.id }

func (f *fakeChannel) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	f.emitted = append(f.emitted, emittedEvent{event: event, payload: payload})
	respond := f.autoRespond
	f.mu.Unlock()

	if respond != nil {
		respond(event, payload)
	}
	return nil
}

func (f *fakeChannel) Subscribe(event string, handler channel.EventHandler) channel.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]channel.EventHandler)
	}
	id := f.nextSub
	f.nextSub++
	f.handlers[event][id] = handler
	return &fakeSub{f: f, event: event, id: id}
}

type fakeSub struct {
	f     *fakeChannel
	event string
	id    int
}

func (s *fakeSub) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.handlers[s.event], s.id)
	return nil
}

func (f *fakeChannel) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	hs := make([]channel.EventHandler, 0, len(f.handlers[event]))
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(raw)
	}
}

func (f *fakeChannel) emittedEvents(event string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []interface{}
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// fakeStreamerNeg and fakeViewerNeg stand in for real WebRTC negotiations.
type fakeStreamerNeg struct {
	mu     sync.Mutex
	answer json.RawMessage
	closed bool
}

func (f *fakeStreamerNeg) CreateOffer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer","sdp":"v=0"}`), nil
}

func (f *fakeStreamerNeg) SetRemoteAnswer(raw json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answer = raw
	return nil
}

func (f *fakeStreamerNeg) AddRemoteCandidate(json.RawMessage) error { return nil }
func (f *fakeStreamerNeg) State() negotiator.State                  { return negotiator.StateOfferCreated }

func (f *fakeStreamerNeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStreamerNeg) gotAnswer() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answer != nil
}

func (f *fakeStreamerNeg) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeViewerNeg struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeViewerNeg) Accept(_ context.Context, rawOffer json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer","sdp":"v=0"}`), nil
}

func (f *fakeViewerNeg) AddRemoteCandidate(json.RawMessage) error { return nil }
func (f *fakeViewerNeg) State() negotiator.State                  { return negotiator.StateAnswerAwaited }

func (f *fakeViewerNeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeViewerNeg) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestClient(t *testing.T, id domain.ParticipantID) (*Client, *fakeChannel) {
	t.Helper()

	ch := newFakeChannel(id)
	cfg := config.DefaultConfig()
	cfg.Negotiation.Timeout = 2 * time.Second
	c := New(cfg, ch, zap.NewNop().Sugar())
	t.Cleanup(func() { c.Close() })
	return c, ch
}

func setupStreaming(t *testing.T, c *Client, ch *fakeChannel, roomID domain.RoomID) *fakeStreamerNeg {
	t.Helper()

	neg := &fakeStreamerNeg{}
	c.newStreamerNeg = func() (streamerNegotiator, error) { return neg, nil }

	ch.autoRespond = func(event string, payload interface{}) {
		if event == domain.EventCreateRoom {
			ch.deliver(t, domain.EventRoomCreated, domain.RoomCreatedPayload{RoomID: roomID, StreamerID: ch.id})
		}
	}

	assigned, err := c.GoLive(context.Background(), roomID)
	require.NoError(t, err)
	require.Equal(t, roomID, assigned)
	require.Equal(t, PhaseStreaming, c.Phase())

	ch.mu.Lock()
	ch.autoRespond = nil
	ch.mu.Unlock()
	return neg
}

func setupViewing(t *testing.T, c *Client, ch *fakeChannel, roomID domain.RoomID) *fakeViewerNeg {
	t.Helper()

	neg := &fakeViewerNeg{}
	c.newViewerNeg = func(func(*webrtc.TrackRemote)) (viewerNegotiator, error) { return neg, nil }

	ch.autoRespond = func(event string, payload interface{}) {
		if event == domain.EventJoinRoom {
			ch.deliver(t, domain.EventRoomJoined, domain.RoomJoinedPayload{RoomID: roomID, TotalViewers: 1})
		}
	}

	require.NoError(t, c.Join(context.Background(), roomID))
	require.Equal(t, PhaseViewing, c.Phase())

	ch.mu.Lock()
	ch.autoRespond = nil
	ch.mu.Unlock()
	return neg
}

func TestGoLiveEntersStreaming(t *testing.T) {
	c, ch := newTestClient(t, "streamer")
	setupStreaming(t, c, ch, "room-1")

	assert.Equal(t, domain.RoomID("room-1"), c.RoomID())
	assert.Zero(t, c.ViewerCount())
	require.Len(t, ch.emittedEvents(domain.EventCreateRoom), 1)
}

func TestGoLiveWhileStreaming(t *testing.T) {
	c, ch := newTestClient(t, "streamer")
	setupStreaming(t, c, ch, "room-1")

	_, err := c.GoLive(context.Background(), "room-2")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestViewerJoinedSpawnsOffer(t *testing.T) {
	c, ch := newTestClient(t, "streamer")
	setupStreaming(t, c, ch, "room-1")

	ch.deliver(t, domain.EventViewerJoined, domain.ViewerJoinedPayload{ViewerID: "v1", TotalViewers: 1})

	require.Eventually(t, func() bool {
		return len(ch.emittedEvents(domain.EventSendOffer)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	offer := ch.emittedEvents(domain.EventSendOffer)[0].(domain.SendOfferPayload)
	assert.Equal(t, domain.ParticipantID("v1"), offer.ViewerID)
	assert.Equal(t, domain.RoomID("room-1"), offer.RoomID)
	assert.NotEmpty(t, offer.Offer)
	assert.Equal(t, 1, c.ViewerCount())
}

func TestReceiveAnswerRoutedToViewerNegotiation(t *testing.T) {
	c, ch := newTestClient(t, "streamer")
	neg := setupStreaming(t, c, ch, "room-1")

	ch.deliver(t, domain.EventViewerJoined, domain.ViewerJoinedPayload{ViewerID: "v1", TotalViewers: 1})
	require.Eventually(t, func() bool {
		return len(ch.emittedEvents(domain.EventSendOffer)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ch.deliver(t, domain.EventReceiveAnswer, domain.ReceiveAnswerPayload{
		Answer:   json.RawMessage(`{"type":"answer"}`),
		ViewerID: "v1",
	})
	assert.True(t, neg.gotAnswer())
}

func TestViewerLeftClosesNegotiationAndClampsCount(t *testing.T) {
	c, ch := newTestClient(t, "streamer")
	neg := setupStreaming(t, c, ch, "room-1")

	ch.deliver(t, domain.EventViewerJoined, domain.ViewerJoinedPayload{ViewerID: "v1", TotalViewers: 1})
	require.Eventually(t, func() bool {
		return len(ch.emittedEvents(domain.EventSendOffer)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ch.deliver(t, domain.EventViewerLeft, domain.ViewerLeftPayload{ViewerID: "v1", TotalViewers: 0})
	assert.True(t, neg.isClosed())
	assert.Equal(t, 0, c.ViewerCount())

	// A malformed negative count never goes below zero.
	ch.deliver(t, domain.EventViewerLeft, domain.ViewerLeftPayload{ViewerID: "ghost", TotalViewers: -3})
	assert.Equal(t, 0, c.ViewerCount())
}

func TestJoinAnswersOffer(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	setupViewing(t, c, ch, "room-1")
	assert.Equal(t, 1, c.ViewerCount())

	ch.deliver(t, domain.EventReceiveOffer, domain.ReceiveOfferPayload{
		Offer:  json.RawMessage(`{"type":"offer"}`),
		RoomID: "room-1",
	})

	require.Eventually(t, func() bool {
		return len(ch.emittedEvents(domain.EventSendAnswer)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	answer := ch.emittedEvents(domain.EventSendAnswer)[0].(domain.SendAnswerPayload)
	assert.Equal(t, domain.RoomID("room-1"), answer.RoomID)
}

func TestStreamEndedReturnsViewerToBrowsing(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	neg := setupViewing(t, c, ch, "room-1")

	ch.deliver(t, domain.EventReceiveOffer, domain.ReceiveOfferPayload{
		Offer:  json.RawMessage(`{"type":"offer"}`),
		RoomID: "room-1",
	})
	require.Eventually(t, func() bool {
		return len(ch.emittedEvents(domain.EventSendAnswer)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ch.deliver(t, domain.EventStreamEnded, domain.StreamEndedPayload{RoomID: "room-1"})
	assert.Equal(t, PhaseBrowsing, c.Phase())
	assert.True(t, neg.isClosed())
	assert.Empty(t, c.RoomID())
}

func TestStreamEndedForOtherRoomIsIgnored(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	setupViewing(t, c, ch, "room-1")

	ch.deliver(t, domain.EventStreamEnded, domain.StreamEndedPayload{RoomID: "other"})
	assert.Equal(t, PhaseViewing, c.Phase())
}

func TestChatLocalEchoAndOrdering(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	setupViewing(t, c, ch, "room-1")

	require.NoError(t, c.SendChat("hello"))
	ch.deliver(t, domain.EventNewMessage, domain.NewMessagePayload{
		RoomID: "room-1", ViewerID: "streamer", Message: "welcome",
	})
	ch.deliver(t, domain.EventNewMessage, domain.NewMessagePayload{
		RoomID: "room-1", ViewerID: "v2", Message: "hi"},
	)

	log := c.ChatLog()
	require.Len(t, log, 3)
	assert.Equal(t, "hello", log[0].Text)
	assert.Equal(t, domain.ParticipantID("viewer"), log[0].Sender)
	assert.Equal(t, "welcome", log[1].Text)
	assert.Equal(t, "hi", log[2].Text)

	sent := ch.emittedEvents(domain.EventSendMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].(domain.SendMessagePayload).Message)
}

func TestChatWhileBrowsingRejected(t *testing.T) {
	c, _ := newTestClient(t, "lurker")
	assert.ErrorIs(t, c.SendChat("hi"), domain.ErrNotInRoom)
}

func TestChatForOtherRoomIgnored(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	setupViewing(t, c, ch, "room-1")

	ch.deliver(t, domain.EventNewMessage, domain.NewMessagePayload{
		RoomID: "other", ViewerID: "x", Message: "leak",
	})
	assert.Empty(t, c.ChatLog())
}

func TestBrowseListFollowsAnnouncements(t *testing.T) {
	c, ch := newTestClient(t, "lurker")

	ch.deliver(t, domain.EventRoomCreated, domain.RoomCreatedPayload{RoomID: "room-b", StreamerID: "bob"})
	ch.deliver(t, domain.EventRoomCreated, domain.RoomCreatedPayload{RoomID: "room-a", StreamerID: "alice"})
	assert.Equal(t, []domain.RoomID{"room-a", "room-b"}, c.LiveRooms())

	// The announcement names the streamer so a browser can show who is live.
	streamer, ok := c.RoomStreamer("room-a")
	require.True(t, ok)
	assert.Equal(t, domain.ParticipantID("alice"), streamer)

	ch.deliver(t, domain.EventStreamEnded, domain.StreamEndedPayload{RoomID: "room-a"})
	assert.Equal(t, []domain.RoomID{"room-b"}, c.LiveRooms())
	_, ok = c.RoomStreamer("room-a")
	assert.False(t, ok)
}

func TestConcurrentLeaveAndStreamEnded(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	setupViewing(t, c, ch, "room-1")

	// The reader goroutine tearing the session down on stream-ended must
	// not race a caller leaving at the same moment.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.Leave(context.Background())
	}()
	go func() {
		defer wg.Done()
		ch.deliver(t, domain.EventStreamEnded, domain.StreamEndedPayload{RoomID: "room-1"})
	}()
	wg.Wait()

	assert.Equal(t, PhaseBrowsing, c.Phase())
	assert.Empty(t, c.RoomID())
}

func TestLeaveReturnsToBrowsing(t *testing.T) {
	c, ch := newTestClient(t, "viewer")
	setupViewing(t, c, ch, "room-1")

	require.NoError(t, c.Leave(context.Background()))
	assert.Equal(t, PhaseBrowsing, c.Phase())
	require.Len(t, ch.emittedEvents(domain.EventLeaveRoom), 1)

	// Leaving while browsing is a no-op.
	require.NoError(t, c.Leave(context.Background()))
	require.Len(t, ch.emittedEvents(domain.EventLeaveRoom), 1)
}
