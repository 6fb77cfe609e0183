package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// EventHandler consumes the payload of one received event.
type EventHandler func(payload json.RawMessage)

// Subscription releases its handler when closed. Closing twice is a no-op.
type Subscription interface {
	Close() error
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Channel is a client connection to the coordinator's Event Channel. One
// reader goroutine dispatches received events to subscribers; writes are
// serialized by a mutex.
type Channel struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	participantID domain.ParticipantID

	writeMu sync.Mutex

	subMu     sync.RWMutex
	subs      map[string]map[int]EventHandler
	nextSubID int

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the coordinator, retrying transient failures with
// exponential backoff. An empty participantID lets the server assign one;
// the effective id is available from ParticipantID afterwards.
func Dial(ctx context.Context, rawURL string, participantID domain.ParticipantID, logger *zap.SugaredLogger) (*Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid channel url %q: %w", rawURL, err)
	}
	if participantID != "" {
		q := u.Query()
		q.Set("participant_id", string(participantID))
		u.RawQuery = q.Encode()
	}

	var conn *websocket.Conn
	dial := func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", u.String(), err)
		}
		if participantID == "" {
			participantID = domain.ParticipantID(resp.Header.Get("X-Participant-ID"))
		}
		conn = c
		return nil
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), dial); err != nil {
		return nil, err
	}

	ch := &Channel{
		conn:          conn,
		logger:        logger,
		participantID: participantID,
		subs:          make(map[string]map[int]EventHandler),
		done:          make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

// ParticipantID reports the identity this channel connected with.
func (ch *Channel) ParticipantID() domain.ParticipantID {
	return ch.participantID
}

// Done is closed when the connection drops or Close is called.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Emit sends one event to the coordinator.
func (ch *Channel) Emit(event string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = data
	}
	msg, err := json.Marshal(envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	select {
	case <-ch.done:
		return domain.ErrDeliveryFailure
	default:
	}

	ch.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ch.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Subscribe registers a handler for one event name. Handlers run on the
// reader goroutine, so they must not block. The returned Subscription
// releases only this handler; other subscribers to the same event stay
// registered.
func (ch *Channel) Subscribe(event string, handler EventHandler) Subscription {
	ch.subMu.Lock()
	defer ch.subMu.Unlock()

	if ch.subs[event] == nil {
		ch.subs[event] = make(map[int]EventHandler)
	}
	id := ch.nextSubID
	ch.nextSubID++
	ch.subs[event][id] = handler

	return &subscription{ch: ch, event: event, id: id}
}

type subscription struct {
	ch    *Channel
	event string
	id    int
	once  sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.ch.subMu.Lock()
		defer s.ch.subMu.Unlock()
		if handlers := s.ch.subs[s.event]; handlers != nil {
			delete(handlers, s.id)
			if len(handlers) == 0 {
				delete(s.ch.subs, s.event)
			}
		}
	})
	return nil
}

// Close shuts the connection down. In-flight handlers finish; no further
// events are dispatched.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		close(ch.done)

		ch.writeMu.Lock()
		ch.conn.SetWriteDeadline(time.Now().Add(time.Second))
		ch.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		ch.writeMu.Unlock()

		err = ch.conn.Close()
	})
	return err
}

func (ch *Channel) readLoop() {
	defer ch.Close()

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			select {
			case <-ch.done:
			default:
				ch.logger.Warnw("channel read failed", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.logger.Warnw("discarding malformed event", "error", err)
			continue
		}
		ch.dispatch(env)
	}
}

func (ch *Channel) dispatch(env envelope) {
	ch.subMu.RLock()
	handlers := make([]EventHandler, 0, len(ch.subs[env.Event]))
	for _, h := range ch.subs[env.Event] {
		handlers = append(handlers, h)
	}
	ch.subMu.RUnlock()

	for _, h := range handlers {
		h(env.Payload)
	}
}
