package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
	"streamcast/pkg/config"
	apperrors "streamcast/pkg/errors"
	"streamcast/pkg/tracing"
	"streamcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

// SignalObserver receives connection and handling observations. All methods
// may be called concurrently.
type SignalObserver interface {
	ObserveSignalEvent(event string, d time.Duration)
	ClientConnected()
	ClientDisconnected()
}

// client is one signaling connection. Writes go through the buffered send
// queue and a single writer goroutine, reads through a single reader, so
// the websocket's one-reader-one-writer rule holds.
type client struct {
	id          domain.ParticipantID
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	chatLimiter *rate.Limiter
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WebSocketServer terminates Event Channel connections and dispatches
// decoded events to the room registry. It implements ports.EventSink for
// the registry's outbound traffic.
type WebSocketServer struct {
	cfg      *config.Config
	logger   *zap.SugaredLogger
	registry ports.RoomRegistry
	observer SignalObserver

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[domain.ParticipantID]*client

	httpServer *http.Server
}

func NewWebSocketServer(cfg *config.Config, logger *zap.SugaredLogger, observer SignalObserver) *WebSocketServer {
	return &WebSocketServer{
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[domain.ParticipantID]*client),
	}
}

// SetRegistry wires the room registry. The registry is constructed after
// the server because it needs the server as its event sink.
func (s *WebSocketServer) SetRegistry(registry ports.RoomRegistry) {
	s.registry = registry
}

// Run serves the signaling endpoint until Shutdown is called.
func (s *WebSocketServer) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleConnection)
	mux.HandleFunc("/healthz", s.HealthCheck)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Signal.Address,
		Handler: mux,
	}

	s.logger.Infow("signal server listening", "address", s.cfg.Signal.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every connection and stops the listener.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[domain.ParticipantID]*client)
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// ClientCount reports the number of open connections.
func (s *WebSocketServer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleConnection upgrades the request and runs the connection until it
// drops. Participants identify themselves with the participant_id query
// parameter; absent one, the server assigns an id (echoed in the
// X-Participant-ID response header before the upgrade).
func (s *WebSocketServer) HandleConnection(w http.ResponseWriter, r *http.Request) {
	id := domain.ParticipantID(r.URL.Query().Get("participant_id"))
	if id == "" {
		id = domain.ParticipantID(utils.GenerateParticipantID())
	}

	header := http.Header{}
	header.Set("X-Participant-ID", string(id))
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		chatLimiter: s.newChatLimiter(),
	}

	s.register(c)
	if s.observer != nil {
		s.observer.ClientConnected()
	}
	s.logger.Infow("participant connected", "participant_id", id)

	go s.writePump(c)
	s.readPump(c)
	s.disconnect(c)
}

// register installs the client, displacing any previous connection with the
// same participant id. Reconnects therefore take over the identity instead
// of fighting the stale socket for it.
func (s *WebSocketServer) register(c *client) {
	s.mu.Lock()
	prev := s.clients[c.id]
	s.clients[c.id] = c
	s.mu.Unlock()

	if prev != nil {
		s.logger.Infow("displacing stale connection", "participant_id", c.id)
		prev.close()
	}
}

func (s *WebSocketServer) disconnect(c *client) {
	c.close()

	s.mu.Lock()
	// A reconnect may already have replaced this client.
	if s.clients[c.id] == c {
		delete(s.clients, c.id)
	} else {
		s.mu.Unlock()
		if s.observer != nil {
			s.observer.ClientDisconnected()
		}
		return
	}
	s.mu.Unlock()

	if s.observer != nil {
		s.observer.ClientDisconnected()
	}
	s.logger.Infow("participant disconnected", "participant_id", c.id)

	// A dropped connection is an implicit leave.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.registry.LeaveRoom(ctx, c.id); err != nil {
		s.logger.Debugw("no room to leave on disconnect", "participant_id", c.id, "error", err)
	}
}

func (s *WebSocketServer) readPump(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.Signal.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.Signal.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("unexpected connection close", "participant_id", c.id, "error", err)
			}
			return
		}
		s.handleMessage(c, data)
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.Signal.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.Signal.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.Signal.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(c, apperrors.NewInvalidInput("malformed event envelope"))
		return
	}
	if env.Event == "" {
		s.sendError(c, apperrors.NewInvalidInput("missing event name"))
		return
	}

	start := time.Now()
	ctx, span := tracing.TraceSignalEvent(context.Background(), env.Event, string(c.id))
	err := s.dispatch(ctx, c, env)
	span.End()

	if s.observer != nil {
		s.observer.ObserveSignalEvent(env.Event, time.Since(start))
	}

	if err != nil {
		appErr := apperrors.GetAppError(err)
		if appErr == nil {
			appErr = apperrors.FromDomain(err)
		}
		s.logger.Warnw("event rejected",
			"participant_id", c.id,
			"event", env.Event,
			"code", appErr.Code,
			"error", err,
		)
		s.sendError(c, appErr)
	}
}

func (s *WebSocketServer) dispatch(ctx context.Context, c *client, env Envelope) error {
	switch env.Event {
	case domain.EventCreateRoom:
		var p domain.CreateRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apperrors.NewInvalidInput("malformed create-room payload")
		}
		assigned, err := s.registry.CreateRoom(ctx, c.id, p.RoomID)
		if err != nil {
			return err
		}
		// The creator gets the assigned id directly; the registry's
		// broadcast excludes room members.
		return s.Send(c.id, domain.EventRoomCreated, domain.RoomCreatedPayload{RoomID: assigned, StreamerID: c.id})

	case domain.EventJoinRoom:
		var p domain.JoinRoomPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apperrors.NewInvalidInput("malformed join-room payload")
		}
		if p.RoomID == "" {
			return apperrors.NewInvalidInput("join-room requires roomId")
		}
		_, err := s.registry.JoinRoom(ctx, c.id, p.RoomID)
		return err

	case domain.EventLeaveRoom:
		return s.registry.LeaveRoom(ctx, c.id)

	case domain.EventSendOffer:
		var p domain.SendOfferPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apperrors.NewInvalidInput("malformed send-offer payload")
		}
		if p.RoomID == "" || p.ViewerID == "" || len(p.Offer) == 0 {
			return apperrors.NewInvalidInput("send-offer requires roomId, viewerId and offer")
		}
		return s.registry.RouteOffer(ctx, c.id, p.ViewerID, p.RoomID, p.Offer)

	case domain.EventSendAnswer:
		var p domain.SendAnswerPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apperrors.NewInvalidInput("malformed send-answer payload")
		}
		if p.RoomID == "" || len(p.Answer) == 0 {
			return apperrors.NewInvalidInput("send-answer requires roomId and answer")
		}
		return s.registry.RouteAnswer(ctx, c.id, p.RoomID, p.Answer)

	case domain.EventSendCandidate:
		var p domain.SendCandidatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apperrors.NewInvalidInput("malformed send-candidate payload")
		}
		if p.RoomID == "" || len(p.Candidate) == 0 {
			return apperrors.NewInvalidInput("send-candidate requires roomId and candidate")
		}
		return s.registry.RouteCandidate(ctx, c.id, p.RoomID, p.Target, p.Candidate)

	case domain.EventSendMessage:
		var p domain.SendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return apperrors.NewInvalidInput("malformed send-message payload")
		}
		if p.RoomID == "" || p.Message == "" {
			return apperrors.NewInvalidInput("send-message requires roomId and message")
		}
		if c.chatLimiter != nil && !c.chatLimiter.Allow() {
			return apperrors.NewRateLimited("chat rate limit exceeded")
		}
		return s.registry.RelayChatMessage(ctx, c.id, p.RoomID, p.Message)

	default:
		return apperrors.NewInvalidInput("unknown event " + env.Event)
	}
}

func (s *WebSocketServer) sendError(c *client, appErr *apperrors.AppError) {
	msg, err := newEnvelope(domain.EventError, domain.ErrorPayload{
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if err != nil {
		return
	}
	s.enqueue(c, msg)
}

// Send implements ports.EventSink for one participant.
func (s *WebSocketServer) Send(participant domain.ParticipantID, event string, payload interface{}) error {
	msg, err := newEnvelope(event, payload)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode event", http.StatusInternalServerError)
	}

	s.mu.RLock()
	c, ok := s.clients[participant]
	s.mu.RUnlock()
	if !ok {
		return apperrors.Wrap(domain.ErrDeliveryFailure, apperrors.ErrCodeDeliveryFailure,
			"participant not connected", http.StatusBadGateway)
	}

	if !s.enqueue(c, msg) {
		return apperrors.Wrap(domain.ErrDeliveryFailure, apperrors.ErrCodeDeliveryFailure,
			"participant send queue full", http.StatusBadGateway)
	}
	return nil
}

// Broadcast implements ports.EventSink. Delivery is best effort per
// recipient; one slow or dead connection never blocks the others.
func (s *WebSocketServer) Broadcast(event string, payload interface{}, exclude map[domain.ParticipantID]struct{}) {
	msg, err := newEnvelope(event, payload)
	if err != nil {
		s.logger.Errorw("failed to encode broadcast event", "event", event, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if _, skip := exclude[id]; skip {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.enqueue(c, msg)
	}
}

// enqueue places a message on the client's send queue without blocking.
// A full queue means the consumer is too slow; the message is dropped.
func (s *WebSocketServer) enqueue(c *client, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		s.logger.Warnw("send queue full, dropping event", "participant_id", c.id)
		return false
	}
}

func (s *WebSocketServer) newChatLimiter() *rate.Limiter {
	if !s.cfg.RateLimiting.Enabled {
		return nil
	}
	return rate.NewLimiter(
		rate.Limit(s.cfg.RateLimiting.Chat.MessagesPerSecond),
		s.cfg.RateLimiting.Chat.Burst,
	)
}

var _ ports.EventSink = (*WebSocketServer)(nil)
