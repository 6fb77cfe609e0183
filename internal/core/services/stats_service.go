package services

import (
	"sort"
	"sync"
	"time"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/ports"
)

// RoomStats is a point-in-time view of one room's activity counters.
type RoomStats struct {
	RoomID           domain.RoomID `json:"room_id"`
	CurrentViewers   int           `json:"current_viewers"`
	PeakViewers      int           `json:"peak_viewers"`
	ChatMessages     int64         `json:"chat_messages"`
	State            string        `json:"state"`
	CreatedAt        time.Time     `json:"created_at"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
}

// StatsService accumulates per-room activity counters for the HTTP stats
// surface. It implements ports.RegistryMetrics and forwards every
// observation to an optional inner collector, so one instance can feed
// both the API and Prometheus.
type StatsService struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*RoomStats

	deliveryFailures map[string]int64

	inner ports.RegistryMetrics
}

func NewStatsService(inner ports.RegistryMetrics) *StatsService {
	return &StatsService{
		rooms:            make(map[domain.RoomID]*RoomStats),
		deliveryFailures: make(map[string]int64),
		inner:            inner,
	}
}

func (s *StatsService) RoomCreated(id domain.RoomID) {
	s.mu.Lock()
	s.rooms[id] = &RoomStats{
		RoomID:    id,
		State:     string(domain.RoomLive),
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()

	if s.inner != nil {
		s.inner.RoomCreated(id)
	}
}

func (s *StatsService) RoomEnded(id domain.RoomID) {
	s.mu.Lock()
	if st, ok := s.rooms[id]; ok {
		now := time.Now()
		st.State = string(domain.RoomEnded)
		st.CurrentViewers = 0
		st.EndedAt = &now
	}
	s.mu.Unlock()

	if s.inner != nil {
		s.inner.RoomEnded(id)
	}
}

func (s *StatsService) ViewerCount(id domain.RoomID, total int) {
	s.mu.Lock()
	if st, ok := s.rooms[id]; ok {
		st.CurrentViewers = total
		if total > st.PeakViewers {
			st.PeakViewers = total
		}
	}
	s.mu.Unlock()

	if s.inner != nil {
		s.inner.ViewerCount(id, total)
	}
}

func (s *StatsService) ChatRelayed(id domain.RoomID, recipients int) {
	s.mu.Lock()
	if st, ok := s.rooms[id]; ok {
		st.ChatMessages++
	}
	s.mu.Unlock()

	if s.inner != nil {
		s.inner.ChatRelayed(id, recipients)
	}
}

func (s *StatsService) DeliveryFailed(event string) {
	s.mu.Lock()
	s.deliveryFailures[event]++
	s.mu.Unlock()

	if s.inner != nil {
		s.inner.DeliveryFailed(event)
	}
}

// GetRoomStats returns counters for one room, nil if it was never seen.
func (s *StatsService) GetRoomStats(id domain.RoomID) *RoomStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.rooms[id]
	if !ok {
		return nil
	}
	copied := *st
	return &copied
}

// ListRoomStats returns counters for every room seen since startup, sorted
// by room id.
func (s *StatsService) ListRoomStats() []RoomStats {
	s.mu.RLock()
	out := make([]RoomStats, 0, len(s.rooms))
	for _, st := range s.rooms {
		out = append(out, *st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// DeliveryFailures returns failure counts keyed by event name.
func (s *StatsService) DeliveryFailures() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.deliveryFailures))
	for event, n := range s.deliveryFailures {
		out[event] = n
	}
	return out
}
