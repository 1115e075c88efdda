package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quizdeck/accountsync/internal/usersync"
)

const (
	subscriberBuffer  = 32
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// Hub fans engine progress out to websocket subscribers. Slow subscribers
// drop events instead of blocking the engine.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan usersync.Progress]struct{}
	last        *usersync.Progress
}

func NewHub() *Hub {
	return &Hub{subscribers: map[chan usersync.Progress]struct{}{}}
}

// Publish matches usersync.ProgressFunc.
func (h *Hub) Publish(progress usersync.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snapshot := progress
	h.last = &snapshot
	for ch := range h.subscribers {
		select {
		case ch <- progress:
		default:
		}
	}
}

// Subscribe returns a channel primed with the latest progress, if any.
func (h *Hub) Subscribe() (<-chan usersync.Progress, func()) {
	ch := make(chan usersync.Progress, subscriberBuffer)
	h.mu.Lock()
	if h.last != nil {
		ch <- *h.last
	}
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

func (s *Server) handleSyncEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.String("correlation_id", correlationID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	ctx := conn.CloseRead(r.Context())
	events, cancel := s.hub.Subscribe()
	defer cancel()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case progress := <-events:
			writeCtx, writeCancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, progress)
			writeCancel()
			if err != nil {
				s.logger.Debug("websocket write failed", zap.String("correlation_id", correlationID), zap.Error(err))
				return
			}
		}
	}
}
