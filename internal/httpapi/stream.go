package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	subscriberBuffer   = 16
	streamWriteTimeout = 5 * time.Second
)

// Hub fans finished pass reports out to admin stream subscribers. Slow
// subscribers miss messages rather than hold up a pass.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
	log  logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{subs: map[chan []byte]struct{}{}, log: log.WithField("component", "stream")}
}

func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("encode stream message")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.log.Warn("stream subscriber lagging, message dropped")
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (s *Server) handleAdminStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket accept")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	// Admin clients never send; CloseRead handles control frames and ends ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg := <-ch:
			if err := writeTimeout(ctx, conn, msg); err != nil {
				s.log.WithError(err).Debug("stream write failed")
				return
			}
		}
	}
}

func writeTimeout(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
