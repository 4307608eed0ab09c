// Package events turns the teacher's byte-broadcast websocket Hub
// (internal/api/websocket.go) into a typed lifecycle-event broadcaster:
// instead of pushing opaque []byte payloads down to a dashboard, it
// publishes the engine's own LifecycleEvent values to any subscriber —
// the scheduler, a websocket bridge, or a test — interested in MixRequest
// or CoinJoin transitions.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/mixer-engine/internal/obslog"
)

var log = obslog.For("events")

// EventType names one lifecycle transition a subscriber can react to.
type EventType string

const (
	EventMixRequestStatusChanged EventType = "mix_request_status_changed"
	EventCoinJoinPhaseChanged    EventType = "coinjoin_phase_changed"
	EventOperationStatusChanged  EventType = "operation_status_changed"
	EventDepositObserved         EventType = "deposit_observed"
)

// LifecycleEvent is one typed notification the Hub fans out.
type LifecycleEvent struct {
	Type      EventType
	Subject   string // MixRequestID, session ID, or operation ID, as a string
	Detail    string
	Timestamp time.Time
}

// Hub maintains the set of subscribed channels and fans out LifecycleEvents
// to each of them, generalizing the teacher's map[*websocket.Conn]bool plus
// broadcast-channel shape to typed in-process subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan LifecycleEvent]bool
	broadcast   chan LifecycleEvent
}

// NewHub returns a Hub with no subscribers; call Run in a goroutine to
// start fanning events out.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan LifecycleEvent]bool),
		broadcast:   make(chan LifecycleEvent, 256),
	}
}

// Run drains the broadcast channel, pushing each event to every current
// subscriber. It returns when the broadcast channel is closed.
func (h *Hub) Run() {
	for ev := range h.broadcast {
		h.mu.Lock()
		for sub := range h.subscribers {
			select {
			case sub <- ev:
			default:
				log.Warn("dropping event for slow subscriber")
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe registers a new channel that will receive future events. The
// caller must eventually call Unsubscribe.
func (h *Hub) Subscribe(buffer int) chan LifecycleEvent {
	ch := make(chan LifecycleEvent, buffer)
	h.mu.Lock()
	h.subscribers[ch] = true
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (h *Hub) Unsubscribe(ch chan LifecycleEvent) {
	h.mu.Lock()
	if h.subscribers[ch] {
		delete(h.subscribers, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish enqueues ev for delivery to all current subscribers.
func (h *Hub) Publish(ev LifecycleEvent) {
	h.broadcast <- ev
}

// Close shuts the hub down, closing the broadcast channel so Run returns.
func (h *Hub) Close() {
	close(h.broadcast)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWebSocket upgrades a gin request to a websocket connection and
// relays LifecycleEvents to it as JSON text frames, the same upgrade and
// keep-alive-read-loop shape the teacher's Hub.Subscribe handler uses.
func (h *Hub) ServeWebSocket(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("failed to upgrade websocket connection")
		return
	}

	sub := h.Subscribe(32)
	log.Info("lifecycle event subscriber connected")

	go func() {
		defer func() {
			h.Unsubscribe(sub)
			conn.Close()
			log.Info("lifecycle event subscriber disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	for ev := range sub {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			log.WithError(err).Warn("websocket write failed")
			conn.Close()
			return
		}
	}
}
