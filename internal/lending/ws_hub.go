package lending

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients after every
// committed position change.
type WSMessage struct {
	Type             string               `json:"type"` // position_borrow, position_repay, position_liquidate
	EventID          string               `json:"event_id"`
	PositionID       int64                `json:"position_id"`
	Borrower         string               `json:"borrower"`
	Actor            string               `json:"actor"`
	Status           model.PositionStatus `json:"status"`
	DebtAmount       string               `json:"debt_amount"`
	CollateralAmount string               `json:"collateral_amount"`
	CollateralRefund string               `json:"collateral_refund,omitempty"`
	Shortfall        string               `json:"shortfall,omitempty"`
	Bonus            string               `json:"bonus,omitempty"`
	Outstanding      string               `json:"outstanding"`
	CollateralLocked string               `json:"collateral_locked"`
	Expiry           time.Time            `json:"expiry"`
	Timestamp        time.Time            `json:"timestamp"`
}

func newWSMessage(pos *model.DebtPosition, ev *model.PositionEvent) WSMessage {
	msg := WSMessage{
		Type:             "position_" + string(ev.Kind),
		EventID:          ev.ID,
		PositionID:       pos.ID,
		Borrower:         pos.Borrower,
		Actor:            ev.Actor,
		Status:           pos.Status,
		DebtAmount:       ev.DebtAmount.String(),
		CollateralAmount: ev.CollateralAmount.String(),
		Outstanding:      pos.Outstanding().String(),
		CollateralLocked: pos.CollateralLocked.String(),
		Expiry:           pos.Expiry,
		Timestamp:        ev.Timestamp,
	}
	if ev.Kind == model.EventLiquidate {
		msg.CollateralRefund = ev.CollateralRefund.String()
		msg.Shortfall = ev.Shortfall.String()
		msg.Bonus = ev.Bonus.String()
	}
	return msg
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when a position changes.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done, then closes every
// client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.remove(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.remove(conn)
			}
		}
	}
}

func (h *WSHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full so engine calls never block on slow clients.
		slog.Warn("ws broadcast dropped", "type", msg.Type, "position_id", msg.PositionID)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
