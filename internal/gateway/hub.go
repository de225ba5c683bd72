// Package gateway pushes live candle updates and emitted signals to
// WebSocket clients.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signalwatch/internal/model"
)

// Message types sent to clients.
const (
	TypeCandle = "candle"
	TypeSignal = "signal"
	TypeError  = "error"
	TypePong   = "pong"
)

// Envelope wraps every message pushed to a client.
type Envelope struct {
	Type    string          `json:"type"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
	TS      int64           `json:"ts"`
	Initial bool            `json:"initial,omitempty"`
}

// Hub manages WebSocket clients and fans messages out to them. The latest
// candle per symbol is replayed to clients as they connect.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string][]byte // symbol → last candle envelope

	// OnDrop is called when a slow client misses a message (optional).
	OnDrop func()
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		latest:  make(map[string][]byte),
	}
}

// Run broadcasts candle updates from ch until ctx is cancelled or ch is
// closed.
func (h *Hub) Run(ctx context.Context, ch <-chan model.CandleUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			h.PublishCandle(u)
		}
	}
}

// PublishCandle broadcasts one candle update.
func (h *Hub) PublishCandle(u model.CandleUpdate) {
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	env := h.envelope(TypeCandle, u.Symbol, data, false)
	h.mu.Lock()
	h.latest[u.Symbol] = env
	h.mu.Unlock()
	h.broadcast(u.Symbol, env)
}

// OnSignal broadcasts an emitted signal. It implements the pipeline's alert
// sink and never fails; clients that are too slow miss the message.
func (h *Hub) OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
	h.broadcast(symbol, h.envelope(TypeSignal, symbol, v.JSON(), false))
	return nil
}

func (h *Hub) envelope(typ, symbol string, data []byte, initial bool) []byte {
	b, _ := json.Marshal(Envelope{
		Type:    typ,
		Symbol:  symbol,
		Data:    data,
		TS:      time.Now().UnixMilli(),
		Initial: initial,
	})
	return b
}

func (h *Hub) broadcast(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(symbol) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// ServeHTTP upgrades the request and registers the client. An optional
// ?symbols=btc,eth query narrows the initial subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	c := newClient(h, conn, parseSymbols(r.URL.Query().Get("symbols")))

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws client connected", zap.Int("clients", count))

	c.sendInitialState()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("ws client disconnected", zap.Int("clients", count))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
