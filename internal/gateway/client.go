package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signalwatch/internal/marketdata/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
	readLimit  = 4096
)

// Client represents a single WebSocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	symbols map[string]bool // empty = every symbol
}

func newClient(h *Hub, conn *websocket.Conn, symbols []string) *Client {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	c.setSymbols(symbols)
	return c
}

func (c *Client) setSymbols(symbols []string) {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if k := registry.NormalizeKey(s); k != "" {
			set[k] = true
		}
	}
	c.mu.Lock()
	c.symbols = set
	c.mu.Unlock()
}

func (c *Client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[symbol]
}

// sendInitialState queues the latest candle of every wanted symbol.
func (c *Client) sendInitialState() {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for symbol, env := range c.hub.latest {
		if !c.wants(symbol) {
			continue
		}
		var e Envelope
		if json.Unmarshal(env, &e) != nil {
			continue
		}
		e.Initial = true
		b, _ := json.Marshal(e)
		select {
		case c.send <- b:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// clientMsg is what peers may send: {"type":"SUBSCRIBE","symbols":["btc"]}
// or {"ping":<millis>}.
type clientMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Ping    int64    `json:"ping"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(TypeError, map[string]string{"error": "invalid JSON"})
			continue
		}
		switch {
		case strings.EqualFold(msg.Type, "SUBSCRIBE"):
			c.setSymbols(msg.Symbols)
			c.reply("subscribed", map[string]any{"symbols": msg.Symbols})
		case msg.Ping > 0:
			c.reply(TypePong, map[string]int64{"ping": msg.Ping, "server_ts": time.Now().UnixMilli()})
		default:
			c.reply(TypeError, map[string]string{"error": "unknown message"})
		}
	}
}

func (c *Client) reply(typ string, payload any) {
	data, _ := json.Marshal(payload)
	env, _ := json.Marshal(Envelope{Type: typ, Data: data, TS: time.Now().UnixMilli()})
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- env:
	default:
	}
}

func parseSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}
