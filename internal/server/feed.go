package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"PredictLedger/internal/ingestion"
	"PredictLedger/internal/observability"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256

	// AllMarkets subscribes a client to every committed event.
	AllMarkets = "*"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FeedHub streams committed events to websocket clients. Clients start
// subscribed to the markets named in the ?markets= query parameter (comma
// separated, default "*") and adjust the set with subscribe messages:
//
//	{"action":"subscribe","markets":["<uuid>"]}
//	{"action":"unsubscribe","markets":["*"]}
//
// Collateral events carry no market and only reach "*" subscribers. A slow
// client misses events rather than stalling the hub.
type FeedHub struct {
	mu        sync.RWMutex
	clients   map[*feedClient]struct{}
	closed    bool
	broadcast chan ingestion.PublishableEvent
	metrics   *observability.Metrics
	log       zerolog.Logger
}

type feedClient struct {
	hub  *FeedHub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

type subscribeMsg struct {
	Action  string   `json:"action"`
	Markets []string `json:"markets"`
}

func NewFeedHub(metrics *observability.Metrics, log zerolog.Logger) *FeedHub {
	return &FeedHub{
		clients:   make(map[*feedClient]struct{}),
		broadcast: make(chan ingestion.PublishableEvent, sendBufferSize),
		metrics:   metrics,
		log:       log,
	}
}

// Publish queues evt for broadcast without blocking.
func (h *FeedHub) Publish(evt ingestion.PublishableEvent) {
	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn().Int64("sequence", evt.Sequence).Msg("feed backlog full, dropping event")
	}
}

// Run fans queued events out until ctx ends, then disconnects every client.
func (h *FeedHub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.closed = true
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.setClientGauge()
			return ctx.Err()

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				h.log.Error().Err(err).Int64("sequence", evt.Sequence).Msg("marshal feed event")
				continue
			}
			market := ""
			if evt.MarketID != nil {
				market = *evt.MarketID
			}

			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(market) {
					continue
				}
				select {
				case c.send <- data:
				default:
					h.log.Warn().Int64("sequence", evt.Sequence).Msg("dropping event for slow feed client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeHTTP upgrades the request and registers the client. Once Run has
// returned the hub refuses new clients.
// GET /v1/feed
func (h *FeedHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("feed upgrade failed")
		return
	}

	c := &feedClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: initialSubs(r.URL.Query().Get("markets")),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.setClientGauge()

	go c.writePump()
	go c.readPump()
}

func (h *FeedHub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// ClientCount returns the number of connected clients.
func (h *FeedHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *FeedHub) remove(c *feedClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.setClientGauge()
}

func (h *FeedHub) setClientGauge() {
	if h.metrics != nil {
		h.metrics.FeedClients.Set(float64(h.ClientCount()))
	}
}

func (c *feedClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn().Err(err).Msg("feed client closed unexpectedly")
			}
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(message, &msg); err == nil {
			c.apply(msg)
		}
	}
}

func initialSubs(markets string) map[string]bool {
	subs := make(map[string]bool)
	for _, m := range strings.Split(markets, ",") {
		if m = strings.TrimSpace(m); m != "" {
			subs[m] = true
		}
	}
	if len(subs) == 0 {
		subs[AllMarkets] = true
	}
	return subs
}

func (c *feedClient) apply(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, m := range msg.Markets {
			c.subs[m] = true
		}
	case "unsubscribe":
		for _, m := range msg.Markets {
			delete(c.subs, m)
		}
	}
}

func (c *feedClient) isSubscribed(market string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[AllMarkets] || (market != "" && c.subs[market])
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
