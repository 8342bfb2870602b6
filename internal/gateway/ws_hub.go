package gateway

import (
	"context"

	"github.com/yourorg/stockfolio/internal/logger"
)

// PriceFeed streams published observation payloads for one symbol until ctx
// is cancelled.
type PriceFeed interface {
	Listen(ctx context.Context, symbol string) <-chan []byte
}

type subscription struct {
	client *Client
	symbol string
}

type message struct {
	symbol string
	data   []byte
}

// Hub owns all subscription state; only Run touches it. One feed listener
// runs per symbol with at least one subscriber.
type Hub struct {
	clients map[*Client]bool
	subs    map[string]map[*Client]bool
	cancels map[string]context.CancelFunc

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	broadcast   chan message
	done        chan struct{}

	feed   PriceFeed
	logger logger.Logger
}

func NewHub(feed PriceFeed, logger logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		subs:        make(map[string]map[*Client]bool),
		cancels:     make(map[string]context.CancelFunc),
		register:    make(chan *Client),
		unregister:  make(chan *Client, 64),
		subscribe:   make(chan subscription, 64),
		unsubscribe: make(chan subscription, 64),
		broadcast:   make(chan message, 256),
		done:        make(chan struct{}),
		feed:        feed,
		logger:      logger,
	}
}

// attach hands c to Run and returns once Run has recorded it, so no request
// c sends afterwards can be seen first. It reports false if Run has exited.
func (h *Hub) attach(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, cancel := range h.cancels {
				cancel()
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for sym := range h.subs {
					h.drop(sym, client)
				}
				close(client.send)
			}
		case sub := <-h.subscribe:
			if !h.clients[sub.client] {
				continue
			}
			if _, ok := h.subs[sub.symbol]; !ok {
				h.subs[sub.symbol] = make(map[*Client]bool)
				subCtx, cancel := context.WithCancel(ctx)
				h.cancels[sub.symbol] = cancel
				go h.pump(subCtx, sub.symbol)
				h.logger.Debugf("ws feed started for %s", sub.symbol)
			}
			h.subs[sub.symbol][sub.client] = true
		case sub := <-h.unsubscribe:
			h.drop(sub.symbol, sub.client)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

// drop removes client from symbol and stops the feed listener once nobody
// is left.
func (h *Hub) drop(symbol string, client *Client) {
	clients, ok := h.subs[symbol]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) > 0 {
		return
	}
	if cancel, ok := h.cancels[symbol]; ok {
		cancel()
		delete(h.cancels, symbol)
	}
	delete(h.subs, symbol)
	h.logger.Debugf("ws feed stopped for %s", symbol)
}

func (h *Hub) pump(ctx context.Context, symbol string) {
	for data := range h.feed.Listen(ctx, symbol) {
		select {
		case h.broadcast <- message{symbol: symbol, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// fanOut drops the message for clients whose send buffer is full.
func (h *Hub) fanOut(msg message) {
	for client := range h.subs[msg.symbol] {
		select {
		case client.send <- msg.data:
		default:
		}
	}
}
