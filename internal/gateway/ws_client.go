package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yourorg/stockfolio/internal/logger"
)

const (
	_wsReadLimit  = 512
	_wsPongWait   = 60 * time.Second
	_wsPingPeriod = 30 * time.Second
	_wsWriteWait  = 10 * time.Second
	_wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one live-feed websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logger.Logger
}

type feedRequest struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

func (c *Client) extendDeadline(string) error {
	return c.conn.SetReadDeadline(time.Now().Add(_wsPongWait))
}

// listen reads subscription requests until the connection fails.
func (c *Client) listen() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(_wsReadLimit)
	c.extendDeadline("")
	c.conn.SetPongHandler(c.extendDeadline)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req feedRequest
		if err := sonic.Unmarshal(data, &req); err != nil {
			c.logger.Debugf("ws: bad client message: %v", err)
			continue
		}
		c.apply(req)
	}
}

func (c *Client) apply(req feedRequest) {
	var target chan subscription
	switch req.Action {
	case "subscribe":
		target = c.hub.subscribe
	case "unsubscribe":
		target = c.hub.unsubscribe
	default:
		c.logger.Debugf("ws: unknown action %q", req.Action)
		return
	}
	for _, sym := range req.Symbols {
		if sym = strings.ToUpper(strings.TrimSpace(sym)); sym != "" {
			target <- subscription{client: c, symbol: sym}
		}
	}
}

// deliver writes queued payloads and keepalive pings. It returns once the
// hub closes send or a write fails.
func (c *Client) deliver() {
	ping := time.NewTicker(_wsPingPeriod)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, open := <-c.send:
			if !open {
				c.write(websocket.CloseMessage, nil)
				return
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}
		if err := c.write(kind, payload); err != nil {
			return
		}
	}
}

func (c *Client) write(kind int, payload []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(_wsWriteWait))
	return c.conn.WriteMessage(kind, payload)
}

// ServeWS upgrades the request and attaches the connection to hub.
func ServeWS(hub *Hub, logger logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Errorf("ws upgrade failed: %v", err)
			return
		}
		client := &Client{
			hub:    hub,
			conn:   conn,
			send:   make(chan []byte, _wsSendBuffer),
			logger: logger,
		}
		if !hub.attach(client) {
			conn.Close()
			return
		}
		go client.deliver()
		go client.listen()
	}
}
