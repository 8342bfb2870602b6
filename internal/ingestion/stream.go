package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/yourorg/stockfolio/internal/config"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/logger"
)

const (
	_minBackoff  = time.Second
	_maxBackoff  = 60 * time.Second
	_readTimeout = 90 * time.Second
)

var errAuthFailed = errors.New("alpaca auth failed")

// Stream subscribes to live minute bars and appends every bar it receives.
type Stream struct {
	url     string
	key     string
	secret  string
	symbols []string
	sink    Appender
	logger  logger.Logger
}

func NewStream(cfg config.AlpacaConfig, sink Appender, logger logger.Logger) *Stream {
	return &Stream{
		url:     cfg.StreamURL,
		key:     cfg.APIKey,
		secret:  cfg.APISecret,
		symbols: cfg.Symbols,
		sink:    sink,
		logger:  logger,
	}
}

// Run keeps the stream connected until ctx is cancelled, reconnecting with
// exponential backoff.
func (s *Stream) Run(ctx context.Context) {
	backoff := _minBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.connect(ctx)
		if err == nil || ctx.Err() != nil {
			backoff = _minBackoff
			continue
		}
		s.logger.Errorf("alpaca ws disconnected, retrying in %s: %v", backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, _maxBackoff)
	}
}

type controlMsg struct {
	T   string `json:"T"`
	Msg string `json:"msg"`
}

func (s *Stream) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("%w: can't dial", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context ends.
	stop := context.AfterFunc(ctx, func() {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	})
	defer stop()

	if _, _, err := conn.ReadMessage(); err != nil {
		return err
	}

	if err := s.writeJSON(conn, map[string]string{
		"action": "auth",
		"key":    s.key,
		"secret": s.secret,
	}); err != nil {
		return err
	}
	_, resp, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var ack []controlMsg
	if err := sonic.Unmarshal(resp, &ack); err != nil {
		return fmt.Errorf("%w: can't decode auth response", err)
	}
	if len(ack) == 0 || ack[0].T != "success" {
		return fmt.Errorf("%w: %s", errAuthFailed, resp)
	}

	if err := s.writeJSON(conn, map[string]any{
		"action": "subscribe",
		"bars":   s.symbols,
	}); err != nil {
		return err
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		return err
	}
	s.logger.Infof("alpaca ws subscribed to %d symbols", len(s.symbols))

	for {
		conn.SetReadDeadline(time.Now().Add(_readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.handleFrame(ctx, data)
	}
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleFrame appends the bars in one frame and returns how many were stored.
// Other message types are ignored.
func (s *Stream) handleFrame(ctx context.Context, data []byte) int {
	var bars []alpacaBar
	if err := sonic.Unmarshal(data, &bars); err != nil {
		s.logger.Warnf("can't decode alpaca frame: %v", err)
		return 0
	}
	stored := 0
	for _, bar := range bars {
		if bar.Type != "b" {
			continue
		}
		_, err := s.sink.Append(ctx, bar.observation(""))
		switch {
		case err == nil:
			stored++
		case errors.Is(err, domain.ErrConflict):
			s.logger.Debugf("duplicate bar %s at %s", bar.Symbol, bar.Timestamp)
		default:
			s.logger.Errorf("can't append bar %s: %v", bar.Symbol, err)
		}
	}
	return stored
}
