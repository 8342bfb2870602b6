package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/stockfolio/internal/config"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/logger"
	"github.com/yourorg/stockfolio/internal/market"
	"github.com/yourorg/stockfolio/internal/repository/memory"
)

func newSink(t *testing.T) (*market.Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return market.NewService(store, nil, logger.NewNop()), store
}

func TestHandleFrame(t *testing.T) {
	sink, store := newSink(t)
	s := &Stream{sink: sink, logger: logger.NewNop()}
	ctx := context.Background()

	frame := `[
		{"T":"b","S":"AAPL","o":189.1,"h":189.5,"l":188.9,"c":189.2,"v":1200,"t":"2024-03-01T14:30:00Z"},
		{"T":"subscription","bars":["AAPL"]},
		{"T":"b","S":"MSFT","o":"410.0","h":"411.0","l":"409.5","c":"410.5","v":800,"t":"2024-03-01T14:30:00Z"}
	]`
	assert.Equal(t, 2, s.handleFrame(ctx, []byte(frame)))
	assert.Equal(t, 0, s.handleFrame(ctx, []byte(frame)), "duplicates are not stored twice")
	assert.Equal(t, 0, s.handleFrame(ctx, []byte(`not json`)))

	obs, err := store.LatestObservation(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, obs.Close.Equal(decimal.RequireFromString("189.2")))
	assert.Equal(t, int64(1200), obs.Volume)
}

func TestBackfillPaging(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/stocks/ACME/bars", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "1Day", r.URL.Query().Get("timeframe"))

		token := r.URL.Query().Get("page_token")
		mu.Lock()
		pages = append(pages, token)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch token {
		case "":
			w.Write([]byte(`{"symbol":"ACME","next_page_token":"p2","bars":[
				{"t":"2024-01-02T05:00:00Z","o":10,"h":11,"l":9,"c":10.5,"v":100},
				{"t":"2024-01-03T05:00:00Z","o":10.5,"h":12,"l":10,"c":11.5,"v":150}]}`))
		case "p2":
			w.Write([]byte(`{"symbol":"ACME","next_page_token":null,"bars":[
				{"t":"2024-01-04T05:00:00Z","o":11.5,"h":12,"l":11,"c":11.75,"v":90}]}`))
		default:
			t.Errorf("unexpected page token %q", token)
		}
	}))
	defer srv.Close()

	sink, store := newSink(t)
	cfg := config.AlpacaConfig{APIKey: "key", APISecret: "secret", DataURL: srv.URL, RequestsPerMinute: 6000}
	cfg.Setup()
	b := NewBackfiller(cfg, sink, logger.NewNop())
	defer b.Close()

	ctx := context.Background()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	res, err := b.Backfill(ctx, "acme", from, to)
	require.NoError(t, err)
	assert.Equal(t, &BackfillResult{Symbol: "ACME", Pages: 2, Appended: 3}, res)
	assert.Equal(t, []string{"", "p2"}, pages)

	res, err = b.Backfill(ctx, "ACME", from, to)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Appended)
	assert.Equal(t, 3, res.Skipped)

	history, err := store.ObservationHistory(ctx, domain.HistoryFilter{Symbol: "ACME"})
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestBackfillErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"forbidden"}`))
	}))
	defer srv.Close()

	sink, _ := newSink(t)
	cfg := config.AlpacaConfig{DataURL: srv.URL, RequestsPerMinute: 6000}
	cfg.Setup()
	b := NewBackfiller(cfg, sink, logger.NewNop())
	defer b.Close()

	now := time.Now()
	_, err := b.Backfill(context.Background(), "ACME", now.Add(-time.Hour), now)
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "forbidden")

	_, err = b.Backfill(context.Background(), "ACME", now, now.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = b.Backfill(context.Background(), " ", now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStreamRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"connected"}]`))
		_, authMsg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(authMsg), `"key":"key"`)
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"success","msg":"authenticated"}]`))

		_, subMsg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.Contains(t, string(subMsg), `"bars":["ACME"]`)
		conn.WriteMessage(websocket.TextMessage, []byte(`[{"T":"subscription","bars":["ACME"]}]`))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`[{"T":"b","S":"ACME","o":10,"h":11,"l":9,"c":10.5,"v":100,"t":"2024-03-01T14:30:00Z"}]`))

		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	sink, store := newSink(t)
	cfg := config.AlpacaConfig{
		APIKey:    "key",
		APISecret: "secret",
		StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:   []string{"ACME"},
	}
	cfg.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewStream(cfg, sink, logger.NewNop()).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := store.LatestObservation(context.Background(), "ACME")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
