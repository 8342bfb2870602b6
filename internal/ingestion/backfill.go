package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/stockfolio/internal/config"
	"github.com/yourorg/stockfolio/internal/domain"
	"github.com/yourorg/stockfolio/internal/logger"
	"go.uber.org/ratelimit"
	"resty.dev/v3"
)

const (
	_barsURL      = "/v2/stocks/{symbol}/bars"
	_barsPageSize = 10000
)

type barsResponse struct {
	Symbol        string      `json:"symbol"`
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

type apiError struct {
	Message string `json:"message"`
}

type BackfillResult struct {
	Symbol   string `json:"symbol"`
	Pages    int    `json:"pages"`
	Appended int    `json:"appended"`
	Skipped  int    `json:"skipped"`
}

// Backfiller loads historical bars from the Alpaca REST API.
type Backfiller struct {
	c           *resty.Client
	rateLimiter ratelimit.Limiter
	timeframe   string
	feed        string
	sink        Appender

	logger logger.Logger
}

func NewBackfiller(cfg config.AlpacaConfig, sink Appender, logger logger.Logger) *Backfiller {
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.DataURL).
		SetHeader("APCA-API-KEY-ID", cfg.APIKey).
		SetHeader("APCA-API-SECRET-KEY", cfg.APISecret)

	return &Backfiller{
		c:           client,
		rateLimiter: ratelimit.New(cfg.RequestsPerMinute, ratelimit.Per(time.Minute)),
		timeframe:   cfg.Timeframe,
		feed:        cfg.Feed,
		sink:        sink,
		logger:      logger,
	}
}

func (b *Backfiller) Close() error {
	return b.c.Close()
}

// Backfill appends every bar of symbol in [from, to]. Bars that are already
// stored count as skipped.
func (b *Backfiller) Backfill(ctx context.Context, symbol string, from, to time.Time) (*BackfillResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required: %w", domain.ErrInvalidArgument)
	}
	if from.After(to) {
		return nil, fmt.Errorf("from is after to: %w", domain.ErrInvalidArgument)
	}

	res := &BackfillResult{Symbol: symbol}
	pageToken := ""
	for {
		page, err := b.fetchPage(ctx, symbol, from, to, pageToken)
		if err != nil {
			return res, err
		}
		res.Pages++

		for _, bar := range page.Bars {
			_, err := b.sink.Append(ctx, bar.observation(symbol))
			switch {
			case err == nil:
				res.Appended++
			case errors.Is(err, domain.ErrConflict):
				res.Skipped++
			default:
				return res, fmt.Errorf("%w: can't append bar %s at %s", err, symbol, bar.Timestamp)
			}
		}

		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}

	b.logger.Infof("backfilled %s: %d appended, %d skipped, %d pages",
		symbol, res.Appended, res.Skipped, res.Pages)
	return res, nil
}

func (b *Backfiller) fetchPage(ctx context.Context, symbol string, from, to time.Time, pageToken string) (*barsResponse, error) {
	b.rateLimiter.Take()

	params := map[string]string{
		"timeframe": b.timeframe,
		"start":     from.UTC().Format(time.RFC3339),
		"end":       to.UTC().Format(time.RFC3339),
		"limit":     strconv.Itoa(_barsPageSize),
		"feed":      b.feed,
	}
	if pageToken != "" {
		params["page_token"] = pageToken
	}

	resp, err := b.c.R().
		SetPathParam("symbol", symbol).
		SetQueryParams(params).
		SetResult(&barsResponse{}).
		SetError(&apiError{}).
		SetContext(ctx).
		Get(_barsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: can't send bars request", err)
	}
	defer resp.Body.Close()

	b.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.IsError() {
		msg := resp.Status()
		if apiErr, ok := resp.Error().(*apiError); ok && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, fmt.Errorf("%s: alpaca bars request error", msg)
	}
	if resp.IsSuccess() {
		return resp.Result().(*barsResponse), nil
	}
	return nil, fmt.Errorf("alpaca bars unexpected request error: %s", resp.Status())
}
