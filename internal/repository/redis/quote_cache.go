package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/yourorg/stockfolio/internal/domain"
)

const (
	_quoteKeyPrefix  = "last_price:"
	_priceChanPrefix = "prices."
	_defaultQuoteTTL = 60 * time.Second
)

func QuoteKey(symbol string) string    { return _quoteKeyPrefix + symbol }
func PriceChannel(symbol string) string { return _priceChanPrefix + symbol }

// QuoteCache keeps the latest observation per symbol and fans new
// observations out over pub/sub.
type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewQuoteCache(client *redis.Client, ttl time.Duration) *QuoteCache {
	if ttl <= 0 {
		ttl = _defaultQuoteTTL
	}
	return &QuoteCache{client: client, ttl: ttl}
}

// Get returns nil on a cache miss.
func (c *QuoteCache) Get(ctx context.Context, symbol string) (*domain.PriceObservation, error) {
	val, err := c.client.HGet(ctx, QuoteKey(symbol), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get quote: %w", err)
	}
	var obs domain.PriceObservation
	if err := sonic.Unmarshal(val, &obs); err != nil {
		return nil, fmt.Errorf("%w: can't decode cached quote", err)
	}
	return &obs, nil
}

// _setIfNewer replaces the cached quote only when ARGV[1] (unix micros) is
// later than the stored timestamp.
var _setIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SetIfNewer caches obs unless a quote with the same or a later timestamp is
// already cached. It reports whether obs was stored.
func (c *QuoteCache) SetIfNewer(ctx context.Context, obs *domain.PriceObservation) (bool, error) {
	data, err := sonic.Marshal(obs)
	if err != nil {
		return false, err
	}
	stored, err := _setIfNewer.Run(ctx, c.client,
		[]string{QuoteKey(obs.Symbol)},
		obs.Timestamp.UnixMicro(), data, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis set quote: %w", err)
	}
	return stored == 1, nil
}

func (c *QuoteCache) Publish(ctx context.Context, obs *domain.PriceObservation) error {
	data, err := sonic.Marshal(obs)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, PriceChannel(obs.Symbol), data).Err()
}

// Listen streams published observation payloads for symbol until ctx is
// cancelled. The returned channel is closed when the subscription ends.
func (c *QuoteCache) Listen(ctx context.Context, symbol string) <-chan []byte {
	out := make(chan []byte, 16)
	pubsub := c.client.Subscribe(ctx, PriceChannel(symbol))
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
