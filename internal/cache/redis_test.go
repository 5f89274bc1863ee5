package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricewatch/internal/config"
	"github.com/sells-group/pricewatch/internal/model"
)

const morgan = model.CoinKey("us|1-dollar|1881|s|morgan|ms63")

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), config.CacheConfig{Addr: mr.Addr(), TTLSecs: 60, Prefix: "pw:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func samplePrice() model.AggregatedPrice {
	return model.AggregatedPrice{
		CoinKey:         morgan,
		Currency:        "USD",
		MinPrice:        decimal.NewFromInt(98),
		MaxPrice:        decimal.NewFromInt(102),
		AvgPrice:        decimal.RequireFromString("100.25"),
		SourceCount:     4,
		OutlierCount:    1,
		ConfidenceLevel: 0.72,
		PriceTrend:      model.TrendStable,
		Window:          168 * time.Hour,
		LastUpdated:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisCache_SetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	got, err := c.GetPrice(ctx, morgan)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := samplePrice()
	require.NoError(t, c.SetPrice(ctx, want))
	assert.True(t, mr.Exists("pw:price:"+string(morgan)))
	assert.Equal(t, 60*time.Second, mr.TTL("pw:price:"+string(morgan)))

	got, err = c.GetPrice(ctx, morgan)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.SameEstimate(*got))
	assert.True(t, want.LastUpdated.Equal(got.LastUpdated))
}

func TestRedisCache_Expiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.SetPrice(ctx, samplePrice()))

	mr.FastForward(61 * time.Second)
	got, err := c.GetPrice(ctx, morgan)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCache_SetPriceKeepsNewerEntry(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	fresh := samplePrice()
	fresh.AvgPrice = decimal.RequireFromString("120")
	require.NoError(t, c.SetPrice(ctx, fresh))

	old := samplePrice()
	old.LastUpdated = fresh.LastUpdated.Add(-time.Hour)
	require.NoError(t, c.SetPrice(ctx, old))

	got, err := c.GetPrice(ctx, morgan)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "120", got.AvgPrice.String())

	newer := samplePrice()
	newer.LastUpdated = fresh.LastUpdated.Add(time.Hour)
	require.NoError(t, c.SetPrice(ctx, newer))
	got, err = c.GetPrice(ctx, morgan)
	require.NoError(t, err)
	assert.True(t, newer.LastUpdated.Equal(got.LastUpdated))
	assert.Equal(t, "100.25", got.AvgPrice.String())
}

func TestRedisCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.SetPrice(ctx, samplePrice()))
	require.NoError(t, c.Invalidate(ctx, morgan))

	got, err := c.GetPrice(ctx, morgan)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Invalidating a missing key is not an error.
	require.NoError(t, c.Invalidate(ctx, "us|1-cent|1909|s|vdb|vf20"))
}

func TestRedisCache_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("pw:price:"+string(morgan), "{not json"))

	got, err := c.GetPrice(context.Background(), morgan)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("pw:price:"+string(morgan)))
}

func TestRedisCache_ServerDown(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, err := c.GetPrice(context.Background(), morgan)
	assert.Error(t, err)
	assert.Error(t, c.Ping(context.Background()))
}

func TestNew_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), config.CacheConfig{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache: connect")
}

func TestNewFromClient_DefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0, "")
	defer c.Close()

	require.NoError(t, c.SetPrice(context.Background(), samplePrice()))
	assert.Equal(t, defaultTTL, mr.TTL("price:"+string(morgan)))
}
