package feedproto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/model"
)

func TestParseTicks(t *testing.T) {
	t.Run("single object with numbers and strings", func(t *testing.T) {
		ticks, err := ParseTicks([]byte(`{"symbol":"FX:EUR/USD","bid":"1.1","ask":1.1002,"timestamp":1700000000000}`))
		require.NoError(t, err)
		require.Len(t, ticks, 1)
		assert.True(t, ticks[0].Bid.Valid)
		assert.True(t, ticks[0].Ask.Decimal.Equal(decimal.RequireFromString("1.1002")))
		assert.False(t, ticks[0].Price.Valid)
	})

	t.Run("batch skips entries without symbol", func(t *testing.T) {
		ticks, err := ParseTicks([]byte(`[{"symbol":"A","price":1},{"price":2},{"symbol":"B"}]`))
		require.NoError(t, err)
		require.Len(t, ticks, 2)
		assert.Equal(t, "A", ticks[0].Symbol)
		assert.Equal(t, "B", ticks[1].Symbol)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := ParseTicks([]byte(`{"symbol":`))
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		ticks, err := ParseTicks([]byte("  "))
		require.NoError(t, err)
		assert.Empty(t, ticks)
	})
}

func TestTickMerge(t *testing.T) {
	prev := model.PriceTick{
		Symbol: "FX:EUR/USD",
		Price:  decimal.RequireFromString("1.1"),
		Bid:    decimal.RequireFromString("1.1"),
		Ask:    decimal.RequireFromString("1.1002"),
	}

	t.Run("no price and no bid is not an update", func(t *testing.T) {
		ticks, err := ParseTicks([]byte(`{"symbol":"FX:EUR/USD","ask":"1.3"}`))
		require.NoError(t, err)
		next, ok := ticks[0].Merge(prev)
		assert.False(t, ok)
		assert.Equal(t, prev, next)
	})

	t.Run("bid only keeps ask and sets price", func(t *testing.T) {
		ticks, err := ParseTicks([]byte(`{"symbol":"FX:EUR/USD","bid":"1.2","timestamp":1700000000000}`))
		require.NoError(t, err)
		next, ok := ticks[0].Merge(prev)
		require.True(t, ok)
		assert.True(t, next.Price.Equal(decimal.RequireFromString("1.2")))
		assert.True(t, next.Bid.Equal(decimal.RequireFromString("1.2")))
		assert.True(t, next.Ask.Equal(prev.Ask))
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), next.Timestamp)
	})

	t.Run("zero price is ignored", func(t *testing.T) {
		ticks, err := ParseTicks([]byte(`{"symbol":"FX:EUR/USD","price":0}`))
		require.NoError(t, err)
		_, ok := ticks[0].Merge(prev)
		assert.False(t, ok)
	})
}

func TestFromModelRoundTrip(t *testing.T) {
	in := model.PriceTick{
		Symbol:    "BINANCE:BTCUSDT",
		Price:     decimal.RequireFromString("50000.5"),
		Timestamp: time.UnixMilli(1700000000123).UTC(),
	}
	raw, err := json.Marshal(FromModel(in))
	require.NoError(t, err)

	ticks, err := ParseTicks(raw)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.False(t, ticks[0].Bid.Valid)

	out, ok := ticks[0].Merge(model.PriceTick{})
	require.True(t, ok)
	assert.True(t, in.Price.Equal(out.Price))
	assert.Equal(t, in.Timestamp, out.Timestamp)
}

func TestMode(t *testing.T) {
	assert.True(t, ModeFull.Deeper(ModeSummary))
	assert.False(t, ModeSummary.Deeper(ModeFull))
	assert.False(t, ModeFull.Deeper(ModeFull))
	assert.Equal(t, ModeSummary, Mode("").Normalize())
}
