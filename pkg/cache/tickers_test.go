package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"exchange-core/pkg/exchanges/common"
)

func TestTickerCacheFreshness(t *testing.T) {
	c := NewTickerCache()
	key := Key("bitget", "BTC/USDT")
	c.Set(key, common.Ticker{Symbol: "BTC/USDT", Last: 50000})

	got, ok := c.GetFresh(key, time.Minute)
	require.True(t, ok)
	require.Equal(t, 50000.0, got.Last)

	_, ok = c.GetFresh(key, 0)
	require.False(t, ok, "zero max age must treat every entry as stale")

	_, ok = c.GetFresh(Key("kraken", "BTC/USDT"), time.Minute)
	require.False(t, ok, "same symbol on another exchange is a different entry")
}

func TestTickerCachePurge(t *testing.T) {
	c := NewTickerCache()
	for i := 0; i < 40; i++ {
		c.Set(Key("bitget", fmt.Sprintf("SYM%d/USDT", i)), common.Ticker{Last: float64(i)})
	}
	require.Equal(t, 40, c.Len())

	removed := c.Purge(0)
	require.Equal(t, 40, removed)
	require.Equal(t, 0, c.Len())
}

func TestTickerCacheConcurrentAccess(t *testing.T) {
	c := NewTickerCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := Key("binance", fmt.Sprintf("SYM%d/USDT", j%10))
				c.Set(key, common.Ticker{Last: float64(n*100 + j)})
				c.GetFresh(key, time.Minute)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 10, c.Len())
}
