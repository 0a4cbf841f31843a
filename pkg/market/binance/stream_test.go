package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func klineMsg(start int64, closePx string, closed bool) string {
	return fmt.Sprintf(`{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":%d,"T":%d,"s":"BTCUSDT","i":"1m","o":"100","c":"%s","h":"101","l":"99","v":"5","x":%t}}`,
		start, start+59999, closePx, closed)
}

func TestParseKlineMessage(t *testing.T) {
	bar, closed, err := parseKlineMessage([]byte(klineMsg(1700000000000, "100.5", true)))
	require.NoError(t, err)
	assert.True(t, closed)
	assert.Equal(t, "BTCUSDT", bar.Symbol)
	assert.Equal(t, 100.5, bar.Close)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), bar.OpenTime)

	_, _, err = parseKlineMessage([]byte(`{"result":null,"id":1}`))
	assert.Error(t, err)
}

func TestSubscribeKlinesEmitsClosedOnly(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/btcusdt@kline_1m"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		for _, m := range []string{
			klineMsg(1000, "100.1", false),
			klineMsg(1000, "100.2", true),
			klineMsg(61000, "100.3", false),
			klineMsg(61000, "100.4", true),
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewStreamClient(false, zerolog.Nop())
	c.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ch := c.SubscribeKlines(ctx, "BTCUSDT", "1m")

	var got []float64
	for len(got) < 2 {
		select {
		case b := <-ch:
			got = append(got, b.Close)
		case <-ctx.Done():
			t.Fatal("timed out waiting for klines")
		}
	}
	assert.Equal(t, []float64{100.2, 100.4}, got)
}

func TestBackoffIsCapped(t *testing.T) {
	c := NewStreamClient(true, zerolog.Nop())
	assert.LessOrEqual(t, c.backoff(50), time.Duration(float64(c.maxBackoff)*1.2))
	assert.GreaterOrEqual(t, c.backoff(1), time.Duration(float64(c.minBackoff)*0.8))
}
