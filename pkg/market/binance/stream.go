// Package binance streams closed futures klines from the public websocket.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"trading-agent/pkg/exchanges/common"
)

// StreamClient subscribes to kline streams and reconnects on failure.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	log       zerolog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewStreamClient builds a client for USDT-M futures; testnet toggles the host.
func NewStreamClient(testnet bool, log zerolog.Logger) *StreamClient {
	host := "fstream.binance.com"
	if testnet {
		host = "stream.binancefuture.com"
	}
	return &StreamClient{
		StreamURL:  (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:     websocket.DefaultDialer,
		log:        log.With().Str("component", "kline_stream").Logger(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// SubscribeKlines emits each kline of symbol/interval once it closes. The
// channel is closed when ctx ends; dropped connections are redialed.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) <-chan common.Bar {
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)
	out := make(chan common.Bar, 100)

	go func() {
		defer close(out)
		attempt := 0
		for ctx.Err() == nil {
			err := c.readLoop(ctx, u, out, func() { attempt = 0 })
			if ctx.Err() != nil {
				return
			}
			attempt++
			wait := c.backoff(attempt)
			c.log.Warn().Err(err).Str("symbol", symbol).Dur("retry_in", wait).Msg("kline stream disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
	return out
}

func (c *StreamClient) readLoop(ctx context.Context, u string, out chan<- common.Bar, connected func()) error {
	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial binance ws: %w", err)
	}
	defer conn.Close()
	connected()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("closed by server")
			}
			return err
		}
		bar, closed, err := parseKlineMessage(msg)
		if err != nil {
			c.log.Debug().Err(err).Msg("skip unparseable kline message")
			continue
		}
		if !closed {
			continue
		}
		select {
		case out <- bar:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *StreamClient) backoff(attempt int) time.Duration {
	wait := c.minBackoff
	for i := 1; i < attempt && wait < c.maxBackoff; i++ {
		wait *= 2
	}
	if wait > c.maxBackoff {
		wait = c.maxBackoff
	}
	delta := float64(wait) * 0.2
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// parseKlineMessage decodes a kline event; closed reports the "x" flag.
func parseKlineMessage(msg []byte) (common.Bar, bool, error) {
	var raw struct {
		Data struct {
			StartTime int64  `json:"t"`
			Symbol    string `json:"s"`
			Interval  string `json:"i"`
			Open      string `json:"o"`
			Close     string `json:"c"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Closed    bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return common.Bar{}, false, err
	}
	if raw.Data.Symbol == "" {
		return common.Bar{}, false, errors.New("not a kline event")
	}
	return common.Bar{
		Symbol:   raw.Data.Symbol,
		Interval: raw.Data.Interval,
		OpenTime: time.UnixMilli(raw.Data.StartTime).UTC(),
		Open:     parseFloat(raw.Data.Open),
		High:     parseFloat(raw.Data.High),
		Low:      parseFloat(raw.Data.Low),
		Close:    parseFloat(raw.Data.Close),
		Volume:   parseFloat(raw.Data.Volume),
	}, raw.Data.Closed, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
