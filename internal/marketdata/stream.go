package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second // keep-alive cadence
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// Stream subscribes to combined miniTicker streams and feeds closes into
// the client's price cache, so TP evaluation reads a warm price instead of
// paying a REST round trip on every fill.
//
// Auto-reconnects with exponential backoff (1s → 30s) and re-subscribes on
// every reconnect. Losing the stream only cools the cache; the REST path
// still refreshes it on demand.
type Stream struct {
	url     string
	symbols []string
	client  *Client

	conn   *websocket.Conn
	connMu sync.Mutex

	logger *slog.Logger
}

// NewStream creates a miniTicker stream for the given base symbols.
func NewStream(cfg Config, client *Client, logger *slog.Logger) *Stream {
	return &Stream{
		url:     cfg.WSURL,
		symbols: cfg.StreamSymbols,
		client:  client,
		logger:  logger.With("component", "marketdata_stream"),
	}
}

// streamURL builds the combined-stream endpoint:
// {ws_url}/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker
func (s *Stream) streamURL() string {
	names := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		names = append(names, strings.ToLower(s.client.pair(sym))+"@miniTicker")
	}
	return s.url + "/stream?streams=" + strings.Join(names, "/")
}

// Run connects and maintains the stream until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		s.logger.Info("no stream symbols configured, stream idle")
		<-ctx.Done()
		return ctx.Err()
	}

	backoff := time.Second
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("stream disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close closes the current connection, if any.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	s.logger.Info("stream connected", "symbols", strings.Join(s.symbols, ","))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

// miniTickerEvent is the combined-stream envelope; data carries the
// 24hrMiniTicker payload of which only symbol and close price matter here.
type miniTickerEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	} `json:"data"`
}

func (s *Stream) handleMessage(data []byte) {
	var evt miniTickerEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return
	}
	if evt.Data.EventType != "24hrMiniTicker" {
		return
	}

	base, ok := strings.CutSuffix(evt.Data.Symbol, s.client.quote)
	if !ok || base == "" {
		return
	}
	price, err := strconv.ParseFloat(evt.Data.Close, 64)
	if err != nil || price <= 0 {
		s.logger.Debug("unparseable ticker close", "symbol", evt.Data.Symbol, "close", evt.Data.Close)
		return
	}
	s.client.prices.set(base, price, s.client.now())
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
