// Package gateway queues engine orders into the platform's pending-order
// queue, where a human approves or rejects them before execution.
//
// Two implementations: HTTP posts to the platform service and returns the
// queue's pending order id; Memory fakes the queue for tests and dry runs.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"pyramid-kss/pkg/types"
)

// Gateway queues an order for human approval and returns the platform's
// pending order id. A failed Queue leaves the originating wave in PENDING;
// the engine surfaces the error and does not consume the wave.
type Gateway interface {
	Queue(ctx context.Context, order types.OrderRequest) (int64, error)
}

// ————————————————————————————————————————————————————————————————————————
// HTTP gateway
// ————————————————————————————————————————————————————————————————————————

// Config holds the HTTP gateway's target and timeout.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	QueuePath string        `mapstructure:"queue_path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	DryRun    bool          `mapstructure:"dry_run"`
}

// HTTP posts orders to the platform's pending-order service.
type HTTP struct {
	http      *resty.Client
	queuePath string
	logger    *slog.Logger
}

// NewHTTP creates an HTTP gateway with retry on transient failures.
func NewHTTP(cfg Config, logger *slog.Logger) *HTTP {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTP{
		http:      client,
		queuePath: cfg.QueuePath,
		logger:    logger.With("component", "gateway"),
	}
}

type queueResponse struct {
	PendingOrderID int64  `json:"pending_order_id"`
	Status         string `json:"status"`
}

// Queue posts the order and returns the queue's pending order id.
func (g *HTTP) Queue(ctx context.Context, order types.OrderRequest) (int64, error) {
	var result queueResponse
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(order).
		SetResult(&result).
		Post(g.queuePath)
	if err != nil {
		return 0, fmt.Errorf("queue order: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return 0, fmt.Errorf("queue order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.PendingOrderID == 0 {
		return 0, fmt.Errorf("queue order: response carries no pending_order_id: %s", resp.String())
	}

	g.logger.Info("order queued",
		"pending_order_id", result.PendingOrderID,
		"symbol", order.Symbol, "side", order.Side, "source_ref", order.SourceRef)
	return result.PendingOrderID, nil
}

// ————————————————————————————————————————————————————————————————————————
// In-memory gateway
// ————————————————————————————————————————————————————————————————————————

// Memory is a fake queue for tests and dry-run mode. Ids auto-increment;
// every queued order is recorded.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	orders []types.OrderRequest
	fail   error
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{}
}

// Queue records the order and hands back the next synthetic id.
func (g *Memory) Queue(_ context.Context, order types.OrderRequest) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail != nil {
		return 0, g.fail
	}
	g.nextID++
	g.orders = append(g.orders, order)
	return g.nextID, nil
}

// Orders returns a copy of everything queued so far.
func (g *Memory) Orders() []types.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.OrderRequest, len(g.orders))
	copy(out, g.orders)
	return out
}

// FailWith makes subsequent Queue calls return err; nil restores normal
// operation.
func (g *Memory) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}
