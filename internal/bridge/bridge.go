package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lesleslie/crackerjack-mcp/internal/progress"
	"github.com/sony/gobreaker"
)

// progressChannel carries snapshot JSON between server processes
const progressChannel = "crackerjack:progress"

// Options configures the bridge connection
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// Bridge publishes locally written snapshots to Redis pub/sub and injects
// remote snapshots into the local fan-out. Publishes run behind a circuit
// breaker so a dead Redis cannot slow the snapshot write path.
type Bridge struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	local   progress.Monitor

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New connects to Redis and verifies the connection
func New(opts Options, local progress.Monitor) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		ReadTimeout: opts.ReadTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Event bridge connected", "addr", opts.Addr)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "event-bridge",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})

	return &Bridge{
		client:  client,
		breaker: breaker,
		local:   local,
	}, nil
}

// Notify implements progress.Notifier: every local snapshot write is
// published to the shared channel. An open breaker skips the publish.
func (b *Bridge) Notify(snapshot *progress.Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}

	_, err = b.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return nil, b.client.Publish(ctx, progressChannel, data).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState && err != gobreaker.ErrTooManyRequests {
		slog.Debug("Bridge publish failed", "job_id", snapshot.JobID, "error", err)
	}
}

// Start subscribes to the shared channel and re-broadcasts remote snapshots
// into the local fan-out. Idempotent.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	sub := b.client.Subscribe(loopCtx, progressChannel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				snapshot, err := progress.ParseSnapshot([]byte(msg.Payload))
				if err != nil {
					slog.Debug("Bridge received malformed snapshot", "error", err)
					continue
				}
				b.local.Notify(snapshot)
			case <-loopCtx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop cancels the subscription loop and closes the connection. Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.client.Close()
}

// BreakerState reports the publish breaker state for the status surface
func (b *Bridge) BreakerState() string {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
