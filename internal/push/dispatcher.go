package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"relay/internal/metrics"
	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Dispatcher delivers push jobs on a fixed pool of workers so a slow
// provider never holds up the sender of a message.
type Dispatcher struct {
	sender  interfaces.PushSender
	tokens  interfaces.DeviceTokenStore
	metrics *metrics.Metrics

	jobs     chan interfaces.PushJob
	workers  int
	timeout  time.Duration
	shutdown chan struct{}
	wg       sync.WaitGroup

	running bool
	mu      sync.RWMutex
}

func NewDispatcher(sender interfaces.PushSender, tokens interfaces.DeviceTokenStore, workers, queueSize int, timeout time.Duration, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		tokens:   tokens,
		metrics:  m,
		jobs:     make(chan interfaces.PushJob, queueSize),
		workers:  workers,
		timeout:  timeout,
		shutdown: make(chan struct{}),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherAlreadyRunning
	}
	d.running = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}

	zap.S().Infow("push dispatcher started",
		"workers", d.workers,
		"queue_size", cap(d.jobs),
	)

	return nil
}

// Enqueue queues job without blocking.
func (d *Dispatcher) Enqueue(job interfaces.PushJob) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		return ErrDispatcherNotRunning
	}

	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop halts the workers, then delivers whatever is still queued within
// ctx and returns the combined delivery errors of that final drain.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.running = false
	close(d.shutdown)
	d.mu.Unlock()

	d.wg.Wait()

	var result *multierror.Error
	for {
		select {
		case job := <-d.jobs:
			if ctx.Err() != nil {
				result = multierror.Append(result, fmt.Errorf("dropped push to %s: %w", job.RecipientID, ctx.Err()))
				continue
			}
			if err := d.deliver(ctx, job); err != nil {
				result = multierror.Append(result, err)
			}
		default:
			zap.S().Info("push dispatcher stopped")
			return result.ErrorOrNil()
		}
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.jobs:
			if err := d.deliver(ctx, job); err != nil {
				zap.S().Warnw("push delivery failed",
					"user_id", job.RecipientID,
					"error", err,
				)
			}
		case <-d.shutdown:
			return
		case <-ctx.Done():
			return
		}
	}
}

// deliver sends one job to the recipient's registered device. Users
// without a token are skipped. Tokens the provider rejects permanently are
// removed from the profile.
func (d *Dispatcher) deliver(parent context.Context, job interfaces.PushJob) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.timeout)
	defer cancel()

	token, err := d.tokens.DeviceToken(ctx, job.RecipientID)
	if err != nil {
		return fmt.Errorf("device token lookup for %s: %w", job.RecipientID, err)
	}
	if token == "" {
		return nil
	}

	result, err := d.sender.Send(ctx, types.PushNotification{
		DeviceToken: token,
		Title:       job.Title,
		Body:        job.Body,
		Data:        job.Data,
	})
	d.metrics.PushAttempt(result.String())

	if result == types.PushInvalidToken {
		zap.S().Infow("clearing invalid device token",
			"user_id", job.RecipientID,
		)
		if clearErr := d.tokens.ClearDeviceToken(ctx, job.RecipientID, token); clearErr != nil {
			return fmt.Errorf("clear device token for %s: %w", job.RecipientID, clearErr)
		}
		return nil
	}

	if err != nil {
		return fmt.Errorf("push to %s: %w", job.RecipientID, err)
	}
	return nil
}
