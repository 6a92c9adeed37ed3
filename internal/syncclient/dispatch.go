package syncclient

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/yiays/timewarden/internal/budget"
	"github.com/yiays/timewarden/internal/metrics"
	"github.com/yiays/timewarden/internal/syncapi"
)

// StateMerger receives sync outcomes. The enforcement loop implements it;
// both methods are queued onto the loop goroutine.
type StateMerger interface {
	ApplyDiff(*syncapi.Diff)
	SetCredential(uuid.UUID)
}

// Dispatcher runs sync attempts in the background, one at a time.
// Transport failures are logged and counted; the next cadence retries.
type Dispatcher struct {
	client  *Client
	merger  StateMerger
	timeout time.Duration
	logger  zerolog.Logger

	inflight chan struct{}
}

// NewDispatcher wires a client to a merger.
func NewDispatcher(client *Client, merger StateMerger, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		client:   client,
		merger:   merger,
		timeout:  timeout,
		logger:   logger.With().Str("component", "syncclient").Logger(),
		inflight: make(chan struct{}, 1),
	}
}

// Dispatch starts a sync attempt for the snapshot unless one is already
// running, reporting whether the snapshot was taken on. Never blocks.
func (d *Dispatcher) Dispatch(snapshot budget.State) bool {
	select {
	case d.inflight <- struct{}{}:
	default:
		return false
	}
	go func() {
		defer func() { <-d.inflight }()
		d.push(snapshot)
	}()
	return true
}

// Wait blocks until no attempt is in flight. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.inflight <- struct{}{}
	<-d.inflight
}

func (d *Dispatcher) push(snapshot budget.State) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	result, err := d.client.Push(ctx, snapshot)
	if err != nil {
		metrics.SyncFailures.Inc()
		d.logger.Warn().Err(err).Msg("Sync attempt failed")
		return
	}

	if result.Accepted {
		if result.AuthKey != nil {
			d.merger.SetCredential(*result.AuthKey)
		}
		return
	}
	if result.Diff != nil {
		// The service holds a newer version. Fold it in; the next cadence
		// offers the merged state back.
		d.merger.ApplyDiff(result.Diff)
	}
}
