// Package dispatch implements the command correlation engine: it publishes
// command requests to devices, tracks each one as a pending record keyed by
// a correlation ID, and resolves that record from the matching reply, the
// deadline watchdog, or a transport failure, whichever writes first.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afehub-io/afehub/internal/hub/core"
	"github.com/afehub-io/afehub/internal/hub/core/model"
	"github.com/afehub-io/afehub/internal/hub/registry"
	"github.com/afehub-io/afehub/internal/pkg/metrics"
	"github.com/afehub-io/afehub/pkg/log"
	"github.com/afehub-io/afehub/pkg/mqtt"
	"github.com/afehub-io/afehub/pkg/mqtt/topic"
)

const commandQoS = 1

// Options tune dispatcher behavior; zero values fall back to defaults.
type Options struct {
	// DefaultTimeout applies when Dispatch is called with timeout <= 0.
	DefaultTimeout time.Duration

	// MaxTimeout caps caller-supplied timeouts.
	MaxTimeout time.Duration

	// RetentionGrace keeps resolved records around to absorb duplicate or
	// late replies before eviction.
	RetentionGrace time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		DefaultTimeout: 10 * time.Second,
		MaxTimeout:     2 * time.Minute,
		RetentionGrace: 5 * time.Second,
	}
	if o == nil {
		return out
	}
	if o.DefaultTimeout > 0 {
		out.DefaultTimeout = o.DefaultTimeout
	}
	if o.MaxTimeout > 0 {
		out.MaxTimeout = o.MaxTimeout
	}
	if o.RetentionGrace > 0 {
		out.RetentionGrace = o.RetentionGrace
	}
	return out
}

// pending is one outstanding command. result is written exactly once under
// the dispatcher lock; done is closed at the same moment so waiters wake.
type pending struct {
	cmd    *model.PendingCommand
	result *model.Result
	done   chan struct{}
}

// Dispatcher correlates outbound commands with their asynchronous replies.
type Dispatcher struct {
	transport mqtt.Client
	topics    *topic.Builder
	registry  *registry.Registry
	opts      Options
	logger    log.Logger

	mu    sync.Mutex
	table map[string]*pending
	timer deadlineHeap

	// wake nudges the watchdog when a nearer deadline is inserted.
	wake chan struct{}
}

// New creates a Dispatcher. Start must be called before commands time out
// or get evicted.
func New(transport mqtt.Client, topics *topic.Builder, reg *registry.Registry, opts *Options) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		topics:    topics,
		registry:  reg,
		opts:      opts.withDefaults(),
		logger:    log.WithName("dispatch"),
		table:     make(map[string]*pending),
		wake:      make(chan struct{}, 1),
	}
}

// Dispatch publishes a command to the device's inbound topic and registers
// a pending record. It returns the correlation ID immediately and never
// waits for the reply.
//
// The registry check is a best-effort admission gate: a device can go
// offline between the check and the publish, in which case the command
// simply times out like any other unanswered one.
func (d *Dispatcher) Dispatch(ctx context.Context, deviceID, command string, params json.RawMessage, timeout time.Duration) (string, error) {
	dev, err := d.registry.Get(deviceID)
	if err != nil {
		return "", err
	}
	if dev.State != model.LivenessOnline {
		return "", fmt.Errorf("dispatch %q to %s (state %s): %w", command, deviceID, dev.State, core.ErrDeviceOffline)
	}

	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	if timeout > d.opts.MaxTimeout {
		timeout = d.opts.MaxTimeout
	}

	now := time.Now()
	id := uuid.NewString()
	p := &pending{
		cmd: &model.PendingCommand{
			CorrelationID: id,
			DeviceID:      deviceID,
			Command:       command,
			Params:        params,
			Deadline:      now.Add(timeout),
			CreatedAt:     now,
		},
		done: make(chan struct{}),
	}

	d.mu.Lock()
	d.table[id] = p
	d.timer.push(timerEntry{at: p.cmd.Deadline, correlationID: id, evict: false})
	d.mu.Unlock()
	metrics.PendingCommands.Inc()
	d.nudge()

	payload, err := json.Marshal(model.CommandRequest{
		CorrelationID: id,
		Command:       command,
		Params:        params,
	})
	if err != nil {
		// Params is caller-supplied RawMessage; this only fires on invalid JSON.
		d.Resolve(id, model.Result{Outcome: model.OutcomeDispatchFailed, Detail: err.Error()})
		return id, nil
	}

	if err := d.transport.Publish(ctx, d.topics.Commands(deviceID), commandQoS, false, payload); err != nil {
		d.logger.Error(err, "Publish failed, resolving command as DispatchFailed",
			"deviceID", deviceID, "correlationID", id)
		d.Resolve(id, model.Result{Outcome: model.OutcomeDispatchFailed, Detail: err.Error()})
		return id, nil
	}

	d.logger.Debug("Command dispatched",
		"deviceID", deviceID, "command", command, "correlationID", id, "timeout", timeout)
	return id, nil
}

// AwaitResult blocks the calling goroutine until the pending command is
// resolved or ctx ends. Abandoning the wait releases only this caller; the
// pending command and any other waiters are unaffected.
func (d *Dispatcher) AwaitResult(ctx context.Context, correlationID string) (model.Result, error) {
	d.mu.Lock()
	p, ok := d.table[correlationID]
	if !ok {
		d.mu.Unlock()
		return model.Result{}, fmt.Errorf("await %s: %w", correlationID, core.ErrUnknownCorrelation)
	}
	if p.result != nil {
		res := *p.result
		d.mu.Unlock()
		return res, nil
	}
	done := p.done
	d.mu.Unlock()

	select {
	case <-done:
		d.mu.Lock()
		res := *p.result
		d.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		return model.Result{}, fmt.Errorf("await %s: %w: %v", correlationID, core.ErrCancelled, ctx.Err())
	}
}

// Resolve sets the result slot exactly once. Duplicate resolutions and
// unknown correlation IDs are debug-level observations, never errors: late
// replies after a declared timeout are expected traffic.
func (d *Dispatcher) Resolve(correlationID string, result model.Result) {
	d.mu.Lock()
	p, ok := d.table[correlationID]
	if !ok {
		d.mu.Unlock()
		metrics.RepliesDiscardedTotal.Inc()
		d.logger.Debug("Resolve for unknown correlation ID", "correlationID", correlationID)
		return
	}
	if p.result != nil {
		first := p.result.Outcome
		d.mu.Unlock()
		metrics.RepliesDiscardedTotal.Inc()
		d.logger.Debug("Discarding duplicate resolution",
			"correlationID", correlationID, "firstOutcome", first, "lateOutcome", result.Outcome)
		return
	}

	p.result = &result
	close(p.done)
	d.timer.push(timerEntry{at: time.Now().Add(d.opts.RetentionGrace), correlationID: correlationID, evict: true})
	elapsed := time.Since(p.cmd.CreatedAt)
	d.mu.Unlock()

	metrics.CommandDuration.Observe(elapsed.Seconds())
	metrics.CommandsDispatchedTotal.WithLabelValues(outcomeLabel(result.Outcome)).Inc()
	d.nudge()

	d.logger.Debug("Command resolved",
		"correlationID", correlationID, "outcome", result.Outcome, "elapsed", elapsed)
}

// Pending returns a copy of one pending record, mainly for observability.
func (d *Dispatcher) Pending(correlationID string) (*model.PendingCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.table[correlationID]
	if !ok {
		return nil, fmt.Errorf("pending %s: %w", correlationID, core.ErrUnknownCorrelation)
	}
	cmd := *p.cmd
	return &cmd, nil
}

// IsCancelled reports whether err is a caller-side wait abandonment.
func IsCancelled(err error) bool {
	return errors.Is(err, core.ErrCancelled)
}

func outcomeLabel(o model.Outcome) string {
	switch o {
	case model.OutcomeSuccess:
		return "success"
	case model.OutcomeDeviceError:
		return "device_error"
	case model.OutcomeTimeout:
		return "timeout"
	case model.OutcomeDispatchFailed:
		return "dispatch_failed"
	default:
		return "unknown"
	}
}

// nudge wakes the watchdog without blocking; a single buffered token is
// enough since the loop re-reads the heap head every time.
func (d *Dispatcher) nudge() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}
