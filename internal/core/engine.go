package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"EscrowVault/internal/clock"
	"EscrowVault/internal/escrow"
	"EscrowVault/internal/event"
	fpmath "EscrowVault/internal/math"
	"EscrowVault/internal/observability"
	"EscrowVault/internal/scheduler"
	"EscrowVault/internal/state"
	"EscrowVault/internal/transfer"

	"github.com/rs/zerolog"
)

// EventSink receives every history record after the operation that produced
// it has released the engine lock.
type EventSink interface {
	Emit(rec event.Record)
}

// Config for the engine.
type Config struct {
	// ServiceID is the identity that owns every escrow account.
	ServiceID string

	// TransferTimeout bounds each collaborator call.
	TransferTimeout time.Duration

	// BusyRetryDelay is how far a lock timer that fires while its budget is
	// busy is pushed back.
	BusyRetryDelay time.Duration
}

func DefaultConfig(serviceID string) Config {
	return Config{
		ServiceID:       serviceID,
		TransferTimeout: 30 * time.Second,
		BusyRetryDelay:  time.Second,
	}
}

// Engine owns the entity store and event log and runs the Budget and Goal
// protocols against the transfer and scheduling collaborators.
//
// All store access happens under mu, which is never held across a
// collaborator call. Fund-affecting operations mark their entity busy for the
// whole read-call-write sequence; a second such operation on the same entity
// fails fast with ErrAlreadyInProgress.
type Engine struct {
	cfg Config

	mu     sync.Mutex
	store  *state.Store
	log    *event.Log
	timers map[string]scheduler.Handle

	// Records appended but not yet handed to the sink
	pending []event.Record
	sink    EventSink

	ledger  transfer.Collaborator
	sched   scheduler.Scheduler
	clock   clock.Clock
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(
	cfg Config,
	ledger transfer.Collaborator,
	sched scheduler.Scheduler,
	clk clock.Clock,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 30 * time.Second
	}
	if cfg.BusyRetryDelay <= 0 {
		cfg.BusyRetryDelay = time.Second
	}
	return &Engine{
		cfg:     cfg,
		store:   state.NewStore(),
		log:     event.NewLog(),
		timers:  make(map[string]scheduler.Handle),
		ledger:  ledger,
		sched:   sched,
		clock:   clk,
		metrics: metrics,
		logger:  logger,
	}
}

// SetSink installs the downstream consumer of history records.
func (e *Engine) SetSink(s EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

// --- Events ---

// appendEventLocked appends to the log and queues the record for the sink.
func (e *Engine) appendEventLocked(ek event.EntityKind, id string, kind event.Kind, at int64, amount *fpmath.Amount, note *string) {
	rec := e.log.Append(ek, id, kind, at, amount, note)
	e.pending = append(e.pending, rec)
	if e.metrics != nil {
		e.metrics.EventsAppended.WithLabelValues(ek.String(), kind.String()).Inc()
	}
}

// flush hands queued records to the sink outside the engine lock.
func (e *Engine) flush() {
	e.mu.Lock()
	recs := e.pending
	e.pending = nil
	sink := e.sink
	e.mu.Unlock()

	if sink == nil {
		return
	}
	for _, rec := range recs {
		sink.Emit(rec)
	}
}

// ListEvents returns a page of an entity's history, oldest first.
func (e *Engine) ListEvents(id string, limit, offset int) ([]event.Record, error) {
	e.mu.Lock()
	exists := e.store.Exists(id)
	e.mu.Unlock()

	if !exists {
		return nil, errorf(ErrNotFound, "entity %s", id)
	}
	return e.log.List(id, limit, offset), nil
}

// --- Helpers ---

func (e *Engine) escrowAccount(owner, id string) escrow.Account {
	return escrow.EscrowAccount(e.cfg.ServiceID, owner, id)
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.TransferTimeout)
}

// release clears an entity's busy mark.
func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Release(id)
}

// acquireLocked marks id busy or returns ErrAlreadyInProgress.
func (e *Engine) acquireLocked(op, id string) error {
	if e.store.TryAcquire(id) {
		return nil
	}
	if e.metrics != nil {
		e.metrics.ReentrancyRejections.WithLabelValues(op).Inc()
	}
	return errorf(ErrAlreadyInProgress, "%s on %s", op, id)
}

// transferKey names one logical transfer of an entity. The ledger replays
// the first receipt for a repeated key, so a retry after a lost reply is not
// charged twice.
func transferKey(id, op string, parts ...interface{}) string {
	key := id + "/" + op
	for _, p := range parts {
		key += fmt.Sprintf("/%v", p)
	}
	return key
}

// validWindow checks a [start, end) window given in nanoseconds since epoch.
func validWindow(start, end int64, startName, endName string) error {
	if start < 0 || end < 0 {
		return errorf(ErrInvalidArgument, "%s and %s must not be negative", startName, endName)
	}
	if end <= start {
		return errorf(ErrInvalidArgument, "%s must be after %s", endName, startName)
	}
	return nil
}

// newIDLocked builds a readable id from parts and creation time, suffixed
// when two entities are created in the same nanosecond.
func (e *Engine) newIDLocked(prefix, owner, asset string, created int64) string {
	base := fmt.Sprintf("%s-%s-%d", owner, asset, created)
	if prefix != "" {
		base = prefix + "-" + base
	}
	id := base
	for n := 2; e.store.Exists(id); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

// observe records an operation's outcome. Deferred with a pointer to the
// named error result so the final value is seen.
func (e *Engine) observe(op string, start time.Time, err *error) {
	if e.metrics == nil {
		return
	}
	e.metrics.Operations.WithLabelValues(op, resultLabel(*err)).Inc()
	e.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// refreshGaugesLocked recomputes the entity and timer gauges.
func (e *Engine) refreshGaugesLocked() {
	if e.metrics == nil {
		return
	}
	e.metrics.Entities.Reset()
	for status, n := range e.store.BudgetCounts() {
		e.metrics.Entities.WithLabelValues(event.EntityKindBudget.String(), status.String()).Set(float64(n))
	}
	for status, n := range e.store.GoalCounts() {
		e.metrics.Entities.WithLabelValues(event.EntityKindGoal.String(), status.String()).Set(float64(n))
	}
	e.metrics.TimersArmed.Set(float64(len(e.timers)))
}

// --- Persistence boundary ---

// Snapshot captures every Budget and Goal record. Event history and busy
// flags are not part of it.
func (e *Engine) Snapshot() state.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// Restore replaces all entities with snap and re-arms exactly one lock timer
// per Active or Completed budget at its NextLockAtNs. Goals need no timers;
// their cliff is evaluated on read. history, if non-nil, is loaded into the
// event log; a broken chain is reported but does not undo the restore.
func (e *Engine) Restore(snap state.Snapshot, history []event.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, h := range e.timers {
		e.sched.Cancel(h)
		delete(e.timers, id)
	}
	e.store.Restore(snap)

	armed := 0
	for _, b := range snap.Budgets {
		switch b.Status {
		case state.BudgetStatusActive, state.BudgetStatusCompleted:
			e.armLockTimerLocked(b.ID, b.NextLockAtNs)
			armed++
		}
	}
	e.refreshGaugesLocked()

	e.logger.Info().
		Int("budgets", len(snap.Budgets)).
		Int("goals", len(snap.Goals)).
		Int("timers_armed", armed).
		Msg("engine state restored")

	if len(history) == 0 {
		return nil
	}
	if err := e.log.Load(history); err != nil {
		e.logger.Warn().Err(err).Msg("event history not restored")
		return fmt.Errorf("load history: %w", err)
	}
	return nil
}

// Close disarms every lock timer. The engine must not be used afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, h := range e.timers {
		e.sched.Cancel(h)
		delete(e.timers, id)
	}
	e.refreshGaugesLocked()
}

// ArmedTimers returns the number of budgets with an armed lock timer.
func (e *Engine) ArmedTimers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}
