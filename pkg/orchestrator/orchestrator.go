// Package orchestrator runs extraction passes: one work unit per channel,
// executed by a bounded worker pool with a per-unit timeout and a daily
// checkpoint flushed after every batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/cache"
	"github.com/Sternrassler/yt-harvester/pkg/client"
	"github.com/Sternrassler/yt-harvester/pkg/credentials"
	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/Sternrassler/yt-harvester/pkg/logging"
	"github.com/Sternrassler/yt-harvester/pkg/pagination"
	"github.com/Sternrassler/yt-harvester/pkg/resolver"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for orchestration.
var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_units_total",
		Help: "Work units by final state",
	}, []string{"state"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_items_total",
		Help: "Items processed by outcome",
	}, []string{"outcome"})

	unitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_unit_duration_seconds",
		Help:    "Duration of executed work units",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})
)

var (
	// ErrUnitTimeout is recorded for units that exceeded UnitTimeout.
	ErrUnitTimeout = errors.New("work unit timed out")

	// ErrQuotaBudget is returned when the shared daily ledger is below its
	// stop threshold. It matches client.ErrQuotaExhausted.
	ErrQuotaBudget = fmt.Errorf("%w: shared daily budget below stop threshold", client.ErrQuotaExhausted)

	// ErrRefreshUnsupported is returned when REFRESH runs against a store
	// without domain.RefreshStore.
	ErrRefreshUnsupported = errors.New("storage does not support refresh")
)

// Config holds the orchestrator configuration.
type Config struct {
	// Mode is the traversal mode used by Run.
	Mode domain.Mode

	// Workers is the number of units executed concurrently.
	Workers int

	// UnitTimeout bounds each unit.
	UnitTimeout time.Duration

	// CheckpointBatch is the number of units between checkpoint flushes.
	CheckpointBatch int

	// ChannelDelay is the pause a worker takes after each unit.
	ChannelDelay time.Duration

	// UploadsTTL is the cache lifetime of uploads collection ids.
	UploadsTTL time.Duration

	Client     client.Config
	Pagination pagination.Config
	Resolver   resolver.Config
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Mode:            domain.ModeIncremental,
		Workers:         2,
		UnitTimeout:     30 * time.Second,
		CheckpointBatch: 10,
		ChannelDelay:    500 * time.Millisecond,
		UploadsTTL:      cache.DefaultUploadsTTL,
		Client:          client.DefaultConfig(),
		Pagination:      pagination.DefaultConfig(),
		Resolver:        resolver.DefaultConfig(),
	}
}

// QuotaGate reports whether enough shared budget is left to start work.
type QuotaGate interface {
	ShouldContinue(ctx context.Context) (bool, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Storage    domain.Storage
	Checkpoint domain.CheckpointStore
	Pool       *credentials.Pool
	Transport  client.TransportFactory

	// Cache holds uploads collection ids. Optional.
	Cache *cache.Manager

	// Quota gates every batch. Optional.
	Quota QuotaGate
}

// Summary is the aggregate outcome of one pass.
type Summary struct {
	PassID    string                   `json:"pass_id"`
	Mode      domain.Mode              `json:"mode"`
	StartedAt time.Time                `json:"started_at"`
	Elapsed   time.Duration            `json:"elapsed"`
	Totals    domain.WorkResult        `json:"totals"`
	States    map[domain.UnitState]int `json:"states"`
	Units     []domain.WorkResult      `json:"units"`

	// Stopped is true when Stop was called during the pass.
	Stopped bool `json:"stopped"`

	// Aborted is true when quota exhaustion ended the pass early.
	Aborted bool `json:"aborted"`
}

func (s *Summary) add(res domain.WorkResult) {
	s.Units = append(s.Units, res)
	s.States[res.State]++
	s.Totals.Add(res)
}

// Orchestrator executes extraction passes.
type Orchestrator struct {
	config Config
	deps   Deps
	logger zerolog.Logger

	stopped atomic.Bool
	now     func() time.Time
}

// New creates an orchestrator.
func New(config Config, deps Deps) (*Orchestrator, error) {
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if config.Workers < 1 {
		return nil, fmt.Errorf("workers must be >= 1 (got %d)", config.Workers)
	}
	if config.UnitTimeout <= 0 {
		return nil, fmt.Errorf("unit timeout must be > 0")
	}
	if config.CheckpointBatch < 1 {
		config.CheckpointBatch = config.Workers
	}
	if config.Mode == "" {
		config.Mode = domain.ModeIncremental
	}

	return &Orchestrator{
		config: config,
		deps:   deps,
		logger: logging.NewLogger("orchestrator"),
		now:    time.Now,
	}, nil
}

// Stop asks running passes to finish. Units in flight stop between pages;
// units not started yet are reported as CANCELLED.
func (o *Orchestrator) Stop() {
	if o.stopped.CompareAndSwap(false, true) {
		o.logger.Info().Msg("Stop requested")
	}
}

// Stopped reports whether Stop was called.
func (o *Orchestrator) Stopped() bool {
	return o.stopped.Load()
}

// Run executes one pass over the stored roster in the configured mode.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	roster, err := o.deps.Storage.ChannelList(ctx)
	if err != nil {
		return nil, fmt.Errorf("load channel roster: %w", err)
	}
	return o.RunPass(ctx, roster, o.config.Mode)
}

// RunPass executes one pass over roster in mode.
//
// The returned summary is always complete: every channel of the plan is
// accounted for in exactly one state. The error is non-nil only when quota
// exhaustion aborted the pass.
func (o *Orchestrator) RunPass(ctx context.Context, roster []domain.ChannelState, mode domain.Mode) (*Summary, error) {
	mode, err := domain.ParseMode(string(mode))
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		PassID:    uuid.NewString(),
		Mode:      mode,
		StartedAt: o.now(),
		States:    make(map[domain.UnitState]int),
	}
	logger := o.logger.With().Str("pass_id", summary.PassID).Str("mode", string(mode)).Logger()

	units := plan(roster, mode)
	logger.Info().Int("units", len(units)).Int("workers", o.config.Workers).Msg("Pass started")

	var passErr error
	for start := 0; start < len(units); start += o.config.CheckpointBatch {
		end := min(start+o.config.CheckpointBatch, len(units))
		batch := units[start:end]

		if o.Stopped() || ctx.Err() != nil {
			summary.Stopped = true
			o.settle(summary, units[start:], domain.StateCancelled)
			break
		}
		if err := o.checkBudget(ctx, logger); err != nil {
			passErr = err
			summary.Aborted = true
			o.settle(summary, units[start:], domain.StateAborted)
			break
		}

		results, quotaErr := o.runBatch(ctx, batch, logger)
		if err := o.checkpoint(ctx, results, logger); err != nil {
			logger.Error().Err(err).Msg("Checkpoint update failed")
		}
		for _, res := range results {
			o.account(res)
			summary.add(res)
		}

		if quotaErr != nil {
			passErr = quotaErr
			summary.Aborted = true
			o.settle(summary, units[end:], domain.StateAborted)
			break
		}
		if o.Stopped() {
			summary.Stopped = true
		}
	}

	summary.Elapsed = o.now().Sub(summary.StartedAt)
	summary.Totals.Elapsed = summary.Elapsed

	var event *zerolog.Event
	if passErr != nil {
		event = logger.Error().Err(passErr)
	} else {
		event = logger.Info()
	}
	event.
		Int("new", summary.Totals.New).
		Int("existing", summary.Totals.Existing).
		Int("updated", summary.Totals.Updated).
		Int("errors", summary.Totals.Errors).
		Int("succeeded", summary.States[domain.StateSucceeded]).
		Int("failed", summary.States[domain.StateFailed]).
		Int("timed_out", summary.States[domain.StateTimedOut]).
		Int("skipped", summary.States[domain.StateSkipped]).
		Int("cancelled", summary.States[domain.StateCancelled]).
		Int("aborted", summary.States[domain.StateAborted]).
		Dur("duration", summary.Elapsed).
		Msg("Pass finished")

	if passErr != nil {
		return summary, fmt.Errorf("pass %s aborted: %w", summary.PassID, passErr)
	}
	return summary, nil
}

// plan turns the roster into the ordered unit list of a pass.
func plan(roster []domain.ChannelState, mode domain.Mode) []domain.WorkUnit {
	channels := make([]domain.ChannelState, 0, len(roster))
	for _, ch := range roster {
		if ch.ID == "" {
			continue
		}
		if mode == domain.ModeRetroactive && !ch.NeedsBackfill {
			continue
		}
		channels = append(channels, ch)
	}

	sort.SliceStable(channels, func(i, j int) bool {
		ki, kj := channels[i].SortKey(), channels[j].SortKey()
		if ki != kj {
			return ki > kj
		}
		return channels[i].ID < channels[j].ID
	})

	units := make([]domain.WorkUnit, len(channels))
	for i, ch := range channels {
		units[i] = domain.WorkUnit{Channel: ch, Mode: mode}
	}
	return units
}

func (o *Orchestrator) checkBudget(ctx context.Context, logger zerolog.Logger) error {
	if o.deps.Quota == nil {
		return nil
	}
	ok, err := o.deps.Quota.ShouldContinue(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Quota ledger unavailable, continuing")
		return nil
	}
	if !ok {
		return ErrQuotaBudget
	}
	return nil
}

// runBatch executes batch on the worker pool. Units start in batch order
// and results keep that order. The returned error is set when a unit ran
// into quota exhaustion.
func (o *Orchestrator) runBatch(ctx context.Context, batch []domain.WorkUnit, logger zerolog.Logger) ([]domain.WorkResult, error) {
	results := make([]domain.WorkResult, len(batch))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		quotaErr error
		aborted  atomic.Bool
	)

	workers := min(o.config.Workers, len(batch))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := o.work(ctx, batch[i], &aborted, logger)
				results[i] = res
				if err != nil && errors.Is(err, client.ErrQuotaExhausted) {
					aborted.Store(true)
					mu.Lock()
					if quotaErr == nil {
						quotaErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for i := range batch {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results, quotaErr
}

// work runs one unit on a worker slot, including the channel delay.
func (o *Orchestrator) work(ctx context.Context, unit domain.WorkUnit, aborted *atomic.Bool, logger zerolog.Logger) (domain.WorkResult, error) {
	switch {
	case aborted.Load():
		return settled(unit, domain.StateAborted), nil
	case o.Stopped() || ctx.Err() != nil:
		return settled(unit, domain.StateCancelled), nil
	}

	done, err := o.deps.Checkpoint.IsDone(ctx, unit.ID())
	if err != nil {
		logger.Warn().Err(err).Str("unit_id", unit.ID()).Msg("Checkpoint lookup failed, running unit")
	}
	if done {
		return settled(unit, domain.StateSkipped), nil
	}

	res, err := o.execute(ctx, unit, logger)

	if o.config.ChannelDelay > 0 && !errors.Is(err, client.ErrQuotaExhausted) {
		t := time.NewTimer(o.config.ChannelDelay)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}
	return res, err
}

type unitOutcome struct {
	res domain.WorkResult
	err error
}

// execute runs one unit under UnitTimeout. On timeout the slot is released
// at once; the abandoned unit observes its cancelled context and exits.
func (o *Orchestrator) execute(ctx context.Context, unit domain.WorkUnit, passLogger zerolog.Logger) (domain.WorkResult, error) {
	logger := logging.ForUnit(passLogger, unit.ID(), unit.Channel.ID, string(unit.Mode))

	unitCtx, cancel := context.WithTimeout(ctx, o.config.UnitTimeout)
	defer cancel()

	start := o.now()
	done := make(chan unitOutcome, 1)
	go func() {
		res, err := o.runUnit(unitCtx, unit, logger)
		done <- unitOutcome{res: res, err: err}
	}()

	var out unitOutcome
	select {
	case out = <-done:
	case <-unitCtx.Done():
		out = unitOutcome{res: newResult(unit), err: unitCtx.Err()}
	}

	res := out.res
	res.Elapsed = o.now().Sub(start)
	unitDuration.Observe(res.Elapsed.Seconds())

	switch {
	case out.err == nil:
		res.State = domain.StateSucceeded
		logger.Info().
			Int("new", res.New).
			Int("existing", res.Existing).
			Int("updated", res.Updated).
			Int("errors", res.Errors).
			Dur("duration", res.Elapsed).
			Msg("Unit completed")
		return res, nil

	case errors.Is(out.err, pagination.ErrStopped) || ctx.Err() != nil:
		res.State = domain.StateCancelled
		logger.Info().Msg("Unit cancelled")
		return res, nil

	case errors.Is(unitCtx.Err(), context.DeadlineExceeded):
		res.State = domain.StateTimedOut
		res.Err = ErrUnitTimeout.Error()
		logger.Error().Dur("timeout", o.config.UnitTimeout).Msg("Unit timed out")
		return res, fmt.Errorf("%w after %s", ErrUnitTimeout, o.config.UnitTimeout)

	default:
		res.State = domain.StateFailed
		res.Err = out.err.Error()
		logger.Error().
			Err(out.err).
			Str("error_class", string(client.Classify(out.err))).
			Msg("Unit failed")
		return res, out.err
	}
}

// checkpoint records finished units and flushes the store.
func (o *Orchestrator) checkpoint(ctx context.Context, results []domain.WorkResult, logger zerolog.Logger) error {
	for _, res := range results {
		var err error
		switch res.State {
		case domain.StateSucceeded:
			err = o.deps.Checkpoint.MarkDone(ctx, res)
		case domain.StateFailed, domain.StateTimedOut:
			err = o.deps.Checkpoint.MarkFailed(ctx, res, res.Err)
		default:
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("unit_id", res.UnitID).Msg("Checkpoint mark failed")
		}
	}
	if err := o.deps.Checkpoint.Flush(ctx); err != nil {
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	return nil
}

// settle accounts units that never ran.
func (o *Orchestrator) settle(summary *Summary, units []domain.WorkUnit, state domain.UnitState) {
	for _, unit := range units {
		res := settled(unit, state)
		o.account(res)
		summary.add(res)
	}
}

func (o *Orchestrator) account(res domain.WorkResult) {
	unitsTotal.WithLabelValues(string(res.State)).Inc()
	for outcome, n := range map[string]int{
		"new":       res.New,
		"existing":  res.Existing,
		"updated":   res.Updated,
		"unchanged": res.Unchanged,
		"error":     res.Errors,
		"dropped":   res.Dropped,
		"missing":   res.Missing,
	} {
		if n > 0 {
			itemsTotal.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

func newResult(unit domain.WorkUnit) domain.WorkResult {
	return domain.WorkResult{
		UnitID:    unit.ID(),
		ChannelID: unit.Channel.ID,
		Mode:      unit.Mode,
		State:     domain.StateRunning,
	}
}

func settled(unit domain.WorkUnit, state domain.UnitState) domain.WorkResult {
	res := newResult(unit)
	res.State = state
	return res
}
