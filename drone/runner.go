package drone

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"visual-waypoint-nav/models"
	"visual-waypoint-nav/utils"

	"github.com/mdobak/go-xerrors"
	"golang.org/x/time/rate"
)

// Snapshot is a consistent copy of the machine output after a full tick.
type Snapshot struct {
	State   DroneState `json:"state"`
	Command Command    `json:"command"`
	Seq     uint64     `json:"seq"`
}

// SnapshotStore is the single-writer, many-reader hand-off of drone state.
type SnapshotStore struct {
	mu   sync.RWMutex
	last Snapshot
}

// Update stores the state of a completed tick and advances the sequence counter.
func (s *SnapshotStore) Update(st DroneState, cmd Command) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = Snapshot{State: st, Command: cmd, Seq: s.last.Seq + 1}
	return s.last
}

// Snapshot returns the most recent tick output.
func (s *SnapshotStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

type RunnerOptions struct {
	// RealTime paces ticks at the configured tick rate.
	RealTime bool
	// MaxTicks requests an abort once reached. Zero means unlimited.
	MaxTicks uint64
	// Publish is called after every tick with the stored snapshot.
	Publish func(Snapshot)
}

// Runner drives a Machine until it reaches a terminal state.
type Runner struct {
	machine  *Machine
	store    *SnapshotStore
	opts     RunnerOptions
	limiter  *rate.Limiter
	abort    atomic.Bool
	recorder Recorder
	logger   *slog.Logger
}

func NewRunner(machine *Machine, store *SnapshotStore, opts RunnerOptions) *Runner {
	if store == nil {
		store = &SnapshotStore{}
	}
	r := &Runner{
		machine:  machine,
		store:    store,
		opts:     opts,
		recorder: machine.recorder,
		logger:   utils.GetLogger().With(slog.String("mission", machine.mission.ID)),
	}
	if opts.RealTime {
		r.limiter = rate.NewLimiter(rate.Limit(machine.cfg.TickHz), 1)
	}
	return r
}

// Abort requests the mission end. The next tick resolves to ABORTED.
func (r *Runner) Abort() {
	r.abort.Store(true)
}

func (r *Runner) Store() *SnapshotStore {
	return r.store
}

// Run ticks until the mission is terminal and returns its outcome. A cancelled
// context is handled like an abort request.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	st := r.machine.InitialState()
	r.publish(st, Command{Behavior: st.State(), Target: st.Position})
	dt := r.machine.cfg.TickSeconds()

	for !st.Terminal() {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				r.Abort()
			}
		}
		if ctx.Err() != nil || (r.opts.MaxTicks > 0 && st.Tick >= r.opts.MaxTicks) {
			r.Abort()
		}

		next, cmd, err := r.machine.Tick(ctx, st, TickInput{Dt: dt, Abort: r.abort.Load()})
		if err != nil {
			r.machine.cache.Release()
			r.logger.ErrorContext(ctx, "mission failed", slog.Uint64("tick", st.Tick), slog.Any("error", xerrors.New(err)))
			return Outcome{}, err
		}
		st = next
		r.publish(st, cmd)
	}

	outcome, _ := OutcomeOf(st)
	record := models.MissionOutcome{
		MissionID:      r.machine.mission.ID,
		Status:         outcome.Status,
		Reason:         outcome.Reason,
		FinishedAt:     r.machine.clock(),
		Ticks:          st.Tick,
		WaypointsDone:  st.WaypointIndex,
		WaypointsTotal: r.machine.mission.Len(),
		Battery:        st.Battery,
	}
	// the caller's context may already be cancelled
	if err := r.recorder.RecordOutcome(context.WithoutCancel(ctx), record); err != nil {
		r.logger.WarnContext(ctx, "failed to record outcome", slog.Any("error", xerrors.New(err)))
	}
	r.logger.InfoContext(ctx, "mission finished",
		slog.String("status", outcome.Status),
		slog.String("reason", outcome.Reason),
		slog.Uint64("ticks", st.Tick),
		slog.Duration("simulated", time.Duration(st.Time*float64(time.Second))),
	)
	return outcome, nil
}

func (r *Runner) publish(st DroneState, cmd Command) {
	snap := r.store.Update(st, cmd)
	if r.opts.Publish != nil {
		r.opts.Publish(snap)
	}
}
