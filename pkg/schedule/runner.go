package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RepGraphics/panel-sub000/pkg/events"
	"github.com/RepGraphics/panel-sub000/pkg/log"
	"github.com/RepGraphics/panel-sub000/pkg/metrics"
	"github.com/RepGraphics/panel-sub000/pkg/storage"
	"github.com/RepGraphics/panel-sub000/pkg/types"
)

const defaultTick = time.Minute

// ErrAlreadyRunning is returned when a schedule is triggered while a run of
// the same schedule is still in flight. The run is skipped, never queued.
var ErrAlreadyRunning = errors.New("schedule is already running")

// Executor performs the daemon-facing side of schedule task actions.
type Executor interface {
	SendCommand(ctx context.Context, serverID, command string) error
	PowerAction(ctx context.Context, serverID string, action types.PowerAction) error
	CreateBackup(ctx context.Context, serverID, name string) error
}

// TaskResult is the outcome of one executed task within a run.
type TaskResult struct {
	TaskID     string
	SequenceID int
	Action     types.TaskAction
	Success    bool
	Error      string
}

// RunResult is the outcome of one schedule run. Success is true only when
// every executed task succeeded; tasks skipped after a failure do not appear
// in Tasks.
type RunResult struct {
	ScheduleID string
	Success    bool
	Tasks      []TaskResult
}

// Runner scans enabled schedules on a fixed tick and executes the ones that
// are due. The in-flight set is process-local: it stops one runner from
// overlapping runs of the same schedule, nothing more.
type Runner struct {
	store  storage.Store
	exec   Executor
	broker *events.Broker
	logger zerolog.Logger
	tick   time.Duration

	// sleep is a hook so tests can observe offset waits without waiting.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]struct{}

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTick overrides the scan interval.
func WithTick(d time.Duration) RunnerOption {
	return func(r *Runner) { r.tick = d }
}

// WithSleep overrides the offset sleep function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// NewRunner creates a schedule runner.
func NewRunner(store storage.Store, exec Executor, broker *events.Broker, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    store,
		exec:     exec,
		broker:   broker,
		logger:   log.WithComponent("schedule"),
		tick:     defaultTick,
		sleep:    sleepCtx,
		inFlight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Start launches the background tick loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go r.loop()
	r.logger.Info().Dur("tick", r.tick).Msg("Schedule runner started")
}

// Stop halts the tick loop and waits for it to exit. Runs already in flight
// finish on their own.
func (r *Runner) Stop() {
	r.stopped.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Runner) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.RunDue(context.Background(), now)
		}
	}
}

// RunDue executes every enabled schedule whose cron expression matches now.
// Each due schedule runs in its own goroutine; schedules already in flight
// are skipped.
func (r *Runner) RunDue(ctx context.Context, now time.Time) {
	schedules, err := r.store.ListSchedules()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list schedules")
		return
	}
	for _, sched := range schedules {
		if !sched.Enabled || !Matches(sched.Cron, now) {
			continue
		}
		id := sched.ID
		go func() {
			if _, err := r.Run(ctx, id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				r.logger.Error().Err(err).Str("schedule_id", id).Msg("Schedule run failed")
			}
		}()
	}
}

func (r *Runner) begin(scheduleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, running := r.inFlight[scheduleID]; running {
		return false
	}
	r.inFlight[scheduleID] = struct{}{}
	return true
}

func (r *Runner) end(scheduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, scheduleID)
}

// Run executes one schedule immediately: tasks in sequence order, each after
// its offset sleep, stopping at the first failure unless the failed task is
// marked continueOnFailure. lastRunAt and nextRunAt are recomputed and
// persisted whatever the outcome.
func (r *Runner) Run(ctx context.Context, scheduleID string) (*RunResult, error) {
	if !r.begin(scheduleID) {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrAlreadyRunning)
	}
	defer r.end(scheduleID)

	sched, err := r.store.GetSchedule(scheduleID)
	if err != nil {
		return nil, fmt.Errorf("running schedule: %w", err)
	}
	tasks, err := r.store.ListTasksBySchedule(scheduleID)
	if err != nil {
		return nil, fmt.Errorf("running schedule: %w", err)
	}

	timer := metrics.NewTimer()
	result := &RunResult{ScheduleID: scheduleID, Success: true}
	for _, task := range tasks {
		if err := r.sleep(ctx, time.Duration(task.OffsetSeconds)*time.Second); err != nil {
			result.Success = false
			break
		}

		tr := TaskResult{TaskID: task.ID, SequenceID: task.SequenceID, Action: task.Action, Success: true}
		if err := r.runTask(ctx, sched, task); err != nil {
			tr.Success = false
			tr.Error = err.Error()
			result.Success = false
			metrics.ScheduleTaskFailuresTotal.Inc()
			r.logger.Warn().Err(err).Str("schedule_id", scheduleID).Str("task_id", task.ID).
				Int("sequence_id", task.SequenceID).Msg("Schedule task failed")
		}
		result.Tasks = append(result.Tasks, tr)

		if !tr.Success && !task.ContinueOnFailure {
			break
		}
	}

	now := time.Now()
	sched.LastRunAt = &now
	sched.NextRunAt = NextRun(sched.Cron, now)
	if err := r.store.UpdateSchedule(sched); err != nil {
		r.logger.Error().Err(err).Str("schedule_id", scheduleID).Msg("Failed to persist schedule run times")
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.ScheduleRunsTotal.WithLabelValues(outcome).Inc()
	timer.ObserveDuration(metrics.ScheduleRunDuration)
	r.broker.PublishServer(events.EventScheduleRun, sched.ServerID, sched.Name)
	return result, nil
}

func (r *Runner) runTask(ctx context.Context, sched *types.Schedule, task *types.ScheduleTask) error {
	switch task.Action {
	case types.TaskActionCommand:
		return r.exec.SendCommand(ctx, sched.ServerID, task.Payload)
	case types.TaskActionPower:
		action := types.PowerAction(task.Payload)
		if !types.ValidPowerAction(action) {
			return fmt.Errorf("invalid power action %q", task.Payload)
		}
		return r.exec.PowerAction(ctx, sched.ServerID, action)
	case types.TaskActionBackup:
		return r.exec.CreateBackup(ctx, sched.ServerID, "")
	default:
		return fmt.Errorf("unknown task action %q", task.Action)
	}
}
