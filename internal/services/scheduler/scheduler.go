// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/metrics"
	"github.com/autobrr/fetcharr/internal/models"
	"github.com/autobrr/fetcharr/internal/services/health"
	"github.com/autobrr/fetcharr/internal/services/search"
)

// Options are the runtime knobs the scheduler reads. UpdateOptions swaps them
// on config reload.
type Options struct {
	FeedbackDelay  time.Duration // delay before a post-run feedback check
	MisfireGrace   time.Duration // how stale a missed fire may be and still coalesce
	HealthInterval time.Duration // period of the instance health sweep
	Retention      time.Duration // execution records older than this are removed daily
}

func (o *Options) applyDefaults() {
	if o.FeedbackDelay <= 0 {
		o.FeedbackDelay = 10 * time.Minute
	}
	if o.MisfireGrace <= 0 {
		o.MisfireGrace = 5 * time.Minute
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
}

// JobStatus describes one registered queue trigger.
type JobStatus struct {
	QueueID  int       `json:"queueId"`
	NextFire time.Time `json:"nextFire"`
}

// Status is the scheduler's operator-visible state.
type Status struct {
	Running  bool        `json:"running"`
	Paused   bool        `json:"paused"`
	JobCount int         `json:"jobCount"`
	Jobs     []JobStatus `json:"jobs"`
}

// Service owns the durable job entries and the cron runner driving queue
// runs, health sweeps, and retention cleanup. A single Service runs per
// process; its in-flight guard enforces at most one execution per queue id.
type Service struct {
	queues     *models.QueueStore
	instances  *models.InstanceStore
	jobs       *models.JobStore
	executions *models.ExecutionStore
	executor   *search.Executor
	monitor    *health.Monitor
	clients    arr.ClientProvider
	metrics    *metrics.Metrics
	now        func() time.Time

	mu       sync.Mutex
	opts     Options
	cron     *cron.Cron
	entries  map[int]cron.EntryID
	inFlight map[int]bool
	running  bool
	paused   bool
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(
	queues *models.QueueStore,
	instances *models.InstanceStore,
	jobs *models.JobStore,
	executions *models.ExecutionStore,
	executor *search.Executor,
	monitor *health.Monitor,
	clients arr.ClientProvider,
	m *metrics.Metrics,
	opts Options,
	now func() time.Time,
) *Service {
	if now == nil {
		now = time.Now
	}
	opts.applyDefaults()

	return &Service{
		queues:     queues,
		instances:  instances,
		jobs:       jobs,
		executions: executions,
		executor:   executor,
		monitor:    monitor,
		clients:    clients,
		metrics:    m,
		now:        now,
		opts:       opts,
		entries:    make(map[int]cron.EntryID),
		inFlight:   make(map[int]bool),
	}
}

// UpdateOptions applies reloaded configuration. The health sweep keeps its
// old period until the next Start; everything else takes effect immediately.
func (s *Service) UpdateOptions(opts Options) {
	opts.applyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts = opts
}

func (s *Service) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Start loads every active queue from durable state and registers its
// trigger, then starts the cron runner plus the health sweep and retention
// jobs. Queues left in_progress by a crash are logged, not auto-recovered.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{})), cron.WithLogger(cronLogger{}))
	s.running = true
	opts := s.opts
	s.mu.Unlock()

	now := s.now()
	s.cron.Schedule(intervalSchedule{anchor: now.Add(opts.HealthInterval), period: opts.HealthInterval}, cron.FuncJob(s.runHealthSweep))
	s.cron.Schedule(intervalSchedule{anchor: now.Add(24 * time.Hour), period: 24 * time.Hour}, cron.FuncJob(s.runRetentionCleanup))

	// the persisted trigger times let misfire detection survive restarts:
	// a queue whose stale next_run the previous process already advanced
	// past must not be treated as missed again
	persistedFires := make(map[int]time.Time)
	if jobs, err := s.jobs.List(s.ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted scheduler jobs")
	} else {
		for _, j := range jobs {
			if j.JobType == models.JobTypeSearch && j.NextFireAt != nil {
				persistedFires[j.QueueID] = *j.NextFireAt
			}
		}
	}

	queues, err := s.queues.List(s.ctx)
	if err != nil {
		return fmt.Errorf("load queues: %w", err)
	}
	for _, q := range queues {
		if q.Status == models.QueueStatusInProgress {
			log.Warn().Int("queueID", q.ID).Msg("queue was in progress during previous shutdown, outcome unknown")
		}
		if !q.IsActive {
			continue
		}
		var hint *time.Time
		if fire, ok := persistedFires[q.ID]; ok {
			hint = &fire
		}
		if err := s.scheduleQueue(s.ctx, q, true, hint); err != nil {
			log.Error().Err(err).Int("queueID", q.ID).Msg("failed to schedule queue at startup")
		}
	}

	s.cron.Start()
	log.Info().Int("queues", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop tears the scheduler down. With wait, in-flight runs finish first;
// without, they are abandoned and their execution records stay incomplete.
func (s *Service) Stop(wait bool) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	runner := s.cron
	cancel := s.cancel
	s.mu.Unlock()

	stopCtx := runner.Stop()
	if wait {
		<-stopCtx.Done()
	}
	cancel()
	log.Info().Bool("waited", wait).Msg("scheduler stopped")
}

// Pause stops accepting new fires without destroying job definitions.
func (s *Service) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

func (s *Service) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

func (s *Service) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Schedule registers the trigger for a queue. With reschedule, an existing
// entry is replaced; without, an existing entry is left alone. A stored next
// run in the past coalesces into one immediate catch-up run when it is within
// the misfire grace window; older misses are lost and the trigger simply
// resumes its cadence.
func (s *Service) Schedule(ctx context.Context, queueID int, reschedule bool) error {
	queue, err := s.queues.Get(ctx, queueID)
	if err != nil {
		return err
	}
	return s.scheduleQueue(ctx, queue, reschedule, nil)
}

// scheduleQueue registers the trigger for an already loaded queue. anchorHint,
// when later than the queue's stored next run, wins as the anchor: it carries
// the trigger time a previous process persisted after advancing past a miss.
func (s *Service) scheduleQueue(ctx context.Context, queue *models.Queue, reschedule bool, anchorHint *time.Time) error {
	queueID := queue.ID

	s.mu.Lock()
	if _, exists := s.entries[queueID]; exists {
		if !reschedule {
			s.mu.Unlock()
			return nil
		}
		s.removeEntryLocked(queueID)
	}
	runner := s.cron
	opts := s.opts
	s.mu.Unlock()

	if runner == nil {
		return fmt.Errorf("scheduler not started")
	}
	if !queue.IsActive {
		log.Debug().Int("queueID", queueID).Msg("not scheduling inactive queue")
		return s.jobs.Delete(ctx, queueID)
	}

	now := s.now()
	anchor := now
	if queue.NextRun != nil {
		anchor = *queue.NextRun
	}
	if anchorHint != nil && anchorHint.After(anchor) {
		anchor = *anchorHint
	}

	catchUp := false
	if !anchor.After(now) {
		if now.Sub(anchor) <= opts.MisfireGrace {
			catchUp = true
		} else {
			log.Warn().
				Int("queueID", queueID).
				Time("missedFire", anchor).
				Msg("missed fire beyond grace window, treating as lost")
		}
	}

	job := cron.FuncJob(func() { s.runQueue(queueID, false) })

	if queue.IsRecurring && queue.IntervalHours != nil {
		period := time.Duration(*queue.IntervalHours) * time.Hour
		for !anchor.After(now) {
			anchor = anchor.Add(period)
		}
		schedule := intervalSchedule{anchor: anchor, period: period}
		s.registerEntry(ctx, queueID, schedule.Next(now), runner.Schedule(schedule, job), queue, models.JobTypeSearch)
	} else {
		if !catchUp && !anchor.After(now) {
			// one-time queue whose moment has passed: nothing to register
			return s.jobs.Delete(ctx, queueID)
		}
		if anchor.After(now) {
			schedule := newOneShotSchedule(anchor)
			s.registerEntry(ctx, queueID, anchor, runner.Schedule(schedule, job), queue, models.JobTypeSearch)
		}
	}

	if catchUp {
		go s.runQueue(queueID, false)
	}
	return nil
}

func (s *Service) registerEntry(ctx context.Context, queueID int, nextFire time.Time, entryID cron.EntryID, queue *models.Queue, jobType models.JobType) {
	s.mu.Lock()
	s.entries[queueID] = entryID
	count := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetScheduledJobs(count)

	job := &models.SchedulerJob{
		QueueID:       queueID,
		JobType:       jobType,
		IntervalHours: queue.IntervalHours,
		NextFireAt:    &nextFire,
	}
	if err := s.jobs.Upsert(ctx, job); err != nil {
		log.Error().Err(err).Int("queueID", queueID).Msg("failed to persist scheduler job")
	}
}

// Unschedule removes a queue's trigger. Removing an unknown queue is a no-op.
func (s *Service) Unschedule(queueID int) {
	s.mu.Lock()
	s.removeEntryLocked(queueID)
	count := len(s.entries)
	s.mu.Unlock()
	s.metrics.SetScheduledJobs(count)

	if err := s.jobs.Delete(context.Background(), queueID); err != nil {
		log.Error().Err(err).Int("queueID", queueID).Msg("failed to delete scheduler job record")
	}
}

func (s *Service) removeEntryLocked(queueID int) {
	if entryID, exists := s.entries[queueID]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, queueID)
	}
}

// RunNow triggers a queue outside its schedule. The run goes through the same
// guarded path as a cron fire, so an already running queue is skipped.
func (s *Service) RunNow(queueID int) {
	go s.runQueue(queueID, true)
}

// Status reports the scheduler's state and its registered triggers.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{Running: s.running, Paused: s.paused, JobCount: len(s.entries)}
	for queueID, entryID := range s.entries {
		var next time.Time
		if s.cron != nil {
			next = s.cron.Entry(entryID).Next
		}
		status.Jobs = append(status.Jobs, JobStatus{QueueID: queueID, NextFire: next})
	}
	sort.Slice(status.Jobs, func(i, j int) bool { return status.Jobs[i].QueueID < status.Jobs[j].QueueID })
	return status
}

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// tryAcquire reserves the per-queue in-flight slot.
func (s *Service) tryAcquire(queueID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[queueID] {
		return false
	}
	s.inFlight[queueID] = true
	return true
}

func (s *Service) release(queueID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, queueID)
}

// runQueue is the guarded run wrapper shared by cron fires, catch-up fires,
// and manual runs. Errors are absorbed into queue state; nothing escaping
// here may stop the scheduler.
func (s *Service) runQueue(queueID int, manual bool) {
	if s.isPaused() && !manual {
		log.Debug().Int("queueID", queueID).Msg("scheduler paused, skipping fire")
		return
	}
	if !s.tryAcquire(queueID) {
		log.Warn().Int("queueID", queueID).Msg("queue already running, skipping fire")
		return
	}
	defer s.release(queueID)

	ctx := s.runCtx()
	now := s.now()

	queue, err := s.queues.Get(ctx, queueID)
	if err != nil {
		log.Error().Err(err).Int("queueID", queueID).Msg("failed to load queue for run")
		return
	}

	if manual {
		// manual runs ignore next_run but still require an idle, active
		// queue; failure history is kept so the circuit breaker still counts
		if !queue.IsActive || queue.Status == models.QueueStatusInProgress {
			log.Warn().Int("queueID", queueID).Str("status", string(queue.Status)).Msg("queue not runnable manually")
			return
		}
		queue.Status = models.QueueStatusPending
	} else if !queue.IsReadyToRun(now) {
		log.Debug().Int("queueID", queueID).Str("status", string(queue.Status)).Msg("queue not ready, skipping fire")
		return
	}

	queue.MarkInProgress(now)
	if err := s.queues.Save(ctx, queue); err != nil {
		log.Error().Err(err).Int("queueID", queueID).Msg("failed to mark queue in progress")
		return
	}

	instance, err := s.instances.Get(ctx, queue.InstanceID)
	if err != nil {
		s.failQueue(ctx, queue, fmt.Errorf("load instance: %w", err))
		return
	}

	result, err := s.executor.Run(ctx, queue, instance)
	if err != nil {
		s.failQueue(ctx, queue, err)
		return
	}

	queue.MarkCompleted(result.ItemsFound, result.ItemsSearched, s.now())
	if err := s.queues.Save(ctx, queue); err != nil {
		log.Error().Err(err).Int("queueID", queueID).Msg("failed to mark queue completed")
	}
	s.metrics.RecordRun(string(result.Status), result.ItemsEvaluated, result.ItemsSearched, result.SearchesTriggered)

	if queue.IsRecurring {
		// MarkCompleted moved next_run to completion time + interval, which is
		// after the old trigger's anchor + interval. Re-anchor the trigger at
		// the new next_run; keeping the stale anchor would make the next fire
		// arrive just before the queue is ready and get skipped.
		if err := s.scheduleQueue(ctx, queue, true, nil); err != nil {
			log.Error().Err(err).Int("queueID", queueID).Msg("failed to re-anchor recurring trigger")
		}
	} else {
		s.Unschedule(queueID)
	}

	if result.SearchesTriggered > 0 {
		s.scheduleFeedbackCheck(queue.InstanceID, result)
	}
}

func (s *Service) failQueue(ctx context.Context, queue *models.Queue, runErr error) {
	log.Error().Err(runErr).Int("queueID", queue.ID).Msg("queue run failed")

	queue.MarkFailed(runErr.Error(), s.now())
	if err := s.queues.Save(ctx, queue); err != nil {
		log.Error().Err(err).Int("queueID", queue.ID).Msg("failed to mark queue failed")
	}
	s.metrics.RecordRun(string(models.ExecutionStatusFailed), 0, 0, 0)

	if !queue.IsActive {
		// circuit breaker tripped
		log.Warn().Int("queueID", queue.ID).Int("failures", queue.ConsecutiveFailures).Msg("queue deactivated by circuit breaker")
		s.Unschedule(queue.ID)
	}
}

// scheduleFeedbackCheck registers a one-shot follow-up that re-queries the
// backend's command state for the searches a run dispatched. It is a light
// job: no strategy pipeline, no queue state changes.
func (s *Service) scheduleFeedbackCheck(instanceID int, result *search.RunResult) {
	s.mu.Lock()
	runner := s.cron
	delay := s.opts.FeedbackDelay
	s.mu.Unlock()
	if runner == nil {
		return
	}

	at := s.now().Add(delay)
	executionID := result.ExecutionID
	commandIDs := append([]int64(nil), result.CommandIDs...)

	// the entry removes itself after firing; a spent one-shot otherwise stays
	// in the runner's entry list for the life of the process
	var entryID cron.EntryID
	entryID = runner.Schedule(newOneShotSchedule(at), cron.FuncJob(func() {
		defer runner.Remove(entryID)
		s.runFeedbackCheck(instanceID, executionID, commandIDs)
	}))
	log.Debug().Int64("executionID", executionID).Time("at", at).Msg("scheduled feedback check")
}

func (s *Service) runFeedbackCheck(instanceID int, executionID int64, commandIDs []int64) {
	ctx := s.runCtx()

	client, err := s.clients.GetClient(ctx, instanceID)
	if err != nil {
		log.Warn().Err(err).Int64("executionID", executionID).Msg("feedback check could not reach backend")
		return
	}

	var completed, failed, pending int
	for _, id := range commandIDs {
		status, err := client.GetCommand(ctx, id)
		if err != nil {
			log.Debug().Err(err).Int64("commandID", id).Msg("feedback check command lookup failed")
			failed++
			continue
		}
		switch status.State {
		case "completed":
			completed++
		case "failed":
			failed++
		default:
			pending++
		}
	}

	log.Info().
		Int64("executionID", executionID).
		Int("commands", len(commandIDs)).
		Int("completed", completed).
		Int("failed", failed).
		Int("pending", pending).
		Msg("feedback check finished")
}

func (s *Service) runHealthSweep() {
	results, err := s.monitor.CheckAllInstances(s.runCtx())
	if err != nil {
		log.Error().Err(err).Msg("health sweep failed")
		return
	}
	for _, r := range results {
		s.metrics.SetInstanceHealth(r.InstanceID, r.Healthy)
		if r.StatusChanged {
			log.Info().
				Int("instanceID", r.InstanceID).
				Bool("healthy", r.Healthy).
				Msg("instance health changed")
		}
	}
}

func (s *Service) runRetentionCleanup() {
	cutoff := s.now().Add(-s.options().Retention)
	deleted, err := s.executions.CleanupBefore(s.runCtx(), cutoff)
	if err != nil {
		log.Error().Err(err).Msg("execution retention cleanup failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("cleaned up old execution records")
	}
}

// cronLogger adapts the cron runner's logging onto zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Interface("details", keysAndValues).Str("component", "cron").Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Interface("details", keysAndValues).Str("component", "cron").Msg(msg)
}
