// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/database"
	"github.com/autobrr/fetcharr/internal/models"
	"github.com/autobrr/fetcharr/internal/services/health"
	"github.com/autobrr/fetcharr/internal/services/search"
)

type fakeClient struct {
	records   []arr.WantedRecord
	wantedErr error
	onWanted  func()

	mu             sync.Mutex
	commandLookups int
}

func (f *fakeClient) Ping(ctx context.Context) (*arr.PingResult, error) {
	return &arr.PingResult{Success: true}, nil
}

func (f *fakeClient) GetWanted(ctx context.Context, req arr.WantedRequest) (*arr.WantedPage, error) {
	if f.onWanted != nil {
		f.onWanted()
	}
	if f.wantedErr != nil {
		return nil, f.wantedErr
	}
	start := (req.Page - 1) * req.PageSize
	if start >= len(f.records) {
		return &arr.WantedPage{TotalRecords: len(f.records)}, nil
	}
	end := start + req.PageSize
	if end > len(f.records) {
		end = len(f.records)
	}
	return &arr.WantedPage{Records: f.records[start:end], TotalRecords: len(f.records)}, nil
}

func (f *fakeClient) SearchItems(ctx context.Context, ids []int64) (*arr.CommandResult, error) {
	return &arr.CommandResult{CommandID: 1}, nil
}

func (f *fakeClient) SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (*arr.CommandResult, error) {
	return &arr.CommandResult{CommandID: 2}, nil
}

func (f *fakeClient) GetCommand(ctx context.Context, commandID int64) (*arr.CommandStatus, error) {
	f.mu.Lock()
	f.commandLookups++
	f.mu.Unlock()
	return &arr.CommandStatus{CommandID: commandID, State: "completed"}, nil
}

func (f *fakeClient) lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commandLookups
}

// fakeClock is a shared manual clock for exercising time-sensitive paths.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeProvider struct {
	client *fakeClient
}

func (p *fakeProvider) GetClient(ctx context.Context, instanceID int) (arr.Client, error) {
	return p.client, nil
}

type schedulerFixture struct {
	service  *Service
	client   *fakeClient
	queues   *models.QueueStore
	jobs     *models.JobStore
	instance *models.Instance
}

func newSchedulerFixture(t *testing.T, clocks ...func() time.Time) *schedulerFixture {
	t.Helper()

	var clock func() time.Time
	if len(clocks) > 0 {
		clock = clocks[0]
	}

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	instances, err := models.NewInstanceStore(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	instance, err := instances.Create(context.Background(), "radarr", models.InstanceTypeRadarr, "http://localhost:7878", "key")
	require.NoError(t, err)

	client := &fakeClient{
		records: []arr.WantedRecord{
			{ExternalID: 1, ContentType: models.ContentTypeMovie, Title: "Movie 1", Year: 2020},
			{ExternalID: 2, ContentType: models.ContentTypeMovie, Title: "Movie 2", Year: 2021},
		},
	}
	provider := &fakeProvider{client: client}

	queues := models.NewQueueStore(db)
	jobs := models.NewJobStore(db)
	executions := models.NewExecutionStore(db)
	libraries := models.NewLibraryStore(db)
	exclusions := models.NewExclusionStore(db)

	executor := search.NewExecutor(
		provider,
		libraries,
		exclusions,
		search.NewHistoryRecorder(executions, nil),
		search.NewRateLimiter(100, nil),
		search.NewCooldownChecker(nil),
		search.NewCooldownCache(nil),
		search.NewDefaultScoringPolicy(nil),
		nil,
	)
	monitor := health.NewMonitor(instances, queues, provider, nil)

	service := New(queues, instances, jobs, executions, executor, monitor, provider, nil, Options{
		FeedbackDelay: 50 * time.Millisecond,
		MisfireGrace:  5 * time.Minute,
	}, clock)

	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() { service.Stop(true) })

	return &schedulerFixture{service: service, client: client, queues: queues, jobs: jobs, instance: instance}
}

func TestSchedulerRunNowOneTimeQueue(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "once", Strategy: models.StrategyMissing,
		IsActive: true, NextRun: &future,
	})
	require.NoError(t, err)
	require.NoError(t, fx.service.Schedule(ctx, queue.ID, true))
	assert.Equal(t, 1, fx.service.Status().JobCount)

	fx.service.RunNow(queue.ID)

	require.Eventually(t, func() bool {
		q, err := fx.queues.Get(ctx, queue.ID)
		return err == nil && q.Status == models.QueueStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, q.ItemsFound)
	assert.Equal(t, 2, q.ItemsSearched)

	// one-time queue is unscheduled after completion
	require.Eventually(t, func() bool {
		return fx.service.Status().JobCount == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSchedulerRecurringReanchorsAfterRun(t *testing.T) {
	clock := newFakeClock(time.Now())
	fx := newSchedulerFixture(t, clock.Now)
	ctx := context.Background()

	interval := 1
	firstFire := clock.Now().Add(time.Hour)
	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "hourly", Strategy: models.StrategyMissing,
		IsActive: true, IsRecurring: true, IntervalHours: &interval, NextRun: &firstFire,
	})
	require.NoError(t, err)
	require.NoError(t, fx.service.Schedule(ctx, queue.ID, true))

	// the run takes time: every wanted page fetched advances the clock
	fx.client.onWanted = func() { clock.Advance(30 * time.Second) }
	clock.Set(firstFire)
	fx.service.runQueue(queue.ID, false)
	fx.client.onWanted = nil

	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusPending, q.Status)
	require.NotNil(t, q.NextRun)

	// next_run moved to completion time + interval, so the trigger must move
	// with it; firing at the stale anchor + interval would find the queue not
	// ready and skip every other cycle
	status := fx.service.Status()
	require.Equal(t, 1, status.JobCount)
	assert.True(t, status.Jobs[0].NextFire.After(firstFire.Add(time.Hour)),
		"trigger re-anchored past the pre-run anchor + interval")
	assert.WithinDuration(t, *q.NextRun, status.Jobs[0].NextFire, time.Second)

	// the fire at the re-anchored time actually runs
	secondFire := *q.NextRun
	clock.Set(secondFire)
	fx.service.runQueue(queue.ID, false)

	q, err = fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	require.NotNil(t, q.LastRun)
	assert.WithinDuration(t, secondFire, *q.LastRun, time.Second, "second cycle must not be skipped")
}

func TestSchedulerFeedbackEntryRemovedAfterFiring(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()

	baseline := len(fx.service.cron.Entries()) // health sweep + retention cleanup

	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "once", Strategy: models.StrategyMissing, IsActive: true,
	})
	require.NoError(t, err)

	fx.service.runQueue(queue.ID, true)

	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueueStatusCompleted, q.Status)

	// the follow-up polls each dispatched command once
	require.Eventually(t, func() bool {
		return fx.client.lookups() == 2
	}, 5*time.Second, 10*time.Millisecond)

	// and its spent entry leaves the runner instead of accumulating
	require.Eventually(t, func() bool {
		return len(fx.service.cron.Entries()) == baseline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSchedulerStartUsesPersistedNextFire(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()

	interval := 6
	stale := time.Now().Add(-2 * time.Minute)
	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "restarted", Strategy: models.StrategyMissing,
		IsActive: true, IsRecurring: true, IntervalHours: &interval, NextRun: &stale,
	})
	require.NoError(t, err)

	// the previous process already advanced the trigger past the stale
	// next_run and persisted that
	persisted := time.Now().Add(30 * time.Minute)
	require.NoError(t, fx.jobs.Upsert(ctx, &models.SchedulerJob{
		QueueID: queue.ID, JobType: models.JobTypeSearch,
		IntervalHours: &interval, NextFireAt: &persisted,
	}))

	fx.service.Stop(true)
	require.NoError(t, fx.service.Start(context.Background()))

	// no catch-up run: the stale next_run was not re-detected as a miss
	time.Sleep(50 * time.Millisecond)
	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.Nil(t, q.LastRun)

	status := fx.service.Status()
	require.Equal(t, 1, status.JobCount)
	assert.WithinDuration(t, persisted, status.Jobs[0].NextFire, time.Second)
}

func TestSchedulerCircuitBreakerUnschedules(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()
	fx.client.wantedErr = fmt.Errorf("connection refused")

	interval := 1
	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "broken", Strategy: models.StrategyMissing,
		IsActive: true, IsRecurring: true, IntervalHours: &interval,
	})
	require.NoError(t, err)
	require.NoError(t, fx.service.Schedule(ctx, queue.ID, true))

	for i := 0; i < models.MaxConsecutiveFailures; i++ {
		fx.service.runQueue(queue.ID, true)
	}

	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.False(t, q.IsActive)
	assert.Equal(t, models.MaxConsecutiveFailures, q.ConsecutiveFailures)
	require.NotNil(t, q.ErrorMessage)
	assert.Contains(t, *q.ErrorMessage, "deactivated after")
	assert.Equal(t, 0, fx.service.Status().JobCount)
}

func TestSchedulerCatchUpWithinGrace(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()

	interval := 6
	missed := time.Now().Add(-2 * time.Minute)
	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "missed", Strategy: models.StrategyMissing,
		IsActive: true, IsRecurring: true, IntervalHours: &interval, NextRun: &missed,
	})
	require.NoError(t, err)

	require.NoError(t, fx.service.Schedule(ctx, queue.ID, true))

	// missed fire within grace coalesces into one immediate catch-up run
	require.Eventually(t, func() bool {
		q, err := fx.queues.Get(ctx, queue.ID)
		return err == nil && q.LastRun != nil
	}, 5*time.Second, 10*time.Millisecond)

	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, q.Status, "recurring queue returns to pending")

	// the trigger stays registered with a future fire
	status := fx.service.Status()
	require.Equal(t, 1, status.JobCount)
	assert.True(t, status.Jobs[0].NextFire.After(time.Now()))
}

func TestSchedulerMissBeyondGraceIsLost(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()

	interval := 6
	longAgo := time.Now().Add(-time.Hour)
	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "stale", Strategy: models.StrategyMissing,
		IsActive: true, IsRecurring: true, IntervalHours: &interval, NextRun: &longAgo,
	})
	require.NoError(t, err)

	require.NoError(t, fx.service.Schedule(ctx, queue.ID, true))

	// no catch-up run, the cadence just resumes at the next multiple
	time.Sleep(50 * time.Millisecond)
	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.Nil(t, q.LastRun)

	jobs, err := fx.jobs.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextFireAt)
	assert.True(t, jobs[0].NextFireAt.After(time.Now()))
}

func TestSchedulerUnscheduleIdempotent(t *testing.T) {
	fx := newSchedulerFixture(t)

	// unscheduling a queue that was never scheduled is a no-op
	fx.service.Unschedule(12345)
	fx.service.Unschedule(12345)
	assert.Equal(t, 0, fx.service.Status().JobCount)
}

func TestSchedulerPauseSkipsFires(t *testing.T) {
	fx := newSchedulerFixture(t)
	ctx := context.Background()

	queue, err := fx.queues.Create(ctx, &models.Queue{
		InstanceID: fx.instance.ID, Name: "paused", Strategy: models.StrategyMissing, IsActive: true,
	})
	require.NoError(t, err)

	fx.service.Pause()
	assert.True(t, fx.service.Status().Paused)

	fx.service.runQueue(queue.ID, false)
	q, err := fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, q.Status, "paused scheduler must not start runs")
	assert.Nil(t, q.LastRun)

	fx.service.Resume()
	fx.service.runQueue(queue.ID, false)
	q, err = fx.queues.Get(ctx, queue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, q.Status)
}
