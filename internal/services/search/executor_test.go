// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/database"
	"github.com/autobrr/fetcharr/internal/models"
)

type seasonCall struct {
	seriesID int64
	season   int
}

type fakeClient struct {
	records       []arr.WantedRecord
	pageFetches   int
	itemSearches  [][]int64
	seasonCalls   []seasonCall
	searchItemErr error
	seasonErr     error
}

func (f *fakeClient) Ping(ctx context.Context) (*arr.PingResult, error) {
	return &arr.PingResult{Success: true}, nil
}

func (f *fakeClient) GetWanted(ctx context.Context, req arr.WantedRequest) (*arr.WantedPage, error) {
	f.pageFetches++
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
	if f.searchItemErr != nil {
		return nil, f.searchItemErr
	}
	f.itemSearches = append(f.itemSearches, ids)
	return &arr.CommandResult{CommandID: int64(len(f.itemSearches))}, nil
}

func (f *fakeClient) SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (*arr.CommandResult, error) {
	f.seasonCalls = append(f.seasonCalls, seasonCall{seriesID: seriesID, season: seasonNumber})
	if f.seasonErr != nil {
		return nil, f.seasonErr
	}
	return &arr.CommandResult{CommandID: 1000 + int64(len(f.seasonCalls))}, nil
}

func (f *fakeClient) GetCommand(ctx context.Context, commandID int64) (*arr.CommandStatus, error) {
	return &arr.CommandStatus{CommandID: commandID, State: "completed"}, nil
}

type fakeProvider struct {
	client arr.Client
}

func (p *fakeProvider) GetClient(ctx context.Context, instanceID int) (arr.Client, error) {
	return p.client, nil
}

type executorFixture struct {
	db       *sql.DB
	executor *Executor
	client   *fakeClient
	instance *models.Instance
	store    *models.ExecutionStore
}

func newExecutorFixture(t *testing.T, ratePerSecond float64, instanceType models.InstanceType) *executorFixture {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	instanceStore, err := models.NewInstanceStore(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	instance, err := instanceStore.Create(context.Background(), "test", instanceType, "http://localhost:8989", "key")
	require.NoError(t, err)

	now := func() time.Time { return time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC) }
	client := &fakeClient{}
	executionStore := models.NewExecutionStore(db)

	executor := NewExecutor(
		&fakeProvider{client: client},
		models.NewLibraryStore(db),
		models.NewExclusionStore(db),
		NewHistoryRecorder(executionStore, now),
		NewRateLimiter(ratePerSecond, now),
		NewCooldownChecker(now),
		NewCooldownCache(now),
		NewDefaultScoringPolicy(now),
		now,
	)

	return &executorFixture{db: db, executor: executor, client: client, instance: instance, store: executionStore}
}

func movieRecords(n int) []arr.WantedRecord {
	records := make([]arr.WantedRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, arr.WantedRecord{
			ExternalID:  int64(i),
			ContentType: models.ContentTypeMovie,
			Title:       fmt.Sprintf("Movie %d", i),
			Year:        2020,
		})
	}
	return records
}

func episode(id, seriesID int64, season int, title string) arr.WantedRecord {
	return arr.WantedRecord{
		ExternalID:   id,
		ContentType:  models.ContentTypeEpisode,
		Title:        title,
		SeriesID:     seriesID,
		SeasonNumber: season,
		SeriesTitle:  fmt.Sprintf("Series %d", seriesID),
	}
}

func TestExecutorPaginationCompleteness(t *testing.T) {
	tests := []struct {
		total         int
		expectFetches int
	}{
		{0, 1},
		{1, 2},
		{50, 2},   // exact multiple still needs the empty terminator
		{100, 3},  // the T=100 case must collect both pages
		{101, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("total=%d", tt.total), func(t *testing.T) {
			fx := newExecutorFixture(t, 1000, models.InstanceTypeRadarr)
			fx.client.records = movieRecords(tt.total)

			queue := &models.Queue{
				ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
				MaxItemsPerRun: 1000, CooldownMode: models.CooldownModeFixed,
			}
			result, err := fx.executor.Run(context.Background(), queue, fx.instance)
			require.NoError(t, err)

			assert.Equal(t, tt.total, result.ItemsEvaluated)
			assert.Equal(t, tt.expectFetches, fx.client.pageFetches)
		})
	}
}

func TestExecutorTruncatesToMaxItemsPerRun(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeRadarr)
	fx.client.records = movieRecords(100)

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
	}
	result, err := fx.executor.Run(context.Background(), queue, fx.instance)
	require.NoError(t, err)

	assert.Equal(t, 100, result.ItemsEvaluated)
	assert.Equal(t, 100, result.ItemsFound)
	assert.Equal(t, 50, result.ItemsSearched)
	assert.Equal(t, 50, result.SearchesTriggered)
	assert.Equal(t, models.ExecutionStatusSuccess, result.Status)
	assert.Len(t, fx.client.itemSearches, 50)

	// the audit record was finalized
	rec, err := fx.store.Get(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, 50, rec.ItemsSearched)
}

func TestExecutorSeasonPackSplit(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeSonarr)
	fx.client.records = []arr.WantedRecord{
		episode(1, 1, 1, "E01"),
		episode(2, 1, 1, "E02"),
		episode(3, 1, 1, "E03"),
		episode(4, 1, 1, "E04"),
		episode(5, 2, 1, "E01"),
		episode(6, 2, 1, "E02"),
	}

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
		SeasonPackEnabled: true, SeasonPackThreshold: 3,
	}
	result, err := fx.executor.Run(context.Background(), queue, fx.instance)
	require.NoError(t, err)

	// series 1 season 1 has 4 items: one grouped search, no individual ones
	require.Len(t, fx.client.seasonCalls, 1)
	assert.Equal(t, seasonCall{seriesID: 1, season: 1}, fx.client.seasonCalls[0])

	// series 2's group of 2 falls below threshold: 2 individual searches
	require.Len(t, fx.client.itemSearches, 2)
	dispatched := map[int64]bool{}
	for _, ids := range fx.client.itemSearches {
		require.Len(t, ids, 1)
		dispatched[ids[0]] = true
	}
	assert.True(t, dispatched[5])
	assert.True(t, dispatched[6])

	assert.Equal(t, 6, result.ItemsSearched)
	assert.Equal(t, 3, result.SearchesTriggered, "one season pack plus two singles")
}

func TestExecutorFailedSeasonPackFallsBackToItems(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeSonarr)
	fx.client.records = []arr.WantedRecord{
		episode(1, 1, 1, "E01"),
		episode(2, 1, 1, "E02"),
		episode(3, 1, 1, "E03"),
	}
	fx.client.seasonErr = fmt.Errorf("backend API error: status 500")

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
		SeasonPackEnabled: true, SeasonPackThreshold: 3,
	}
	result, err := fx.executor.Run(context.Background(), queue, fx.instance)
	require.NoError(t, err)

	// the batched search was attempted once, then each member got an
	// individual dispatch instead of being dropped
	require.Len(t, fx.client.seasonCalls, 1)
	require.Len(t, fx.client.itemSearches, 3)

	assert.Equal(t, 3, result.ItemsSearched)
	assert.Equal(t, 3, result.SearchesTriggered)
	assert.Equal(t, 1, result.ErrorsEncountered)
	assert.Equal(t, models.ExecutionStatusPartialSuccess, result.Status)
}

func TestExecutorSeasonPacksDisabledOnMovieBackend(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeRadarr)
	fx.client.records = movieRecords(4)

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
		SeasonPackEnabled: true, SeasonPackThreshold: 3,
	}
	result, err := fx.executor.Run(context.Background(), queue, fx.instance)
	require.NoError(t, err)

	assert.Empty(t, fx.client.seasonCalls)
	assert.Equal(t, 4, result.SearchesTriggered)
}

func TestExecutorRateLimitHardStop(t *testing.T) {
	fx := newExecutorFixture(t, 2, models.InstanceTypeRadarr)
	fx.client.records = movieRecords(5)

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
	}
	result, err := fx.executor.Run(context.Background(), queue, fx.instance)
	require.NoError(t, err)

	// with rate=2/s and a frozen clock only 2 dispatches are admitted
	assert.Equal(t, 2, result.ItemsSearched)
	assert.Equal(t, 2, result.SearchesTriggered)
	assert.Len(t, fx.client.itemSearches, 2)

	skipped := 0
	for _, entry := range result.Log {
		if entry.Result == "rate_limit" {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped, "remaining items logged as rate_limit")
	assert.Equal(t, models.ExecutionStatusSuccess, result.Status, "a rate-limit stop is not an error")
}

func TestExecutorFiltersExclusionsAndCooldowns(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeRadarr)
	fx.client.records = movieRecords(3)
	ctx := context.Background()

	exclusions := models.NewExclusionStore(fx.db)
	require.NoError(t, exclusions.Add(ctx, fx.instance.ID, models.ContentTypeMovie, 1, "Movie 1"))

	// movie 2 was searched an hour ago and is inside the fixed 24h window
	libraries := models.NewLibraryStore(fx.db)
	searchedAt := time.Date(2026, 1, 10, 11, 0, 0, 0, time.UTC)
	require.NoError(t, libraries.SaveSearchUpdates(ctx, []*models.LibraryRecord{{
		InstanceID:   fx.instance.ID,
		ContentType:  models.ContentTypeMovie,
		ExternalID:   2,
		Title:        "Movie 2",
		SearchAttempts: 1,
		LastSearchAt: &searchedAt,
	}}))

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
	}
	result, err := fx.executor.Run(ctx, queue, fx.instance)
	require.NoError(t, err)

	assert.Equal(t, 3, result.ItemsEvaluated, "skipped items still count as evaluated")
	assert.Equal(t, 1, result.ItemsFound)
	assert.Equal(t, 1, result.ItemsSearched)
	require.Len(t, fx.client.itemSearches, 1)
	assert.Equal(t, int64(3), fx.client.itemSearches[0][0])

	reasons := map[string]int{}
	for _, entry := range result.Log {
		reasons[entry.Result]++
	}
	assert.Equal(t, 1, reasons["excluded"])
	assert.Equal(t, 1, reasons["cooldown"])
}

func TestExecutorPerItemErrorsProducePartialSuccess(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeRadarr)
	fx.client.records = movieRecords(3)
	fx.client.searchItemErr = fmt.Errorf("backend API error: status 500")

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
	}
	result, err := fx.executor.Run(context.Background(), queue, fx.instance)
	require.NoError(t, err, "per-item errors never abort the run")

	assert.Equal(t, models.ExecutionStatusPartialSuccess, result.Status)
	assert.Equal(t, 3, result.ErrorsEncountered)
	assert.Zero(t, result.SearchesTriggered)
}

func TestExecutorRecordsSearchInLibrary(t *testing.T) {
	fx := newExecutorFixture(t, 1000, models.InstanceTypeRadarr)
	fx.client.records = movieRecords(2)
	ctx := context.Background()

	queue := &models.Queue{
		ID: 1, InstanceID: fx.instance.ID, Strategy: models.StrategyMissing,
		MaxItemsPerRun: 50, CooldownMode: models.CooldownModeFixed,
	}
	_, err := fx.executor.Run(ctx, queue, fx.instance)
	require.NoError(t, err)

	records, err := models.NewLibraryStore(fx.db).FetchForInstance(ctx, fx.instance.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, 1, rec.SearchAttempts)
		assert.NotNil(t, rec.LastSearchAt)
	}
}
