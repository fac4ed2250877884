// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/models"
)

// pageSize is the wanted-listing page size. Pagination terminates only when a
// page comes back empty; comparing page numbers against totalRecords is
// fragile around exact multiples and is deliberately not done.
const pageSize = 50

// RunResult summarizes one execution of a queue's strategy.
type RunResult struct {
	ExecutionID       int64
	Status            models.ExecutionStatus
	ItemsEvaluated    int
	ItemsSearched     int
	ItemsFound        int
	SearchesTriggered int
	ErrorsEncountered int
	CommandIDs        []int64
	Log               []models.SearchLogEntry
}

// Executor runs one queue's strategy end to end: paginate, filter, score,
// truncate, season-pack batch, rate-limited dispatch, summarize.
type Executor struct {
	clients    arr.ClientProvider
	libraries  *models.LibraryStore
	exclusions *models.ExclusionStore
	history    *HistoryRecorder
	limiter    *RateLimiter
	cooldowns  *CooldownChecker
	cache      *CooldownCache
	scoring    ScoringPolicy
	now        func() time.Time
}

func NewExecutor(
	clients arr.ClientProvider,
	libraries *models.LibraryStore,
	exclusions *models.ExclusionStore,
	history *HistoryRecorder,
	limiter *RateLimiter,
	cooldowns *CooldownChecker,
	cache *CooldownCache,
	scoring ScoringPolicy,
	now func() time.Time,
) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{
		clients:    clients,
		libraries:  libraries,
		exclusions: exclusions,
		history:    history,
		limiter:    limiter,
		cooldowns:  cooldowns,
		cache:      cache,
		scoring:    scoring,
		now:        now,
	}
}

type scoredItem struct {
	item   arr.WantedRecord
	record *models.LibraryRecord
	score  float64
	reason string
}

// Run executes the pipeline for a ready queue. Per-item dispatch errors are
// recorded in the result and never abort the run; a failure to connect,
// authenticate, or paginate aborts the whole run and is returned to the
// caller, which marks the queue failed. The execution record is finalized in
// both cases.
func (e *Executor) Run(ctx context.Context, queue *models.Queue, instance *models.Instance) (*RunResult, error) {
	var queueID *int
	if queue.ID != 0 {
		queueID = &queue.ID
	}

	rec, err := e.history.Begin(ctx, instance.ID, queueID, queue.Strategy)
	if err != nil {
		return nil, fmt.Errorf("begin execution record: %w", err)
	}

	result, err := e.run(ctx, queue, instance, rec)
	if err != nil {
		e.history.Fail(ctx, rec, err)
		return nil, err
	}

	if err := e.history.Complete(ctx, rec, result); err != nil {
		log.Error().Err(err).Int64("executionID", rec.ID).Msg("failed to finalize execution record")
	}
	return result, nil
}

func (e *Executor) run(ctx context.Context, queue *models.Queue, instance *models.Instance, rec *models.ExecutionRecord) (*RunResult, error) {
	client, err := e.clients.GetClient(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("get backend client: %w", err)
	}

	candidates, err := e.paginate(ctx, client, queue)
	if err != nil {
		return nil, err
	}

	library, err := e.libraries.FetchForInstance(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("load library records: %w", err)
	}
	excluded, err := e.exclusions.SetFor(ctx, instance.ID)
	if err != nil {
		return nil, fmt.Errorf("load exclusions: %w", err)
	}

	result := &RunResult{
		ExecutionID:    rec.ID,
		ItemsEvaluated: len(candidates),
	}

	// filter, then score survivors
	var eligible []scoredItem
	for _, item := range candidates {
		key := models.LibraryKey{ContentType: item.ContentType, ExternalID: item.ExternalID}
		if _, skip := excluded[key]; skip {
			result.Log = append(result.Log, models.SearchLogEntry{Item: itemLabel(item), Action: "skipped", Result: "excluded"})
			continue
		}

		libRec := library[key]
		if e.cache.IsInCooldown(key) || e.cooldowns.IsInCooldown(libRec, queue.CooldownMode, queue.CooldownHours) {
			result.Log = append(result.Log, models.SearchLogEntry{Item: itemLabel(item), Action: "skipped", Result: "cooldown"})
			continue
		}

		score, reason := e.scoring.Score(item, libRec, queue.Strategy)
		eligible = append(eligible, scoredItem{item: item, record: libRec, score: score, reason: reason})
	}
	result.ItemsFound = len(eligible)

	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })
	if len(eligible) > queue.MaxItemsPerRun {
		eligible = eligible[:queue.MaxItemsPerRun]
	}

	touched := make(map[models.LibraryKey]*models.LibraryRecord)

	remaining := eligible
	if instance.Type.SupportsSeasonPacks() && queue.SeasonPackEnabled {
		remaining = e.dispatchSeasonPacks(ctx, client, instance, queue, library, eligible, result, touched)
	}

	e.dispatchItems(ctx, client, instance, queue, remaining, result, touched)

	// one batched write per run, independent of per-item outcomes
	if len(touched) > 0 {
		records := make([]*models.LibraryRecord, 0, len(touched))
		for _, r := range touched {
			records = append(records, r)
		}
		if err := e.libraries.SaveSearchUpdates(ctx, records); err != nil {
			log.Error().Err(err).Int("instanceID", instance.ID).Msg("failed to persist library search updates")
			result.ErrorsEncountered++
		}
	}

	switch {
	case result.ErrorsEncountered > 0 && result.ItemsFound >= 1:
		result.Status = models.ExecutionStatusPartialSuccess
	case result.ErrorsEncountered > 0:
		result.Status = models.ExecutionStatusFailed
	default:
		result.Status = models.ExecutionStatusSuccess
	}

	log.Info().
		Int("queueID", queue.ID).
		Int("instanceID", instance.ID).
		Str("strategy", string(queue.Strategy)).
		Str("status", string(result.Status)).
		Int("evaluated", result.ItemsEvaluated).
		Int("searched", result.ItemsSearched).
		Int("triggered", result.SearchesTriggered).
		Msg("search run finished")

	return result, nil
}

// paginate collects the full wanted listing. Termination is solely an empty
// page: for T total records this performs exactly ceil(T/pageSize)+1 fetches.
func (e *Executor) paginate(ctx context.Context, client arr.Client, queue *models.Queue) ([]arr.WantedRecord, error) {
	var records []arr.WantedRecord
	for page := 1; ; page++ {
		wanted, err := client.GetWanted(ctx, arr.WantedRequest{
			Strategy: queue.Strategy,
			Page:     page,
			PageSize: pageSize,
			Filters:  queue.Filters,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch wanted page %d: %w", page, err)
		}
		if len(wanted.Records) == 0 {
			return records, nil
		}
		records = append(records, wanted.Records...)
	}
}

type seasonKey struct {
	seriesID int64
	season   int
}

// dispatchSeasonPacks groups the truncated set by (series, season) and issues
// one batched search for every group at or above the queue's threshold.
// Batched searches bypass the per-item rate limiter: one call replaces N.
// Returns the items that fall through to individual dispatch, including the
// members of any group whose batched search failed.
func (e *Executor) dispatchSeasonPacks(
	ctx context.Context,
	client arr.Client,
	instance *models.Instance,
	queue *models.Queue,
	library map[models.LibraryKey]*models.LibraryRecord,
	eligible []scoredItem,
	result *RunResult,
	touched map[models.LibraryKey]*models.LibraryRecord,
) []scoredItem {
	groups := make(map[seasonKey][]scoredItem)
	var order []seasonKey
	for _, s := range eligible {
		if s.item.ContentType != models.ContentTypeEpisode || s.item.SeriesID == 0 {
			continue
		}
		key := seasonKey{seriesID: s.item.SeriesID, season: s.item.SeasonNumber}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], s)
	}

	batched := make(map[seasonKey]bool)
	for _, key := range order {
		group := groups[key]
		if len(group) < queue.SeasonPackThreshold {
			continue
		}

		label := fmt.Sprintf("%s season %d (%d episodes)", group[0].item.SeriesTitle, key.season, len(group))
		cmd, err := client.SearchSeason(ctx, key.seriesID, key.season)
		if err != nil {
			// the group stays unbatched so its members get a rate-limited
			// individual attempt below
			result.ErrorsEncountered++
			result.Log = append(result.Log, models.SearchLogEntry{Item: label, Action: "season_search", Result: "error: " + err.Error()})
			continue
		}
		batched[key] = true

		result.SearchesTriggered++
		result.CommandIDs = append(result.CommandIDs, cmd.CommandID)
		result.ItemsSearched += len(group)
		for _, member := range group {
			result.Log = append(result.Log, models.SearchLogEntry{
				Item:   itemLabel(member.item),
				Action: "season_search",
				Score:  member.score,
				Result: "dispatched in season pack",
			})
		}

		// the series-level record is touched once per pack
		seriesRecKey := models.LibraryKey{ContentType: models.ContentTypeSeries, ExternalID: key.seriesID}
		seriesRec := library[seriesRecKey]
		if seriesRec == nil {
			seriesRec = &models.LibraryRecord{
				InstanceID:  instance.ID,
				ContentType: models.ContentTypeSeries,
				ExternalID:  key.seriesID,
				Title:       group[0].item.SeriesTitle,
				Year:        group[0].item.Year,
			}
		}
		seriesRec.RecordSearch(e.now())
		touched[seriesRecKey] = seriesRec
		e.cache.SetCooldown(seriesRecKey, e.cooldownWindow(queue))
	}

	var remaining []scoredItem
	for _, s := range eligible {
		if s.item.ContentType == models.ContentTypeEpisode && s.item.SeriesID != 0 {
			if batched[seasonKey{seriesID: s.item.SeriesID, season: s.item.SeasonNumber}] {
				continue
			}
		}
		remaining = append(remaining, s)
	}
	return remaining
}

// dispatchItems issues individual searches in score order. A rate-limiter
// denial is a hard stop: every remaining item is logged as rate_limit and the
// run moves on to summarization.
func (e *Executor) dispatchItems(
	ctx context.Context,
	client arr.Client,
	instance *models.Instance,
	queue *models.Queue,
	items []scoredItem,
	result *RunResult,
	touched map[models.LibraryKey]*models.LibraryRecord,
) {
	for i, s := range items {
		if !e.limiter.Allow(instance.ID) {
			for _, rest := range items[i:] {
				result.Log = append(result.Log, models.SearchLogEntry{
					Item:   itemLabel(rest.item),
					Action: "skipped",
					Score:  rest.score,
					Result: "rate_limit",
				})
			}
			log.Warn().
				Int("queueID", queue.ID).
				Int("instanceID", instance.ID).
				Int("remaining", len(items)-i).
				Msg("rate limit reached, stopping dispatch for this run")
			return
		}

		result.ItemsSearched++
		cmd, err := client.SearchItems(ctx, []int64{s.item.ExternalID})
		if err != nil {
			result.ErrorsEncountered++
			result.Log = append(result.Log, models.SearchLogEntry{
				Item:   itemLabel(s.item),
				Action: "searched",
				Score:  s.score,
				Result: "error: " + err.Error(),
			})
			continue
		}

		result.SearchesTriggered++
		result.CommandIDs = append(result.CommandIDs, cmd.CommandID)
		key := models.LibraryKey{ContentType: s.item.ContentType, ExternalID: s.item.ExternalID}
		rec := s.record
		if rec == nil {
			rec = &models.LibraryRecord{
				InstanceID:  instance.ID,
				ContentType: s.item.ContentType,
				ExternalID:  s.item.ExternalID,
			}
		}
		rec.Title = s.item.Title
		rec.Year = s.item.Year
		rec.QualityMet = s.item.QualityMet
		rec.RecordSearch(e.now())
		touched[key] = rec
		e.cache.SetCooldown(key, e.cooldownWindow(queue))

		result.Log = append(result.Log, models.SearchLogEntry{
			Item:   itemLabel(s.item),
			Action: "searched",
			Score:  s.score,
			Result: "dispatched",
		})
	}
}

func (e *Executor) cooldownWindow(queue *models.Queue) time.Duration {
	hours := DefaultCooldownHours
	if queue.CooldownHours != nil && *queue.CooldownHours > 0 {
		hours = *queue.CooldownHours
	}
	return time.Duration(hours) * time.Hour
}

func itemLabel(item arr.WantedRecord) string {
	if item.ContentType == models.ContentTypeEpisode && item.SeriesTitle != "" {
		return fmt.Sprintf("%s - %s", item.SeriesTitle, item.Title)
	}
	if item.Year > 0 {
		return fmt.Sprintf("%s (%d)", item.Title, item.Year)
	}
	return item.Title
}
