// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/fetcharr/internal/buildinfo"
	"github.com/autobrr/fetcharr/internal/models"
)

const defaultTimeout = 30 * time.Second

// HTTPClient talks to one Sonarr- or Radarr-style v3 API. It implements
// Client and maps HTTP failures onto the package sentinels.
type HTTPClient struct {
	host         string
	apiKey       string
	instanceType models.InstanceType
	http         *http.Client
}

func NewHTTPClient(host, apiKey string, instanceType models.InstanceType) *HTTPClient {
	return &HTTPClient{
		host:         strings.TrimRight(host, "/"),
		apiKey:       apiKey,
		instanceType: instanceType,
		http:         &http.Client{Timeout: defaultTimeout},
	}
}

func (c *HTTPClient) Ping(ctx context.Context) (*PingResult, error) {
	start := time.Now()

	var status struct {
		Version string `json:"version"`
	}
	err := c.get(ctx, "/api/v3/system/status", nil, &status)
	elapsed := int(time.Since(start).Milliseconds())

	if err != nil {
		return &PingResult{
			Success:        false,
			ResponseTimeMs: elapsed,
			Error:          err.Error(),
		}, err
	}

	return &PingResult{
		Success:        true,
		Version:        status.Version,
		ResponseTimeMs: elapsed,
	}, nil
}

func (c *HTTPClient) GetWanted(ctx context.Context, req WantedRequest) (*WantedPage, error) {
	path, query, err := c.wantedQuery(req)
	if err != nil {
		return nil, err
	}

	if c.instanceType == models.InstanceTypeSonarr {
		var page sonarrWantedPage
		if err := c.get(ctx, path, query, &page); err != nil {
			return nil, err
		}
		return page.normalize(), nil
	}

	var page radarrWantedPage
	if err := c.get(ctx, path, query, &page); err != nil {
		return nil, err
	}
	return page.normalize(), nil
}

func (c *HTTPClient) SearchItems(ctx context.Context, ids []int64) (*CommandResult, error) {
	payload := map[string]any{}
	switch c.instanceType {
	case models.InstanceTypeSonarr:
		payload["name"] = "EpisodeSearch"
		payload["episodeIds"] = ids
	case models.InstanceTypeRadarr:
		payload["name"] = "MoviesSearch"
		payload["movieIds"] = ids
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.post(ctx, "/api/v3/command", payload, &resp); err != nil {
		return nil, err
	}
	return &CommandResult{CommandID: resp.ID}, nil
}

func (c *HTTPClient) SearchSeason(ctx context.Context, seriesID int64, seasonNumber int) (*CommandResult, error) {
	if !c.instanceType.SupportsSeasonPacks() {
		return nil, fmt.Errorf("%w: %s does not support season search", ErrAPI, c.instanceType)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	payload := map[string]any{
		"name":         "SeasonSearch",
		"seriesId":     seriesID,
		"seasonNumber": seasonNumber,
	}
	if err := c.post(ctx, "/api/v3/command", payload, &resp); err != nil {
		return nil, err
	}
	return &CommandResult{CommandID: resp.ID}, nil
}

func (c *HTTPClient) GetCommand(ctx context.Context, commandID int64) (*CommandStatus, error) {
	var resp struct {
		ID      int64  `json:"id"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := c.get(ctx, "/api/v3/command/"+strconv.FormatInt(commandID, 10), nil, &resp); err != nil {
		return nil, err
	}
	return &CommandStatus{
		CommandID: resp.ID,
		State:     resp.Status,
		Message:   resp.Message,
	}, nil
}

// wantedQuery maps a strategy onto a listing endpoint and its parameters.
// recent reuses the missing listing sorted newest-first; custom carries the
// queue's opaque filter string as extra query parameters.
func (c *HTTPClient) wantedQuery(req WantedRequest) (string, url.Values, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(req.Page))
	query.Set("pageSize", strconv.Itoa(req.PageSize))

	sortKey := req.SortKey
	sortDir := req.SortDir

	path := "/api/v3/wanted/missing"
	switch req.Strategy {
	case models.StrategyMissing:
	case models.StrategyCutoffUnmet:
		path = "/api/v3/wanted/cutoff"
	case models.StrategyRecent:
		if sortKey == "" {
			if c.instanceType == models.InstanceTypeSonarr {
				sortKey = "airDateUtc"
			} else {
				sortKey = "movieMetadata.inCinemas"
			}
		}
		if sortDir == "" {
			sortDir = "descending"
		}
	case models.StrategyCustom:
		filters, err := url.ParseQuery(req.Filters)
		if err != nil {
			return "", nil, &models.ValidationError{Field: "filters", Reason: err.Error()}
		}
		for key, values := range filters {
			for _, v := range values {
				query.Add(key, v)
			}
		}
	default:
		return "", nil, &models.ValidationError{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", req.Strategy)}
	}

	if sortKey != "" {
		query.Set("sortKey", sortKey)
	}
	if sortDir != "" {
		query.Set("sortDirection", sortDir)
	}

	return path, query, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.host + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", buildinfo.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %s", ErrConnection, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: status %d", ErrAuth, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s", ErrRemoteRateLimited, method, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrAPI, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %s", ErrAPI, method, path, err)
	}
	return nil
}

type sonarrWantedPage struct {
	TotalRecords int `json:"totalRecords"`
	Records      []struct {
		ID           int64  `json:"id"`
		SeriesID     int64  `json:"seriesId"`
		SeasonNumber int    `json:"seasonNumber"`
		Title        string `json:"title"`
		AirDateUTC   string `json:"airDateUtc"`
		HasFile      bool   `json:"hasFile"`
		Series       struct {
			Title string `json:"title"`
			Year  int    `json:"year"`
		} `json:"series"`
	} `json:"records"`
}

func (p *sonarrWantedPage) normalize() *WantedPage {
	page := &WantedPage{TotalRecords: p.TotalRecords, Records: make([]WantedRecord, 0, len(p.Records))}
	for _, r := range p.Records {
		rec := WantedRecord{
			ExternalID:   r.ID,
			ContentType:  models.ContentTypeEpisode,
			Title:        r.Title,
			Year:         r.Series.Year,
			SeriesID:     r.SeriesID,
			SeasonNumber: r.SeasonNumber,
			SeriesTitle:  r.Series.Title,
			QualityMet:   r.HasFile,
		}
		if r.AirDateUTC != "" {
			if t, err := time.Parse(time.RFC3339, r.AirDateUTC); err == nil {
				rec.AirDate = &t
			} else {
				log.Debug().Str("airDateUtc", r.AirDateUTC).Msg("unparseable air date in wanted record")
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page
}

type radarrWantedPage struct {
	TotalRecords int `json:"totalRecords"`
	Records      []struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		Year      int    `json:"year"`
		HasFile   bool   `json:"hasFile"`
		InCinemas string `json:"inCinemas"`
	} `json:"records"`
}

func (p *radarrWantedPage) normalize() *WantedPage {
	page := &WantedPage{TotalRecords: p.TotalRecords, Records: make([]WantedRecord, 0, len(p.Records))}
	for _, r := range p.Records {
		rec := WantedRecord{
			ExternalID:  r.ID,
			ContentType: models.ContentTypeMovie,
			Title:       r.Title,
			Year:        r.Year,
			QualityMet:  r.HasFile,
		}
		if r.InCinemas != "" {
			if t, err := time.Parse(time.RFC3339, r.InCinemas); err == nil {
				rec.AirDate = &t
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page
}
