// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/fetcharr/internal/arr"
	"github.com/autobrr/fetcharr/internal/models"
)

// PauseTag marks queues deactivated by this monitor. Recovery resumes only
// queues carrying exactly this message, so circuit-breaker and manual
// deactivations are never resumed by a health transition.
const PauseTag = "paused: instance unhealthy"

// RecoveryThreshold is how many consecutive successful probes an unhealthy
// instance needs before its queues resume. One lucky probe against a flapping
// backend must not resume work.
const RecoveryThreshold = 2

// CheckResult is the outcome of one instance probe.
type CheckResult struct {
	InstanceID     int     `json:"instanceId"`
	Healthy        bool    `json:"healthy"`
	StatusChanged  bool    `json:"statusChanged"`
	ResponseTimeMs int     `json:"responseTimeMs"`
	Version        string  `json:"version,omitempty"`
	Error          string  `json:"error,omitempty"`
	QueuesPaused   []int   `json:"queuesPaused,omitempty"`
	QueuesResumed  []int   `json:"queuesResumed,omitempty"`
}

// Monitor drives the per-instance healthy/unhealthy state machine and
// pauses/resumes the instance's queues on transitions. It is the sole owner
// of the instance health columns.
type Monitor struct {
	instances *models.InstanceStore
	queues    *models.QueueStore
	clients   arr.ClientProvider
	now       func() time.Time
}

func NewMonitor(instances *models.InstanceStore, queues *models.QueueStore, clients arr.ClientProvider, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		instances: instances,
		queues:    queues,
		clients:   clients,
		now:       now,
	}
}

// CheckInstance probes one instance and applies the state machine. Probe
// exceptions (decryption failure, transport error) are coerced into probe
// failures; nothing escapes as an error.
func (m *Monitor) CheckInstance(ctx context.Context, instanceID int) *CheckResult {
	instance, err := m.instances.Get(ctx, instanceID)
	if err != nil {
		return &CheckResult{InstanceID: instanceID, Error: fmt.Sprintf("load instance: %s", err)}
	}
	return m.probe(ctx, instance)
}

// CheckAllInstances sweeps every active instance independently. One
// instance's failure is its own result, never the sweep's; an empty instance
// set yields an empty result list.
func (m *Monitor) CheckAllInstances(ctx context.Context) ([]*CheckResult, error) {
	instances, err := m.instances.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}

	results := make([]*CheckResult, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	for i, instance := range instances {
		g.Go(func() error {
			results[i] = m.probe(gctx, instance)
			return nil
		})
	}
	g.Wait()

	return results, nil
}

func (m *Monitor) probe(ctx context.Context, instance *models.Instance) *CheckResult {
	result := &CheckResult{InstanceID: instance.ID}

	ping := m.ping(ctx, instance)
	result.ResponseTimeMs = ping.ResponseTimeMs
	result.Version = ping.Version

	if ping.Success {
		m.onSuccess(ctx, instance, ping, result)
	} else {
		result.Error = ping.Error
		m.onFailure(ctx, instance, ping, result)
	}

	return result
}

// ping performs the probe, coercing every failure mode into an unsuccessful
// PingResult.
func (m *Monitor) ping(ctx context.Context, instance *models.Instance) *arr.PingResult {
	client, err := m.clients.GetClient(ctx, instance.ID)
	if err != nil {
		return &arr.PingResult{Success: false, Error: fmt.Sprintf("get client: %s", err)}
	}

	ping, err := client.Ping(ctx)
	if err != nil {
		if ping != nil {
			return ping
		}
		return &arr.PingResult{Success: false, Error: err.Error()}
	}
	return ping
}

func (m *Monitor) onSuccess(ctx context.Context, instance *models.Instance, ping *arr.PingResult, result *CheckResult) {
	wasHealthy := instance.Healthy()
	successes := instance.ConsecutiveSuccesses + 1

	if wasHealthy {
		result.Healthy = true
		m.saveHealth(ctx, instance.ID, true, nil, successes, 0, ping.ResponseTimeMs)
		return
	}

	if successes < RecoveryThreshold {
		// still unhealthy: count the success, change nothing else
		result.Healthy = false
		m.saveHealth(ctx, instance.ID, false, instance.ConnectionError, successes, instance.ConsecutiveFailures, ping.ResponseTimeMs)
		log.Debug().
			Int("instanceID", instance.ID).
			Int("consecutiveSuccesses", successes).
			Msg("instance recovering, below threshold")
		return
	}

	// recovered
	result.Healthy = true
	result.StatusChanged = true
	m.saveHealth(ctx, instance.ID, true, nil, successes, 0, ping.ResponseTimeMs)

	resumed, err := m.queues.ResumeForInstance(ctx, instance.ID, PauseTag)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instance.ID).Msg("failed to resume queues after recovery")
	}
	result.QueuesResumed = resumed
	log.Info().
		Int("instanceID", instance.ID).
		Ints("queues", resumed).
		Msg("instance recovered, resuming paused queues")
}

func (m *Monitor) onFailure(ctx context.Context, instance *models.Instance, ping *arr.PingResult, result *CheckResult) {
	wasHealthy := instance.Healthy()
	failures := instance.ConsecutiveFailures + 1
	result.Healthy = false

	if !wasHealthy {
		m.saveHealth(ctx, instance.ID, false, strPtr(ping.Error), 0, failures, ping.ResponseTimeMs)
		return
	}

	// healthy -> unhealthy is immediate, no failure threshold
	result.StatusChanged = true
	m.saveHealth(ctx, instance.ID, false, strPtr(ping.Error), 0, failures, ping.ResponseTimeMs)

	paused, err := m.queues.PauseForInstance(ctx, instance.ID, PauseTag)
	if err != nil {
		log.Error().Err(err).Int("instanceID", instance.ID).Msg("failed to pause queues for unhealthy instance")
	}
	result.QueuesPaused = paused
	log.Warn().
		Int("instanceID", instance.ID).
		Str("error", ping.Error).
		Ints("queues", paused).
		Msg("instance unhealthy, pausing its queues")
}

func (m *Monitor) saveHealth(ctx context.Context, instanceID int, success bool, connErr *string, successes, failures, responseTimeMs int) {
	health := models.InstanceHealth{
		LastConnectionSuccess: &success,
		ConnectionError:       connErr,
		ConsecutiveSuccesses:  successes,
		ConsecutiveFailures:   failures,
	}
	if responseTimeMs > 0 {
		health.ResponseTimeMs = &responseTimeMs
	}
	if err := m.instances.UpdateHealth(ctx, instanceID, health); err != nil {
		log.Error().Err(err).Int("instanceID", instanceID).Msg("failed to persist instance health")
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
