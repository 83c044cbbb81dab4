package metrics

import (
	"time"

	"go.flowcatalyst.tech/internal/router/health"
)

// HealthPoolAdapter exposes an InMemoryPoolMetricsService as
// health.PoolMetricsProvider. The two packages' PoolStats types are
// structurally similar but distinct (health's drops the rolling-window
// fields), so the conversion happens here rather than by sharing a type.
type HealthPoolAdapter struct {
	svc *InMemoryPoolMetricsService
}

// NewHealthPoolAdapter wraps svc for consumption by the health package.
func NewHealthPoolAdapter(svc *InMemoryPoolMetricsService) *HealthPoolAdapter {
	return &HealthPoolAdapter{svc: svc}
}

func toHealthPoolStats(s *PoolStats) *health.PoolStats {
	return &health.PoolStats{
		PoolCode:                s.PoolCode,
		TotalProcessed:          s.TotalProcessed,
		TotalSucceeded:          s.TotalSucceeded,
		TotalFailed:             s.TotalFailed,
		TotalRateLimited:        s.TotalRateLimited,
		SuccessRate:             s.SuccessRate,
		ActiveWorkers:           s.ActiveWorkers,
		AvailablePermits:        s.AvailablePermits,
		MaxConcurrency:          s.MaxConcurrency,
		QueueSize:               s.QueueSize,
		MaxQueueCapacity:        s.MaxQueueCapacity,
		AverageProcessingTimeMs: s.AverageProcessingTimeMs,
	}
}

// GetAllPoolStats satisfies health.PoolMetricsProvider.
func (a *HealthPoolAdapter) GetAllPoolStats() map[string]*health.PoolStats {
	all := a.svc.GetAllPoolStats()
	result := make(map[string]*health.PoolStats, len(all))
	for code, s := range all {
		result[code] = toHealthPoolStats(s)
	}
	return result
}

// GetLastActivityTimestamp satisfies health.PoolMetricsProvider.
func (a *HealthPoolAdapter) GetLastActivityTimestamp(poolCode string) *time.Time {
	return a.svc.GetLastActivityTimestamp(poolCode)
}

// HealthQueueAdapter exposes an InMemoryQueueMetricsService as
// health.QueueStatsGetter.
type HealthQueueAdapter struct {
	svc *InMemoryQueueMetricsService
}

// NewHealthQueueAdapter wraps svc for consumption by the health package.
func NewHealthQueueAdapter(svc *InMemoryQueueMetricsService) *HealthQueueAdapter {
	return &HealthQueueAdapter{svc: svc}
}

func toHealthQueueStats(s *QueueStats) *health.QueueStats {
	return &health.QueueStats{
		Name:               s.Name,
		TotalMessages:      s.TotalMessages,
		TotalConsumed:      s.TotalConsumed,
		TotalFailed:        s.TotalFailed,
		SuccessRate:        s.SuccessRate,
		CurrentSize:        s.CurrentSize,
		Throughput:         s.Throughput,
		PendingMessages:    s.PendingMessages,
		MessagesNotVisible: s.MessagesNotVisible,
	}
}

// GetAllQueueStats satisfies health.QueueStatsGetter.
func (a *HealthQueueAdapter) GetAllQueueStats() map[string]*health.QueueStats {
	all := a.svc.GetAllQueueStats()
	result := make(map[string]*health.QueueStats, len(all))
	for id, s := range all {
		result[id] = toHealthQueueStats(s)
	}
	return result
}

// GetTotalQueueDepth satisfies health.QueueStatsGetter, summing current size
// across every tracked queue.
func (a *HealthQueueAdapter) GetTotalQueueDepth() int64 {
	var total int64
	for _, s := range a.svc.GetAllQueueStats() {
		total += s.CurrentSize
	}
	return total
}

// GetThroughput satisfies health.QueueStatsGetter, summing throughput
// across every tracked queue.
func (a *HealthQueueAdapter) GetThroughput() float64 {
	var total float64
	for _, s := range a.svc.GetAllQueueStats() {
		total += s.Throughput
	}
	return total
}
