package warning

import "go.flowcatalyst.tech/internal/router/health"

// HealthAdapter exposes an InMemoryService as the health and monitoring
// packages expect: their DTOs are structurally identical to Warning but are
// a distinct Go type, so callers outside this package can't satisfy
// health.WarningGetter directly against the Service interface.
type HealthAdapter struct {
	svc *InMemoryService
}

// NewHealthAdapter wraps svc for consumption by the health and monitoring packages.
func NewHealthAdapter(svc *InMemoryService) *HealthAdapter {
	return &HealthAdapter{svc: svc}
}

func toHealthWarning(w Warning) *health.Warning {
	return &health.Warning{
		ID:           w.ID,
		Category:     w.Category,
		Severity:     w.Severity,
		Message:      w.Message,
		Source:       w.Source,
		Timestamp:    w.Timestamp,
		Acknowledged: w.Acknowledged,
	}
}

func toHealthWarnings(ws []Warning) []*health.Warning {
	result := make([]*health.Warning, 0, len(ws))
	for _, w := range ws {
		result = append(result, toHealthWarning(w))
	}
	return result
}

// GetAllWarnings satisfies health.WarningGetter.
func (a *HealthAdapter) GetAllWarnings() []*health.Warning {
	return toHealthWarnings(a.svc.GetAllWarnings())
}

// GetUnacknowledgedWarnings satisfies health.WarningGetter.
func (a *HealthAdapter) GetUnacknowledgedWarnings() []*health.Warning {
	return toHealthWarnings(a.svc.GetUnacknowledgedWarnings())
}

// GetWarningsBySeverity satisfies api.WarningSeverityGetter.
func (a *HealthAdapter) GetWarningsBySeverity(severity string) []*health.Warning {
	return toHealthWarnings(a.svc.GetWarningsBySeverity(severity))
}

// AcknowledgeWarning satisfies api.WarningMutator.
func (a *HealthAdapter) AcknowledgeWarning(id string) bool {
	return a.svc.AcknowledgeWarning(id)
}

// ClearAllWarnings satisfies api.WarningMutator.
func (a *HealthAdapter) ClearAllWarnings() {
	a.svc.ClearAllWarnings()
}

// ClearOldWarnings satisfies api.WarningMutator.
func (a *HealthAdapter) ClearOldWarnings(hours int) {
	a.svc.ClearOldWarnings(hours)
}
