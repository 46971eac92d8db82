package observability

import "github.com/kbukum/registrar/component"

// ServiceHealth is the rolled-up health of a process and its components.
type ServiceHealth struct {
	Service    string                 `json:"service"`
	Status     component.HealthStatus `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Components []component.Health     `json:"components,omitempty"`
}

// NewServiceHealth creates a healthy ServiceHealth.
func NewServiceHealth(service, version string) *ServiceHealth {
	return &ServiceHealth{
		Service: service,
		Status:  component.StatusHealthy,
		Version: version,
	}
}

// AddComponent appends a component result. Unhealthy wins over degraded.
func (sh *ServiceHealth) AddComponent(ch component.Health) {
	sh.Components = append(sh.Components, ch)

	switch ch.Status {
	case component.StatusUnhealthy:
		sh.Status = component.StatusUnhealthy
	case component.StatusDegraded:
		if sh.Status != component.StatusUnhealthy {
			sh.Status = component.StatusDegraded
		}
	}
}

// Aggregate builds a ServiceHealth from a list of component results.
func Aggregate(service, version string, components []component.Health) *ServiceHealth {
	sh := NewServiceHealth(service, version)
	for _, ch := range components {
		sh.AddComponent(ch)
	}
	return sh
}
