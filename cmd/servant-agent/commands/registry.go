package commands

import (
	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/middleware"
	"github.com/servantops/servant-agent/pkg/policy"
	"github.com/servantops/servant-agent/pkg/units/haproxy"
	"github.com/servantops/servant-agent/pkg/units/monitoring"
	"github.com/servantops/servant-agent/pkg/units/nginx"
	"github.com/servantops/servant-agent/pkg/units/security"
)

// newRegistry returns the units and middlewares compiled into the agent.
func newRegistry() (*capability.Registry, error) {
	r := capability.NewRegistry()

	units := map[string]capability.UnitFactory{
		nginx.Name:      nginx.Factory,
		haproxy.Name:    haproxy.Factory,
		security.Name:   security.Factory,
		monitoring.Name: monitoring.Factory,
	}
	for name, f := range units {
		if err := r.RegisterUnit(name, f); err != nil {
			return nil, err
		}
	}

	middlewares := map[string]capability.MiddlewareFactory{
		middleware.AuditName:  middleware.AuditFactory,
		policy.MiddlewareName: policy.Factory,
	}
	for name, f := range middlewares {
		if err := r.RegisterMiddleware(name, f); err != nil {
			return nil, err
		}
	}
	return r, nil
}
