// Package monitoring answers metric collection requests with host CPU,
// memory and node details.
package monitoring

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/servantops/servant-agent/pkg/capability"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
	"github.com/servantops/servant-agent/pkg/telemetry"
)

// Unit identity.
const (
	Name    = "monitoring"
	Version = "1.0"
)

// EventCollect requests one metric.
const EventCollect = "Collect"

// Metrics that can be collected.
const (
	MetricCPU         = "os_cpu"
	MetricRAM         = "os_ram"
	MetricNodeDetails = "node_details"
)

// ErrUnsupportedPlatform is returned by collectors on platforms without a
// native implementation.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

// Sample is one measured value.
type Sample struct {
	Measure   string    `json:"measure"`
	Timestamp time.Time `json:"ts"`
	Component *int      `json:"component,omitempty"`
	Value     float64   `json:"value"`
}

// Collector reads metrics from the host.
type Collector interface {
	// CPU samples processor times twice, interval apart, and returns usage
	// percentages keyed by metric name.
	CPU(ctx context.Context, interval time.Duration) (map[string]Sample, error)
	Memory() (map[string]Sample, error)
	NodeDetails() (map[string]interface{}, error)
}

// Settings configure the unit.
type Settings struct {
	// SampleInterval is the CPU sampling window. Defaults to one second.
	SampleInterval time.Duration `mapstructure:"sampleInterval"`
}

// Payload is the data of a Collect request.
type Payload struct {
	ID     interface{} `mapstructure:"id"`
	Metric string      `mapstructure:"metric" validate:"required"`
}

// Unit handles Collect requests.
type Unit struct {
	deps      capability.Deps
	collector Collector
	interval  time.Duration
	hostname  func() (string, error)
	log       *telemetry.Logger
}

// Factory builds the unit with the native collector.
func Factory(deps capability.Deps, cfg config.UnitConfig) (*capability.Loaded, error) {
	var settings Settings
	if err := cfg.DecodeSettings(&settings); err != nil {
		return nil, err
	}
	return &capability.Loaded{Unit: New(deps, settings, NewCollector())}, nil
}

// New creates the unit.
func New(deps capability.Deps, settings Settings, collector Collector) *Unit {
	if settings.SampleInterval <= 0 {
		settings.SampleInterval = time.Second
	}
	return &Unit{
		deps:      deps,
		collector: collector,
		interval:  settings.SampleInterval,
		hostname:  os.Hostname,
		log:       deps.Logger(Name),
	}
}

func (u *Unit) Name() string    { return Name }
func (u *Unit) Version() string { return Version }

// Handle collects the requested metric and replies with its value.
func (u *Unit) Handle(ctx context.Context, env *envelope.Envelope) error {
	if env.Event != EventCollect {
		u.log.Warnf("Unsupported event type: %q", env.Event)
		return nil
	}

	var p Payload
	if err := capability.DecodePayload(env, &p); err != nil {
		u.log.WithError(err).Error("Invalid payload")
		u.reply(ctx, p, nil, err)
		return nil
	}

	var (
		value interface{}
		err   error
	)
	switch p.Metric {
	case MetricCPU:
		var samples map[string]Sample
		samples, err = u.collector.CPU(ctx, u.interval)
		if err == nil {
			hostname, _ := u.hostname()
			value = map[string]interface{}{"hostname": hostname, "metrics": samples}
		}
	case MetricRAM:
		value, err = u.collector.Memory()
	case MetricNodeDetails:
		value, err = u.collector.NodeDetails()
	default:
		u.log.Warnf("Unsupported metric: %q", p.Metric)
		return nil
	}

	if err != nil {
		u.log.WithError(err).Errorf("Failed to collect %s", p.Metric)
		value = nil
	}
	u.reply(ctx, p, value, err)
	return nil
}

func (u *Unit) reply(ctx context.Context, p Payload, value interface{}, err error) {
	var errText *string
	if err != nil {
		errText = envelope.ErrorString(err.Error())
	}
	u.deps.Host.Send(ctx, capability.NewMessage(u, EventCollect, errText, map[string]interface{}{
		"id":     p.ID,
		"metric": p.Metric,
		"value":  value,
	}))
}
