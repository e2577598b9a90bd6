package monitoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servantops/servant-agent/pkg/capability/capabilitytest"
	"github.com/servantops/servant-agent/pkg/config"
	"github.com/servantops/servant-agent/pkg/envelope"
)

const procStat = `cpu  300 0 150 550 0 0 0 0 0 0
cpu0 100 0 50 350 0 0 0 0 0 0
cpu1 200 0 100 200 0 0 0 0 0 0
intr 12345
ctxt 999
`

const procStatLater = `cpu  500 0 250 750 0 0 0 0 0 0
cpu0 150 0 100 450 0 0 0 0 0 0
cpu1 350 0 150 300 0 0 0 0 0 0
`

func TestParseProcStat(t *testing.T) {
	cores, err := parseProcStat(strings.NewReader(procStat))
	require.NoError(t, err)
	assert.Equal(t, []cpuTimes{
		{user: 100, system: 50, idle: 350},
		{user: 200, system: 100, idle: 200},
	}, cores)

	_, err = parseProcStat(strings.NewReader("intr 1\n"))
	assert.Error(t, err)

	_, err = parseProcStat(strings.NewReader("cpu0 a b c d\n"))
	assert.Error(t, err)
}

func TestCPUUsage(t *testing.T) {
	prev, err := parseProcStat(strings.NewReader(procStat))
	require.NoError(t, err)
	cur, err := parseProcStat(strings.NewReader(procStatLater))
	require.NoError(t, err)

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	usage, err := cpuUsage(prev, cur, ts)
	require.NoError(t, err)
	assert.Len(t, usage, 9)

	// cpu0: 200 jiffies elapsed, 50 user, 50 system.
	assert.InDelta(t, 25.0, usage["system.cpu.0.user"].Value, 0.001)
	assert.InDelta(t, 25.0, usage["system.cpu.0.system"].Value, 0.001)
	assert.InDelta(t, 50.0, usage["system.cpu.0.total"].Value, 0.001)
	require.NotNil(t, usage["system.cpu.0.total"].Component)
	assert.Equal(t, 0, *usage["system.cpu.0.total"].Component)

	// cpu1: 300 jiffies elapsed, 150 user, 50 system.
	assert.InDelta(t, 50.0, usage["system.cpu.1.user"].Value, 0.001)
	assert.Equal(t, 1, *usage["system.cpu.1.user"].Component)

	assert.InDelta(t, 37.5, usage["system.cpu.user"].Value, 0.001)
	assert.InDelta(t, (50.0+200.0/3)/2, usage["system.cpu.total"].Value, 0.001)
	assert.Nil(t, usage["system.cpu.total"].Component)
	assert.Equal(t, "%", usage["system.cpu.total"].Measure)
	assert.Equal(t, ts, usage["system.cpu.total"].Timestamp)

	_, err = cpuUsage(prev, cur[:1], ts)
	assert.Error(t, err)
}

func TestParseOSRelease(t *testing.T) {
	name, version := parseOSRelease(strings.NewReader("NAME=\"Ubuntu\"\nID=ubuntu\nVERSION_ID=\"24.04\"\n"))
	assert.Equal(t, "ubuntu", name)
	assert.Equal(t, "24.04", version)
}

type fakeCollector struct {
	cpu     map[string]Sample
	memory  map[string]Sample
	details map[string]interface{}
	err     error

	interval time.Duration
}

func (f *fakeCollector) CPU(ctx context.Context, interval time.Duration) (map[string]Sample, error) {
	f.interval = interval
	return f.cpu, f.err
}

func (f *fakeCollector) Memory() (map[string]Sample, error) { return f.memory, f.err }

func (f *fakeCollector) NodeDetails() (map[string]interface{}, error) { return f.details, f.err }

func collect(id interface{}, metric string) *envelope.Envelope {
	return envelope.New(Name, Version, EventCollect, nil, map[string]interface{}{"id": id, "metric": metric})
}

func TestCollect(t *testing.T) {
	ts := time.Unix(100, 0)
	collector := &fakeCollector{
		cpu:     map[string]Sample{"system.cpu.total": {Measure: "%", Timestamp: ts, Value: 12.5}},
		memory:  map[string]Sample{"system.mem.free": {Measure: "bytes", Timestamp: ts, Value: 1024}},
		details: map[string]interface{}{"hostname": "web-01", "node_type": "host"},
	}
	host := &capabilitytest.Host{}
	u := New(capabilitytest.Deps(host), Settings{SampleInterval: 10 * time.Millisecond}, collector)
	u.hostname = func() (string, error) { return "web-01", nil }

	tests := []struct {
		metric string
		want   interface{}
	}{
		{metric: MetricCPU, want: map[string]interface{}{"hostname": "web-01", "metrics": collector.cpu}},
		{metric: MetricRAM, want: collector.memory},
		{metric: MetricNodeDetails, want: collector.details},
	}

	for i, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			require.NoError(t, u.Handle(context.Background(), collect(i, tt.metric)))

			reply := host.Last()
			require.NotNil(t, reply)
			assert.Equal(t, EventCollect, reply.Event)
			assert.False(t, reply.Failed())
			assert.Equal(t, i, reply.Data["id"])
			assert.Equal(t, tt.metric, reply.Data["metric"])
			assert.Equal(t, tt.want, reply.Data["value"])
		})
	}
	assert.Equal(t, 10*time.Millisecond, collector.interval)
}

func TestCollectFailure(t *testing.T) {
	host := &capabilitytest.Host{}
	u := New(capabilitytest.Deps(host), Settings{}, &fakeCollector{err: ErrUnsupportedPlatform})

	require.NoError(t, u.Handle(context.Background(), collect("m-1", MetricRAM)))

	reply := host.Last()
	require.NotNil(t, reply)
	assert.True(t, reply.Failed())
	assert.Equal(t, ErrUnsupportedPlatform.Error(), reply.ErrorText())
	assert.Nil(t, reply.Data["value"])
	assert.Equal(t, "m-1", reply.Data["id"])
}

func TestCollectIgnoresUnknownInput(t *testing.T) {
	host := &capabilitytest.Host{}
	u := New(capabilitytest.Deps(host), Settings{}, &fakeCollector{err: errors.New("unused")})

	require.NoError(t, u.Handle(context.Background(), collect(1, "os_disk")))
	require.NoError(t, u.Handle(context.Background(), envelope.New(Name, Version, "Subscribe", nil, nil)))
	assert.Empty(t, host.Sent())

	require.NoError(t, u.Handle(context.Background(), envelope.New(Name, Version, EventCollect, nil, map[string]interface{}{"id": 2})))
	require.Len(t, host.Sent(), 1)
	assert.True(t, host.Last().Failed())
}

func TestFactorySampleInterval(t *testing.T) {
	loaded, err := Factory(capabilitytest.Deps(&capabilitytest.Host{}), config.UnitConfig{
		Name:     Name,
		Settings: map[string]interface{}{"sampleInterval": "250ms"},
	})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, loaded.Unit.(*Unit).interval)

	loaded, err = Factory(capabilitytest.Deps(&capabilitytest.Host{}), config.UnitConfig{Name: Name})
	require.NoError(t, err)
	assert.Equal(t, time.Second, loaded.Unit.(*Unit).interval)
}
