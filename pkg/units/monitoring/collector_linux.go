//go:build linux

package monitoring

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// linuxCollector reads /proc and the sysinfo and uname syscalls.
type linuxCollector struct {
	procStat  string
	osRelease string
	now       func() time.Time
}

// NewCollector returns the collector for this platform.
func NewCollector() Collector {
	return &linuxCollector{
		procStat:  "/proc/stat",
		osRelease: "/etc/os-release",
		now:       time.Now,
	}
}

func (c *linuxCollector) readStat() ([]cpuTimes, error) {
	f, err := os.Open(c.procStat)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseProcStat(f)
}

func (c *linuxCollector) CPU(ctx context.Context, interval time.Duration) (map[string]Sample, error) {
	prev, err := c.readStat()
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(interval):
	}

	cur, err := c.readStat()
	if err != nil {
		return nil, err
	}
	return cpuUsage(prev, cur, c.now())
}

func (c *linuxCollector) Memory() (map[string]Sample, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}

	unit := uint64(info.Unit)
	ts := c.now()
	return map[string]Sample{
		"system.mem.free":  {Measure: "bytes", Timestamp: ts, Value: float64(uint64(info.Freeram) * unit)},
		"system.mem.total": {Measure: "bytes", Timestamp: ts, Value: float64(uint64(info.Totalram) * unit)},
	}, nil
}

func (c *linuxCollector) NodeDetails() (map[string]interface{}, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}

	sysname, nodename := utsString(uts.Sysname[:]), utsString(uts.Nodename[:])
	release, version, machine := utsString(uts.Release[:]), utsString(uts.Version[:]), utsString(uts.Machine[:])

	system := map[string]interface{}{
		"type":   sysname,
		"arch":   machine,
		"kernel": fmt.Sprintf("%s %s %s %s %s", sysname, nodename, release, version, machine),
	}
	if f, err := os.Open(c.osRelease); err == nil {
		name, ver := parseOSRelease(f)
		f.Close()
		system["name"] = name
		system["version"] = ver
	}

	return map[string]interface{}{
		"ts":        c.now(),
		"system":    system,
		"hostname":  nodename,
		"uptime":    info.Uptime,
		"status":    1,
		"node_type": "host",
	}, nil
}

func utsString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
