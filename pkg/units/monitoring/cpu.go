package monitoring

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// cpuTimes are the cumulative jiffies of one processor.
type cpuTimes struct {
	user, nice, system, idle uint64
}

func (c cpuTimes) used() uint64  { return c.user + c.nice + c.system }
func (c cpuTimes) total() uint64 { return c.used() + c.idle }

// parseProcStat reads the per-core lines (cpu0, cpu1, ...) of /proc/stat.
func parseProcStat(r io.Reader) ([]cpuTimes, error) {
	var cores []cpuTimes

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.HasPrefix(fields[0], "cpu") || fields[0] == "cpu" {
			continue
		}

		var values [4]uint64
		for i := range values {
			v, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s counter %q: %w", fields[0], fields[i+1], err)
			}
			values[i] = v
		}
		cores = append(cores, cpuTimes{user: values[0], nice: values[1], system: values[2], idle: values[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("no cpu lines found")
	}
	return cores, nil
}

func percent(delta, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(delta) / float64(total) * 100
}

// cpuUsage turns two snapshots into per-core and averaged percentages.
func cpuUsage(prev, cur []cpuTimes, ts time.Time) (map[string]Sample, error) {
	if len(prev) != len(cur) {
		return nil, fmt.Errorf("cpu count changed from %d to %d", len(prev), len(cur))
	}

	out := make(map[string]Sample, len(cur)*3+3)
	var system, user, total float64

	for i := range cur {
		core := i
		elapsed := cur[i].total() - prev[i].total()

		s := percent(cur[i].system-prev[i].system, elapsed)
		u := percent(cur[i].user-prev[i].user, elapsed)
		t := percent(cur[i].used()-prev[i].used(), elapsed)

		out[fmt.Sprintf("system.cpu.%d.system", i)] = Sample{Measure: "%", Timestamp: ts, Component: &core, Value: s}
		out[fmt.Sprintf("system.cpu.%d.user", i)] = Sample{Measure: "%", Timestamp: ts, Component: &core, Value: u}
		out[fmt.Sprintf("system.cpu.%d.total", i)] = Sample{Measure: "%", Timestamp: ts, Component: &core, Value: t}

		system += s
		user += u
		total += t
	}

	n := float64(len(cur))
	out["system.cpu.system"] = Sample{Measure: "%", Timestamp: ts, Value: system / n}
	out["system.cpu.user"] = Sample{Measure: "%", Timestamp: ts, Value: user / n}
	out["system.cpu.total"] = Sample{Measure: "%", Timestamp: ts, Value: total / n}
	return out, nil
}

// parseOSRelease returns the distribution id and version from an
// os-release file.
func parseOSRelease(r io.Reader) (name, version string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			name = value
		case "VERSION_ID":
			version = value
		}
	}
	return name, version
}
