package metrics

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CPUSample is one reading of the aggregate cpu line in /proc/stat.
type CPUSample struct {
	Total int64
	Idle  int64
}

// ParseCPUSamples reads every aggregate "cpu " line in procStat, in order.
func ParseCPUSamples(procStat string) ([]CPUSample, error) {
	var samples []CPUSample
	scanner := bufio.NewScanner(strings.NewReader(procStat))

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("invalid /proc/stat cpu line: %s", line)
		}

		// Fields: cpu user nice system idle iowait irq softirq steal guest guest_nice
		var s CPUSample
		for i := 1; i < len(fields); i++ {
			val, err := strconv.ParseInt(fields[i], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cpu field %d: %w", i, err)
			}
			s.Total += val
			if i == 4 || i == 5 {
				s.Idle += val
			}
		}
		samples = append(samples, s)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning /proc/stat: %w", err)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no cpu line in /proc/stat output")
	}
	return samples, nil
}

// CPUPercent computes busy time between two samples. With a single sample
// it falls back to the average since boot.
func CPUPercent(samples []CPUSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	first, last := CPUSample{}, samples[len(samples)-1]
	if len(samples) > 1 {
		first = samples[0]
	}

	total := last.Total - first.Total
	idle := last.Idle - first.Idle
	if total <= 0 {
		return 0
	}
	return round2(float64(total-idle) / float64(total) * 100)
}

// Memory holds the fields fleet records from /proc/meminfo, in bytes.
type Memory struct {
	Total       int64
	Used        int64
	Percent     float64
	SwapPercent float64
}

// ParseMeminfo parses /proc/meminfo. Used memory excludes reclaimable cache.
func ParseMeminfo(procMeminfo string) (Memory, error) {
	var total, free, available, buffers, cached, swapTotal, swapFree int64
	haveAvailable := false
	found := 0

	scanner := bufio.NewScanner(strings.NewReader(procMeminfo))
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		// Values in /proc/meminfo are in kB
		key := strings.TrimSuffix(parts[0], ":")
		val, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			continue
		}
		val *= 1024

		switch key {
		case "MemTotal":
			total = val
			found++
		case "MemFree":
			free = val
			found++
		case "MemAvailable":
			available = val
			haveAvailable = true
		case "Buffers":
			buffers = val
		case "Cached":
			cached = val
		case "SwapTotal":
			swapTotal = val
		case "SwapFree":
			swapFree = val
		}
	}

	if err := scanner.Err(); err != nil {
		return Memory{}, fmt.Errorf("error scanning /proc/meminfo: %w", err)
	}
	if found < 2 || total <= 0 {
		return Memory{}, fmt.Errorf("insufficient memory info found in /proc/meminfo")
	}

	m := Memory{Total: total}
	if haveAvailable {
		m.Used = total - available
	} else {
		m.Used = total - free - buffers - cached
	}
	if m.Used < 0 {
		m.Used = 0
	}
	m.Percent = round2(float64(m.Used) / float64(total) * 100)
	if swapTotal > 0 {
		m.SwapPercent = round2(float64(swapTotal-swapFree) / float64(swapTotal) * 100)
	}
	return m, nil
}

// Disk is root filesystem usage in bytes.
type Disk struct {
	Total   int64
	Used    int64
	Percent float64
}

// ParseDF parses `df -P -k` output for a single mount.
func ParseDF(output string) (Disk, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[0] == "Filesystem" {
			continue
		}

		total, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Disk{}, fmt.Errorf("failed to parse df size: %w", err)
		}
		used, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return Disk{}, fmt.Errorf("failed to parse df used: %w", err)
		}

		d := Disk{Total: total * 1024, Used: used * 1024}
		if pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64); err == nil {
			d.Percent = pct
		} else if total > 0 {
			d.Percent = round2(float64(used) / float64(total) * 100)
		}
		return d, nil
	}
	return Disk{}, fmt.Errorf("no filesystem line in df output")
}

// ParseLoadavg parses the first three fields of /proc/loadavg.
func ParseLoadavg(procLoadavg string) ([3]float64, error) {
	var load [3]float64
	fields := strings.Fields(strings.TrimSpace(procLoadavg))
	if len(fields) < 3 {
		return load, fmt.Errorf("invalid /proc/loadavg output: %q", procLoadavg)
	}
	for i := 0; i < 3; i++ {
		val, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return load, fmt.Errorf("failed to parse loadavg field %d: %w", i, err)
		}
		load[i] = val
	}
	return load, nil
}

// ParseNetDev sums received and transmitted bytes across every interface
// except loopback.
func ParseNetDev(procNetDev string) (rx, tx int64, err error) {
	scanner := bufio.NewScanner(strings.NewReader(procNetDev))
	seen := 0

	for scanner.Scan() {
		// Format: "  iface: bytes packets errs drop fifo frame compressed multicast | bytes packets..."
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		fields := strings.Fields(parts[1])
		if len(fields) < 16 || name == "lo" {
			continue
		}

		in, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse bytes_in for %s: %w", name, err)
		}
		out, err := strconv.ParseInt(fields[8], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to parse bytes_out for %s: %w", name, err)
		}
		rx += in
		tx += out
		seen++
	}

	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("error scanning /proc/net/dev: %w", err)
	}
	if seen == 0 {
		return 0, 0, fmt.Errorf("no interfaces in /proc/net/dev output")
	}
	return rx, tx, nil
}

// ParseCount parses a bare integer such as `wc -l` output. Anything after
// the first field (a file name) is ignored.
func ParseCount(output string) (int64, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty count output")
	}
	return strconv.ParseInt(fields[0], 10, 64)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
