package metrics

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	uptimeUnit  = regexp.MustCompile(`(\d+)\s*(years?|weeks?|days?|hours?|hrs?|minutes?|mins?)\b`)
	uptimeClock = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
)

var unitSeconds = map[string]int64{
	"year":   365 * 86400,
	"week":   7 * 86400,
	"day":    86400,
	"hour":   3600,
	"hr":     3600,
	"minute": 60,
	"min":    60,
}

// ParseUptime converts uptime text to seconds. Both `uptime -p`
// ("up 4 weeks, 4 days, 20 hours, 43 minutes") and classic `uptime`
// ("10:00:00 up 3 days,  4:05,  2 users, ...") are accepted. Units are
// independently optional.
func ParseUptime(text string) int64 {
	text = strings.ToLower(text)
	if i := strings.Index(text, "up "); i >= 0 {
		text = text[i+3:]
	}
	for _, stop := range []string{"user", "load average"} {
		if i := strings.Index(text, stop); i >= 0 {
			text = text[:i]
		}
	}

	var total int64
	for _, m := range uptimeUnit.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		total += n * unitSeconds[strings.TrimSuffix(m[2], "s")]
	}

	if m := uptimeClock.FindStringSubmatch(text); m != nil {
		h, _ := strconv.ParseInt(m[1], 10, 64)
		min, _ := strconv.ParseInt(m[2], 10, 64)
		total += h*3600 + min*60
	}
	return total
}

// OS families fleet distinguishes. Anything else is OSOther.
const (
	OSUbuntu    = "ubuntu"
	OSCentOS    = "centos"
	OSAlmaLinux = "almalinux"
	OSDebian    = "debian"
	OSRocky     = "rocky"
	OSOther     = "other"
)

var osFamilies = []string{OSUbuntu, OSCentOS, OSAlmaLinux, OSDebian, OSRocky}

// NormalizeOSFamily maps an os-release ID or distribution name onto the
// closed set of families.
func NormalizeOSFamily(value string) string {
	v := strings.ToLower(strings.Trim(strings.TrimSpace(value), `"'`))
	for _, f := range osFamilies {
		if strings.HasPrefix(v, f) {
			return f
		}
	}
	return OSOther
}

// ParseOSRelease returns the normalized family from /etc/os-release content.
func ParseOSRelease(content string) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "ID=") {
			return NormalizeOSFamily(strings.TrimPrefix(line, "ID="))
		}
	}
	return OSOther
}

// ParseActiveSince returns how long a unit has been active. active is
// `systemctl show -p ActiveEnterTimestampMonotonic` output (microseconds
// since boot) and boot is /proc/uptime. Both count from boot, so the host's
// clock and time zone don't matter. Never negative.
func ParseActiveSince(active, boot string) (int64, error) {
	value := strings.TrimSpace(active)
	value = strings.TrimPrefix(value, "ActiveEnterTimestampMonotonic=")
	usec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized monotonic timestamp %q", value)
	}
	if usec <= 0 {
		return 0, fmt.Errorf("unit has no active timestamp")
	}

	fields := strings.Fields(boot)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/uptime")
	}
	up, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("unrecognized /proc/uptime %q", fields[0])
	}

	secs := int64(up) - usec/1_000_000
	if secs < 0 {
		secs = 0
	}
	return secs, nil
}
