// Package discovery lists the service units on a host and keeps the stored
// service records in step with them.
package discovery

import (
	"bufio"
	"regexp"
	"strings"
)

// ListCommand enumerates every service unit known to systemd.
const ListCommand = "systemctl list-units --type=service --all --no-pager --no-legend --plain"

// Record is one parsed row of the unit listing.
type Record struct {
	Name        string
	Load        string
	Active      string
	Sub         string
	Description string
}

// Status is the combined "{active}/{sub}" state stored on the service.
func (r Record) Status() string {
	return r.Active + "/" + r.Sub
}

var (
	unitLine   = regexp.MustCompile(`^(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)
	headerLine = regexp.MustCompile(`^UNIT\s+LOAD\s+ACTIVE\s+SUB\b`)
	legendLine = regexp.MustCompile(`^(LOAD|ACTIVE|SUB)\s+=|^\d+ (loaded )?units? listed|^To show all`)
)

// ParseUnits parses `systemctl list-units` output. Header, legend and blank
// lines are skipped, as are units whose load state is not "loaded".
// skipped receives the names of units dropped for their load state.
func ParseUnits(output string) (records []Record, skipped []string) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Failed units carry a status bullet in front of the name.
		line = strings.TrimSpace(strings.TrimLeft(line, "●*"))
		if line == "" || headerLine.MatchString(line) || legendLine.MatchString(line) {
			continue
		}

		m := unitLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		rec := Record{Name: m[1], Load: m[2], Active: m[3], Sub: m[4], Description: strings.TrimSpace(m[5])}
		if rec.Load != "loaded" {
			skipped = append(skipped, rec.Name)
			continue
		}
		records = append(records, rec)
	}
	return records, skipped
}
