package winget

import (
	"bufio"
	"strings"

	"github.com/wingetdash/fleet/pkg/api"
)

// ParseUpgrades parses `winget upgrade` table output:
//
//	Name            Id                  Version   Available  Source
//	---------------------------------------------------------------
//	Mozilla Firefox Mozilla.Firefox     128.0     129.0      winget
func ParseUpgrades(output string) []api.AppUpdate {
	var updates []api.AppUpdate
	eachRow(output, func(line string, cols *columns) {
		if cols.available < 0 {
			return
		}
		if strings.Contains(line, " upgrades available") || strings.Contains(line, " upgrade available") {
			return
		}
		name := cut(line, cols.name, cols.id)
		id := cut(line, cols.id, cols.version)
		current := cut(line, cols.version, cols.available)
		available := dropSource(cut(line, cols.available, len(line)))
		if !ValidPackageID(id) {
			return
		}
		updates = append(updates, api.AppUpdate{
			Name:             name,
			ID:               id,
			CurrentVersion:   current,
			AvailableVersion: available,
		})
	})
	return updates
}

// ParseList parses `winget list` table output:
//
//	Name            Id                  Version   Source
//	----------------------------------------------------
//	Mozilla Firefox Mozilla.Firefox     128.0     winget
//
// The newer winget also prints an Available column in list output; it is
// ignored here.
func ParseList(output string) []api.InstalledApp {
	var apps []api.InstalledApp
	eachRow(output, func(line string, cols *columns) {
		end := len(line)
		if cols.available > 0 {
			end = cols.available
		}
		name := cut(line, cols.name, cols.id)
		id := cut(line, cols.id, cols.version)
		version := cut(line, cols.version, end)
		if cols.available < 0 {
			version = dropSource(version)
		}
		if !ValidPackageID(id) {
			return
		}
		apps = append(apps, api.InstalledApp{Name: name, ID: id, Version: version})
	})
	return apps
}

type columns struct {
	name      int
	id        int
	version   int
	available int // -1 when absent
}

// eachRow finds the header, skips to the separator and calls fn for every
// non-empty data row.
func eachRow(output string, fn func(line string, cols *columns)) {
	var cols *columns
	pastSeparator := false

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		// winget draws a progress spinner with carriage returns before the table.
		line := scanner.Text()
		if i := strings.LastIndex(line, "\r"); i >= 0 {
			line = line[i+1:]
		}

		if cols == nil {
			cols = parseHeader(line)
			continue
		}
		if !pastSeparator {
			pastSeparator = isSeparator(line)
			continue
		}
		if strings.TrimSpace(line) == "" || len(line) <= cols.id {
			continue
		}
		if strings.Contains(line, "No installed package") || strings.Contains(line, "No applicable update") {
			continue
		}
		fn(line, cols)
	}
}

func parseHeader(line string) *columns {
	nameIdx := strings.Index(line, "Name")
	idIdx := strings.Index(line, "Id")
	versionIdx := strings.Index(line, "Version")
	if nameIdx == -1 || idIdx <= nameIdx || versionIdx <= idIdx {
		return nil
	}
	cols := &columns{name: nameIdx, id: idIdx, version: versionIdx, available: -1}
	if availIdx := strings.Index(line, "Available"); availIdx > versionIdx {
		cols.available = availIdx
	}
	return cols
}

func isSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 10 {
		return false
	}
	return strings.Trim(trimmed, "- ") == ""
}

// dropSource strips a trailing source column ("winget", "msstore") when it
// was folded into the last version column.
func dropSource(s string) string {
	i := strings.LastIndex(s, " ")
	if i <= 0 {
		return s
	}
	tail := strings.TrimSpace(s[i:])
	if strings.ContainsAny(tail, ".0123456789") {
		return s
	}
	return strings.TrimSpace(s[:i])
}

func cut(s string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return ""
	}
	return strings.TrimSpace(s[start:end])
}
