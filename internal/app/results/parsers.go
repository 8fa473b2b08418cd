// Package results implements the streaming result processor: it runs one
// external tool, consumes its line-oriented output, parses lines into
// normalized records and persists them in bounded batches.
package results

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/reconwave/reconwave/internal/domain/scanning"
)

// Family groups tools that emit the same output shape. Parsers register per
// family, not per tool, so adding a tool is a catalog entry rather than code.
type Family string

const (
	FamilySubdomain  Family = "subdomain"
	FamilyPortScan   Family = "portscan"
	FamilyHTTPProbe  Family = "httpprobe"
	FamilyDirBrute   Family = "dirbrute"
	FamilyURLCollect Family = "urlcollect"
	FamilyVulnScan   Family = "vulnscan"
)

// ParseFunc turns one output line into a normalized record. The second
// return is false for malformed or irrelevant lines, which are counted and
// skipped, never fatal.
type ParseFunc func(line string) (scanning.Record, bool)

// ParserFor returns the parse function for a tool family.
func ParserFor(family Family) (ParseFunc, error) {
	switch family {
	case FamilySubdomain:
		return parseSubdomainLine, nil
	case FamilyPortScan:
		return parsePortScanLine, nil
	case FamilyHTTPProbe:
		return parseHTTPProbeLine, nil
	case FamilyDirBrute:
		return parseDirBruteLine, nil
	case FamilyURLCollect:
		return parseURLLine, nil
	case FamilyVulnScan:
		return parseVulnLine, nil
	default:
		return nil, fmt.Errorf("unknown tool family %q", family)
	}
}

// RecordKindFor maps a family to the snapshot record kind it produces.
func RecordKindFor(family Family) scanning.RecordKind {
	switch family {
	case FamilySubdomain, FamilyPortScan:
		return scanning.RecordKindHostPort
	case FamilyHTTPProbe:
		return scanning.RecordKindHTTPProbe
	case FamilyDirBrute:
		return scanning.RecordKindDirectoryHit
	case FamilyURLCollect:
		return scanning.RecordKindURL
	case FamilyVulnScan:
		return scanning.RecordKindVulnerability
	default:
		return ""
	}
}

// parseSubdomainLine handles passive discovery tools that emit one hostname
// per line.
func parseSubdomainLine(line string) (scanning.Record, bool) {
	host := strings.ToLower(strings.TrimSpace(line))
	if host == "" || strings.ContainsAny(host, " \t") || !strings.Contains(host, ".") {
		return nil, false
	}
	return scanning.HostPortRecord{Host: host}, true
}

// parsePortScanLine handles port scanners emitting host:port lines.
func parsePortScanLine(line string) (scanning.Record, bool) {
	line = strings.TrimSpace(line)
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return nil, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, false
	}
	rec := scanning.HostPortRecord{Host: strings.ToLower(host), Port: port}
	if ip := net.ParseIP(host); ip != nil {
		rec.IP = host
		rec.Host = ""
	}
	return rec, true
}

type httpProbeLine struct {
	URL           string   `json:"url"`
	Host          string   `json:"host"`
	StatusCode    int      `json:"status_code"`
	Title         string   `json:"title"`
	ContentLength int64    `json:"content_length"`
	Technologies  []string `json:"tech"`
}

// parseHTTPProbeLine handles HTTP probers emitting one JSON object per line.
func parseHTTPProbeLine(line string) (scanning.Record, bool) {
	var p httpProbeLine
	if err := json.Unmarshal([]byte(line), &p); err != nil || p.URL == "" {
		return nil, false
	}
	return scanning.HTTPProbeRecord{
		URL:           p.URL,
		Host:          p.Host,
		StatusCode:    p.StatusCode,
		Title:         p.Title,
		ContentLength: p.ContentLength,
		Technologies:  p.Technologies,
	}, true
}

type dirBruteLine struct {
	URL    string `json:"url"`
	Path   string `json:"path"`
	Status int    `json:"status"`
	Length int64  `json:"length"`
}

// parseDirBruteLine handles directory brute forcers emitting one JSON hit
// per line.
func parseDirBruteLine(line string) (scanning.Record, bool) {
	var h dirBruteLine
	if err := json.Unmarshal([]byte(line), &h); err != nil || h.URL == "" {
		return nil, false
	}
	return scanning.DirectoryHitRecord{
		URL:           h.URL,
		Path:          h.Path,
		StatusCode:    h.Status,
		ContentLength: h.Length,
	}, true
}

// parseURLLine handles passive URL collectors emitting one URL per line.
func parseURLLine(line string) (scanning.Record, bool) {
	u := strings.TrimSpace(line)
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return nil, false
	}
	return scanning.URLRecord{URL: u}, true
}

type vulnLine struct {
	TemplateID string `json:"template-id"`
	MatchedAt  string `json:"matched-at"`
	Info       struct {
		Name        string `json:"name"`
		Severity    string `json:"severity"`
		Description string `json:"description"`
	} `json:"info"`
}

// parseVulnLine handles vulnerability scanners emitting one JSON finding
// per line.
func parseVulnLine(line string) (scanning.Record, bool) {
	var v vulnLine
	if err := json.Unmarshal([]byte(line), &v); err != nil || v.TemplateID == "" {
		return nil, false
	}
	return scanning.VulnerabilityRecord{
		Name:        v.Info.Name,
		TemplateID:  v.TemplateID,
		Severity:    scanning.ParseSeverity(v.Info.Severity),
		URL:         v.MatchedAt,
		Description: v.Info.Description,
	}, true
}
