package scanning

import (
	"fmt"
	"strings"
)

// RecordKind identifies which family of normalized output a record belongs
// to. The set is closed: every tool's parser normalizes into one of these.
type RecordKind string

const (
	RecordKindHostPort      RecordKind = "HOST_PORT"
	RecordKindHTTPProbe     RecordKind = "HTTP_PROBE"
	RecordKindDirectoryHit  RecordKind = "DIRECTORY_HIT"
	RecordKindURL           RecordKind = "URL"
	RecordKindVulnerability RecordKind = "VULNERABILITY"
)

// Record is one normalized line of tool output. Every record carries a
// natural key: snapshots are unique per (job, natural key) and assets are
// unique per (target, natural key), which is what makes conflict-ignore
// persistence idempotent.
type Record interface {
	Kind() RecordKind
	NaturalKey() string
}

// HostPortRecord captures a discovered host, optionally resolved to an IP
// and an open port. Subdomain discovery tools emit these with Port zero.
type HostPortRecord struct {
	Host    string
	IP      string
	Port    int
	Service string
}

func (r HostPortRecord) Kind() RecordKind { return RecordKindHostPort }

func (r HostPortRecord) NaturalKey() string {
	return fmt.Sprintf("%s|%s|%d", strings.ToLower(r.Host), r.IP, r.Port)
}

// HTTPProbeRecord captures a live website discovered by an HTTP prober.
type HTTPProbeRecord struct {
	URL           string
	Host          string
	StatusCode    int
	Title         string
	ContentLength int64
	Technologies  []string
}

func (r HTTPProbeRecord) Kind() RecordKind   { return RecordKindHTTPProbe }
func (r HTTPProbeRecord) NaturalKey() string { return strings.ToLower(r.URL) }

// DirectoryHitRecord captures a path found by directory brute forcing.
type DirectoryHitRecord struct {
	URL           string
	Path          string
	StatusCode    int
	ContentLength int64
}

func (r DirectoryHitRecord) Kind() RecordKind   { return RecordKindDirectoryHit }
func (r DirectoryHitRecord) NaturalKey() string { return strings.ToLower(r.URL) }

// URLRecord captures an endpoint collected by passive or crawling tools.
type URLRecord struct {
	URL    string
	Source string
}

func (r URLRecord) Kind() RecordKind   { return RecordKindURL }
func (r URLRecord) NaturalKey() string { return r.URL }

// VulnerabilityRecord captures a finding reported by a vulnerability scanner.
type VulnerabilityRecord struct {
	Name        string
	TemplateID  string
	Severity    Severity
	URL         string
	Description string
}

func (r VulnerabilityRecord) Kind() RecordKind { return RecordKindVulnerability }

func (r VulnerabilityRecord) NaturalKey() string {
	return fmt.Sprintf("%s|%s", r.TemplateID, strings.ToLower(r.URL))
}

// Severity ranks vulnerability findings.
type Severity string

const (
	SeverityUnknown  Severity = "UNKNOWN"
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity normalizes a tool-reported severity string.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INFO", "INFORMATIONAL":
		return SeverityInfo
	case "LOW":
		return SeverityLow
	case "MEDIUM", "MODERATE":
		return SeverityMedium
	case "HIGH":
		return SeverityHigh
	case "CRITICAL":
		return SeverityCritical
	default:
		return SeverityUnknown
	}
}
