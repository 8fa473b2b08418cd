package scanning

// ResultStats holds the cached aggregate counts for a job, refreshed from the
// snapshot tables after each stage completes and once more at termination.
// Dashboards read these instead of recomputing on every request.
type ResultStats struct {
	Subdomains      int              `json:"subdomains"`
	IPs             int              `json:"ips"`
	Websites        int              `json:"websites"`
	Endpoints       int              `json:"endpoints"`
	Directories     int              `json:"directories"`
	Vulnerabilities map[Severity]int `json:"vulnerabilities"`
}

// NewResultStats returns zeroed stats with an initialized severity map.
func NewResultStats() ResultStats {
	return ResultStats{Vulnerabilities: make(map[Severity]int)}
}

// TotalVulnerabilities sums findings across all severities.
func (s ResultStats) TotalVulnerabilities() int {
	var n int
	for _, c := range s.Vulnerabilities {
		n += c
	}
	return n
}
