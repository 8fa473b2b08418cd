package workers

import "time"

// LoadSample is a short-lived CPU/memory reading from a worker's periodic
// heartbeat. Samples live in a TTL'd side cache; an expired or missing
// sample means the worker's load is unknown, not that the worker is down.
type LoadSample struct {
	WorkerName string    `json:"worker_name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Combined returns the ranking score: lower is less loaded. CPU and memory
// are weighted equally.
func (s LoadSample) Combined() float64 { return (s.CPUPercent + s.MemPercent) / 2 }
