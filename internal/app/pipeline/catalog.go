// Package pipeline executes a job's multi-stage tool pipeline: it derives a
// plan from the engine configuration, builds tool command lines, estimates
// timeouts, and orchestrates stage execution.
package pipeline

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/reconwave/reconwave/internal/app/results"
)

// TimeoutSpec configures per-tool timeout estimation: a fixed floor plus a
// linear per-input-line term. There is deliberately no ceiling; large
// targets legitimately take long.
type TimeoutSpec struct {
	Floor   time.Duration `mapstructure:"floor"`
	PerLine time.Duration `mapstructure:"per_line"`
}

// ToolTemplate describes how to invoke one external tool: the base command
// with required placeholders, plus named optional flag fragments appended
// only when their parameters are supplied.
type ToolTemplate struct {
	Family  results.Family    `mapstructure:"family"`
	Command string            `mapstructure:"command"`
	Flags   map[string]string `mapstructure:"flags"`
	Timeout TimeoutSpec       `mapstructure:"timeout"`
}

// Catalog maps tool names to their invocation templates.
type Catalog struct {
	tools map[string]ToolTemplate
}

// Lookup returns the template for a tool name.
func (c *Catalog) Lookup(tool string) (ToolTemplate, error) {
	t, ok := c.tools[tool]
	if !ok {
		return ToolTemplate{}, &ConfigError{Tool: tool, Reason: "tool not present in catalog"}
	}
	return t, nil
}

// Tools returns the names of every cataloged tool.
func (c *Catalog) Tools() []string {
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	return names
}

// LoadCatalog parses a YAML tool catalog. An empty input loads the built-in
// default catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		data = []byte(defaultCatalog)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBuffer(data)); err != nil {
		return nil, fmt.Errorf("reading tool catalog: %w", err)
	}

	var raw struct {
		Tools map[string]ToolTemplate `mapstructure:"tools"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("parsing tool catalog: %w", err)
	}
	if len(raw.Tools) == 0 {
		return nil, fmt.Errorf("tool catalog is empty")
	}

	for name, t := range raw.Tools {
		if t.Command == "" {
			return nil, &ConfigError{Tool: name, Reason: "catalog entry has no command"}
		}
		if _, err := results.ParserFor(t.Family); err != nil {
			return nil, &ConfigError{Tool: name, Reason: fmt.Sprintf("unknown family %q", t.Family)}
		}
	}

	return &Catalog{tools: raw.Tools}, nil
}

// defaultCatalog covers the common open-source reconnaissance tools. Sites
// override it with their own catalog file.
const defaultCatalog = `
tools:
  subfinder:
    family: subdomain
    command: "subfinder -d {target} -silent"
    flags:
      threads: "-t {threads}"
      providers: "-provider-config {providers}"
    timeout:
      floor: 5m
  amass:
    family: subdomain
    command: "amass enum -passive -d {target} -nocolor"
    timeout:
      floor: 10m
  naabu:
    family: portscan
    command: "naabu -list {input} -silent"
    flags:
      ports: "-p {ports}"
      rate: "-rate {rate}"
    timeout:
      floor: 5m
      per_line: 2s
  httpx:
    family: httpprobe
    command: "httpx -l {input} -silent -json"
    flags:
      threads: "-threads {threads}"
    timeout:
      floor: 5m
      per_line: 1s
  ffuf:
    family: dirbrute
    command: "ffuf -u {target_url}/FUZZ -w {wordlist} -of json -o /dev/stdout -s"
    flags:
      extensions: "-e {extensions}"
      threads: "-t {threads}"
    timeout:
      floor: 10m
      per_line: 50ms
  gau:
    family: urlcollect
    command: "gau {target} --subs"
    timeout:
      floor: 10m
  katana:
    family: urlcollect
    command: "katana -list {input} -silent"
    flags:
      depth: "-d {depth}"
    timeout:
      floor: 10m
      per_line: 1s
  nuclei:
    family: vulnscan
    command: "nuclei -l {input} -jsonl -silent"
    flags:
      severity: "-severity {severity}"
      templates: "-t {templates}"
      rate: "-rl {rate}"
    timeout:
      floor: 15m
      per_line: 5s
`
