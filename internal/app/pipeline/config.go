package pipeline

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/reconwave/reconwave/internal/app/results"
	"github.com/reconwave/reconwave/internal/domain/scanning"
)

// ToolSetting is a tool's per-engine configuration inside a stage.
type ToolSetting struct {
	Enabled bool              `yaml:"enabled"`
	Timeout string            `yaml:"timeout,omitempty"` // "", "auto", or a duration
	Params  map[string]string `yaml:"params,omitempty"`
	// Input names a file in the job working directory fed to the tool,
	// typically an earlier stage's output. It resolves the {input}
	// placeholder and drives auto timeout estimation.
	Input string `yaml:"input,omitempty"`
	// Output names the file the tool writes for later stages, resolving
	// the {output} placeholder.
	Output string `yaml:"output,omitempty"`
}

// StageSetting is one named pipeline phase in an engine configuration.
type StageSetting struct {
	Name     string                 `yaml:"name" validate:"required"`
	Parallel bool                   `yaml:"parallel"`
	Tools    map[string]ToolSetting `yaml:"tools" validate:"required,min=1"`
	// Requires names a record kind that must already exist in the job's
	// snapshots for the stage to run; zero prerequisite records skip the
	// stage with a "no input" outcome.
	Requires scanning.RecordKind `yaml:"requires,omitempty"`
}

// EngineConfig is the parsed body of an engine: the declarative description
// of which stages run, in what order, with which tools.
type EngineConfig struct {
	Stages []StageSetting `yaml:"stages" validate:"required,min=1,dive"`
}

// ParseEngineConfig parses and validates the raw engine YAML.
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid engine yaml: %v", err)}
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid engine config: %v", err)}
	}

	seen := make(map[string]struct{}, len(cfg.Stages))
	for _, st := range cfg.Stages {
		if _, dup := seen[st.Name]; dup {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate stage %q", st.Name)}
		}
		seen[st.Name] = struct{}{}
	}
	return &cfg, nil
}

// PlannedTool is one fully-resolved tool invocation within a stage.
type PlannedTool struct {
	Name     string
	Family   results.Family
	Template ToolTemplate
	Setting  ToolSetting
}

// PlannedStage is one executable unit of the plan.
type PlannedStage struct {
	Name     string
	Order    int
	Parallel bool
	Requires scanning.RecordKind
	Tools    []PlannedTool
}

// Plan is the ordered list of stages derived from an engine configuration
// and the tool catalog.
type Plan struct {
	Stages []PlannedStage
}

// StageNames returns stage names in plan order, used to seed the job's
// stage-progress map.
func (p *Plan) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name
	}
	return names
}

// DerivePlan resolves an engine configuration against the tool catalog,
// failing fast on unknown tools or invalid timeout values.
func DerivePlan(cfg *EngineConfig, catalog *Catalog) (*Plan, error) {
	plan := &Plan{}
	for i, st := range cfg.Stages {
		planned := PlannedStage{Name: st.Name, Order: i, Parallel: st.Parallel, Requires: st.Requires}
		for toolName, setting := range st.Tools {
			if !setting.Enabled {
				continue
			}
			tmpl, err := catalog.Lookup(toolName)
			if err != nil {
				return nil, err
			}
			if err := validateTimeout(toolName, setting.Timeout); err != nil {
				return nil, err
			}
			planned.Tools = append(planned.Tools, PlannedTool{
				Name:     toolName,
				Family:   tmpl.Family,
				Template: tmpl,
				Setting:  setting,
			})
		}
		if len(planned.Tools) == 0 {
			return nil, &ConfigError{Reason: fmt.Sprintf("stage %q has no enabled tools", st.Name)}
		}
		plan.Stages = append(plan.Stages, planned)
	}
	return plan, nil
}

func validateTimeout(tool, timeout string) error {
	if timeout == "" || timeout == timeoutAuto {
		return nil
	}
	if _, err := time.ParseDuration(timeout); err != nil {
		return &ConfigError{Tool: tool, Reason: fmt.Sprintf("invalid timeout %q", timeout)}
	}
	return nil
}
