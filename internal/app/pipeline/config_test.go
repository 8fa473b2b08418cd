package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconwave/reconwave/internal/domain/scanning"
)

const testEngineYAML = `
stages:
  - name: subdomains
    tools:
      subfinder:
        enabled: true
        output: subdomains.txt
      amass:
        enabled: false
  - name: ports
    requires: HOST_PORT
    tools:
      naabu:
        enabled: true
        timeout: auto
        input: subdomains.txt
        params:
          ports: "80,443,8080"
`

func TestParseEngineConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg, err := ParseEngineConfig([]byte(testEngineYAML))
		require.NoError(t, err)
		require.Len(t, cfg.Stages, 2)
		assert.Equal(t, "subdomains", cfg.Stages[0].Name)
		assert.Equal(t, scanning.RecordKindHostPort, cfg.Stages[1].Requires)
		assert.Equal(t, "80,443,8080", cfg.Stages[1].Tools["naabu"].Params["ports"])
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := ParseEngineConfig([]byte("stages: [not: {valid"))
		assert.Error(t, err)
	})

	t.Run("no stages", func(t *testing.T) {
		_, err := ParseEngineConfig([]byte("stages: []"))
		assert.Error(t, err)
	})

	t.Run("stage without tools", func(t *testing.T) {
		_, err := ParseEngineConfig([]byte("stages:\n  - name: empty\n    tools: {}\n"))
		assert.Error(t, err)
	})

	t.Run("duplicate stage names", func(t *testing.T) {
		_, err := ParseEngineConfig([]byte(`
stages:
  - name: dup
    tools:
      subfinder: {enabled: true}
  - name: dup
    tools:
      amass: {enabled: true}
`))
		assert.Error(t, err)
	})
}

func TestDerivePlan(t *testing.T) {
	catalog, err := LoadCatalog(nil)
	require.NoError(t, err)

	t.Run("resolves enabled tools against the catalog", func(t *testing.T) {
		cfg, err := ParseEngineConfig([]byte(testEngineYAML))
		require.NoError(t, err)

		plan, err := DerivePlan(cfg, catalog)
		require.NoError(t, err)
		require.Len(t, plan.Stages, 2)

		assert.Equal(t, []string{"subdomains", "ports"}, plan.StageNames())
		require.Len(t, plan.Stages[0].Tools, 1, "disabled tools are excluded")
		assert.Equal(t, "subfinder", plan.Stages[0].Tools[0].Name)
		assert.Equal(t, 1, plan.Stages[1].Order)
		assert.Equal(t, scanning.RecordKindHostPort, plan.Stages[1].Requires)
	})

	t.Run("unknown tool fails", func(t *testing.T) {
		cfg, err := ParseEngineConfig([]byte(`
stages:
  - name: scan
    tools:
      nonexistent-tool: {enabled: true}
`))
		require.NoError(t, err)
		_, err = DerivePlan(cfg, catalog)
		assert.Error(t, err)
	})

	t.Run("stage with only disabled tools fails", func(t *testing.T) {
		cfg, err := ParseEngineConfig([]byte(`
stages:
  - name: scan
    tools:
      subfinder: {enabled: false}
`))
		require.NoError(t, err)
		_, err = DerivePlan(cfg, catalog)
		assert.Error(t, err)
	})

	t.Run("invalid timeout fails at derivation", func(t *testing.T) {
		cfg, err := ParseEngineConfig([]byte(`
stages:
  - name: scan
    tools:
      subfinder: {enabled: true, timeout: whenever}
`))
		require.NoError(t, err)
		_, err = DerivePlan(cfg, catalog)
		assert.Error(t, err)
	})
}

func TestLoadCatalog(t *testing.T) {
	t.Run("empty input loads the default catalog", func(t *testing.T) {
		catalog, err := LoadCatalog(nil)
		require.NoError(t, err)
		assert.Contains(t, catalog.Tools(), "subfinder")
		assert.Contains(t, catalog.Tools(), "nuclei")
	})

	t.Run("custom catalog", func(t *testing.T) {
		catalog, err := LoadCatalog([]byte(`
tools:
  mytool:
    family: subdomain
    command: "mytool {target}"
    timeout:
      floor: 2m
`))
		require.NoError(t, err)
		tmpl, err := catalog.Lookup("mytool")
		require.NoError(t, err)
		assert.Equal(t, "mytool {target}", tmpl.Command)
	})

	t.Run("entry without a command fails", func(t *testing.T) {
		_, err := LoadCatalog([]byte("tools:\n  broken:\n    family: subdomain\n"))
		assert.Error(t, err)
	})

	t.Run("unknown family fails", func(t *testing.T) {
		_, err := LoadCatalog([]byte("tools:\n  broken:\n    family: astrology\n    command: \"broken {target}\"\n"))
		assert.Error(t, err)
	})

	t.Run("lookup of unknown tool fails", func(t *testing.T) {
		catalog, err := LoadCatalog(nil)
		require.NoError(t, err)
		_, err = catalog.Lookup("nope")
		assert.Error(t, err)
	})
}
