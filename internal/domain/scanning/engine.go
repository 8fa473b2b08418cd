package scanning

import (
	"github.com/reconwave/reconwave/pkg/common/uuid"
)

// Engine is a named, declarative tool configuration. Its raw YAML body is
// parsed into a pipeline plan on the worker that executes the job.
type Engine struct {
	id     uuid.UUID
	name   string
	config []byte
}

// NewEngine creates an engine configuration.
func NewEngine(id uuid.UUID, name string, config []byte) *Engine {
	return &Engine{id: id, name: name, config: config}
}

func (e *Engine) ID() uuid.UUID  { return e.id }
func (e *Engine) Name() string   { return e.name }
func (e *Engine) Config() []byte { return e.config }
