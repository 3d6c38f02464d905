package services

import (
	"github.com/fyrsmithlabs/flowd/internal/backend"
	"github.com/fyrsmithlabs/flowd/internal/breaker"
	"github.com/fyrsmithlabs/flowd/internal/checkpoint"
	"github.com/fyrsmithlabs/flowd/internal/events"
	"github.com/fyrsmithlabs/flowd/internal/pipeline"
	"github.com/fyrsmithlabs/flowd/internal/retrieval"
	"github.com/fyrsmithlabs/flowd/internal/validation"
)

// Registry provides access to all flowd services.
type Registry interface {
	Engine() *pipeline.Engine
	Checkpoints() checkpoint.Store
	Events() *events.Bus
	Breakers() *breaker.Registry
	Backend() backend.Backend
	Validator() *validation.Validator
	Retriever() retrieval.Provider
}

// Options configures the registry with service instances.
type Options struct {
	Engine      *pipeline.Engine
	Checkpoints checkpoint.Store
	Events      *events.Bus
	Breakers    *breaker.Registry
	Backend     backend.Backend
	Validator   *validation.Validator
	Retriever   retrieval.Provider
}

type registry struct {
	opts Options
}

// NewRegistry creates a service registry.
func NewRegistry(opts Options) Registry {
	return &registry{opts: opts}
}

func (r *registry) Engine() *pipeline.Engine         { return r.opts.Engine }
func (r *registry) Checkpoints() checkpoint.Store    { return r.opts.Checkpoints }
func (r *registry) Events() *events.Bus              { return r.opts.Events }
func (r *registry) Breakers() *breaker.Registry      { return r.opts.Breakers }
func (r *registry) Backend() backend.Backend         { return r.opts.Backend }
func (r *registry) Validator() *validation.Validator { return r.opts.Validator }
func (r *registry) Retriever() retrieval.Provider    { return r.opts.Retriever }
