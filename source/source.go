// Package source implements the Source Adapter contract (§4.A): a lazy,
// single-producer stream of typed entities from one upstream, given
// credentials and an optional cursor.
package source

import (
	"context"

	"syncmesh.dev/engine/entity"
)

// Stream is the lazy sequence a source yields. Next blocks until the next
// entity is available, the stream is exhausted (io.EOF-shaped via ok=false,
// err=nil), or ctx is cancelled. Sources MUST tolerate cancellation between
// yields (§4.A, §5).
type Stream interface {
	Next(ctx context.Context) (e *entity.Entity, ok bool, err error)
	Close() error
}

// CursorAware is implemented by sources whose upstream supports an
// incremental cursor (§4.A). Sources that don't support cursors simply
// don't implement this interface; callers type-assert for it.
type CursorAware interface {
	GetDefaultCursorField() string
	ValidateCursorField(field string) error
	SetCursor(field, value string)
	GetEffectiveCursorField() string
}

// Source is the §4.A contract. Create constructs a connected Source;
// GenerateEntities opens the one-shot, not-restartable Stream;
// Validate performs a liveness + authorization check.
type Source interface {
	ShortName() string
	Create(ctx context.Context, credentials map[string]string, config map[string]interface{}) error
	GenerateEntities(ctx context.Context) (Stream, error)
	Validate(ctx context.Context) (bool, error)
}

// Registry resolves a short name to a constructor, used by the Run
// Context Builder (§4.K) so onboarding a source is "implement the
// interface and register a short name" with no per-entity dynamic
// lookup (§9).
type Registry struct {
	factories map[string]func() Source
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func() Source)}
}

// Register adds a source factory under shortName. Re-registering the same
// short name overwrites the previous factory, matching the teacher's
// registry-package mutation semantics (last registration wins at process
// init, not a runtime hot path).
func (r *Registry) Register(shortName string, factory func() Source) {
	r.factories[shortName] = factory
}

// New constructs a fresh Source instance for shortName.
func (r *Registry) New(shortName string) (Source, error) {
	factory, ok := r.factories[shortName]
	if !ok {
		return nil, &UnknownSourceError{ShortName: shortName}
	}
	return factory(), nil
}

// UnknownSourceError is returned when a short name has no registered
// factory.
type UnknownSourceError struct{ ShortName string }

func (e *UnknownSourceError) Error() string {
	return "source: no adapter registered for short name " + e.ShortName
}
