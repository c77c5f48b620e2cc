// Package transform defines the export transformation collaborator that turns
// stored records into a CSV or spreadsheet file. The record formatting itself
// lives outside this service; workers only drive it.
package transform

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/SirClappington/exportq/internal/domain"
)

var ErrUnsupportedKind = errors.New("unsupported export kind")

// Transformer writes the export for kind/params into w. Implementations must
// return promptly once ctx is cancelled.
type Transformer interface {
	Transform(ctx context.Context, kind domain.Kind, params domain.FilterParams, w io.Writer) error
}

// Func adapts a function to Transformer.
type Func func(ctx context.Context, kind domain.Kind, params domain.FilterParams, w io.Writer) error

func (f Func) Transform(ctx context.Context, kind domain.Kind, params domain.FilterParams, w io.Writer) error {
	return f(ctx, kind, params, w)
}

// Router dispatches to a Transformer registered per kind, falling back to a
// default when one is set.
type Router struct {
	byKind   map[domain.Kind]Transformer
	fallback Transformer
}

func NewRouter(fallback Transformer) *Router {
	return &Router{byKind: make(map[domain.Kind]Transformer), fallback: fallback}
}

func (r *Router) Handle(kind domain.Kind, t Transformer) *Router {
	r.byKind[kind] = t
	return r
}

func (r *Router) Transform(ctx context.Context, kind domain.Kind, params domain.FilterParams, w io.Writer) error {
	t, ok := r.byKind[kind]
	if !ok {
		t = r.fallback
	}
	if t == nil {
		return errors.Wrapf(ErrUnsupportedKind, "%s", kind)
	}
	return t.Transform(ctx, kind, params, w)
}
