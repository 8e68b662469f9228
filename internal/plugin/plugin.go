// Package plugin defines the three-operation pipeline the compilation core
// drives: resolveId, load, and transform. The core treats the pipeline as
// stateless and every operation as potentially failing or returning nothing.
package plugin

import (
	"context"
	"encoding/json"
)

// ResolveOptions carries per-call flags into resolveId hooks.
type ResolveOptions struct {
	SSR bool
	// Scan marks resolution performed by the dependency scanner rather
	// than a live request.
	Scan bool
}

// LoadOptions carries per-call flags into load hooks.
type LoadOptions struct {
	SSR bool
}

// TransformOptions carries per-call flags into transform hooks.
type TransformOptions struct {
	SSR bool
}

// ResolvedID is the result of resolving an import specifier. A nil
// *ResolvedID from the pipeline means no plugin could resolve the id.
type ResolvedID struct {
	ID       string
	External bool
}

// Result is the normalized output of load and transform hooks. Hooks may
// return code alone or code plus a source map; the pipeline normalizes
// everything to this shape at the boundary, with a nil *Result meaning
// "no result" (fall through to the next plugin).
type Result struct {
	Code string
	Map  json.RawMessage
}

// Plugin is a single pipeline participant. Hooks return (nil, nil) to pass.
type Plugin interface {
	Name() string
	ResolveID(ctx context.Context, id, importer string, opts ResolveOptions) (*ResolvedID, error)
	Load(ctx context.Context, id string, opts LoadOptions) (*Result, error)
	Transform(ctx context.Context, code, id string, opts TransformOptions) (*Result, error)
}

// Pipeline is the surface the core consumes. ResolveID and Load return the
// first non-nil plugin result; Transform chains code through every plugin.
type Pipeline interface {
	ResolveID(ctx context.Context, id, importer string, opts ResolveOptions) (*ResolvedID, error)
	Load(ctx context.Context, id string, opts LoadOptions) (*Result, error)
	Transform(ctx context.Context, code, id string, opts TransformOptions) (*Result, error)
}

// BasePlugin provides no-op hook implementations so plugins only override
// what they need.
type BasePlugin struct {
	PluginName string
}

func (p *BasePlugin) Name() string { return p.PluginName }

func (p *BasePlugin) ResolveID(ctx context.Context, id, importer string, opts ResolveOptions) (*ResolvedID, error) {
	return nil, nil
}

func (p *BasePlugin) Load(ctx context.Context, id string, opts LoadOptions) (*Result, error) {
	return nil, nil
}

func (p *BasePlugin) Transform(ctx context.Context, code, id string, opts TransformOptions) (*Result, error) {
	return nil, nil
}
