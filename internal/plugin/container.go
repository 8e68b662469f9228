package plugin

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/conneroisu/modserve/internal/errors"
	"github.com/conneroisu/modserve/internal/logging"
)

// Container chains plugins in registration order and implements Pipeline.
type Container struct {
	plugins []Plugin
	logger  logging.Logger
}

// NewContainer creates a plugin container.
func NewContainer(logger logging.Logger, plugins ...Plugin) *Container {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Container{
		plugins: plugins,
		logger:  logger.WithComponent("plugins"),
	}
}

// ResolveID asks each plugin in order; the first non-nil result wins.
func (c *Container) ResolveID(ctx context.Context, id, importer string, opts ResolveOptions) (*ResolvedID, error) {
	for _, p := range c.plugins {
		resolved, err := p.ResolveID(ctx, id, importer, opts)
		if err != nil {
			return nil, errors.NewResolveError(id, importer, err)
		}
		if resolved != nil {
			c.logger.Debug(ctx, "resolved import", "id", id, "resolved", resolved.ID, "plugin", p.Name())
			return resolved, nil
		}
	}
	return nil, nil
}

// Load asks each plugin in order; the first non-nil result wins.
func (c *Container) Load(ctx context.Context, id string, opts LoadOptions) (*Result, error) {
	for _, p := range c.plugins {
		result, err := p.Load(ctx, id, opts)
		if err != nil {
			return nil, errors.NewLoadError(id, err)
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// Transform chains code through every plugin that returns a result.
func (c *Container) Transform(ctx context.Context, code, id string, opts TransformOptions) (*Result, error) {
	out := &Result{Code: code}
	for _, p := range c.plugins {
		result, err := p.Transform(ctx, out.Code, id, opts)
		if err != nil {
			return nil, errors.NewTransformError(id, err)
		}
		if result != nil {
			out.Code = result.Code
			if result.Map != nil {
				out.Map = result.Map
			}
		}
	}
	return out, nil
}

// FSResolvePlugin resolves relative and root-absolute specifiers against
// the project root. Bare imports are left unresolved so the coordinator can
// route them to the dependency optimizer.
type FSResolvePlugin struct {
	BasePlugin
	Root string
}

// NewFSResolvePlugin creates the default filesystem resolver.
func NewFSResolvePlugin(root string) *FSResolvePlugin {
	return &FSResolvePlugin{BasePlugin: BasePlugin{PluginName: "fs-resolve"}, Root: root}
}

func (p *FSResolvePlugin) ResolveID(ctx context.Context, id, importer string, opts ResolveOptions) (*ResolvedID, error) {
	clean, query := SplitQuery(id)
	switch {
	case strings.HasPrefix(clean, "/"):
		resolved := filepath.Join(p.Root, filepath.FromSlash(clean))
		return &ResolvedID{ID: joinQuery(resolved, query)}, nil
	case strings.HasPrefix(clean, "./"), strings.HasPrefix(clean, "../"):
		if importer == "" {
			return nil, nil
		}
		base, _ := SplitQuery(importer)
		resolved := filepath.Join(filepath.Dir(base), filepath.FromSlash(clean))
		return &ResolvedID{ID: joinQuery(resolved, query)}, nil
	case filepath.IsAbs(clean):
		return &ResolvedID{ID: id}, nil
	}
	return nil, nil
}

// FSLoadPlugin reads module content straight from disk when no earlier
// plugin supplied it.
type FSLoadPlugin struct {
	BasePlugin
}

// NewFSLoadPlugin creates the default filesystem loader.
func NewFSLoadPlugin() *FSLoadPlugin {
	return &FSLoadPlugin{BasePlugin: BasePlugin{PluginName: "fs-load"}}
}

func (p *FSLoadPlugin) Load(ctx context.Context, id string, opts LoadOptions) (*Result, error) {
	file, _ := SplitQuery(id)
	content, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &Result{Code: string(content)}, nil
}

// SplitQuery separates a resolved id into its file path and query suffix.
func SplitQuery(id string) (file, query string) {
	if i := strings.IndexByte(id, '?'); i >= 0 {
		return id[:i], id[i+1:]
	}
	return id, ""
}

func joinQuery(file, query string) string {
	if query == "" {
		return file
	}
	return file + "?" + query
}
