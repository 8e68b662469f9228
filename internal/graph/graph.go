// Package graph implements the module graph: a bidirectional, mutable graph
// of module nodes keyed by URL, by resolved id, and by on-disk file. The
// graph owns invalidation cascades and the transform-result/etag cache.
package graph

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/conneroisu/modserve/internal/plugin"
)

// ResolveFn resolves a served URL to an id through the plugin pipeline.
type ResolveFn func(ctx context.Context, url string, ssr bool) (*plugin.ResolvedID, error)

// ModuleGraph tracks per-URL module state and drives invalidation cascades.
// All mutation happens under mu; the in-flight resolution of a URL is
// deduplicated so racing requests never create duplicate nodes.
type ModuleGraph struct {
	mu sync.Mutex

	urlToModule  map[string]*ModuleNode
	idToModule   map[string]*ModuleNode
	fileToModule map[string]map[*ModuleNode]struct{}
	etagToModule map[string]*ModuleNode

	// lastResolveFailed remembers URLs whose most recent resolution failed,
	// so the coordinator can distinguish a repeat failure from a transient
	// one. Entries are dropped on the next status change for the URL.
	lastResolveFailed map[string]struct{}

	resolve      ResolveFn
	resolveGroup singleflight.Group
}

// NewModuleGraph creates an empty graph resolving URLs through resolve.
func NewModuleGraph(resolve ResolveFn) *ModuleGraph {
	return &ModuleGraph{
		urlToModule:       make(map[string]*ModuleNode),
		idToModule:        make(map[string]*ModuleNode),
		fileToModule:      make(map[string]map[*ModuleNode]struct{}),
		etagToModule:      make(map[string]*ModuleNode),
		lastResolveFailed: make(map[string]struct{}),
		resolve:           resolve,
	}
}

// EnsureEntryFromURL idempotently resolves a URL to a node, creating one if
// absent. Concurrent calls for the same unresolved URL share one in-flight
// resolution.
func (g *ModuleGraph) EnsureEntryFromURL(ctx context.Context, rawURL string, ssr bool) (*ModuleNode, error) {
	url := removeTimestampQuery(rawURL)

	g.mu.Lock()
	if mod, ok := g.urlToModule[url]; ok {
		g.mu.Unlock()
		return mod, nil
	}
	g.mu.Unlock()

	key := flightKey(url, ssr)
	v, err, _ := g.resolveGroup.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent flight for the other mode may have
		// registered the node already.
		g.mu.Lock()
		if mod, ok := g.urlToModule[url]; ok {
			g.mu.Unlock()
			return mod, nil
		}
		g.mu.Unlock()

		resolved, err := g.resolve(ctx, url, ssr)
		if err != nil || resolved == nil {
			g.mu.Lock()
			g.lastResolveFailed[url] = struct{}{}
			g.mu.Unlock()
			return nil, err
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.lastResolveFailed, url)

		if mod, ok := g.idToModule[resolved.ID]; ok {
			// Same id reached through a new URL alias.
			g.urlToModule[url] = mod
			return mod, nil
		}

		mod := newModuleNode(url)
		mod.ID = resolved.ID
		mod.File = cleanPath(resolved.ID)
		g.urlToModule[url] = mod
		g.idToModule[resolved.ID] = mod
		byFile, ok := g.fileToModule[mod.File]
		if !ok {
			byFile = make(map[*ModuleNode]struct{})
			g.fileToModule[mod.File] = byFile
		}
		byFile[mod] = struct{}{}
		return mod, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*ModuleNode), nil
}

func flightKey(url string, ssr bool) string {
	if ssr {
		return "ssr\x00" + url
	}
	return "client\x00" + url
}

// GetModuleByURL returns the node registered for url, if any.
func (g *ModuleGraph) GetModuleByURL(rawURL string) *ModuleNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.urlToModule[removeTimestampQuery(rawURL)]
}

// GetModuleByID returns the node registered for a resolved id, if any.
func (g *ModuleGraph) GetModuleByID(id string) *ModuleNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idToModule[id]
}

// GetModulesByFile returns every node mapped to an on-disk file.
func (g *ModuleGraph) GetModulesByFile(file string) []*ModuleNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	mods := make([]*ModuleNode, 0, len(g.fileToModule[file]))
	for mod := range g.fileToModule[file] {
		mods = append(mods, mod)
	}
	return mods
}

// GetModuleByEtag returns the node whose cached transform result carries
// etag, if any.
func (g *ModuleGraph) GetModuleByEtag(etag string) *ModuleNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.etagToModule[etag]
}

// LastResolveFailed reports whether the most recent resolution attempt for
// url failed.
func (g *ModuleGraph) LastResolveFailed(rawURL string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.lastResolveFailed[removeTimestampQuery(rawURL)]
	return ok
}

// OnFileChange invalidates every node mapped to file.
func (g *ModuleGraph) OnFileChange(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lastResolveFailed, file)
	timestamp := time.Now().UnixMilli()
	seen := make(map[*ModuleNode]struct{})
	for mod := range g.fileToModule[file] {
		g.invalidateLocked(mod, seen, timestamp, true, false)
	}
}

// OnFileDelete invalidates every node mapped to file and additionally
// severs back-references from all of those nodes' imported modules.
func (g *ModuleGraph) OnFileDelete(file string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	timestamp := time.Now().UnixMilli()
	seen := make(map[*ModuleNode]struct{})
	for mod := range g.fileToModule[file] {
		for dep := range mod.ClientImportedModules {
			delete(dep.Importers, mod)
		}
		for dep := range mod.SSRImportedModules {
			delete(dep.Importers, mod)
		}
		g.invalidateLocked(mod, seen, timestamp, true, false)
	}
}

// InvalidateModule marks the node hard- or soft-invalidated, clears its
// cached transform result and etag entry, then recurses into every importer
// that does not declare acceptance of this node. seen makes the recursion
// cycle-safe; passing nil starts a fresh pass.
func (g *ModuleGraph) InvalidateModule(mod *ModuleNode, seen map[*ModuleNode]struct{}, timestamp int64, isHMR bool, soft bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seen == nil {
		seen = make(map[*ModuleNode]struct{})
	}
	g.invalidateLocked(mod, seen, timestamp, isHMR, soft)
}

func (g *ModuleGraph) invalidateLocked(mod *ModuleNode, seen map[*ModuleNode]struct{}, timestamp int64, isHMR bool, soft bool) {
	prevSoft, prevHard := mod.invalidationState, mod.hardInvalidated
	if soft {
		// Keep a replayable copy of the previous output, unless the node
		// is already hard-invalidated or has nothing to replay.
		if mod.invalidationState == nil && !mod.hardInvalidated {
			if mod.TransformResult != nil {
				mod.invalidationState = mod.TransformResult
			} else {
				mod.hardInvalidated = true
			}
		}
	} else {
		mod.invalidationState = nil
		mod.hardInvalidated = true
	}

	// Short-circuit when a previous visit in this pass already left the
	// node in the same invalidation state.
	if _, visited := seen[mod]; visited && prevSoft == mod.invalidationState && prevHard == mod.hardInvalidated {
		return
	}
	seen[mod] = struct{}{}

	if isHMR {
		mod.LastHMRTimestamp = timestamp
	} else {
		mod.LastInvalidationTimestamp = timestamp
	}

	if mod.TransformResult != nil {
		delete(g.etagToModule, mod.TransformResult.Etag)
	}
	mod.TransformResult = nil
	mod.SSRTransformResult = nil

	for importer := range mod.Importers {
		if _, accepted := importer.AcceptedHMRDeps[mod]; accepted {
			continue
		}
		// A static importer only needs its import timestamps refreshed; a
		// non-static relationship (glob, watched file) must fully reload.
		softImporter := soft || importer.StaticallyImports(mod)
		g.invalidateLocked(importer, seen, timestamp, isHMR, softImporter)
	}
}

// InvalidateAll hard-invalidates every node in the graph.
func (g *ModuleGraph) InvalidateAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	timestamp := time.Now().UnixMilli()
	seen := make(map[*ModuleNode]struct{})
	for _, mod := range g.idToModule {
		g.invalidateLocked(mod, seen, timestamp, false, false)
	}
}

// UpdateModuleInfo reconciles a node's import edges after a fresh
// transform. It returns the set of previously-imported nodes that now have
// zero importers, candidates for hot-update boundary re-evaluation.
func (g *ModuleGraph) UpdateModuleInfo(
	mod *ModuleNode,
	importedModules map[*ModuleNode]struct{},
	acceptedModules map[*ModuleNode]struct{},
	acceptedExports map[string]struct{},
	isSelfAccepting bool,
	ssr bool,
	staticImportedURLs map[string]struct{},
) []*ModuleNode {
	g.mu.Lock()
	defer g.mu.Unlock()

	mod.IsSelfAccepting = isSelfAccepting
	prevImports := mod.importedModules(ssr)

	var noLongerImported []*ModuleNode
	for dep := range prevImports {
		if _, still := importedModules[dep]; still {
			continue
		}
		delete(dep.Importers, mod)
		if len(dep.Importers) == 0 {
			noLongerImported = append(noLongerImported, dep)
		}
	}
	for dep := range importedModules {
		dep.Importers[mod] = struct{}{}
	}
	if ssr {
		mod.SSRImportedModules = importedModules
	} else {
		mod.ClientImportedModules = importedModules
	}

	if acceptedModules != nil {
		mod.AcceptedHMRDeps = acceptedModules
	}
	if acceptedExports != nil {
		mod.AcceptedHMRExports = acceptedExports
	}
	if staticImportedURLs != nil {
		mod.staticImportedURLs = staticImportedURLs
	}

	return noLongerImported
}

// UpdateModuleTransformResult writes a fresh transform result onto mod,
// keeping the etag index paired with it.
func (g *ModuleGraph) UpdateModuleTransformResult(mod *ModuleNode, result *TransformResult, ssr bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ssr {
		mod.SSRTransformResult = result
		if result != nil {
			mod.ClearInvalidationState()
		}
		return
	}
	if mod.TransformResult != nil {
		delete(g.etagToModule, mod.TransformResult.Etag)
	}
	mod.TransformResult = result
	if result != nil {
		g.etagToModule[result.Etag] = mod
		mod.ClearInvalidationState()
	}
}

// CachedResult returns mod's cached transform result for the execution
// context, or nil. Node result fields are written under the graph lock by
// invalidation, so readers outside the graph must come through here.
func (g *ModuleGraph) CachedResult(mod *ModuleNode, ssr bool) *TransformResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ssr {
		return mod.SSRTransformResult
	}
	return mod.TransformResult
}

// SoftInvalidatedResult returns mod's replayable previous result, or nil
// when the node is valid or hard-invalidated.
func (g *ModuleGraph) SoftInvalidatedResult(mod *ModuleNode) *TransformResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	return mod.SoftInvalidatedResult()
}

// InvalidationTimestamp returns mod's latest invalidation marker.
func (g *ModuleGraph) InvalidationTimestamp(mod *ModuleNode) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return mod.LastInvalidationTimestamp
}

// HMRTimestamp returns mod's latest hot-update marker.
func (g *ModuleGraph) HMRTimestamp(mod *ModuleNode) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return mod.LastHMRTimestamp
}
