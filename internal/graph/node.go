package graph

import (
	"encoding/json"
)

// ModuleType distinguishes script modules from style modules.
type ModuleType string

const (
	ModuleTypeJS  ModuleType = "js"
	ModuleTypeCSS ModuleType = "css"
)

// TransformResult is the cached compiled output of one module.
type TransformResult struct {
	Code string
	Map  json.RawMessage
	Etag string
}

// ModuleNode is the graph's unit of cached, invalidate-able compiled output
// for one served URL. Nodes are created lazily on first resolution and are
// never deleted individually; only their content is invalidated.
type ModuleNode struct {
	// URL is the public served path, ID the resolved id (may embed a
	// query), File the clean on-disk path.
	URL  string
	ID   string
	File string
	Type ModuleType

	// Importers are the modules that import this node. Back-references
	// only; edge ownership lives on the importing side.
	Importers map[*ModuleNode]struct{}

	// ClientImportedModules and SSRImportedModules are the modules this
	// node currently imports, split by execution context.
	ClientImportedModules map[*ModuleNode]struct{}
	SSRImportedModules    map[*ModuleNode]struct{}

	// AcceptedHMRDeps, AcceptedHMRExports and IsSelfAccepting are the hot
	// update acceptance boundary declared by the module's own code.
	AcceptedHMRDeps    map[*ModuleNode]struct{}
	AcceptedHMRExports map[string]struct{}
	IsSelfAccepting    bool

	TransformResult    *TransformResult
	SSRTransformResult *TransformResult

	// LastHMRTimestamp and LastInvalidationTimestamp are monotonic markers
	// used to reject stale in-flight work.
	LastHMRTimestamp          int64
	LastInvalidationTimestamp int64

	// staticImportedURLs records which of this node's imports are static,
	// keyed by imported URL. Drives the soft-invalidation decision for
	// importers.
	staticImportedURLs map[string]struct{}

	// invalidationState is a tri-state: nil and not hardInvalidated means
	// valid; a held previous result means soft-invalidated and replayable;
	// hardInvalidated means the next request must fully reload.
	invalidationState *TransformResult
	hardInvalidated   bool
}

func newModuleNode(url string) *ModuleNode {
	node := &ModuleNode{
		URL:                   url,
		Type:                  ModuleTypeJS,
		Importers:             make(map[*ModuleNode]struct{}),
		ClientImportedModules: make(map[*ModuleNode]struct{}),
		SSRImportedModules:    make(map[*ModuleNode]struct{}),
		AcceptedHMRDeps:       make(map[*ModuleNode]struct{}),
		AcceptedHMRExports:    make(map[string]struct{}),
	}
	if isCSSRequest(url) {
		node.Type = ModuleTypeCSS
	}
	return node
}

// importedModules returns the import set for the given execution context.
func (m *ModuleNode) importedModules(ssr bool) map[*ModuleNode]struct{} {
	if ssr {
		return m.SSRImportedModules
	}
	return m.ClientImportedModules
}

// StaticallyImports reports whether m imports dep through a static import
// statement, as opposed to a glob or watched-file relationship.
func (m *ModuleNode) StaticallyImports(dep *ModuleNode) bool {
	_, ok := m.staticImportedURLs[dep.URL]
	return ok
}

// SoftInvalidatedResult returns the replayable previous transform result,
// or nil when the node is valid or hard-invalidated.
func (m *ModuleNode) SoftInvalidatedResult() *TransformResult {
	if m.hardInvalidated {
		return nil
	}
	return m.invalidationState
}

// ClearInvalidationState resets the node to valid. Called once a fresh or
// replayed result has been committed.
func (m *ModuleNode) ClearInvalidationState() {
	m.invalidationState = nil
	m.hardInvalidated = false
}
