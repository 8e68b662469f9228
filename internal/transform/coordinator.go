// Package transform implements the transform request coordinator: the
// synchronous entry point invoked once per requested URL. It resolves the
// module, consults caches and the soft-invalidation fast path, and
// otherwise drives load plus transform through the plugin pipeline, writing
// the result back into the module graph.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/conneroisu/modserve/internal/crawl"
	"github.com/conneroisu/modserve/internal/depsopt"
	"github.com/conneroisu/modserve/internal/errors"
	"github.com/conneroisu/modserve/internal/graph"
	"github.com/conneroisu/modserve/internal/importscan"
	"github.com/conneroisu/modserve/internal/logging"
	"github.com/conneroisu/modserve/internal/plugin"
)

// Options are the per-request flags of TransformRequest.
type Options struct {
	SSR  bool
	HTML bool
}

// importCacheSize bounds the cache of parsed static-import lists used by
// the soft-invalidation replay.
const importCacheSize = 1024

// pendingRequest is one in-flight coordinator call, keyed by mode + URL.
// It exists only for the request's lifetime and is removed unconditionally
// when the work settles.
type pendingRequest struct {
	done      chan struct{}
	result    *graph.TransformResult
	err       error
	timestamp int64
}

// Coordinator deduplicates and caches on-demand compilation of modules.
// At most one physical load+transform executes per (url, mode) pair at any
// time.
type Coordinator struct {
	graph     *graph.ModuleGraph
	pipeline  plugin.Pipeline
	optimizer *depsopt.Optimizer
	tracker   *crawl.Tracker
	logger    logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
	closing chan struct{}

	// clientRequests tracks outstanding non-SSR requests so Close can
	// await them; SSR requests are merely allowed to finish.
	clientRequests sync.WaitGroup

	// importCache memoizes static-import scans keyed by result etag, so
	// repeated soft-invalidation replays skip re-lexing unchanged code.
	importCache *lru.Cache[string, []importscan.Import]
}

// NewCoordinator creates a coordinator over the given collaborators. The
// optimizer may be nil when pre-bundling is disabled.
func NewCoordinator(g *graph.ModuleGraph, pipeline plugin.Pipeline, optimizer *depsopt.Optimizer, tracker *crawl.Tracker, logger logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	importCache, _ := lru.New[string, []importscan.Import](importCacheSize)
	return &Coordinator{
		graph:       g,
		pipeline:    pipeline,
		optimizer:   optimizer,
		tracker:     tracker,
		logger:      logger.WithComponent("transform"),
		pending:     make(map[string]*pendingRequest),
		closing:     make(chan struct{}),
		importCache: importCache,
	}
}

// TransformRequest compiles the module behind url, sharing in-flight work
// and cached results whenever they are still valid.
func (c *Coordinator) TransformRequest(ctx context.Context, url string, opts Options) (*graph.TransformResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrClosedServer
	}

	key := cacheKey(url, opts)
	if pr, ok := c.pending[key]; ok {
		// Share the in-flight handle unless the module was invalidated
		// after the pending request began.
		mod := c.graph.GetModuleByURL(url)
		if mod == nil || c.graph.InvalidationTimestamp(mod) <= pr.timestamp {
			c.mu.Unlock()
			select {
			case <-pr.done:
				return pr.result, pr.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		// The pending request predates the invalidation. Detach it so a
		// fresh transform starts; its late commit is rejected by the
		// timestamp guard in loadAndTransform.
		delete(c.pending, key)
	}

	pr := &pendingRequest{done: make(chan struct{}), timestamp: time.Now().UnixMilli()}
	c.pending[key] = pr
	if !opts.SSR {
		c.clientRequests.Add(1)
	}
	c.mu.Unlock()

	result, err := c.doTransform(ctx, url, opts, pr.timestamp)

	c.mu.Lock()
	pr.result, pr.err = result, err
	if c.pending[key] == pr {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	close(pr.done)
	if !opts.SSR {
		c.clientRequests.Done()
	}
	return result, err
}

func cacheKey(url string, opts Options) string {
	switch {
	case opts.SSR:
		return "ssr:" + url
	case opts.HTML:
		return "html:" + url
	default:
		return "plain:" + url
	}
}

func (c *Coordinator) doTransform(ctx context.Context, url string, opts Options, timestamp int64) (*graph.TransformResult, error) {
	mod, err := c.graph.EnsureEntryFromURL(ctx, url, opts.SSR)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, errors.NewResolveError(url, "", nil)
	}

	optimizedDep := c.optimizer != nil && c.optimizer.IsOptimizedDepFile(mod.File)
	if optimizedDep {
		if err := c.waitForOptimizedDep(ctx, mod.File); err != nil {
			return nil, err
		}
	} else if !opts.SSR && c.tracker != nil {
		// Register with the crawl-end tracker so the optimizer can tell
		// when the initial import crawl has drained.
		done := c.tracker.RegisterRequestProcessing(url)
		defer done()
	}

	// Memory cache hit.
	if cached := c.graph.CachedResult(mod, opts.SSR); cached != nil {
		return cached, nil
	}

	// Soft-invalidation fast path: replay the previous output with only
	// import timestamps rewritten.
	if soft := c.graph.SoftInvalidatedResult(mod); soft != nil && !opts.SSR {
		if result, ok := c.replaySoftInvalidated(ctx, mod, soft, opts, timestamp); ok {
			return result, nil
		}
		// Replay failures fall back transparently to a full transform.
	}

	return c.loadAndTransform(ctx, mod, opts, timestamp)
}

// waitForOptimizedDep blocks until the pre-bundle containing file has been
// committed. A file inside the deps dir with no metadata entry points at a
// superseded bundle.
func (c *Coordinator) waitForOptimizedDep(ctx context.Context, file string) error {
	dep := c.optimizer.DepForFile(file)
	if dep == nil {
		return errors.ErrOutdatedOptimizedDep
	}
	processing := dep.Processing()
	if processing == nil {
		return nil
	}
	select {
	case <-processing:
		if err := dep.ProcessingErr(); err != nil {
			return err
		}
		return nil
	case <-c.closing:
		return errors.ErrClosedServer
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replaySoftInvalidated rewrites only the import-timestamp query parameters
// of the cached code's static imports, skipping the full load+transform.
// Statically-imported, not-yet-transformed dependencies are pre-warmed
// without blocking the current result.
func (c *Coordinator) replaySoftInvalidated(ctx context.Context, mod *graph.ModuleNode, prev *graph.TransformResult, opts Options, timestamp int64) (*graph.TransformResult, bool) {
	imports, ok := c.importCache.Get(prev.Etag)
	if !ok {
		imports = importscan.ScanStatic(prev.Code)
		c.importCache.Add(prev.Etag, imports)
	}

	code := importscan.Rewrite(prev.Code, imports, func(imp importscan.Import) string {
		depURL := c.resolveImportURL(mod, imp.Specifier)
		if depURL == "" {
			return ""
		}
		dep := c.graph.GetModuleByURL(depURL)
		if dep == nil {
			return ""
		}
		if c.graph.CachedResult(dep, opts.SSR) == nil {
			// Opportunistic pre-warm; the replayed result does not wait.
			go func() {
				_, _ = c.TransformRequest(context.WithoutCancel(ctx), depURL, Options{SSR: opts.SSR})
			}()
		}
		if ts := c.graph.HMRTimestamp(dep); ts > importscan.Timestamp(imp.Specifier) {
			return importscan.InjectTimestamp(imp.Specifier, ts)
		}
		return ""
	})

	result := &graph.TransformResult{
		Code: code,
		Map:  prev.Map,
		Etag: computeEtag(code),
	}
	if c.graph.InvalidationTimestamp(mod) >= timestamp {
		// Invalidated again since this replay began; hand the result out
		// without caching it.
		return result, true
	}
	c.graph.UpdateModuleTransformResult(mod, result, opts.SSR)
	c.logger.Debug(ctx, "soft-invalidation replay", "url", mod.URL)
	return result, true
}

// loadAndTransform performs the full pass: load through the pipeline with a
// direct file read fallback, transform, reconcile import edges, and commit
// the result if the module was not invalidated meanwhile.
func (c *Coordinator) loadAndTransform(ctx context.Context, mod *graph.ModuleNode, opts Options, timestamp int64) (*graph.TransformResult, error) {
	loaded, err := c.pipeline.Load(ctx, mod.ID, plugin.LoadOptions{SSR: opts.SSR})
	if err != nil {
		return nil, err
	}
	var code string
	var srcMap json.RawMessage
	if loaded != nil {
		code = loaded.Code
		srcMap = loaded.Map
	} else {
		content, err := os.ReadFile(mod.File)
		if err != nil {
			return nil, errors.NewLoadError(mod.ID, err)
		}
		code = string(content)
	}

	transformed, err := c.pipeline.Transform(ctx, code, mod.ID, plugin.TransformOptions{SSR: opts.SSR})
	if err != nil {
		return nil, err
	}
	if transformed != nil {
		code = transformed.Code
		if transformed.Map != nil {
			srcMap = transformed.Map
		}
	}

	c.updateImportEdges(ctx, mod, code, opts)

	result := &graph.TransformResult{
		Code: code,
		Map:  normalizeSourceMap(srcMap),
		Etag: computeEtag(code),
	}

	// The commit timestamp must still be newer than the module's latest
	// invalidation; otherwise the result is handed out but not cached.
	if c.graph.InvalidationTimestamp(mod) >= timestamp {
		return result, nil
	}
	c.graph.UpdateModuleTransformResult(mod, result, opts.SSR)
	return result, nil
}

// updateImportEdges reconciles the module's graph edges from the
// transformed code's import statements, and routes bare imports that are
// not part of the committed pre-bundle into optimizer discovery.
func (c *Coordinator) updateImportEdges(ctx context.Context, mod *graph.ModuleNode, code string, opts Options) {
	imports := importscan.Scan(code)
	importedModules := make(map[*graph.ModuleNode]struct{}, len(imports))
	staticImportedURLs := make(map[string]struct{}, len(imports))

	for _, imp := range imports {
		if isBareImport(imp.Specifier) {
			c.registerBareImport(ctx, imp.Specifier, mod, opts)
			continue
		}
		depURL := c.resolveImportURL(mod, imp.Specifier)
		if depURL == "" {
			continue
		}
		dep, err := c.graph.EnsureEntryFromURL(ctx, depURL, opts.SSR)
		if err != nil || dep == nil {
			continue
		}
		importedModules[dep] = struct{}{}
		if !imp.Dynamic {
			staticImportedURLs[dep.URL] = struct{}{}
		}
	}

	accepted, acceptedExports, selfAccepting := c.parseHotAccepts(mod, code)
	c.graph.UpdateModuleInfo(mod, importedModules, accepted, acceptedExports, selfAccepting, opts.SSR, staticImportedURLs)
}

// registerBareImport asks the optimizer whether the id is already part of
// the pre-bundle and registers it as a missing import otherwise.
func (c *Coordinator) registerBareImport(ctx context.Context, id string, importer *graph.ModuleNode, opts Options) {
	if c.optimizer == nil || opts.SSR {
		return
	}
	if c.optimizer.Metadata().Get(baseSpecifier(id)) != nil {
		return
	}
	resolvedPath := ""
	if resolved, err := c.pipeline.ResolveID(ctx, id, importer.ID, plugin.ResolveOptions{SSR: opts.SSR}); err == nil && resolved != nil && !resolved.External {
		resolvedPath = resolved.ID
	}
	if _, err := c.optimizer.RegisterMissingImport(baseSpecifier(id), resolvedPath); err != nil && !errors.IsClosedServer(err) {
		c.logger.Warn(ctx, err, "registering missing import", "id", id, "importer", importer.URL)
	}
}

// resolveImportURL turns an import specifier into a served URL relative to
// the importing module. Bare specifiers are not URL-addressable here.
func (c *Coordinator) resolveImportURL(mod *graph.ModuleNode, specifier string) string {
	spec, query := specifier, ""
	if i := strings.IndexByte(spec, '?'); i >= 0 {
		spec, query = spec[:i], spec[i:]
	}
	switch {
	case strings.HasPrefix(spec, "/"):
		return spec + query
	case strings.HasPrefix(spec, "./"), strings.HasPrefix(spec, "../"):
		base := mod.URL
		if i := strings.IndexByte(base, '?'); i >= 0 {
			base = base[:i]
		}
		return path.Join(path.Dir(base), spec) + query
	}
	return ""
}

func isBareImport(specifier string) bool {
	return specifier != "" &&
		!strings.HasPrefix(specifier, "/") &&
		!strings.HasPrefix(specifier, "./") &&
		!strings.HasPrefix(specifier, "../") &&
		!strings.Contains(specifier, "://")
}

// baseSpecifier strips any query from a bare import id.
func baseSpecifier(id string) string {
	if i := strings.IndexByte(id, '?'); i >= 0 {
		return id[:i]
	}
	return id
}

func normalizeSourceMap(m json.RawMessage) json.RawMessage {
	if len(m) == 0 || !json.Valid(m) {
		return nil
	}
	return m
}

// computeEtag fingerprints served code in the weak-validator form the
// transport layer echoes back through If-None-Match.
func computeEtag(code string) string {
	return fmt.Sprintf(`W/"%x"`, xxhash.Sum64String(code))
}

// Close rejects new transform requests and waits for outstanding non-SSR
// requests to settle. SSR requests are allowed to finish on their own.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closing)
	c.mu.Unlock()

	c.clientRequests.Wait()
	return nil
}
