package depsopt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/conneroisu/modserve/internal/bundler"
	"github.com/conneroisu/modserve/internal/config"
	"github.com/conneroisu/modserve/internal/crawl"
	"github.com/conneroisu/modserve/internal/errors"
	"github.com/conneroisu/modserve/internal/logging"
)

// State is the optimizer's lifecycle phase for the current session.
type State int

const (
	StateColdStart State = iota
	StateScanning
	StatePreBundling
	StateCommitted
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold-start"
	case StateScanning:
		return "scanning"
	case StatePreBundling:
		return "pre-bundling"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Optimizer pre-bundles third-party dependencies for the session. A
// parallel discovering sub-state is re-entered any time an unknown
// dependency surfaces through RegisterMissingImport.
type Optimizer struct {
	mu sync.Mutex

	cfg          config.OptimizerConfig
	root         string
	depsDir      string
	buildEntries []string
	bundler      bundler.Bundler
	tracker      *crawl.Tracker
	logger       logging.Logger

	onFullReload    func()
	invalidateGraph func()

	metadata         *Metadata
	state            State
	sessionTimestamp int64
	configJSON       []byte

	crawlEnded  bool
	scanDone    bool
	scannedDeps map[string]string

	// handle is shared by all dependencies discovered since the last
	// commit; released as a unit when the next run swaps metadata.
	handle      *processingHandle
	debounce    *time.Timer
	running     bool
	rerunQueued bool
	runSeq      int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the optimizer's construction parameters.
type Options struct {
	Config       config.OptimizerConfig
	Root         string
	CacheDir     string
	BuildEntries []string
	Bundler      bundler.Bundler
	Tracker      *crawl.Tracker
	Logger       logging.Logger
	// OnFullReload signals the client transport that its module cache is
	// invalid. InvalidateGraph hard-invalidates the module graph.
	OnFullReload    func()
	InvalidateGraph func()
}

// NewOptimizer creates an optimizer. Call Start to begin the session.
func NewOptimizer(opts Options) *Optimizer {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger{}
	}
	configJSON, _ := json.Marshal(opts.Config)
	return &Optimizer{
		cfg:             opts.Config,
		root:            opts.Root,
		depsDir:         filepath.Join(opts.CacheDir, "deps"),
		buildEntries:    opts.BuildEntries,
		bundler:         opts.Bundler,
		tracker:         opts.Tracker,
		logger:          logger.WithComponent("depsopt"),
		onFullReload:    opts.OnFullReload,
		invalidateGraph: opts.InvalidateGraph,
		configJSON:      configJSON,
		handle:          newProcessingHandle(),
		scannedDeps:     make(map[string]string),
	}
}

// Start begins the session: metadata is restored from disk when the
// fingerprint matches, otherwise a cold start registers with the crawl-end
// tracker before anything else and launches the background scan.
func (o *Optimizer) Start(ctx context.Context) error {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.sessionTimestamp = time.Now().UnixMilli()

	hash, err := sessionFingerprint(o.root, o.configJSON)
	if err != nil {
		return errors.NewOptimizerError("fingerprinting dependencies", err)
	}
	if err := os.MkdirAll(o.depsDir, 0o755); err != nil {
		return errors.NewOptimizerError("creating dependency cache dir", err)
	}

	// Cold start must observe crawl end regardless of whether cached
	// metadata exists: post-crawl discoveries rely on the flag.
	o.tracker.OnCrawlEnd(o.onCrawlEnd)

	cached, err := loadMetadata(o.depsDir, hash)
	if err != nil {
		o.logger.Warn(ctx, err, "discarding dependency metadata")
	}

	o.mu.Lock()
	if cached != nil {
		o.metadata = cached
		o.state = StateCommitted
		o.scanDone = true
		o.mu.Unlock()
		o.logger.Info(ctx, "reusing cached pre-bundle", "hash", hash, "deps", len(cached.Optimized))
		return nil
	}

	o.metadata = newMetadata(hash, hashText(hash, strconv.FormatInt(o.sessionTimestamp, 10)))
	if o.cfg.NoDiscovery {
		o.scanDone = true
		o.mu.Unlock()
		return nil
	}
	o.state = StateScanning
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runScan()
	return nil
}

// runScan drives the analysis-only scan of the computed entry points.
func (o *Optimizer) runScan() {
	defer o.wg.Done()
	ctx := o.ctx

	entries, err := computeEntries(o.root, o.cfg.Entries, o.buildEntries)
	if err != nil {
		o.logger.Warn(ctx, err, "computing scan entries")
	}

	deps := make(map[string]string)
	if len(entries) > 0 {
		result, err := o.bundler.Scan(ctx, entries, o.root)
		if ctx.Err() != nil {
			// Cancellation at shutdown is an expected race.
			return
		}
		if err != nil {
			o.logger.Warn(ctx, err, "dependency scan failed; relying on request discovery")
		} else {
			deps = result.Deps
			for id, importer := range result.Missing {
				o.logger.Warn(ctx, nil, "unresolvable dependency during scan", "id", id, "importer", importer)
			}
		}
	}

	for _, id := range o.cfg.Include {
		if _, ok := deps[id]; ok {
			continue
		}
		src, err := resolvePackageEntry(o.root, id)
		if err != nil {
			o.logger.Warn(ctx, err, "cannot resolve forced include", "id", id)
			continue
		}
		deps[id] = src
	}
	for _, id := range o.cfg.Exclude {
		delete(deps, id)
	}

	o.mu.Lock()
	o.scannedDeps = deps
	o.scanDone = true
	releaseNow := !o.cfg.HoldUntilCrawlEnd || o.crawlEnded
	haveWork := len(deps) > 0 || len(o.metadata.Discovered) > 0
	o.mu.Unlock()

	o.logger.Info(ctx, "dependency scan complete", "deps", len(deps))
	if releaseNow && haveWork {
		// When the scan finishes after crawl end, everything found while
		// crawling is already in the discovered set, so a single run
		// covers both and avoids a second reload.
		o.triggerRun()
	}
}

// onCrawlEnd releases the work held for the crawl: the scan result when
// the hold policy is on, plus any dependencies discovered while crawling
// was still in progress. A committed bundle does not exempt the run; an
// early release may already have committed and the crawl can still have
// found more.
func (o *Optimizer) onCrawlEnd() {
	o.mu.Lock()
	o.crawlEnded = true
	haveWork := len(o.metadata.Discovered) > 0
	if !haveWork {
		for id := range o.scannedDeps {
			if o.metadata.Get(id) == nil {
				haveWork = true
				break
			}
		}
	}
	if o.closed || !haveWork || !o.scanDone {
		// A scan still in flight triggers its own run on completion now
		// that crawlEnded is set.
		o.mu.Unlock()
		return
	}
	if o.running {
		o.rerunQueued = true
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.triggerRun()
}

// RegisterMissingImport records a bare import that is not part of the
// committed pre-bundle. Registering the same id twice before a commit
// returns the same entry both times. While crawling is still in progress
// discoveries only accumulate; afterwards each discovery restarts the
// debounced rerun so a burst triggers exactly one rebuild.
func (o *Optimizer) RegisterMissingImport(id, resolvedPath string) (*OptimizedDepInfo, error) {
	if resolvedPath == "" {
		src, err := resolvePackageEntry(o.root, id)
		if err != nil {
			return nil, errors.NewResolveError(id, "", err)
		}
		resolvedPath = src
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, errors.ErrClosedServer
	}
	if existing := o.metadata.Get(id); existing != nil {
		return existing, nil
	}

	info := &OptimizedDepInfo{
		ID:         id,
		Src:        resolvedPath,
		File:       filepath.Join(o.depsDir, bundler.FlattenID(id)+".js"),
		processing: o.handle,
	}
	o.metadata.Discovered[id] = info
	// The provisional browser hash depends only on the committed hash and
	// the known dependency sets, keeping the id stable across repeated
	// discovery of the same set without an immediate rebuild.
	info.BrowserHash = hashText(
		o.metadata.Hash,
		depSetJSON(o.metadata.Optimized),
		depSetJSON(o.metadata.Discovered),
		strconv.FormatInt(o.sessionTimestamp, 10),
	)

	o.logger.Debug(context.Background(), "new dependency discovered", "id", id)
	if o.crawlEnded {
		o.debounceRerunLocked()
	}
	return info, nil
}

// debounceRerunLocked restarts the rerun timer. Only one timer is ever
// outstanding.
func (o *Optimizer) debounceRerunLocked() {
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.cfg.Debounce, o.triggerRun)
}

// triggerRun starts a bundling pass unless one is already in flight, in
// which case the new demand is queued for the next batch.
func (o *Optimizer) triggerRun() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.running {
		o.rerunQueued = true
		o.mu.Unlock()
		return
	}
	o.running = true
	o.state = StatePreBundling
	o.runSeq++
	seq := o.runSeq

	// Snapshot the full dependency set for this batch. Discoveries during
	// the run land in the next batch under a fresh handle.
	deps := make(map[string]string, len(o.metadata.Optimized)+len(o.metadata.Discovered)+len(o.scannedDeps))
	for id, d := range o.metadata.Optimized {
		deps[id] = d.Src
	}
	for id, d := range o.metadata.Discovered {
		deps[id] = d.Src
	}
	for id, src := range o.scannedDeps {
		if _, ok := deps[id]; !ok {
			deps[id] = src
		}
	}
	handle := o.handle
	o.handle = newProcessingHandle()
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(seq, deps, handle)
}

// run executes one serialized bundling pass and commits it atomically.
func (o *Optimizer) run(seq int, deps map[string]string, handle *processingHandle) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		o.running = false
		queued := o.rerunQueued && !o.closed
		o.rerunQueued = false
		o.mu.Unlock()
		if queued {
			o.triggerRun()
		}
	}()

	ctx := o.ctx
	if len(deps) == 0 {
		o.commitEmpty(handle)
		return
	}

	tempDir := fmt.Sprintf("%s_temp_%d", o.depsDir, seq)
	defer os.RemoveAll(tempDir)

	result, err := o.bundler.Bundle(ctx, bundler.BundleRequest{
		Deps:   deps,
		OutDir: tempDir,
		Root:   o.root,
	})
	if ctx.Err() != nil {
		// Close resolves the pending handles; this result is discarded.
		return
	}
	if err != nil {
		o.failRun(handle, err)
		return
	}

	newMeta, needsReload, err := o.buildMetadata(deps, result, tempDir)
	if err != nil {
		o.failRun(handle, err)
		return
	}

	// Atomic commit: the bundle write (rename) must succeed before the
	// active metadata reference is swapped.
	if err := o.swapDepsDir(tempDir); err != nil {
		o.failRun(handle, err)
		return
	}
	if err := saveMetadata(newMeta, o.depsDir); err != nil {
		o.failRun(handle, err)
		return
	}

	o.mu.Lock()
	o.metadata = newMeta
	o.state = StateCommitted
	o.mu.Unlock()
	handle.resolve(nil)

	o.logger.Info(ctx, "dependencies pre-bundled", "deps", len(newMeta.Optimized), "reload", needsReload)
	if needsReload {
		if o.invalidateGraph != nil {
			o.invalidateGraph()
		}
		if o.onFullReload != nil {
			o.onFullReload()
		}
	}
}

// commitEmpty commits a metadata instance with no dependencies.
func (o *Optimizer) commitEmpty(handle *processingHandle) {
	o.mu.Lock()
	prev := o.metadata
	newMeta := newMetadata(prev.Hash, prev.BrowserHash)
	o.metadata = newMeta
	o.state = StateCommitted
	o.mu.Unlock()
	_ = saveMetadata(newMeta, o.depsDir)
	handle.resolve(nil)
}

// buildMetadata assembles the next metadata instance and decides whether
// the browser needs a full reload.
func (o *Optimizer) buildMetadata(deps map[string]string, result *bundler.BundleResult, tempDir string) (*Metadata, bool, error) {
	o.mu.Lock()
	prev := o.metadata
	o.mu.Unlock()

	// The aggregate session hash may change mid-session when a lockfile is
	// edited while the server runs.
	hash, err := sessionFingerprint(o.root, o.configJSON)
	if err != nil {
		return nil, false, err
	}

	newMeta := newMetadata(hash, "")
	for id, dep := range result.Deps {
		file := filepath.Join(o.depsDir, filepath.Base(dep.File))
		fileHash, err := hashFile(dep.File)
		if err != nil {
			return nil, false, err
		}
		newMeta.Optimized[id] = &OptimizedDepInfo{
			ID:           id,
			File:         file,
			Src:          deps[id],
			FileHash:     fileHash,
			NeedsInterop: dep.NeedsInterop,
		}
	}
	for name, chunkFile := range result.Chunks {
		fileHash, err := hashFile(chunkFile)
		if err != nil {
			return nil, false, err
		}
		newMeta.Chunks[name] = &OptimizedDepInfo{
			ID:       name,
			File:     filepath.Join(o.depsDir, filepath.Base(chunkFile)),
			FileHash: fileHash,
		}
	}

	needsReload := hash != prev.Hash
	if !needsReload {
		for id, prevDep := range prev.Optimized {
			next, ok := newMeta.Optimized[id]
			if !ok {
				continue
			}
			if next.NeedsInterop != prevDep.NeedsInterop || next.FileHash != prevDep.FileHash {
				needsReload = true
				break
			}
		}
	}

	// A rerun that changes no committed content keeps every browser hash
	// pinned so the client's module cache stays valid.
	browserHash := prev.BrowserHash
	if needsReload {
		browserHash = hashText(hash, strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	newMeta.BrowserHash = browserHash
	for _, d := range newMeta.Optimized {
		d.BrowserHash = browserHash
	}
	for _, d := range newMeta.Chunks {
		d.BrowserHash = browserHash
	}
	return newMeta, needsReload, nil
}

// swapDepsDir replaces the servable deps directory with the freshly built
// one.
func (o *Optimizer) swapDepsDir(tempDir string) error {
	// Carry the previous metadata file over so a crash between rename and
	// save leaves a parseable (if stale) record.
	stale := o.depsDir + "_stale"
	_ = os.RemoveAll(stale)
	if err := os.Rename(o.depsDir, stale); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(tempDir, o.depsDir); err != nil {
		// Try to restore the previous directory.
		_ = os.Rename(stale, o.depsDir)
		return err
	}
	_ = os.RemoveAll(stale)
	return nil
}

// failRun logs the processing error and resets discovery so missing
// dependencies are rediscovered from scratch on the next request.
func (o *Optimizer) failRun(handle *processingHandle, err error) {
	procErr := errors.NewOptimizerError("pre-bundling failed", err)
	o.logger.Error(o.ctx, procErr, "dependency optimization failed; discovery will restart")

	o.mu.Lock()
	o.metadata.Discovered = make(map[string]*OptimizedDepInfo)
	o.mu.Unlock()
	handle.resolve(procErr)
}

// Metadata returns the active metadata instance.
func (o *Optimizer) Metadata() *Metadata {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metadata
}

// State returns the current lifecycle state.
func (o *Optimizer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsOptimizedDepFile reports whether file lives in the deps cache dir.
func (o *Optimizer) IsOptimizedDepFile(file string) bool {
	rel, err := filepath.Rel(o.depsDir, file)
	return err == nil && rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// DepForFile returns the metadata entry serving file, or nil. A nil result
// for a file inside the deps dir means the pre-bundle was superseded.
func (o *Optimizer) DepForFile(file string) *OptimizedDepInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metadata.GetByFile(file)
}

// Close cancels the in-flight scan and bundling, awaits their
// acknowledgement, and leaves pending discovery handles resolved as a
// closed-server condition.
func (o *Optimizer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	handle := o.handle
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	handle.resolve(errors.ErrClosedServer)
	return nil
}

// resolvePackageEntry resolves a forced-include dependency to its package
// entry file via node_modules, honoring the module field over main.
func resolvePackageEntry(root, id string) (string, error) {
	pkgDir := filepath.Join(root, "node_modules", filepath.FromSlash(id))
	data, err := os.ReadFile(filepath.Join(pkgDir, "package.json"))
	if err != nil {
		return "", err
	}
	var pkg struct {
		Module string `json:"module"`
		Main   string `json:"main"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return "", err
	}
	entry := pkg.Module
	if entry == "" {
		entry = pkg.Main
	}
	if entry == "" {
		entry = "index.js"
	}
	return filepath.Join(pkgDir, filepath.FromSlash(entry)), nil
}
