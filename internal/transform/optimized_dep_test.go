package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/modserve/internal/bundler"
	"github.com/conneroisu/modserve/internal/config"
	"github.com/conneroisu/modserve/internal/crawl"
	"github.com/conneroisu/modserve/internal/depsopt"
	"github.com/conneroisu/modserve/internal/errors"
	"github.com/conneroisu/modserve/internal/graph"
)

// writeBundler satisfies the optimizer by writing trivial bundles to disk.
type writeBundler struct{}

func (writeBundler) Scan(ctx context.Context, entries []string, root string) (*bundler.ScanResult, error) {
	return &bundler.ScanResult{Deps: map[string]string{}, Missing: map[string]string{}}, nil
}

func (writeBundler) Bundle(ctx context.Context, req bundler.BundleRequest) (*bundler.BundleResult, error) {
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return nil, err
	}
	result := &bundler.BundleResult{
		Deps:   make(map[string]bundler.BundledDep),
		Chunks: make(map[string]string),
	}
	for id := range req.Deps {
		file := filepath.Join(req.OutDir, bundler.FlattenID(id)+".js")
		code := fmt.Sprintf("// bundled %s\nexport default {};\n", id)
		if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
			return nil, err
		}
		result.Deps[id] = bundler.BundledDep{File: file}
	}
	return result, nil
}

type optimizedFixture struct {
	coordinator *Coordinator
	optimizer   *depsopt.Optimizer
	tracker     *crawl.Tracker
	pipeline    *fakePipeline
	root        string
}

func newOptimizedFixture(t *testing.T, files map[string]string) *optimizedFixture {
	t.Helper()
	root := t.TempDir()
	tracker := crawl.NewTrackerWithDelay(5 * time.Millisecond)
	opt := depsopt.NewOptimizer(depsopt.Options{
		Config: config.OptimizerConfig{
			NoDiscovery:       true,
			HoldUntilCrawlEnd: true,
			Debounce:          5 * time.Millisecond,
		},
		Root:     root,
		CacheDir: filepath.Join(root, "node_modules", ".modserve"),
		Bundler:  writeBundler{},
		Tracker:  tracker,
	})
	require.NoError(t, opt.Start(context.Background()))
	t.Cleanup(func() { _ = opt.Close() })

	g := graph.NewModuleGraph(urlResolver)
	p := newFakePipeline(files)
	return &optimizedFixture{
		coordinator: NewCoordinator(g, p, opt, tracker, nil),
		optimizer:   opt,
		tracker:     tracker,
		pipeline:    p,
		root:        root,
	}
}

func (f *optimizedFixture) commitDep(t *testing.T, id string) *depsopt.OptimizedDepInfo {
	t.Helper()
	src := filepath.Join(f.root, "node_modules", id, "index.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("export default {};\n"), 0o644))

	done := f.tracker.RegisterRequestProcessing("/seed")
	done()
	info, err := f.optimizer.RegisterMissingImport(id, src)
	require.NoError(t, err)
	select {
	case <-info.Processing():
		require.NoError(t, info.ProcessingErr())
	case <-time.After(2 * time.Second):
		t.Fatal("dependency was never committed")
	}
	committed := f.optimizer.Metadata().Optimized[id]
	require.NotNil(t, committed)
	return committed
}

func TestBareImportDiscovery(t *testing.T) {
	f := newOptimizedFixture(t, map[string]string{
		"/src/main.js": "import _ from 'lodash';\nexport default _;\n",
	})

	_, err := f.coordinator.TransformRequest(context.Background(), "/src/main.js", Options{})
	require.NoError(t, err)
	assert.NotNil(t, f.optimizer.Metadata().Get("lodash"),
		"bare imports route into optimizer discovery")
}

func TestServeCommittedOptimizedDep(t *testing.T) {
	f := newOptimizedFixture(t, map[string]string{})
	committed := f.commitDep(t, "lodash")

	result, err := f.coordinator.TransformRequest(context.Background(), committed.File, Options{})
	require.NoError(t, err)
	assert.Contains(t, result.Code, "bundled lodash", "served from the committed bundle on disk")
}

func TestRequestWaitsForPendingOptimizedDep(t *testing.T) {
	f := newOptimizedFixture(t, map[string]string{})
	src := filepath.Join(f.root, "node_modules", "lodash", "index.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("export default {};\n"), 0o644))

	// Crawl is still open, so this discovery only accumulates.
	info, err := f.optimizer.RegisterMissingImport("lodash", src)
	require.NoError(t, err)

	type outcome struct {
		result *graph.TransformResult
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		r, err := f.coordinator.TransformRequest(context.Background(), info.File, Options{})
		results <- outcome{r, err}
	}()

	select {
	case <-results:
		t.Fatal("request completed before the pre-bundle was committed")
	case <-time.After(30 * time.Millisecond):
	}

	// Ending the crawl releases the pending run; the blocked request is
	// served from the freshly committed bundle.
	done := f.tracker.RegisterRequestProcessing("/seed")
	done()

	select {
	case out := <-results:
		require.NoError(t, out.err)
		assert.Contains(t, out.result.Code, "bundled lodash")
	case <-time.After(2 * time.Second):
		t.Fatal("request never unblocked after commit")
	}
}

func TestOutdatedOptimizedDep(t *testing.T) {
	f := newOptimizedFixture(t, map[string]string{})
	committed := f.commitDep(t, "lodash")

	stale := filepath.Join(filepath.Dir(committed.File), "superseded_chunk.js")
	_, err := f.coordinator.TransformRequest(context.Background(), stale, Options{})
	assert.True(t, errors.IsOutdatedOptimizedDep(err),
		"files in the deps dir without a metadata entry are superseded bundles")
}
