// Package server hosts the development-time module server: it owns the
// module graph, dependency optimizer, transform coordinator, file watcher
// and hot-update hub, and serves compiled modules over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/modserve/internal/bundler"
	"github.com/conneroisu/modserve/internal/config"
	"github.com/conneroisu/modserve/internal/crawl"
	"github.com/conneroisu/modserve/internal/depsopt"
	"github.com/conneroisu/modserve/internal/errors"
	"github.com/conneroisu/modserve/internal/graph"
	"github.com/conneroisu/modserve/internal/hmr"
	"github.com/conneroisu/modserve/internal/logging"
	"github.com/conneroisu/modserve/internal/plugin"
	"github.com/conneroisu/modserve/internal/transform"
	"github.com/conneroisu/modserve/internal/watcher"
)

// Server is one development server session.
type Server struct {
	cfg    *config.Config
	logger logging.Logger
	root   string

	pipeline    *plugin.Container
	graph       *graph.ModuleGraph
	tracker     *crawl.Tracker
	optimizer   *depsopt.Optimizer
	coordinator *transform.Coordinator
	hub         *hmr.Hub
	watcher     *watcher.FileWatcher
	httpServer  *http.Server
}

// New wires a server from configuration. Additional plugins run before the
// built-in filesystem resolve and load fallbacks.
func New(cfg *config.Config, logger logging.Logger, plugins ...plugin.Plugin) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	root, err := cfg.AbsRoot()
	if err != nil {
		return nil, err
	}
	cacheDir, err := cfg.AbsCacheDir()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.WithComponent("server"),
		root:   root,
	}

	all := append(plugins, plugin.NewFSResolvePlugin(root), plugin.NewFSLoadPlugin())
	s.pipeline = plugin.NewContainer(logger, all...)

	s.graph = graph.NewModuleGraph(func(ctx context.Context, url string, ssr bool) (*plugin.ResolvedID, error) {
		return s.pipeline.ResolveID(ctx, url, "", plugin.ResolveOptions{SSR: ssr})
	})

	s.tracker = crawl.NewTracker()
	s.hub = hmr.NewHub(s.allowedOrigins(), logger)

	if !cfg.Optimizer.Disabled {
		s.optimizer = depsopt.NewOptimizer(depsopt.Options{
			Config:          cfg.Optimizer,
			Root:            root,
			CacheDir:        cacheDir,
			BuildEntries:    cfg.Entries,
			Bundler:         bundler.NewEsbuild(logger),
			Tracker:         s.tracker,
			Logger:          logger,
			OnFullReload:    s.hub.FullReload,
			InvalidateGraph: s.graph.InvalidateAll,
		})
	}

	s.coordinator = transform.NewCoordinator(s.graph, s.pipeline, s.optimizer, s.tracker, logger)

	fw, err := watcher.New(cfg.Watch.Ignore, cfg.Watch.Debounce, logger)
	if err != nil {
		return nil, err
	}
	fw.AddHandler(s.onFileEvents)
	s.watcher = fw

	mux := http.NewServeMux()
	mux.Handle("/__modserve", s.hub)
	mux.HandleFunc("/", s.handleModule)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}
	return s, nil
}

func (s *Server) allowedOrigins() []string {
	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)}
	}
	return origins
}

// Start launches the optimizer session, the watcher, and the HTTP listener.
// It blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.optimizer != nil {
		if err := s.optimizer.Start(ctx); err != nil {
			return err
		}
	}
	if err := s.watcher.WatchRecursive(s.root); err != nil {
		return err
	}
	s.watcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		return err
	}
}

// onFileEvents forwards watcher batches into the module graph's change
// handlers synchronously, then publishes hot-update notifications.
func (s *Server) onFileEvents(events []watcher.Event) {
	for _, ev := range events {
		switch ev.Type {
		case watcher.EventDelete:
			s.graph.OnFileDelete(ev.Path)
		default:
			s.graph.OnFileChange(ev.Path)
		}
		now := time.Now().UnixMilli()
		for _, mod := range s.graph.GetModulesByFile(ev.Path) {
			s.hub.Invalidate(mod.URL, now)
		}
	}
}

// Coordinator exposes the transform entry point, primarily for embedding.
func (s *Server) Coordinator() *transform.Coordinator {
	return s.coordinator
}

// Graph exposes the module graph.
func (s *Server) Graph() *graph.ModuleGraph {
	return s.graph
}

// handleModule serves one compiled module.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	// Etag fast path: the graph's etag index maps validators straight back
	// to nodes with still-valid results.
	if match := r.Header.Get("If-None-Match"); match != "" {
		if mod := s.graph.GetModuleByEtag(match); mod != nil {
			if res := s.graph.CachedResult(mod, false); res != nil && res.Etag == match {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}

	result, err := s.coordinator.TransformRequest(r.Context(), url, transform.Options{
		HTML: strings.HasSuffix(path.Ext(r.URL.Path), ".html"),
	})
	if err != nil {
		s.writeError(w, r, url, err)
		return
	}

	w.Header().Set("Etag", result.Etag)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", contentType(url))
	_, _ = w.Write([]byte(result.Code))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, url string, err error) {
	switch {
	case errors.IsOutdatedOptimizedDep(err):
		// Expected during rebundles; the client retries against the new
		// bundle set.
		http.Error(w, "Outdated Optimize Dep", http.StatusGatewayTimeout)
	case errors.IsClosedServer(err):
		http.Error(w, "Server Closed", http.StatusServiceUnavailable)
	default:
		s.logger.Error(r.Context(), err, "transform failed", "url", url)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func contentType(url string) string {
	clean := url
	if i := strings.IndexByte(clean, '?'); i >= 0 {
		clean = clean[:i]
	}
	switch path.Ext(clean) {
	case ".css":
		return "text/css"
	case ".html":
		return "text/html"
	case ".json":
		return "application/json"
	default:
		return "application/javascript"
	}
}

// Close shuts the session down: new requests are rejected, outstanding
// work is awaited or cancelled, and every subsystem releases its resources.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)

	s.tracker.Cancel()

	var g errgroup.Group
	g.Go(s.coordinator.Close)
	if s.optimizer != nil {
		g.Go(s.optimizer.Close)
	}
	g.Go(s.hub.Close)
	g.Go(s.watcher.Close)
	return g.Wait()
}
