package bundler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/modserve/internal/logging"
)

// bareImportRe matches import specifiers that name a package rather than a
// path: "lodash", "@scope/pkg", "pkg/subpath".
var bareImportRe = regexp.MustCompile(`^[\w@](?:[^:]*)?$`)

// Esbuild implements Bundler on the esbuild Go API.
type Esbuild struct {
	logger logging.Logger
}

// NewEsbuild creates the esbuild-backed bundler.
func NewEsbuild(logger logging.Logger) *Esbuild {
	if logger == nil {
		logger = logging.NopLogger{}
	}
	return &Esbuild{logger: logger.WithComponent("esbuild")}
}

// Scan bundles the entries in analysis-only mode (nothing is written),
// externalizing every bare import and recording where each one resolved.
func (e *Esbuild) Scan(ctx context.Context, entries []string, root string) (*ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	deps := make(map[string]string)
	missing := make(map[string]string)

	scanPlugin := api.Plugin{
		Name: "dep-scan",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: ".*"}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				if err := ctx.Err(); err != nil {
					return api.OnResolveResult{}, err
				}
				if !bareImportRe.MatchString(args.Path) {
					return api.OnResolveResult{}, nil
				}
				resolved := build.Resolve(args.Path, api.ResolveOptions{
					Kind:       api.ResolveJSImportStatement,
					Importer:   args.Importer,
					ResolveDir: args.ResolveDir,
				})
				mu.Lock()
				if len(resolved.Errors) > 0 || resolved.Path == "" {
					missing[args.Path] = args.Importer
				} else if !resolved.External {
					deps[args.Path] = resolved.Path
				}
				mu.Unlock()
				return api.OnResolveResult{Path: args.Path, External: true}, nil
			})
		},
	}

	result := e.build(ctx, api.BuildOptions{
		EntryPoints:   entries,
		AbsWorkingDir: root,
		Bundle:        true,
		Write:         false,
		Format:        api.FormatESModule,
		Platform:      api.PlatformBrowser,
		LogLevel:      api.LogLevelSilent,
		Plugins:       []api.Plugin{scanPlugin},
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, buildError("scan", result.Errors)
	}

	e.logger.Debug(ctx, "dependency scan finished", "deps", len(deps), "missing", len(missing))
	return &ScanResult{Deps: deps, Missing: missing}, nil
}

// Bundle pre-bundles the requested dependencies into req.OutDir, one output
// file per dependency plus shared code-split chunks.
func (e *Esbuild) Bundle(ctx context.Context, req BundleRequest) (*BundleResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entryPoints := make([]api.EntryPoint, 0, len(req.Deps))
	entryToID := make(map[string]string, len(req.Deps))
	for id, src := range req.Deps {
		flat := FlattenID(id)
		entryPoints = append(entryPoints, api.EntryPoint{
			InputPath:  src,
			OutputPath: flat,
		})
		entryToID[src] = id
	}

	result := e.build(ctx, api.BuildOptions{
		EntryPointsAdvanced: entryPoints,
		AbsWorkingDir:       req.Root,
		Outdir:              req.OutDir,
		Bundle:              true,
		Write:               true,
		Splitting:           true,
		Format:              api.FormatESModule,
		Platform:            api.PlatformBrowser,
		ChunkNames:          "chunk-[hash]",
		Metafile:            true,
		LogLevel:            api.LogLevelSilent,
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, buildError("bundle", result.Errors)
	}

	return e.collectOutputs(result.Metafile, req, entryToID)
}

// build runs esbuild on a goroutine so a cancelled context can abandon the
// pass. esbuild itself has no cancellation hook; the result of an abandoned
// pass is discarded by the caller via the ctx.Err() checks.
func (e *Esbuild) build(ctx context.Context, opts api.BuildOptions) api.BuildResult {
	resultCh := make(chan api.BuildResult, 1)
	go func() {
		resultCh <- api.Build(opts)
	}()
	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return api.BuildResult{}
	}
}

type metafile struct {
	Outputs map[string]struct {
		EntryPoint string   `json:"entryPoint"`
		Exports    []string `json:"exports"`
	} `json:"outputs"`
}

func (e *Esbuild) collectOutputs(meta string, req BundleRequest, entryToID map[string]string) (*BundleResult, error) {
	var parsed metafile
	if err := json.Unmarshal([]byte(meta), &parsed); err != nil {
		return nil, fmt.Errorf("parsing esbuild metafile: %w", err)
	}

	out := &BundleResult{
		Deps:   make(map[string]BundledDep, len(req.Deps)),
		Chunks: make(map[string]string),
	}
	for outPath, output := range parsed.Outputs {
		if strings.HasSuffix(outPath, ".map") {
			continue
		}
		abs := outPath
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(req.Root, filepath.FromSlash(outPath))
		}
		if output.EntryPoint == "" {
			out.Chunks[strings.TrimSuffix(filepath.Base(outPath), ".js")] = abs
			continue
		}
		entry := output.EntryPoint
		if !filepath.IsAbs(entry) {
			entry = filepath.Join(req.Root, filepath.FromSlash(entry))
		}
		id, ok := entryToID[entry]
		if !ok {
			id = entryToID[output.EntryPoint]
		}
		if id == "" {
			continue
		}
		out.Deps[id] = BundledDep{
			File: abs,
			// No named exports means the package was authored in CJS and
			// needs an interop wrapper on the client.
			NeedsInterop: len(output.Exports) == 0,
		}
	}

	for id := range req.Deps {
		if _, ok := out.Deps[id]; !ok {
			return nil, fmt.Errorf("bundle produced no output for dependency %q", id)
		}
	}
	return out, nil
}

func buildError(phase string, errs []api.Message) error {
	msgs := make([]string, 0, len(errs))
	for _, m := range errs {
		msgs = append(msgs, m.Text)
	}
	return fmt.Errorf("esbuild %s failed: %s", phase, strings.Join(msgs, "; "))
}

// FlattenID turns a dependency id into a flat file name, mirroring what the
// served URL uses: "@scope/pkg/sub" -> "@scope_pkg_sub".
func FlattenID(id string) string {
	return strings.ReplaceAll(id, "/", "_")
}
