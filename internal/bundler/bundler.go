// Package bundler defines the contract with the external fast bundler the
// dependency optimizer drives: an analysis-only scan that discovers bare
// imports, and a pre-bundling pass that writes servable dependency files.
package bundler

import "context"

// ScanResult is the outcome of an analysis-only scan. Deps maps bare import
// ids to the resolved entry file the bundle pass should start from. The set
// is a best-effort static superset and deliberately allowed to be
// incomplete; real request crawling fills the gaps.
type ScanResult struct {
	Deps    map[string]string
	Missing map[string]string
}

// BundleRequest describes one pre-bundling pass.
type BundleRequest struct {
	// Deps maps dependency ids to their entry files.
	Deps map[string]string
	// OutDir receives the bundled files.
	OutDir string
	// Root is the project root used for resolution.
	Root string
}

// BundledDep describes one bundled dependency output.
type BundledDep struct {
	// File is the absolute path of the written bundle.
	File string
	// NeedsInterop marks dependencies in a dual module format whose
	// exports require an interop wrapper on the client.
	NeedsInterop bool
}

// BundleResult is the outcome of a pre-bundling pass.
type BundleResult struct {
	// Deps maps dependency ids to their outputs.
	Deps map[string]BundledDep
	// Chunks are shared code-split files, keyed by chunk name.
	Chunks map[string]string
}

// Bundler is the external fast bundler. Implementations must honor ctx
// cancellation: a cancelled call returns ctx.Err() after in-flight work has
// been abandoned, which is the cancellation acknowledgement close waits on.
type Bundler interface {
	Scan(ctx context.Context, entries []string, root string) (*ScanResult, error)
	Bundle(ctx context.Context, req BundleRequest) (*BundleResult, error)
}
