// Package depsopt implements the dependency optimizer: a background state
// machine that scans entry points with an external fast bundler, discovers
// additional dependencies while serving real requests, and commits
// pre-bundled artifacts while deciding whether a full client reload is
// required.
package depsopt

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// OptimizedDepInfo describes one pre-bundled dependency.
type OptimizedDepInfo struct {
	// ID is the bare import id, File the bundled output path, Src the
	// package entry the bundle was built from.
	ID   string
	File string
	Src  string
	// FileHash fingerprints the bundled content; BrowserHash identifies
	// the bundle version the browser may have cached.
	FileHash    string
	BrowserHash string
	// NeedsInterop marks dual-module-format packages whose exports need a
	// client-side wrapper.
	NeedsInterop bool

	// processing is closed when the run that bundles this dependency
	// commits (or fails). Nil once committed.
	processing *processingHandle
}

// Processing returns a channel closed once this dependency has been
// committed or its run failed, plus an accessor for the failure. A nil
// channel means the dependency is already servable.
func (d *OptimizedDepInfo) Processing() <-chan struct{} {
	if d.processing == nil {
		return nil
	}
	return d.processing.done
}

// ProcessingErr reports the failure of the bundling run, if any. Only valid
// after the Processing channel is closed.
func (d *OptimizedDepInfo) ProcessingErr() error {
	if d.processing == nil {
		return nil
	}
	return d.processing.err
}

// processingHandle is shared by every dependency queued for the same run;
// all handles are released together at metadata swap time so callers
// observe either the pre-run or post-run metadata, never a partial state.
type processingHandle struct {
	done chan struct{}
	err  error
}

func newProcessingHandle() *processingHandle {
	return &processingHandle{done: make(chan struct{})}
}

func (p *processingHandle) resolve(err error) {
	p.err = err
	close(p.done)
}

// Metadata is the optimizer's session state: one active instance per server
// session, replaced atomically on commit.
type Metadata struct {
	// Hash fingerprints the dependency lockfile and optimizer config;
	// BrowserHash fingerprints the committed bundle set and changes only
	// when a reload is required.
	Hash        string
	BrowserHash string
	// Optimized holds committed, servable dependencies; Discovered holds
	// dependencies found mid-session that have not been committed yet;
	// Chunks holds shared code-split files of the optimized set.
	Optimized  map[string]*OptimizedDepInfo
	Discovered map[string]*OptimizedDepInfo
	Chunks     map[string]*OptimizedDepInfo
}

func newMetadata(hash, browserHash string) *Metadata {
	return &Metadata{
		Hash:        hash,
		BrowserHash: browserHash,
		Optimized:   make(map[string]*OptimizedDepInfo),
		Discovered:  make(map[string]*OptimizedDepInfo),
		Chunks:      make(map[string]*OptimizedDepInfo),
	}
}

// Get returns the known entry for a dependency id, committed or not.
func (m *Metadata) Get(id string) *OptimizedDepInfo {
	if d, ok := m.Optimized[id]; ok {
		return d
	}
	if d, ok := m.Discovered[id]; ok {
		return d
	}
	if d, ok := m.Chunks[id]; ok {
		return d
	}
	return nil
}

// GetByFile returns the entry whose bundled output is file, if any.
func (m *Metadata) GetByFile(file string) *OptimizedDepInfo {
	for _, set := range []map[string]*OptimizedDepInfo{m.Optimized, m.Discovered, m.Chunks} {
		for _, d := range set {
			if d.File == file {
				return d
			}
		}
	}
	return nil
}

const metadataFileName = "_metadata.json"

// diskMetadata is the serialized artifact layout; reused across restarts
// only if the hash fingerprint matches.
type diskMetadata struct {
	Hash        string             `json:"hash"`
	BrowserHash string             `json:"browserHash"`
	Optimized   map[string]diskDep `json:"optimized"`
	Chunks      map[string]diskDep `json:"chunks"`
}

type diskDep struct {
	File         string `json:"file"`
	Src          string `json:"src,omitempty"`
	FileHash     string `json:"fileHash"`
	BrowserHash  string `json:"browserHash"`
	NeedsInterop bool   `json:"needsInterop"`
}

// saveMetadata writes metadata to dir.
func saveMetadata(m *Metadata, dir string) error {
	disk := diskMetadata{
		Hash:        m.Hash,
		BrowserHash: m.BrowserHash,
		Optimized:   make(map[string]diskDep, len(m.Optimized)),
		Chunks:      make(map[string]diskDep, len(m.Chunks)),
	}
	for id, d := range m.Optimized {
		disk.Optimized[id] = diskDep{File: d.File, Src: d.Src, FileHash: d.FileHash, BrowserHash: d.BrowserHash, NeedsInterop: d.NeedsInterop}
	}
	for id, d := range m.Chunks {
		disk.Chunks[id] = diskDep{File: d.File, FileHash: d.FileHash, BrowserHash: d.BrowserHash}
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o644)
}

// loadMetadata reads committed metadata from dir, returning nil when absent
// or when the stored hash does not match the current session fingerprint.
func loadMetadata(dir, sessionHash string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var disk diskMetadata
	if err := json.Unmarshal(data, &disk); err != nil {
		return nil, fmt.Errorf("corrupt dependency metadata: %w", err)
	}
	if disk.Hash != sessionHash {
		return nil, nil
	}
	m := newMetadata(disk.Hash, disk.BrowserHash)
	for id, d := range disk.Optimized {
		m.Optimized[id] = &OptimizedDepInfo{ID: id, File: d.File, Src: d.Src, FileHash: d.FileHash, BrowserHash: d.BrowserHash, NeedsInterop: d.NeedsInterop}
	}
	for id, d := range disk.Chunks {
		m.Chunks[id] = &OptimizedDepInfo{ID: id, File: d.File, FileHash: d.FileHash, BrowserHash: d.BrowserHash}
	}
	return m, nil
}

// lockfileNames are checked in order when fingerprinting the session.
var lockfileNames = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"bun.lockb",
}

// sessionFingerprint hashes the dependency lockfile plus the optimizer
// config so cached bundles are reused only when both are unchanged.
func sessionFingerprint(root string, configJSON []byte) (string, error) {
	h := xxhash.New()
	for _, name := range lockfileNames {
		f, err := os.Open(filepath.Join(root, name))
		if err != nil {
			continue
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	_, _ = h.Write(configJSON)
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// hashText hashes the concatenation of parts.
func hashText(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		_, _ = h.WriteString(p)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// hashFile fingerprints a bundled output file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// depSetJSON renders a deterministic JSON array of the ids in deps, used as
// an ingredient of provisional browser hashes.
func depSetJSON(deps map[string]*OptimizedDepInfo) string {
	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	data, _ := json.Marshal(ids)
	return string(data)
}
