// Package dump writes the status and timing of every node of a version as
// JSON artifacts, one directory per node.
package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"pidestat/internal/document"
	"pidestat/internal/status"
)

const (
	StatusFile = "status.json"
	TimingFile = "timing.json"
	IndexFile  = "index.json"
)

// Source materializes versions; engine.Engine satisfies it.
type Source interface {
	Snapshot(ctx context.Context, versionID string) (*document.Snapshot, error)
}

type Options struct {
	Dir         string
	Threshold   float64
	Concurrency int
	Logger      *log.Logger
}

// IndexEntry is one line of the dump index.
type IndexEntry struct {
	Node       string         `json:"node"`
	Dir        string         `json:"dir"`
	Overall    status.Overall `json:"overall"`
	Percentage int            `json:"percentage"`
}

// Index lists the dumped nodes of a version.
type Index struct {
	VersionID string       `json:"version_id"`
	Nodes     []IndexEntry `json:"nodes"`
}

// Run dumps every node of versionID below opts.Dir and returns the index
// that was written alongside.
func Run(ctx context.Context, src Source, versionID string, opts Options) (Index, error) {
	snap, err := src.Snapshot(ctx, versionID)
	if err != nil {
		return Index{}, err
	}
	return Write(ctx, snap, opts)
}

// Write dumps an already materialized snapshot.
func Write(ctx context.Context, snap *document.Snapshot, opts Options) (Index, error) {
	if opts.Dir == "" {
		return Index{}, fmt.Errorf("dump dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return Index{}, err
	}

	names := snap.NodeNames()
	dirs := nodeDirs(names)
	idx := Index{VersionID: snap.VersionID, Nodes: make([]IndexEntry, len(names))}
	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	}
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dir := dirs[i]
			st := snap.NodeStatus(name)
			if err := writeJSON(filepath.Join(opts.Dir, dir, StatusFile), st); err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			if err := writeJSON(filepath.Join(opts.Dir, dir, TimingFile), snap.NodeTiming(name, opts.Threshold)); err != nil {
				return fmt.Errorf("node %s: %w", name, err)
			}
			idx.Nodes[i] = IndexEntry{Node: name, Dir: dir, Overall: st.Overall(), Percentage: st.Percentage()}
			logger.Debug("dumped node", "node", name, "dir", dir)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Index{}, err
	}
	if err := writeJSON(filepath.Join(opts.Dir, IndexFile), idx); err != nil {
		return Index{}, err
	}
	logger.Info("dump written", "version", snap.VersionID, "nodes", len(names), "dir", opts.Dir)
	return idx, nil
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

// NodeDir maps a node name to a single path element.
func NodeDir(name string) string {
	dir := unsafeChars.Replace(strings.TrimSpace(name))
	dir = strings.TrimLeft(dir, "._")
	if dir == "" {
		return "_"
	}
	return dir
}

// nodeDirs assigns each name its NodeDir, suffixing names that collide
// with any directory handed out before, suffixed ones included.
func nodeDirs(names []string) []string {
	dirs := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, name := range names {
		base := NodeDir(name)
		dir := base
		for n := 1; used[dir]; n++ {
			dir = fmt.Sprintf("%s~%d", base, n)
		}
		used[dir] = true
		dirs[i] = dir
	}
	return dirs
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
