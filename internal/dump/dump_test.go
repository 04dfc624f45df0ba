package dump

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidestat/internal/document"
	"pidestat/internal/markup"
	"pidestat/internal/status"
)

type fakeSource struct {
	snap *document.Snapshot
	err  error
}

func (f fakeSource) Snapshot(context.Context, string) (*document.Snapshot, error) {
	return f.snap, f.err
}

func testSnapshot() *document.Snapshot {
	nodes := []document.NodeInfo{
		{Name: "~~/src/HOL/Main.thy", Commands: []status.CommandID{"c1", "c2"}, Initialized: true, Consolidated: true},
		{Name: "Scratch.thy", Commands: []status.CommandID{"c3"}},
	}
	states := []*document.CommandState{
		document.NewCommandState("c1", "e1", []markup.Event{
			markup.Of(markup.Accepted), markup.Of(markup.Running), markup.Of(markup.Finished), markup.TimingOf(1.5),
		}),
		document.NewCommandState("c2", "e1", []markup.Event{
			markup.Of(markup.Accepted), markup.Of(markup.Failed), markup.TimingOf(0.05),
		}),
		document.NewCommandState("c3", "e1", []markup.Event{markup.Of(markup.Accepted)}),
	}
	return document.NewSnapshot("v1", nodes, states)
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func TestRunWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	idx, err := Run(context.Background(), fakeSource{snap: testSnapshot()}, "v1", Options{
		Dir:         dir,
		Threshold:   0.1,
		Concurrency: 2,
		Logger:      log.New(os.Stderr),
	})
	require.NoError(t, err)
	require.Len(t, idx.Nodes, 2)

	// NodeNames is sorted, so Scratch.thy comes first.
	assert.Equal(t, "Scratch.thy", idx.Nodes[0].Node)
	assert.Equal(t, status.OverallPending, idx.Nodes[0].Overall)
	main := idx.Nodes[1]
	assert.Equal(t, "~~_src_HOL_Main.thy", main.Dir)
	assert.Equal(t, status.OverallFailed, main.Overall)
	assert.Equal(t, 100, main.Percentage)

	var st map[string]any
	readJSON(t, filepath.Join(dir, main.Dir, StatusFile), &st)
	assert.Len(t, st, 9)
	assert.Equal(t, false, st["ok"])
	assert.Equal(t, float64(2), st["total"])
	assert.Equal(t, float64(1), st["finished"])
	assert.Equal(t, float64(1), st["failed"])

	var timing status.NodeTiming
	readJSON(t, filepath.Join(dir, main.Dir, TimingFile), &timing)
	assert.InDelta(t, 1.55, timing.Total, 1e-9)
	assert.Equal(t, map[status.CommandID]float64{"c1": 1.5}, timing.Commands)

	var written Index
	readJSON(t, filepath.Join(dir, IndexFile), &written)
	assert.Equal(t, idx, written)
}

func TestRunPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), fakeSource{err: boom}, "v1", Options{Dir: t.TempDir()})
	require.ErrorIs(t, err, boom)
}

func TestWriteRequiresDir(t *testing.T) {
	_, err := Write(context.Background(), testSnapshot(), Options{})
	require.Error(t, err)
}

func TestNodeDir(t *testing.T) {
	assert.Equal(t, "Main.thy", NodeDir("Main.thy"))
	assert.Equal(t, "a_b", NodeDir("a/b"))
	assert.Equal(t, "etc_passwd", NodeDir("../etc/passwd"))
	assert.Equal(t, "_", NodeDir(" "))
	assert.Equal(t, []string{"a_b", "a_b~1"}, nodeDirs([]string{"a/b", "a:b"}))
}

func TestNodeDirsNeverReuseSuffixedDir(t *testing.T) {
	dirs := nodeDirs([]string{"a/b", "a_b", "a_b~1", "a:b"})
	assert.Equal(t, []string{"a_b", "a_b~1", "a_b~1~1", "a_b~2"}, dirs)
	seen := map[string]bool{}
	for _, d := range dirs {
		require.False(t, seen[d], "duplicate dir %q", d)
		seen[d] = true
	}
}
