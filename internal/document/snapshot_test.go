package document

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidestat/internal/markup"
	"pidestat/internal/status"
)

func mustParse(t *testing.T, tags ...string) []markup.Event {
	t.Helper()
	evs, err := markup.ParseAll(tags)
	require.NoError(t, err)
	return evs
}

func TestSnapshotAggregates(t *testing.T) {
	states := []*CommandState{
		NewCommandState("1", "e1", mustParse(t, "accepted", "forked", "running", "timing:2", "finished", "joined")),
		NewCommandState("2", "e2", mustParse(t, "accepted", "forked", "running", "timing:0.5")),
		NewCommandState("3", "e3", mustParse(t, "accepted", "running", "error", "finished")),
		NewCommandState("3", "e4", mustParse(t, "timing:1.5")),
	}
	snap := NewSnapshot("v1", []NodeInfo{
		{Name: "Main.thy", Commands: []status.CommandID{"1", "2", "3"}, Initialized: true},
		{Name: "Empty.thy", Consolidated: true},
	}, states)

	assert.Equal(t, []string{"Empty.thy", "Main.thy"}, snap.NodeNames())
	assert.True(t, snap.HasNode("Main.thy"))
	assert.False(t, snap.HasNode("Other.thy"))

	ns := snap.NodeStatus("Main.thy")
	assert.Equal(t, status.NodeStatus{Running: 1, Failed: 1, Finished: 1, Initialized: true}, ns)

	nt := snap.NodeTiming("Main.thy", 1)
	assert.InDelta(t, 4.0, nt.Total, 1e-9)
	assert.Equal(t, map[status.CommandID]float64{"1": 2, "3": 1.5}, nt.Commands)

	all := snap.Nodes()
	assert.Len(t, all, 2)
	assert.Equal(t, status.OverallOK, all["Empty.thy"].Overall())
	assert.Equal(t, status.OverallPending, all["Main.thy"].Overall())
}

func TestCommandStateCopiesInput(t *testing.T) {
	evs := mustParse(t, "accepted", "running")
	st := NewCommandState("1", "e1", evs)
	evs[1] = markup.Of(markup.Error)
	assert.Equal(t, markup.Running, st.Markup()[1].Kind)
	assert.Equal(t, status.Running, st.DocumentStatus().Bucket())
}

func TestSnapshotConcurrentReads(t *testing.T) {
	snap := NewSnapshot("v1", []NodeInfo{{Name: "A.thy", Commands: []status.CommandID{"1"}}},
		[]*CommandState{NewCommandState("1", "e", mustParse(t, "accepted", "forked", "running", "finished", "joined"))})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 1, snap.NodeStatus("A.thy").Finished)
		}()
	}
	wg.Wait()
}
