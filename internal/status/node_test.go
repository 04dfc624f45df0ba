package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidestat/internal/markup"
)

type fakeCommandState []markup.Event

func (s fakeCommandState) Markup() []markup.Event        { return s }
func (s fakeCommandState) DocumentStatus() CommandStatus { return Make(s) }

type fakeVersion map[string][]CommandID

func (v fakeVersion) Node(name string) Node {
	return Node{Name: name, Commands: v[name]}
}

type fakeState struct {
	states       map[CommandID][]CommandState
	initialized  map[string]bool
	consolidated map[string]bool
}

func newFakeState() *fakeState {
	return &fakeState{
		states:       map[CommandID][]CommandState{},
		initialized:  map[string]bool{},
		consolidated: map[string]bool{},
	}
}

func (s *fakeState) add(id CommandID, evs ...markup.Event) {
	s.states[id] = append(s.states[id], fakeCommandState(evs))
}

func (s *fakeState) CommandStates(_ Version, id CommandID) []CommandState { return s.states[id] }
func (s *fakeState) NodeInitialized(_ Version, name string) bool          { return s.initialized[name] }
func (s *fakeState) NodeConsolidated(_ Version, name string) bool         { return s.consolidated[name] }

func TestMakeNodeClassifiesEveryCommandOnce(t *testing.T) {
	st := newFakeState()
	st.add("c1", events(markup.Accepted, markup.Forked, markup.Running, markup.Finished, markup.Joined)...)
	st.add("c2", events(markup.Accepted, markup.Forked, markup.Running)...)
	st.add("c3", events(markup.Accepted, markup.Running, markup.Error, markup.Finished)...)
	st.add("c4", events(markup.Accepted, markup.Running, markup.Warning, markup.Finished)...)
	st.add("c5", events(markup.Accepted)...)
	st.initialized["A.thy"] = true
	v := fakeVersion{"A.thy": {"c1", "c2", "c3", "c4", "c5", "c6"}}

	ns := MakeNode(st, v, "A.thy")
	assert.Equal(t, NodeStatus{
		Unprocessed: 2,
		Running:     1,
		Warned:      1,
		Failed:      1,
		Finished:    1,
		Initialized: true,
	}, ns)
	assert.Equal(t, 6, ns.Total())
	assert.False(t, ns.OK())
}

func TestMakeNodeMergesRetries(t *testing.T) {
	st := newFakeState()
	// first attempt forked and started, a later report closes both
	st.add("c1", events(markup.Accepted, markup.Forked, markup.Running)...)
	st.add("c1", events(markup.Finished, markup.Joined)...)
	// a failed attempt taints the command even after a clean retry
	st.add("c2", events(markup.Accepted, markup.Running, markup.Failed, markup.Finished)...)
	st.add("c2", events(markup.Accepted, markup.Running, markup.Finished)...)
	v := fakeVersion{"B.thy": {"c1", "c2"}}

	ns := MakeNode(st, v, "B.thy")
	assert.Equal(t, 1, ns.Finished)
	assert.Equal(t, 1, ns.Failed)
	assert.Equal(t, Finished, CommandStatusOf(st, v, "c1").Bucket())
}

func TestMakeNodeUnknownNode(t *testing.T) {
	ns := MakeNode(newFakeState(), fakeVersion{}, "missing")
	assert.Equal(t, NodeStatus{}, ns)
	assert.True(t, ns.OK())
	assert.Equal(t, 0, ns.Percentage())
}

func TestNodeStatusJSONKeys(t *testing.T) {
	ns := NodeStatus{Unprocessed: 1, Running: 2, Warned: 3, Failed: 0, Finished: 4, Consolidated: true}
	data, err := json.Marshal(ns)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{
		"ok", "total", "unprocessed", "running", "warned", "failed", "finished", "initialized", "consolidated",
	}, keys)
	assert.JSONEq(t, `{"ok":true,"total":10,"unprocessed":1,"running":2,"warned":3,"failed":0,"finished":4,"initialized":false,"consolidated":true}`, string(data))

	var back NodeStatus
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ns, back)
}

func TestPercentageAndOverall(t *testing.T) {
	ns := NodeStatus{Unprocessed: 1, Finished: 3}
	assert.Equal(t, 75, ns.Percentage())
	assert.Equal(t, OverallPending, ns.Overall())

	ns = NodeStatus{Finished: 4}
	assert.Equal(t, 99, ns.Percentage())

	ns.Consolidated = true
	assert.Equal(t, 100, ns.Percentage())
	assert.Equal(t, OverallOK, ns.Overall())

	ns.Failed = 1
	assert.Equal(t, OverallFailed, ns.Overall())
}

func TestCount(t *testing.T) {
	ns := NodeStatus{Unprocessed: 1, Running: 2, Warned: 3, Failed: 4, Finished: 5}
	sum := 0
	for _, b := range Buckets {
		sum += ns.Count(b)
	}
	assert.Equal(t, ns.Total(), sum)
	assert.Equal(t, 3, ns.Count(Warned))
}
