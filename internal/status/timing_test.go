package status

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pidestat/internal/markup"
)

func TestMakeTimingThreshold(t *testing.T) {
	st := newFakeState()
	st.add("c1", markup.Of(markup.Running), markup.TimingOf(1.0), markup.Of(markup.Finished))
	st.add("c1", markup.TimingOf(1.5))
	v := fakeVersion{"A.thy": {"c1"}}
	node := v.Node("A.thy")

	nt := MakeTiming(st, v, node, 3.0)
	assert.InDelta(t, 2.5, nt.Total, 1e-9)
	assert.NotContains(t, nt.Commands, CommandID("c1"))

	nt = MakeTiming(st, v, node, 2.0)
	assert.InDelta(t, 2.5, nt.Total, 1e-9)
	assert.InDelta(t, 2.5, nt.Commands["c1"], 1e-9)
}

func TestMakeTimingTotalsEveryCommand(t *testing.T) {
	st := newFakeState()
	st.add("fast", markup.TimingOf(0.01))
	st.add("slow", markup.TimingOf(4), markup.Of(markup.Warning))
	v := fakeVersion{"B.thy": {"fast", "slow", "idle"}}

	nt := MakeTiming(st, v, v.Node("B.thy"), 1)
	assert.InDelta(t, 4.01, nt.Total, 1e-9)
	assert.Equal(t, map[CommandID]float64{"slow": 4}, nt.Commands)

	nt = MakeTiming(st, v, v.Node("B.thy"), 0)
	assert.Len(t, nt.Commands, 3)
}

func TestElapsedIgnoresOtherMarkup(t *testing.T) {
	evs := []markup.Event{markup.Of(markup.Accepted), markup.New("timing", 0.5), markup.New("other", 9)}
	assert.InDelta(t, 0.5, Elapsed(evs), 1e-9)
	assert.Zero(t, Elapsed(nil))
}
