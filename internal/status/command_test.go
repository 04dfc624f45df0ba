package status

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidestat/internal/markup"
)

func events(kinds ...markup.Kind) []markup.Event {
	out := make([]markup.Event, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, markup.Of(k))
	}
	return out
}

func randomStatus(r *rand.Rand) CommandStatus {
	return CommandStatus{
		Touched:  r.Intn(2) == 0,
		Accepted: r.Intn(2) == 0,
		Warned:   r.Intn(2) == 0,
		Failed:   r.Intn(2) == 0,
		Forks:    r.Intn(7) - 3,
		Runs:     r.Intn(7) - 3,
	}
}

func TestMakeEmptyIsIdentity(t *testing.T) {
	assert.Equal(t, Empty, Make(nil))
	assert.Equal(t, Empty, MergeAll())
	assert.Equal(t, Unprocessed, Make(nil).Bucket())
}

func TestMergeIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		a := randomStatus(r)
		require.Equal(t, a, Merge(a, Empty))
		require.Equal(t, a, Merge(Empty, a))
	}
}

func TestMergeAssociativeAndCommutative(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		a, b, c := randomStatus(r), randomStatus(r), randomStatus(r)
		require.Equal(t, Merge(Merge(a, b), c), Merge(a, Merge(b, c)))
		require.Equal(t, Merge(a, b), Merge(b, a))
		require.Equal(t, Merge(Merge(a, b), c), MergeAll(c, b, a))
	}
}

func TestMakeIsHomomorphicOverConcatenation(t *testing.T) {
	kinds := []markup.Kind{
		markup.Accepted, markup.Forked, markup.Joined, markup.Running, markup.Finished,
		markup.Warning, markup.Legacy, markup.Failed, markup.Error, markup.Timing, markup.Unknown,
	}
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		var xs, ys []markup.Event
		for j := r.Intn(8); j > 0; j-- {
			xs = append(xs, markup.Of(kinds[r.Intn(len(kinds))]))
		}
		for j := r.Intn(8); j > 0; j-- {
			ys = append(ys, markup.Of(kinds[r.Intn(len(kinds))]))
		}
		joined := append(append([]markup.Event{}, xs...), ys...)
		require.Equal(t, Merge(Make(xs), Make(ys)), Make(joined))
	}
}

func TestBucketIsExclusive(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 500; i++ {
		s := randomStatus(r)
		b := s.Bucket()
		switch b {
		case Running:
			require.True(t, s.IsRunning())
		case Failed:
			require.False(t, s.IsRunning())
			require.True(t, s.IsFailed())
		case Warned:
			require.False(t, s.IsRunning() || s.IsFailed())
			require.True(t, s.IsWarned())
		case Finished:
			require.False(t, s.IsRunning() || s.IsFailed() || s.IsWarned())
			require.True(t, s.IsFinished())
		case Unprocessed:
			require.False(t, s.IsRunning() || s.IsFailed() || s.IsWarned() || s.IsFinished())
		}
		var ns NodeStatus
		ns.add(b)
		require.Equal(t, 1, ns.Total())
	}
}

func TestFlagsIdempotentCountersNot(t *testing.T) {
	assert.Equal(t, Make(events(markup.Warning)), Make(events(markup.Warning, markup.Warning)))
	assert.True(t, Make(events(markup.Legacy)).Warned)

	twice := Make(events(markup.Forked, markup.Forked, markup.Running, markup.Running))
	assert.Equal(t, 2, twice.Forks)
	assert.Equal(t, 2, twice.Runs)
}

func TestScenarios(t *testing.T) {
	cases := []struct {
		name   string
		events []markup.Event
		want   CommandStatus
		bucket Bucket
	}{
		{
			name:   "simple success",
			events: events(markup.Accepted, markup.Forked, markup.Running, markup.Finished, markup.Joined),
			want:   CommandStatus{Touched: true, Accepted: true},
			bucket: Finished,
		},
		{
			name:   "failure",
			events: events(markup.Accepted, markup.Forked, markup.Running, markup.Error, markup.Finished, markup.Joined),
			want:   CommandStatus{Touched: true, Accepted: true, Failed: true},
			bucket: Failed,
		},
		{
			name:   "still running",
			events: events(markup.Accepted, markup.Forked, markup.Running),
			want:   CommandStatus{Touched: true, Accepted: true, Forks: 1, Runs: 1},
			bucket: Running,
		},
		{
			name:   "untouched",
			events: events(markup.Accepted),
			want:   CommandStatus{Accepted: true},
			bucket: Unprocessed,
		},
		{
			name:   "forked but waiting",
			events: events(markup.Accepted, markup.Forked),
			want:   CommandStatus{Touched: true, Accepted: true, Forks: 1},
			bucket: Unprocessed,
		},
		{
			name:   "warned after finishing",
			events: events(markup.Accepted, markup.Running, markup.Warning, markup.Finished),
			want:   CommandStatus{Touched: true, Accepted: true, Warned: true},
			bucket: Warned,
		},
		{
			name:   "failure while running",
			events: events(markup.Accepted, markup.Running, markup.Failed),
			want:   CommandStatus{Touched: true, Accepted: true, Failed: true, Runs: 1},
			bucket: Running,
		},
		{
			name:   "unknown and timing ignored",
			events: append(events(markup.Accepted, markup.Unknown), markup.TimingOf(3), markup.New("intensify", 0)),
			want:   CommandStatus{Accepted: true},
			bucket: Unprocessed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Make(tc.events)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.bucket, got.Bucket())
		})
	}
}

func TestNegativeCountersStayInProgress(t *testing.T) {
	s := Make(events(markup.Finished, markup.Joined))
	assert.Equal(t, -1, s.Runs)
	assert.Equal(t, -1, s.Forks)
	assert.Equal(t, Running, s.Bucket())

	s = Make(events(markup.Accepted, markup.Forked, markup.Joined, markup.Joined))
	assert.True(t, s.IsUnprocessed())
	assert.False(t, s.IsFinished())
	assert.Equal(t, Unprocessed, s.Bucket())
}

func TestBucketNames(t *testing.T) {
	var names []string
	for _, b := range Buckets {
		names = append(names, b.String())
	}
	assert.Equal(t, []string{"unprocessed", "running", "warned", "failed", "finished"}, names)
}
