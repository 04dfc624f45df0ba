// Package status folds checker markup into command and node progress.
//
// Everything here is a pure function of its arguments: a CommandStatus is
// derived from a markup history, merged with other partial views of the same
// command, and the merged result is classified into exactly one Bucket.
// Merge is associative and commutative with Empty as identity, so partial
// histories may be combined in any batching or order.
package status

import "pidestat/internal/markup"

// CommandStatus summarises the markup seen for one command evaluation.
// Forks and Runs are net counters; malformed or reordered input may drive
// them negative, which the predicates treat as still in progress.
type CommandStatus struct {
	Touched  bool `json:"touched"`
	Accepted bool `json:"accepted"`
	Warned   bool `json:"warned"`
	Failed   bool `json:"failed"`
	Forks    int  `json:"forks"`
	Runs     int  `json:"runs"`
}

// Empty is the identity of Merge and the status of a command with no markup.
var Empty = CommandStatus{}

// Make folds a markup history into a CommandStatus. Unknown kinds are ignored.
func Make(events []markup.Event) CommandStatus {
	var s CommandStatus
	for _, e := range events {
		s = s.apply(e.Kind)
	}
	return s
}

func (s CommandStatus) apply(k markup.Kind) CommandStatus {
	switch k {
	case markup.Accepted:
		s.Accepted = true
	case markup.Forked:
		s.Touched = true
		s.Forks++
	case markup.Joined:
		s.Forks--
	case markup.Running:
		s.Touched = true
		s.Runs++
	case markup.Finished:
		s.Runs--
	case markup.Warning, markup.Legacy:
		s.Warned = true
	case markup.Failed, markup.Error:
		s.Failed = true
	case markup.Timing, markup.Unknown:
	}
	return s
}

// Merge combines two partial views: flags are or-ed, counters summed.
func Merge(a, b CommandStatus) CommandStatus {
	return CommandStatus{
		Touched:  a.Touched || b.Touched,
		Accepted: a.Accepted || b.Accepted,
		Warned:   a.Warned || b.Warned,
		Failed:   a.Failed || b.Failed,
		Forks:    a.Forks + b.Forks,
		Runs:     a.Runs + b.Runs,
	}
}

// MergeAll folds statuses with Merge; no statuses yields Empty.
func MergeAll(statuses ...CommandStatus) CommandStatus {
	acc := Empty
	for _, s := range statuses {
		acc = Merge(acc, s)
	}
	return acc
}

func (s CommandStatus) IsUnprocessed() bool {
	return s.Accepted && !s.Failed && (!s.Touched || (s.Forks != 0 && s.Runs == 0))
}

func (s CommandStatus) IsRunning() bool { return s.Runs != 0 }

func (s CommandStatus) IsWarned() bool { return s.Warned }

func (s CommandStatus) IsFailed() bool { return s.Failed }

func (s CommandStatus) IsFinished() bool {
	return !s.Failed && s.Touched && s.Forks == 0 && s.Runs == 0
}

// Bucket is the single class a command is counted under in a NodeStatus.
type Bucket int

const (
	Unprocessed Bucket = iota
	Running
	Warned
	Failed
	Finished
)

func (b Bucket) String() string {
	switch b {
	case Running:
		return "running"
	case Warned:
		return "warned"
	case Failed:
		return "failed"
	case Finished:
		return "finished"
	default:
		return "unprocessed"
	}
}

// Buckets lists every bucket in reporting order.
var Buckets = []Bucket{Unprocessed, Running, Warned, Failed, Finished}

// Bucket classifies s; the first matching predicate wins in the order
// running, failed, warned, finished, with unprocessed as the fallback.
func (s CommandStatus) Bucket() Bucket {
	switch {
	case s.IsRunning():
		return Running
	case s.IsFailed():
		return Failed
	case s.IsWarned():
		return Warned
	case s.IsFinished():
		return Finished
	default:
		return Unprocessed
	}
}
