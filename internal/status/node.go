package status

import (
	"encoding/json"

	"pidestat/internal/markup"
)

// CommandID identifies a command within a document version.
type CommandID string

// Node is one document node: its name and the ordered commands it contains.
type Node struct {
	Name     string
	Commands []CommandID
}

// Version resolves node names at one document revision. An unknown name
// resolves to a node without commands.
type Version interface {
	Node(name string) Node
}

// CommandState is one evaluation attempt of a command.
type CommandState interface {
	// Markup is the accumulated markup history of the attempt.
	Markup() []markup.Event
	// DocumentStatus is Make applied to Markup, usually computed once.
	DocumentStatus() CommandStatus
}

// State exposes the checker's view of a document at a version.
type State interface {
	CommandStates(version Version, command CommandID) []CommandState
	NodeInitialized(version Version, name string) bool
	NodeConsolidated(version Version, name string) bool
}

// NodeStatus counts the commands of one node per bucket, plus the two
// lifecycle flags tracked by the state.
type NodeStatus struct {
	Unprocessed  int
	Running      int
	Warned       int
	Failed       int
	Finished     int
	Initialized  bool
	Consolidated bool
}

// MakeNode merges every command state of the named node and counts each
// command under exactly one bucket.
func MakeNode(state State, version Version, name string) NodeStatus {
	var ns NodeStatus
	for _, id := range version.Node(name).Commands {
		ns.add(CommandStatusOf(state, version, id).Bucket())
	}
	ns.Initialized = state.NodeInitialized(version, name)
	ns.Consolidated = state.NodeConsolidated(version, name)
	return ns
}

// CommandStatusOf merges the document status of every state of a command.
func CommandStatusOf(state State, version Version, id CommandID) CommandStatus {
	acc := Empty
	for _, st := range state.CommandStates(version, id) {
		acc = Merge(acc, st.DocumentStatus())
	}
	return acc
}

func (ns *NodeStatus) add(b Bucket) {
	switch b {
	case Running:
		ns.Running++
	case Failed:
		ns.Failed++
	case Warned:
		ns.Warned++
	case Finished:
		ns.Finished++
	default:
		ns.Unprocessed++
	}
}

// Count returns the number of commands in bucket b.
func (ns NodeStatus) Count(b Bucket) int {
	switch b {
	case Running:
		return ns.Running
	case Failed:
		return ns.Failed
	case Warned:
		return ns.Warned
	case Finished:
		return ns.Finished
	default:
		return ns.Unprocessed
	}
}

func (ns NodeStatus) Total() int {
	return ns.Unprocessed + ns.Running + ns.Warned + ns.Failed + ns.Finished
}

func (ns NodeStatus) OK() bool { return ns.Failed == 0 }

// Percentage estimates progress for display. Only a consolidated node
// reports 100.
func (ns NodeStatus) Percentage() int {
	total := ns.Total()
	switch {
	case ns.Consolidated:
		return 100
	case total == 0:
		return 0
	}
	p := (total - ns.Unprocessed) * 100 / total
	return min(p, 99)
}

// Overall is the coarse state of a node.
type Overall string

const (
	OverallPending Overall = "pending"
	OverallOK      Overall = "ok"
	OverallFailed  Overall = "failed"
)

// Overall is pending until the node is consolidated.
func (ns NodeStatus) Overall() Overall {
	switch {
	case !ns.Consolidated:
		return OverallPending
	case ns.OK():
		return OverallOK
	default:
		return OverallFailed
	}
}

// NodeStatusJSON is the flat wire form of a NodeStatus.
type NodeStatusJSON struct {
	OK           bool `json:"ok"`
	Total        int  `json:"total"`
	Unprocessed  int  `json:"unprocessed"`
	Running      int  `json:"running"`
	Warned       int  `json:"warned"`
	Failed       int  `json:"failed"`
	Finished     int  `json:"finished"`
	Initialized  bool `json:"initialized"`
	Consolidated bool `json:"consolidated"`
}

// JSON returns the wire form; ok and total are derived.
func (ns NodeStatus) JSON() NodeStatusJSON {
	return NodeStatusJSON{
		OK:           ns.OK(),
		Total:        ns.Total(),
		Unprocessed:  ns.Unprocessed,
		Running:      ns.Running,
		Warned:       ns.Warned,
		Failed:       ns.Failed,
		Finished:     ns.Finished,
		Initialized:  ns.Initialized,
		Consolidated: ns.Consolidated,
	}
}

func (ns NodeStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(ns.JSON())
}

func (ns *NodeStatus) UnmarshalJSON(data []byte) error {
	var raw NodeStatusJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*ns = NodeStatus{
		Unprocessed:  raw.Unprocessed,
		Running:      raw.Running,
		Warned:       raw.Warned,
		Failed:       raw.Failed,
		Finished:     raw.Finished,
		Initialized:  raw.Initialized,
		Consolidated: raw.Consolidated,
	}
	return nil
}
