// Package document holds an immutable in-memory view of one document
// version: its nodes, their commands and every evaluation attempt assigned
// to those commands. A Snapshot implements both status.Version and
// status.State, so it can be handed to the aggregators directly and read
// from several goroutines at once.
package document

import (
	"sort"

	"pidestat/internal/markup"
	"pidestat/internal/status"
)

// CommandState is one evaluation attempt. Its document status is computed
// once when the state is built.
type CommandState struct {
	Command status.CommandID
	ExecID  string
	markup  []markup.Event
	status  status.CommandStatus
}

// NewCommandState copies events and folds them.
func NewCommandState(command status.CommandID, execID string, events []markup.Event) *CommandState {
	evs := append([]markup.Event(nil), events...)
	return &CommandState{
		Command: command,
		ExecID:  execID,
		markup:  evs,
		status:  status.Make(evs),
	}
}

func (s *CommandState) Markup() []markup.Event { return s.markup }

func (s *CommandState) DocumentStatus() status.CommandStatus { return s.status }

// NodeInfo describes one node of a version as loaded from storage.
type NodeInfo struct {
	Name         string
	Commands     []status.CommandID
	Initialized  bool
	Consolidated bool
}

// Snapshot is the frozen state of a version.
type Snapshot struct {
	VersionID string
	nodes     map[string]NodeInfo
	states    map[status.CommandID][]status.CommandState
}

// NewSnapshot builds a snapshot from nodes and command states.
func NewSnapshot(versionID string, nodes []NodeInfo, states []*CommandState) *Snapshot {
	s := &Snapshot{
		VersionID: versionID,
		nodes:     make(map[string]NodeInfo, len(nodes)),
		states:    make(map[status.CommandID][]status.CommandState),
	}
	for _, n := range nodes {
		n.Commands = append([]status.CommandID(nil), n.Commands...)
		s.nodes[n.Name] = n
	}
	for _, st := range states {
		s.states[st.Command] = append(s.states[st.Command], st)
	}
	return s
}

// Node implements status.Version.
func (s *Snapshot) Node(name string) status.Node {
	n := s.nodes[name]
	return status.Node{Name: name, Commands: n.Commands}
}

// NodeNames lists the nodes in sorted order.
func (s *Snapshot) NodeNames() []string {
	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasNode reports whether the version defines name.
func (s *Snapshot) HasNode(name string) bool {
	_, ok := s.nodes[name]
	return ok
}

// CommandStates implements status.State. The version argument is ignored:
// a snapshot only ever answers for its own version.
func (s *Snapshot) CommandStates(_ status.Version, command status.CommandID) []status.CommandState {
	return s.states[command]
}

func (s *Snapshot) NodeInitialized(_ status.Version, name string) bool {
	return s.nodes[name].Initialized
}

func (s *Snapshot) NodeConsolidated(_ status.Version, name string) bool {
	return s.nodes[name].Consolidated
}

// NodeStatus is status.MakeNode against this snapshot.
func (s *Snapshot) NodeStatus(name string) status.NodeStatus {
	return status.MakeNode(s, s, name)
}

// NodeTiming is status.MakeTiming against this snapshot.
func (s *Snapshot) NodeTiming(name string, threshold float64) status.NodeTiming {
	return status.MakeTiming(s, s, s.Node(name), threshold)
}

// Nodes computes the status of every node.
func (s *Snapshot) Nodes() status.Nodes {
	nodes, _ := status.Nodes(nil).Update(s, s, s.NodeNames())
	return nodes
}
