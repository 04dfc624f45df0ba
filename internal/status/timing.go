package status

import "pidestat/internal/markup"

// NodeTiming is the elapsed checking time of a node, in seconds. Commands
// only lists commands at or above the threshold it was made with; Total
// counts every command.
type NodeTiming struct {
	Total    float64               `json:"total"`
	Commands map[CommandID]float64 `json:"commands"`
}

// Elapsed sums the timing markup of one history.
func Elapsed(events []markup.Event) float64 {
	var t float64
	for _, e := range events {
		if e.Kind == markup.Timing {
			t += e.Elapsed
		}
	}
	return t
}

// CommandTiming sums the timing of every state of a command.
func CommandTiming(state State, version Version, id CommandID) float64 {
	var t float64
	for _, st := range state.CommandStates(version, id) {
		t += Elapsed(st.Markup())
	}
	return t
}

// MakeTiming accumulates timing over the commands of node.
func MakeTiming(state State, version Version, node Node, threshold float64) NodeTiming {
	nt := NodeTiming{Commands: make(map[CommandID]float64)}
	for _, id := range node.Commands {
		t := CommandTiming(state, version, id)
		nt.Total += t
		if t >= threshold {
			nt.Commands[id] = t
		}
	}
	return nt
}
