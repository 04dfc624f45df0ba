package status

import "sort"

// Nodes maps node names to their last computed status.
type Nodes map[string]NodeStatus

// Update recomputes the named nodes against version and reports whether
// any status differs from n. Nodes not named are dropped. n is not modified.
func (n Nodes) Update(state State, version Version, names []string) (Nodes, bool) {
	next := make(Nodes, len(names))
	changed := len(names) != len(n)
	for _, name := range names {
		st := MakeNode(state, version, name)
		next[name] = st
		if prev, ok := n[name]; !ok || prev != st {
			changed = true
		}
	}
	return next, changed
}

// Names returns the node names in sorted order.
func (n Nodes) Names() []string {
	names := make([]string, 0, len(n))
	for name := range n {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Summary counts nodes per overall state.
func (n Nodes) Summary() map[Overall]int {
	out := map[Overall]int{OverallPending: 0, OverallOK: 0, OverallFailed: 0}
	for _, st := range n {
		out[st.Overall()]++
	}
	return out
}
