package repo

import (
	"context"
	"fmt"

	"pidestat/internal/document"
	"pidestat/internal/markup"
	"pidestat/internal/status"
)

// LoadSnapshot materializes one version inside a single transaction, so
// markup appended concurrently is either fully visible or not at all.
func (r Repo) LoadSnapshot(ctx context.Context, versionID string) (*document.Snapshot, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := r.GetVersionTx(ctx, tx, versionID); err != nil {
		return nil, err
	}
	nodes, err := listNodes(ctx, tx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	infos := make([]document.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		cmds := make([]status.CommandID, 0, len(n.Commands))
		for _, c := range n.Commands {
			cmds = append(cmds, status.CommandID(c))
		}
		infos = append(infos, document.NodeInfo{
			Name:         n.Name,
			Commands:     cmds,
			Initialized:  n.Initialized,
			Consolidated: n.Consolidated,
		})
	}

	type attempt struct {
		command string
		exec    string
		events  []markup.Event
	}
	var order []int64
	attempts := map[int64]*attempt{}
	rows, err := tx.QueryContext(ctx, `SELECT cs.id,cs.command_id,cs.exec_id FROM assignments a
JOIN command_states cs ON cs.id=a.state_id
WHERE a.version_id=? ORDER BY cs.id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("load command states: %w", err)
	}
	for rows.Next() {
		var id int64
		a := &attempt{}
		if err := rows.Scan(&id, &a.command, &a.exec); err != nil {
			rows.Close()
			return nil, err
		}
		attempts[id] = a
		order = append(order, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := tx.QueryContext(ctx, `SELECT m.state_id,m.tag,m.elapsed FROM markup m
JOIN assignments a ON a.state_id=m.state_id
WHERE a.version_id=? ORDER BY m.id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("load markup: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var (
			stateID int64
			tag     string
			elapsed float64
		)
		if err := mrows.Scan(&stateID, &tag, &elapsed); err != nil {
			return nil, err
		}
		if a, ok := attempts[stateID]; ok {
			a.events = append(a.events, markup.New(tag, elapsed))
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, err
	}

	states := make([]*document.CommandState, 0, len(order))
	for _, id := range order {
		a := attempts[id]
		states = append(states, document.NewCommandState(status.CommandID(a.command), a.exec, a.events))
	}
	return document.NewSnapshot(versionID, infos, states), nil
}
