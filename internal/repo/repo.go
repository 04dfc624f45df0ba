package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pidestat/internal/domain"
	"pidestat/internal/markup"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// --- sessions ---

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sessions(id,description,created_at) VALUES (?,?,?)`,
		s.ID, nullable(s.Description), s.CreatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := r.DB.QueryRowContext(ctx, `SELECT id,COALESCE(description,''),created_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.Description, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(description,''),created_at FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.Description, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SingleSession returns the only session, failing when there are none or several.
func (r Repo) SingleSession(ctx context.Context) (domain.Session, error) {
	sessions, err := r.ListSessions(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if len(sessions) == 0 {
		return domain.Session{}, ErrNotFound
	}
	if len(sessions) > 1 {
		return domain.Session{}, fmt.Errorf("multiple sessions exist; specify --session")
	}
	return sessions[0], nil
}

// --- versions ---

const versionColumns = `id,session_id,seq,parent_id,created_at`

func scanVersion(scan func(dest ...any) error) (domain.Version, error) {
	var v domain.Version
	var parent sql.NullString
	if err := scan(&v.ID, &v.SessionID, &v.Seq, &parent, &v.CreatedAt); err != nil {
		return v, err
	}
	if parent.Valid {
		v.ParentID = &parent.String
	}
	return v, nil
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO versions(id,session_id,seq,parent_id,created_at) VALUES (?,?,?,?,?)`,
		v.ID, v.SessionID, v.Seq, nullableStringPtr(v.ParentID), v.CreatedAt)
	return err
}

func (r Repo) NextVersionSeq(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	var seq int64
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM versions WHERE session_id=?`, sessionID).Scan(&seq)
	return seq, err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	return r.GetVersionTx(ctx, nil, id)
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	v, err := scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return v, err
}

// LatestVersion returns the highest-numbered version of a session.
func (r Repo) LatestVersion(ctx context.Context, sessionID string) (domain.Version, error) {
	v, err := scanVersion(r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE session_id=? ORDER BY seq DESC LIMIT 1`, sessionID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return v, fmt.Errorf("no versions in session %s: %w", sessionID, ErrNotFound)
	}
	return v, err
}

func (r Repo) ListVersions(ctx context.Context, sessionID string) ([]domain.Version, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// CopyVersion copies node definitions of parent into child with lifecycle
// flags cleared, and carries over the evaluation attempts of every command
// the child still contains.
func (r Repo) CopyVersion(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO nodes(version_id,name,initialized,consolidated)
SELECT ?, name, 0, 0 FROM nodes WHERE version_id=?`, childID, parentID); err != nil {
		return fmt.Errorf("copy nodes: %w", err)
	}
	if _, err := q.ExecContext(ctx, `INSERT INTO node_commands(version_id,node_name,position,command_id)
SELECT ?, node_name, position, command_id FROM node_commands WHERE version_id=?`, childID, parentID); err != nil {
		return fmt.Errorf("copy node commands: %w", err)
	}
	return r.CarryAssignments(ctx, tx, parentID, childID)
}

// CarryAssignments assigns to child the parent attempts of commands the child
// nodes list.
func (r Repo) CarryAssignments(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO assignments(version_id,state_id)
SELECT ?, a.state_id FROM assignments a
JOIN command_states cs ON cs.id=a.state_id
WHERE a.version_id=?
  AND cs.command_id IN (SELECT command_id FROM node_commands WHERE version_id=?)`, childID, parentID, childID)
	if err != nil {
		return fmt.Errorf("carry assignments: %w", err)
	}
	return nil
}

// --- nodes ---

// UpsertNode creates the node if needed and replaces its command sequence.
func (r Repo) UpsertNode(ctx context.Context, tx *sql.Tx, versionID, name string, commands []string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO nodes(version_id,name) VALUES (?,?)`, versionID, name); err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM node_commands WHERE version_id=? AND node_name=?`, versionID, name); err != nil {
		return fmt.Errorf("clear node commands: %w", err)
	}
	for i, c := range commands {
		if _, err := q.ExecContext(ctx, `INSERT INTO node_commands(version_id,node_name,position,command_id) VALUES (?,?,?,?)`,
			versionID, name, i, c); err != nil {
			return fmt.Errorf("insert node command %s: %w", c, err)
		}
	}
	return nil
}

// SetNodeFlags updates the lifecycle flags that are not nil.
func (r Repo) SetNodeFlags(ctx context.Context, tx *sql.Tx, versionID, name string, initialized, consolidated *bool) error {
	var (
		fields []string
		args   []any
	)
	if initialized != nil {
		fields = append(fields, "initialized=?")
		args = append(args, boolInt(*initialized))
	}
	if consolidated != nil {
		fields = append(fields, "consolidated=?")
		args = append(args, boolInt(*consolidated))
	}
	if len(fields) == 0 {
		_, err := r.getNode(ctx, r.q(tx), versionID, name)
		return err
	}
	args = append(args, versionID, name)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE nodes SET %s WHERE version_id=? AND name=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s: %w", name, ErrNotFound)
	}
	return nil
}

func (r Repo) GetNode(ctx context.Context, versionID, name string) (domain.Node, error) {
	return r.getNode(ctx, r.DB, versionID, name)
}

func (r Repo) GetNodeTx(ctx context.Context, tx *sql.Tx, versionID, name string) (domain.Node, error) {
	return r.getNode(ctx, r.q(tx), versionID, name)
}

func (r Repo) getNode(ctx context.Context, q querier, versionID, name string) (domain.Node, error) {
	n := domain.Node{VersionID: versionID, Name: name, Commands: []string{}}
	err := q.QueryRowContext(ctx, `SELECT initialized,consolidated FROM nodes WHERE version_id=? AND name=?`, versionID, name).
		Scan(&n.Initialized, &n.Consolidated)
	if errors.Is(err, sql.ErrNoRows) {
		return n, fmt.Errorf("node %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return n, err
	}
	rows, err := q.QueryContext(ctx, `SELECT command_id FROM node_commands WHERE version_id=? AND node_name=? ORDER BY position`, versionID, name)
	if err != nil {
		return n, err
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return n, err
		}
		n.Commands = append(n.Commands, c)
	}
	return n, rows.Err()
}

// ListNodes returns every node of a version with its commands.
func (r Repo) ListNodes(ctx context.Context, versionID string) ([]domain.Node, error) {
	return listNodes(ctx, r.DB, versionID)
}

func listNodes(ctx context.Context, q querier, versionID string) ([]domain.Node, error) {
	rows, err := q.QueryContext(ctx, `SELECT name,initialized,consolidated FROM nodes WHERE version_id=? ORDER BY name`, versionID)
	if err != nil {
		return nil, err
	}
	var nodes []domain.Node
	index := map[string]int{}
	for rows.Next() {
		n := domain.Node{VersionID: versionID, Commands: []string{}}
		if err := rows.Scan(&n.Name, &n.Initialized, &n.Consolidated); err != nil {
			rows.Close()
			return nil, err
		}
		index[n.Name] = len(nodes)
		nodes = append(nodes, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := q.QueryContext(ctx, `SELECT node_name,command_id FROM node_commands WHERE version_id=? ORDER BY node_name, position`, versionID)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var name, c string
		if err := crows.Scan(&name, &c); err != nil {
			return nil, err
		}
		if i, ok := index[name]; ok {
			nodes[i].Commands = append(nodes[i].Commands, c)
		}
	}
	return nodes, crows.Err()
}

// --- command states and markup ---

// EnsureCommandState returns the attempt (command, exec), creating it if needed.
func (r Repo) EnsureCommandState(ctx context.Context, tx *sql.Tx, commandID, execID, now string) (domain.CommandState, error) {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO command_states(command_id,exec_id,created_at) VALUES (?,?,?)`,
		commandID, execID, now); err != nil {
		return domain.CommandState{}, fmt.Errorf("insert command state: %w", err)
	}
	st := domain.CommandState{CommandID: commandID, ExecID: execID}
	err := q.QueryRowContext(ctx, `SELECT id,created_at FROM command_states WHERE command_id=? AND exec_id=?`, commandID, execID).
		Scan(&st.ID, &st.CreatedAt)
	return st, err
}

func (r Repo) AssignState(ctx context.Context, tx *sql.Tx, versionID string, stateID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO assignments(version_id,state_id) VALUES (?,?)`, versionID, stateID)
	return err
}

// InsertMarkup appends events to the history of a state, keeping their order.
func (r Repo) InsertMarkup(ctx context.Context, tx *sql.Tx, stateID int64, evs []markup.Event, ts string) error {
	q := r.q(tx)
	for _, e := range evs {
		if _, err := q.ExecContext(ctx, `INSERT INTO markup(state_id,tag,elapsed,ts) VALUES (?,?,?,?)`, stateID, e.Tag, e.Elapsed, ts); err != nil {
			return fmt.Errorf("insert markup: %w", err)
		}
	}
	return nil
}

// ListMarkup returns the history of one attempt.
func (r Repo) ListMarkup(ctx context.Context, stateID int64) ([]domain.MarkupEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,state_id,tag,elapsed,ts FROM markup WHERE state_id=? ORDER BY id`, stateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MarkupEntry
	for rows.Next() {
		var m domain.MarkupEntry
		if err := rows.Scan(&m.ID, &m.StateID, &m.Tag, &m.Elapsed, &m.TS); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
