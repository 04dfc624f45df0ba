package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"pidestat/internal/config"
	"pidestat/internal/document"
	"pidestat/internal/domain"
	"pidestat/internal/events"
	"pidestat/internal/markup"
	"pidestat/internal/repo"
	"pidestat/internal/status"
)

// LatestVersion selects the newest version of a session in ResolveVersion.
const LatestVersion = "latest"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// InitSession creates a session.
func (e Engine) InitSession(ctx context.Context, id, description, actorID string) (domain.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Session{}, errors.New("session id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()

	s := domain.Session{ID: id, Description: description, CreatedAt: e.stamp()}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.writer().Append(ctx, tx, events.SessionInit, s.ID, "session", s.ID, actorID, nil); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	e.logger().Info("session created", "session", s.ID)
	return s, nil
}

// CreateVersion adds the next version of a session. With a parent, node
// definitions and the evaluation history of surviving commands carry over.
func (e Engine) CreateVersion(ctx context.Context, sessionID, parentID, actorID string) (domain.Version, error) {
	if _, err := e.Repo.GetSession(ctx, sessionID); err != nil {
		return domain.Version{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Version{}, err
	}
	defer tx.Rollback()

	v := domain.Version{ID: uuid.NewString(), SessionID: sessionID, CreatedAt: e.stamp()}
	if parentID != "" {
		parent, err := e.Repo.GetVersionTx(ctx, tx, parentID)
		if err != nil {
			return domain.Version{}, err
		}
		if parent.SessionID != sessionID {
			return domain.Version{}, fmt.Errorf("invalid parent: version %s not in session %s", parentID, sessionID)
		}
		v.ParentID = &parent.ID
	}
	if v.Seq, err = e.Repo.NextVersionSeq(ctx, tx, sessionID); err != nil {
		return domain.Version{}, err
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.Version{}, fmt.Errorf("insert version: %w", err)
	}
	if v.ParentID != nil {
		if err := e.Repo.CopyVersion(ctx, tx, *v.ParentID, v.ID); err != nil {
			return domain.Version{}, err
		}
	}
	payload := events.EventPayload{"seq": v.Seq}
	if v.ParentID != nil {
		payload["parent_id"] = *v.ParentID
	}
	if err := e.writer().Append(ctx, tx, events.VersionCreate, sessionID, "version", v.ID, actorID, payload); err != nil {
		return domain.Version{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Version{}, err
	}
	e.logger().Info("version created", "session", sessionID, "version", v.ID, "seq", v.Seq)
	return v, nil
}

// ResolveVersion accepts a version id, or "" / "latest" for the newest
// version of the session.
func (e Engine) ResolveVersion(ctx context.Context, sessionID, ref string) (domain.Version, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || ref == LatestVersion {
		return e.Repo.LatestVersion(ctx, sessionID)
	}
	return e.Repo.GetVersion(ctx, ref)
}

// DefineNode sets the ordered commands of a node. Commands that already
// had evaluation attempts in the parent version keep them.
func (e Engine) DefineNode(ctx context.Context, versionID, name string, commands []string, actorID string) (domain.Node, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Node{}, errors.New("node name is required")
	}
	seen := make(map[string]struct{}, len(commands))
	for _, c := range commands {
		if strings.TrimSpace(c) == "" {
			return domain.Node{}, fmt.Errorf("invalid command id in node %s", name)
		}
		if _, dup := seen[c]; dup {
			return domain.Node{}, fmt.Errorf("invalid node %s: command %s listed twice", name, c)
		}
		seen[c] = struct{}{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Node{}, err
	}
	if err := e.Repo.UpsertNode(ctx, tx, v.ID, name, commands); err != nil {
		return domain.Node{}, err
	}
	if v.ParentID != nil {
		if err := e.Repo.CarryAssignments(ctx, tx, *v.ParentID, v.ID); err != nil {
			return domain.Node{}, err
		}
	}
	if err := e.writer().Append(ctx, tx, events.NodeDefine, v.SessionID, "node", name, actorID,
		events.EventPayload{"version_id": v.ID, "commands": len(commands)}); err != nil {
		return domain.Node{}, err
	}
	n, err := e.Repo.GetNodeTx(ctx, tx, v.ID, name)
	if err != nil {
		return domain.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	e.logger().Debug("node defined", "version", v.ID, "node", name, "commands", len(commands))
	return n, nil
}

// SetNodeFlags records the node lifecycle flags that are not nil.
func (e Engine) SetNodeFlags(ctx context.Context, versionID, name string, initialized, consolidated *bool, actorID string) (domain.Node, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Node{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, versionID)
	if err != nil {
		return domain.Node{}, err
	}
	if err := e.Repo.SetNodeFlags(ctx, tx, v.ID, name, initialized, consolidated); err != nil {
		return domain.Node{}, err
	}
	n, err := e.Repo.GetNodeTx(ctx, tx, v.ID, name)
	if err != nil {
		return domain.Node{}, err
	}
	if err := e.writer().Append(ctx, tx, events.NodeFlags, v.SessionID, "node", name, actorID, events.EventPayload{
		"version_id":   v.ID,
		"initialized":  n.Initialized,
		"consolidated": n.Consolidated,
	}); err != nil {
		return domain.Node{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Node{}, err
	}
	e.logger().Info("node flags", "version", v.ID, "node", name, "initialized", n.Initialized, "consolidated", n.Consolidated)
	return n, nil
}

// MarkupBatch is markup reported for one evaluation attempt of a command.
type MarkupBatch struct {
	VersionID string
	CommandID string
	ExecID    string
	Events    []markup.Event
}

// AppendMarkup appends markup to the attempt (command, exec), creating the
// attempt and assigning it to the version on first sight.
func (e Engine) AppendMarkup(ctx context.Context, b MarkupBatch, actorID string) (domain.CommandState, error) {
	if strings.TrimSpace(b.CommandID) == "" {
		return domain.CommandState{}, errors.New("command id is required")
	}
	if strings.TrimSpace(b.ExecID) == "" {
		return domain.CommandState{}, errors.New("exec id is required")
	}
	if len(b.Events) == 0 {
		return domain.CommandState{}, errors.New("at least one markup event is required")
	}
	for _, ev := range b.Events {
		if err := markup.CheckSeconds(ev.Elapsed); err != nil {
			return domain.CommandState{}, fmt.Errorf("invalid %s markup: %w", ev.Tag, err)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CommandState{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVersionTx(ctx, tx, b.VersionID)
	if err != nil {
		return domain.CommandState{}, err
	}
	now := e.stamp()
	st, err := e.Repo.EnsureCommandState(ctx, tx, b.CommandID, b.ExecID, now)
	if err != nil {
		return domain.CommandState{}, err
	}
	if err := e.Repo.AssignState(ctx, tx, v.ID, st.ID); err != nil {
		return domain.CommandState{}, fmt.Errorf("assign state: %w", err)
	}
	if err := e.Repo.InsertMarkup(ctx, tx, st.ID, b.Events, now); err != nil {
		return domain.CommandState{}, err
	}
	unknown := 0
	for _, ev := range b.Events {
		if ev.Kind == markup.Unknown {
			unknown++
		}
	}
	if err := e.writer().Append(ctx, tx, events.MarkupAppend, v.SessionID, "command", b.CommandID, actorID, events.EventPayload{
		"version_id": v.ID,
		"exec_id":    b.ExecID,
		"events":     len(b.Events),
		"unknown":    unknown,
	}); err != nil {
		return domain.CommandState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CommandState{}, err
	}
	e.logger().Debug("markup appended", "version", v.ID, "command", b.CommandID, "exec", b.ExecID, "events", len(b.Events))
	return st, nil
}

// Snapshot materializes a version for the status aggregators.
func (e Engine) Snapshot(ctx context.Context, versionID string) (*document.Snapshot, error) {
	return e.Repo.LoadSnapshot(ctx, versionID)
}

// NodeStatus aggregates one node of a version.
func (e Engine) NodeStatus(ctx context.Context, versionID, name string) (status.NodeStatus, error) {
	snap, err := e.nodeSnapshot(ctx, versionID, name)
	if err != nil {
		return status.NodeStatus{}, err
	}
	return snap.NodeStatus(name), nil
}

// NodeTiming sums the timing of one node of a version.
func (e Engine) NodeTiming(ctx context.Context, versionID, name string, threshold float64) (status.NodeTiming, error) {
	snap, err := e.nodeSnapshot(ctx, versionID, name)
	if err != nil {
		return status.NodeTiming{}, err
	}
	return snap.NodeTiming(name, threshold), nil
}

// NodesStatus aggregates every node of a version.
func (e Engine) NodesStatus(ctx context.Context, versionID string) (status.Nodes, error) {
	snap, err := e.Snapshot(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return snap.Nodes(), nil
}

// TimingThreshold is the configured slow-command threshold in seconds.
func (e Engine) TimingThreshold() float64 {
	if e.Config == nil {
		return 0
	}
	return e.Config.Timing.Threshold
}

func (e Engine) nodeSnapshot(ctx context.Context, versionID, name string) (*document.Snapshot, error) {
	snap, err := e.Snapshot(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !snap.HasNode(name) {
		return nil, fmt.Errorf("node %s: %w", name, repo.ErrNotFound)
	}
	return snap, nil
}
