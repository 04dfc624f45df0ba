package domain

type Session struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Version struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Seq       int64   `json:"seq"`
	ParentID  *string `json:"parent_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Node struct {
	VersionID    string   `json:"version_id"`
	Name         string   `json:"name"`
	Commands     []string `json:"commands"`
	Initialized  bool     `json:"initialized"`
	Consolidated bool     `json:"consolidated"`
}

type CommandState struct {
	ID        int64  `json:"id"`
	CommandID string `json:"command_id"`
	ExecID    string `json:"exec_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MarkupEntry struct {
	ID      int64   `json:"id"`
	StateID int64   `json:"state_id"`
	Tag     string  `json:"kind"`
	Elapsed float64 `json:"elapsed,omitempty"`
	TS      string  `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
