package server

import (
	"encoding/json"

	"pidestat/internal/domain"
	"pidestat/internal/markup"
	"pidestat/internal/status"
)

// Request payloads

type CreateSessionRequest struct {
	ID          string  `json:"id" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

type CreateVersionRequest struct {
	ParentID *string `json:"parent_id,omitempty" doc:"Derive from this version; \"latest\" picks the newest one"`
}

type DefineNodeRequest struct {
	Name     string   `json:"name" minLength:"1"`
	Commands []string `json:"commands"`
}

type NodeFlagsRequest struct {
	Node         string `json:"node" minLength:"1"`
	Initialized  *bool  `json:"initialized,omitempty"`
	Consolidated *bool  `json:"consolidated,omitempty"`
}

type MarkupEventRequest struct {
	Kind    string  `json:"kind" minLength:"1" example:"running"`
	Elapsed float64 `json:"elapsed,omitempty" doc:"Seconds, for timing markup"`
}

type AppendMarkupRequest struct {
	CommandID string               `json:"command_id" minLength:"1"`
	ExecID    string               `json:"exec_id" minLength:"1"`
	Events    []MarkupEventRequest `json:"events" minItems:"1"`
}

// Response payloads

type SessionResponse domain.Session

type VersionResponse domain.Version

type NodeResponse domain.Node

type CommandStateResponse domain.CommandState

type NodeStatusResponse struct {
	VersionID  string                `json:"version_id"`
	Node       string                `json:"node"`
	Status     status.NodeStatusJSON `json:"status"`
	Percentage int                   `json:"percentage"`
	Overall    string                `json:"overall" enum:"pending,ok,failed"`
}

type NodesResponse struct {
	VersionID string               `json:"version_id"`
	Nodes     []NodeStatusResponse `json:"nodes"`
	Summary   map[string]int       `json:"summary"`
}

type NodeTimingResponse struct {
	VersionID string             `json:"version_id"`
	Node      string             `json:"node"`
	Threshold float64            `json:"threshold"`
	Total     float64            `json:"total"`
	Commands  map[string]float64 `json:"commands"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func markupEvents(in []MarkupEventRequest) []markup.Event {
	out := make([]markup.Event, 0, len(in))
	for _, e := range in {
		out = append(out, markup.New(e.Kind, e.Elapsed))
	}
	return out
}

func nodeStatusResponse(versionID, name string, ns status.NodeStatus) NodeStatusResponse {
	return NodeStatusResponse{
		VersionID:  versionID,
		Node:       name,
		Status:     ns.JSON(),
		Percentage: ns.Percentage(),
		Overall:    string(ns.Overall()),
	}
}

func nodesResponse(versionID string, nodes status.Nodes) NodesResponse {
	resp := NodesResponse{VersionID: versionID, Nodes: []NodeStatusResponse{}, Summary: map[string]int{}}
	for _, name := range nodes.Names() {
		resp.Nodes = append(resp.Nodes, nodeStatusResponse(versionID, name, nodes[name]))
	}
	for overall, n := range nodes.Summary() {
		resp.Summary[string(overall)] = n
	}
	return resp
}

func nodeTimingResponse(versionID, name string, threshold float64, t status.NodeTiming) NodeTimingResponse {
	resp := NodeTimingResponse{
		VersionID: versionID,
		Node:      name,
		Threshold: threshold,
		Total:     t.Total,
		Commands:  make(map[string]float64, len(t.Commands)),
	}
	for id, secs := range t.Commands {
		resp.Commands[string(id)] = secs
	}
	return resp
}

func mapSessions(items []domain.Session) []SessionResponse {
	out := make([]SessionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, SessionResponse(s))
	}
	return out
}

func mapVersions(items []domain.Version) []VersionResponse {
	out := make([]VersionResponse, 0, len(items))
	for _, v := range items {
		out = append(out, VersionResponse(v))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
