// Package markup models the status signals a checker reports for one command
// evaluation. Tags outside the known set parse to Unknown and are carried
// through unchanged so newer checkers can add kinds without breaking readers.
package markup

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the closed set of markup kinds the status fold understands.
type Kind int

const (
	Unknown Kind = iota
	Accepted
	Forked
	Joined
	Running
	Finished
	Warning
	Legacy
	Failed
	Error
	Timing
)

var kindNames = map[Kind]string{
	Accepted: "accepted",
	Forked:   "forked",
	Joined:   "joined",
	Running:  "running",
	Finished: "finished",
	Warning:  "warning",
	Legacy:   "legacy",
	Failed:   "failed",
	Error:    "error",
	Timing:   "timing",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a tag name to its Kind, case-insensitively.
func ParseKind(tag string) Kind {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for k, name := range kindNames {
		if name == tag {
			return k
		}
	}
	return Unknown
}

// Event is one markup signal. Tag keeps the name as reported; Elapsed is
// only meaningful for Timing and is measured in seconds.
type Event struct {
	Kind    Kind
	Tag     string
	Elapsed float64
}

// New builds an event from a raw tag name.
func New(tag string, elapsed float64) Event {
	tag = strings.TrimSpace(tag)
	return Event{Kind: ParseKind(tag), Tag: strings.ToLower(tag), Elapsed: elapsed}
}

// Of builds an event for a known kind.
func Of(k Kind) Event {
	return Event{Kind: k, Tag: k.String()}
}

// TimingOf builds a timing event.
func TimingOf(seconds float64) Event {
	return Event{Kind: Timing, Tag: Timing.String(), Elapsed: seconds}
}

// Parse reads the compact "tag" or "tag:seconds" form used on the command line.
func Parse(s string) (Event, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Event{}, fmt.Errorf("empty markup tag")
	}
	tag, raw, hasElapsed := strings.Cut(s, ":")
	if !hasElapsed {
		tag, raw, hasElapsed = strings.Cut(s, "=")
	}
	var elapsed float64
	if hasElapsed {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Event{}, fmt.Errorf("invalid elapsed %q for %s: %w", raw, tag, err)
		}
		if err := CheckSeconds(v); err != nil {
			return Event{}, fmt.Errorf("invalid elapsed %q for %s: %w", raw, tag, err)
		}
		elapsed = v
	}
	return New(tag, elapsed), nil
}

// CheckSeconds rejects durations that cannot be summed or encoded as JSON.
func CheckSeconds(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return fmt.Errorf("seconds must be finite")
	case v < 0:
		return fmt.Errorf("seconds must not be negative")
	}
	return nil
}

// ParseAll parses every tag, stopping at the first malformed one.
func ParseAll(tags []string) ([]Event, error) {
	out := make([]Event, 0, len(tags))
	for _, t := range tags {
		e, err := Parse(t)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (e Event) String() string {
	if e.Kind == Timing {
		return e.Tag + ":" + strconv.FormatFloat(e.Elapsed, 'f', -1, 64)
	}
	return e.Tag
}

type eventJSON struct {
	Kind    string  `json:"kind"`
	Elapsed float64 `json:"elapsed,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{Kind: e.Tag, Elapsed: e.Elapsed})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = New(raw.Kind, raw.Elapsed)
	return nil
}
