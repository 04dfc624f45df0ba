package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"pidestat/internal/config"
	"pidestat/internal/domain"
	"pidestat/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// hookTarget is one enabled webhook with its own client, type filter and
// position in the event log.
type hookTarget struct {
	url     string
	secret  string
	client  *http.Client
	types   map[string]bool
	cursor  int64
	started bool
}

func newHookTarget(cfg config.WebhookConfig) *hookTarget {
	timeout := defaultWebhookTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	t := &hookTarget{
		url:    strings.TrimSpace(cfg.URL),
		secret: strings.TrimSpace(cfg.Secret),
		client: &http.Client{Timeout: timeout},
	}
	for _, typ := range cfg.Events {
		if typ = strings.TrimSpace(typ); typ != "" {
			if t.types == nil {
				t.types = make(map[string]bool)
			}
			t.types[typ] = true
		}
	}
	return t
}

// wants reports whether evtType passes the filter; no filter takes everything.
func (t *hookTarget) wants(evtType string) bool {
	return t.types == nil || t.types[evtType]
}

type webhookDispatcher struct {
	engine   engine.Engine
	session  string
	targets  []*hookTarget
	logger   *log.Logger
	interval time.Duration
}

// StartWebhooks delivers the audit events of the configured session to the
// configured webhooks until ctx is done. It does nothing without webhooks.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *log.Logger) {
	d := newWebhookDispatcher(e, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e engine.Engine, logger *log.Logger) *webhookDispatcher {
	if e.Config == nil || strings.TrimSpace(e.Config.Session.ID) == "" {
		return nil
	}
	var targets []*hookTarget
	for _, hook := range e.Config.Webhooks {
		if (hook.Enabled != nil && !*hook.Enabled) || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		targets = append(targets, newHookTarget(hook))
	}
	if len(targets) == 0 {
		return nil
	}
	if logger == nil {
		logger = log.Default()
	}
	return &webhookDispatcher{
		engine:   e,
		session:  e.Config.Session.ID,
		targets:  targets,
		logger:   logger.WithPrefix("webhook"),
		interval: defaultWebhookInterval,
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// dispatchAll advances every target once. Targets are only touched from the
// dispatch loop.
func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, t := range d.targets {
		if err := d.advance(ctx, t); err != nil {
			d.logger.Warn("delivery stalled", "url", t.url, "cursor", t.cursor, "err", err)
		}
	}
}

// advance delivers the events after the target's cursor in order and stops
// at the first failure, so that event is retried on the next round. A
// target starts at the end of the log.
func (d *webhookDispatcher) advance(ctx context.Context, t *hookTarget) error {
	if !t.started {
		last, err := d.engine.Repo.LatestEventID(ctx, d.session)
		if err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		t.cursor, t.started = last, true
		return nil
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, t.cursor, d.session)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range events {
		if t.wants(evt.Type) {
			if err := d.deliver(ctx, t, evt); err != nil {
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
			d.logger.Debug("delivered", "url", t.url, "event", evt.ID, "type", evt.Type)
		}
		t.cursor = evt.ID
	}
	return nil
}

// webhookEvent is the JSON body of a delivery.
type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func newWebhookEvent(evt domain.Event) webhookEvent {
	payload := json.RawMessage(`{}`)
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
}

func (d *webhookDispatcher) deliver(ctx context.Context, t *hookTarget, evt domain.Event) error {
	data, err := json.Marshal(newWebhookEvent(evt))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pidestat-Event", evt.Type)
	req.Header.Set("X-Pidestat-Delivery", strconv.FormatInt(evt.ID, 10))
	req.Header.Set("X-Pidestat-Session", d.session)
	if t.secret != "" {
		req.Header.Set("X-Pidestat-Secret", t.secret)
	}
	res, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
