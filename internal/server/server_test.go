package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"

	"pidestat/internal/config"
	"pidestat/internal/db"
	"pidestat/internal/domain"
	"pidestat/internal/engine"
	"pidestat/internal/migrate"
)

const testSession = "HOL"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, secret string) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default(testSession)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = log.New(io.Discard)
	if _, err := e.InitSession(context.Background(), testSession, "", "tester"); err != nil {
		t.Fatalf("init session: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret}, Logger: e.Logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createVersion(t *testing.T, srv *testServer, headers map[string]string) domain.Version {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sessions/"+testSession+"/versions", map[string]any{}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create version status %d: %s", res.StatusCode, string(data))
	}
	var v domain.Version
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	return v
}

func seedNode(t *testing.T, srv *testServer, versionID string) {
	t.Helper()
	client := srv.Client()
	base := srv.URL + "/v0/versions/" + versionID
	res, data := doJSON(t, client, http.MethodPut, base+"/nodes", map[string]any{
		"name":     "Main.thy",
		"commands": []string{"c1", "c2", "c3"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("define node status %d: %s", res.StatusCode, string(data))
	}
	batches := []map[string]any{
		{"command_id": "c1", "exec_id": "e1", "events": []map[string]any{
			{"kind": "accepted"}, {"kind": "running"}, {"kind": "finished"}, {"kind": "timing", "elapsed": 2.5},
		}},
		{"command_id": "c2", "exec_id": "e1", "events": []map[string]any{
			{"kind": "accepted"}, {"kind": "running"}, {"kind": "timing", "elapsed": 0.5},
		}},
		{"command_id": "c3", "exec_id": "e1", "events": []map[string]any{
			{"kind": "accepted"}, {"kind": "whatever"},
		}},
	}
	for _, b := range batches {
		res, data := doJSON(t, client, http.MethodPost, base+"/markup", b, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append markup status %d: %s", res.StatusCode, string(data))
		}
	}
}

func TestNodeStatusEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	v := createVersion(t, srv, nil)
	seedNode(t, srv, v.ID)
	base := srv.URL + "/v0/versions/" + v.ID

	res, data := doJSON(t, client, http.MethodGet, base+"/status?node=Main.thy", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var st map[string]any
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(st) != 9 {
		t.Fatalf("expected nine keys, got %v", st)
	}
	want := map[string]any{
		"ok": true, "total": 3.0, "unprocessed": 1.0, "running": 1.0, "warned": 0.0,
		"failed": 0.0, "finished": 1.0, "initialized": false, "consolidated": false,
	}
	for k, val := range want {
		if st[k] != val {
			t.Fatalf("%s = %v, want %v", k, st[k], val)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/timing?node=Main.thy&threshold=1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timing %d: %s", res.StatusCode, string(data))
	}
	var timing NodeTimingResponse
	if err := json.Unmarshal(data, &timing); err != nil {
		t.Fatalf("unmarshal timing: %v", err)
	}
	if timing.Total != 3.0 || len(timing.Commands) != 1 || timing.Commands["c1"] != 2.5 {
		t.Fatalf("unexpected timing %+v", timing)
	}

	res, data = doJSON(t, client, http.MethodPatch, base+"/flags", map[string]any{"node": "Main.thy", "consolidated": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("flags %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, base+"/nodes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("nodes %d: %s", res.StatusCode, string(data))
	}
	if strings.Contains(string(data), "$schema") {
		t.Fatalf("unexpected schema link in %s", string(data))
	}
	var nodes NodesResponse
	if err := json.Unmarshal(data, &nodes); err != nil {
		t.Fatalf("unmarshal nodes: %v", err)
	}
	if len(nodes.Nodes) != 1 || nodes.Nodes[0].Percentage != 100 || nodes.Nodes[0].Overall != "ok" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if nodes.Summary["ok"] != 1 {
		t.Fatalf("unexpected summary %+v", nodes.Summary)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	v := createVersion(t, srv, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/versions/"+v.ID+"/status?node=Missing.thy", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("unexpected code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/versions/"+v.ID+"/timing?node=Main.thy&threshold=abc", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	for _, bad := range []string{"NaN", "Inf", "-1"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/versions/"+v.ID+"/timing?node=Main.thy&threshold="+bad, nil, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("threshold %s: expected 400, got %d %s", bad, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v.ID+"/markup", map[string]any{
		"command_id": "c9", "exec_id": "e9", "events": []map[string]any{{"kind": "timing", "elapsed": -2}},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative timing: expected 400, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"id": testSession}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate session, got %d %s", res.StatusCode, string(data))
	}
}

func TestWritesNeedTokenWhenSecretSet(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, secret)
	defer cleanup()
	client := srv.Client()
	url := srv.URL + "/v0/sessions/" + testSession + "/versions"

	res, data := doJSON(t, client, http.MethodPost, url, map[string]any{}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, url, map[string]any{}, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}

	token, err := SignToken(secret, "jedit", 0)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	createVersion(t, srv, map[string]string{"Authorization": "Bearer " + token})

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+testSession+"/events?type=version.create", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ActorID != "jedit" {
		t.Fatalf("unexpected events %+v", page.Items)
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		createVersion(t, srv, map[string]string{"X-Actor-Id": fmt.Sprintf("actor-%d", i)})
	}
	url := srv.URL + "/v0/sessions/" + testSession + "/events?type=version.create&limit=2"
	res, data := doJSON(t, client, http.MethodGet, url, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" || page.Items[0].ActorID != "actor-2" {
		t.Fatalf("unexpected first page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, url+"&cursor="+page.NextCursor, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 %d: %s", res.StatusCode, string(data))
	}
	page = paginatedEvents{}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.NextCursor != "" || page.Items[0].ActorID != "actor-0" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestMetricsReportNodeBuckets(t *testing.T) {
	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	v := createVersion(t, srv, nil)
	seedNode(t, srv, v.ID)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics %d: %s", res.StatusCode, string(data))
	}
	var found bool
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "pidestat_node_commands{") &&
			strings.Contains(line, `bucket="running"`) &&
			strings.Contains(line, `node="Main.thy"`) &&
			strings.HasSuffix(line, " 1") {
			found = true
		}
	}
	if !found {
		t.Fatalf("running bucket gauge missing:\n%s", string(data))
	}
	if !strings.Contains(string(data), "pidestat_http_requests_total") {
		t.Fatalf("request counter missing")
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	e := srv.Engine
	e.Config.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"node.flags"}, Secret: "shh"}}
	d := newWebhookDispatcher(e, e.Logger)
	if d == nil {
		t.Fatalf("expected dispatcher")
	}
	ctx := context.Background()
	// starts at the current end of the log
	d.dispatchAll(ctx)

	v := createVersion(t, srv, nil)
	if _, err := e.DefineNode(ctx, v.ID, "A", []string{"c1"}, "tester"); err != nil {
		t.Fatal(err)
	}
	yes := true
	if _, err := e.SetNodeFlags(ctx, v.ID, "A", &yes, nil, "tester"); err != nil {
		t.Fatal(err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected one delivery, got %+v", received)
	}
	if received[0].Type != "node.flags" || received[0].EntityID != "A" || received[0].SessionID != testSession {
		t.Fatalf("unexpected event %+v", received[0])
	}
	if headers[0].Get("X-Pidestat-Event") != "node.flags" || headers[0].Get("X-Pidestat-Secret") != "shh" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		ids   []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		ids = append(ids, r.Header.Get("X-Pidestat-Delivery"))
		if calls == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, "")
	defer cleanup()
	e := srv.Engine
	off := false
	e.Config.Webhooks = []config.WebhookConfig{
		{URL: hook.URL, Events: []string{"version.create"}},
		{URL: hook.URL, Enabled: &off},
	}
	d := newWebhookDispatcher(e, e.Logger)
	if d == nil || len(d.targets) != 1 {
		t.Fatalf("expected one enabled target")
	}
	ctx := context.Background()
	d.dispatchAll(ctx)
	createVersion(t, srv, nil)

	d.dispatchAll(ctx)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected a failed and a retried delivery, got %d calls", calls)
	}
	if ids[0] == "" || ids[0] != ids[1] {
		t.Fatalf("expected the same event to be retried, got %v", ids)
	}
}
