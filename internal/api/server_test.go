package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/deskfs/internal/auth"
	"github.com/fruitsalade/deskfs/internal/config"
	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata/memory"
	"github.com/fruitsalade/deskfs/internal/models"
	"github.com/fruitsalade/deskfs/internal/quota"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

func init() {
	logging.InitNop()
}

const testSecret = "api-test-secret"

type testEnv struct {
	server  *Server
	handler http.Handler
	auth    *auth.Auth
	store   *memory.Store
}

type fakeSnapshots struct {
	owners []string
	err    error
}

func (f *fakeSnapshots) Export(ctx context.Context, owner string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.owners = append(f.owners, owner)
	return "snapshots/" + owner + "/latest.json.gz", nil
}

func newTestEnv(t *testing.T, mutate func(*config.Config), snapshots Snapshotter) *testEnv {
	t.Helper()
	cfg := &config.Config{
		JWTSecret:      testSecret,
		MaxContentSize: 1 << 20,
		SearchLimit:    vfs.DefaultSearchLimit,
	}
	if mutate != nil {
		mutate(cfg)
	}
	store := memory.New()
	broadcaster := events.NewBroadcaster()
	engine := vfs.New(store, vfs.Options{
		SearchLimit:    cfg.SearchLimit,
		MaxContentSize: cfg.MaxContentSize,
		Publisher:      broadcaster,
	})
	a := auth.New(cfg.JWTSecret)
	srv := NewServer(engine, vfs.NewBootstrapper(engine, nil), a, broadcaster,
		quota.NewRateLimiter(cfg.RequestsPerMinute, cfg.RateBurst), snapshots, cfg)
	return &testEnv{server: srv, handler: srv.Handler(), auth: a, store: store}
}

func (e *testEnv) token(t *testing.T, owner string, admin bool) string {
	t.Helper()
	tok, _, err := e.auth.IssueToken(owner, owner, admin, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, tok, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.0"}`, rec.Body.String())
}

func TestRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, "", http.MethodGet, "/api/v1/tree", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFileLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tok := env.token(t, "alice", false)

	rec := env.do(t, tok, http.MethodPost, "/api/v1/folders", map[string]string{"name": "Projects", "parentPath": "/"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	folder := decode[models.NodeSummary](t, rec)
	assert.Equal(t, "/Projects", folder.Path)

	rec = env.do(t, tok, http.MethodPost, "/api/v1/files", map[string]string{"name": "a.md", "content": "# hi", "parentPath": "/Projects"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := decode[models.NodeSummary](t, rec)
	assert.Equal(t, "text/markdown", file.MimeType)

	rec = env.do(t, tok, http.MethodPost, "/api/v1/files", map[string]string{"name": "a.md", "parentPath": "/Projects"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusConflict, decode[errorResponse](t, rec).Code)

	rec = env.do(t, tok, http.MethodPut, "/api/v1/content/Projects/a.md", map[string]string{"content": "# updated"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, tok, http.MethodPut, "/api/v1/content/Projects/a.md", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, tok, http.MethodGet, "/api/v1/content/Projects/a.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# updated", decode[models.FileContent](t, rec).Content)

	rec = env.do(t, tok, http.MethodPost, "/api/v1/rename/Projects", map[string]string{"newName": "Work"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, tok, http.MethodGet, "/api/v1/dir/Work", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dir := decode[vfs.Directory](t, rec)
	require.Len(t, dir.Contents, 1)
	assert.Equal(t, "/Work/a.md", dir.Contents[0].Path)

	env.do(t, tok, http.MethodPost, "/api/v1/folders", map[string]string{"name": "Archive", "parentPath": "/"})
	rec = env.do(t, tok, http.MethodPost, "/api/v1/move/Work", map[string]string{"newParentPath": "/Archive"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "/Archive/Work", decode[models.NodeSummary](t, rec).Path)

	rec = env.do(t, tok, http.MethodGet, "/api/v1/search?q=upd&type=file", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[vfs.SearchResult](t, rec)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "/Archive/Work/a.md", res.Results[0].Path)

	rec = env.do(t, tok, http.MethodDelete, "/api/v1/items/Archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted":3,"path":"/Archive"}`, rec.Body.String())

	rec = env.do(t, tok, http.MethodGet, "/api/v1/content/Archive/Work/a.md", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	alice := env.token(t, "alice", false)
	bob := env.token(t, "bob", false)

	rec := env.do(t, bob, http.MethodPost, "/api/v1/folders", map[string]string{"name": "Secret", "parentPath": "/"})
	require.Equal(t, http.StatusCreated, rec.Code)
	secret := decode[models.NodeSummary](t, rec)
	rec = env.do(t, alice, http.MethodPost, "/api/v1/folders", map[string]string{"name": "Documents", "parentPath": "/"})
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"other owner's node", http.MethodGet, "/api/v1/nodes/" + secret.ID, nil, http.StatusForbidden},
		{"missing node", http.MethodGet, "/api/v1/nodes/nope", nil, http.StatusNotFound},
		{"short query", http.MethodGet, "/api/v1/search?q=a", nil, http.StatusBadRequest},
		{"bad type filter", http.MethodGet, "/api/v1/search?q=abc&type=link", nil, http.StatusBadRequest},
		{"missing parent", http.MethodPost, "/api/v1/files", map[string]string{"name": "x", "parentPath": "/nope"}, http.StatusNotFound},
		{"bad name", http.MethodPost, "/api/v1/folders", map[string]string{"name": "a/b", "parentPath": "/"}, http.StatusBadRequest},
		{"delete root", http.MethodDelete, "/api/v1/items/", nil, http.StatusBadRequest},
		{"content of folder", http.MethodGet, "/api/v1/content/Documents", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, alice, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, decode[errorResponse](t, rec).Code)
		})
	}
}

func TestMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/folders", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice", false))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInternalErrorCarriesRequestID(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tok := env.token(t, "alice", false)
	env.store.SetFault(func(op, id string) error { return errors.New("disk full") })
	defer env.store.SetFault(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/folders",
		strings.NewReader(`{"name":"Work","parentPath":"/"}`))
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error","code":500,"requestId":"req-42"}`, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "disk full")
}

func TestBootstrapOnFirstRequest(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.BootstrapOnFirstRequest = true }, nil)
	tok := env.token(t, "alice", false)

	rec := env.do(t, tok, http.MethodGet, "/api/v1/dir", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dir := decode[vfs.Directory](t, rec)
	assert.Equal(t, 6, dir.Directory.ChildCount)

	rec = env.do(t, tok, http.MethodPost, "/api/v1/bootstrap", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"created":false}`, rec.Body.String())
}

func TestExplicitBootstrap(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tok := env.token(t, "alice", false)

	rec := env.do(t, tok, http.MethodGet, "/api/v1/dir", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[vfs.Directory](t, rec).Contents)

	rec = env.do(t, tok, http.MethodPost, "/api/v1/bootstrap", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"created":true}`, rec.Body.String())
}

func TestTreeGzip(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tok := env.token(t, "alice", false)
	env.do(t, tok, http.MethodPost, "/api/v1/bootstrap", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tree", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	gr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	var tree vfs.Tree
	require.NoError(t, json.NewDecoder(gr).Decode(&tree))
	assert.Equal(t, 10, tree.TotalCount)
	assert.Contains(t, tree.Nodes, "/Documents/Welcome.txt")

	rec = env.do(t, tok, http.MethodGet, "/api/v1/tree", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, 10, decode[vfs.Tree](t, rec).TotalCount)
}

func TestAdminRoutes(t *testing.T) {
	snaps := &fakeSnapshots{}
	env := newTestEnv(t, nil, snaps)
	user := env.token(t, "alice", false)
	admin := env.token(t, "root", true)
	env.do(t, user, http.MethodPost, "/api/v1/bootstrap", nil)

	rec := env.do(t, user, http.MethodPost, "/api/v1/admin/reconcile/alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/v1/admin/reconcile/alice?dry_run=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[vfs.ReconcileReport](t, rec)
	assert.True(t, report.DryRun)
	assert.Equal(t, 10, report.Scanned)
	assert.True(t, report.Clean())

	rec = env.do(t, admin, http.MethodPost, "/api/v1/admin/reconcile/alice?dry_run=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, admin, http.MethodPost, "/api/v1/admin/snapshot/alice", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"key":"snapshots/alice/latest.json.gz"}`, rec.Body.String())
	assert.Equal(t, []string{"alice"}, snaps.owners)

	snaps.err = errors.New("bucket gone")
	rec = env.do(t, admin, http.MethodPost, "/api/v1/admin/snapshot/alice", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSnapshotsDisabled(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, env.token(t, "root", true), http.MethodPost, "/api/v1/admin/snapshot/alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.RequestsPerMinute = 60
		c.RateBurst = 2
	}, nil)
	alice := env.token(t, "alice", false)

	assert.Equal(t, http.StatusOK, env.do(t, alice, http.MethodGet, "/api/v1/tree", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, alice, http.MethodGet, "/api/v1/tree", nil).Code)
	rec := env.do(t, alice, http.MethodGet, "/api/v1/tree", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	bob := env.token(t, "bob", false)
	assert.Equal(t, http.StatusOK, env.do(t, bob, http.MethodGet, "/api/v1/tree", nil).Code)
}

func TestContentTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxContentSize = 8 }, nil)
	tok := env.token(t, "alice", false)

	rec := env.do(t, tok, http.MethodPost, "/api/v1/files", map[string]string{"name": "a.txt", "content": "123456789"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, tok, http.MethodPost, "/api/v1/files", map[string]string{"name": "a.txt", "content": strings.Repeat("x", 10000)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	alice := env.token(t, "alice", false)
	bob := env.token(t, "bob", false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events?token="+alice, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.server.broadcaster.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// bob's change must not reach alice's stream.
	post := func(tok, name string) {
		body := strings.NewReader(`{"name":"` + name + `","parentPath":"/"}`)
		r, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/folders", body)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+tok)
		res, err := http.DefaultClient.Do(r)
		require.NoError(t, err)
		res.Body.Close()
		require.Equal(t, http.StatusCreated, res.StatusCode)
	}
	post(bob, "BobsFolder")
	post(alice, "AlicesFolder")

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, dataLine)
	assert.Equal(t, "event: create", eventLine)

	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(dataLine), &ev))
	assert.Equal(t, "/AlicesFolder", ev.Path)
	assert.NotContains(t, dataLine, "alice", "owner is not serialized")
}
