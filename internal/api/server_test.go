package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/exportq/internal/api"
	"github.com/SirClappington/exportq/internal/artifact"
	"github.com/SirClappington/exportq/internal/auth"
	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/export"
	"github.com/SirClappington/exportq/internal/queue"
	"github.com/SirClappington/exportq/internal/storage"
	"github.com/SirClappington/exportq/internal/transform"
	"github.com/SirClappington/exportq/internal/worker"
)

type fixture struct {
	srv    *httptest.Server
	tokens *auth.Tokens
	q      *queue.MemQ
	pool   *worker.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t)
}

func newFixtureWith(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite3", "../../migrations"))
	reg := storage.NewSQLite(db)

	store, err := artifact.New(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	q := queue.NewMem()
	log := zaptest.NewLogger(t)

	svc := export.NewService(reg, q, store, auth.NewGroupAuthorizer(auth.DefaultGroups()), log)
	tokens := auth.NewTokens("test-key")
	srv := httptest.NewServer(api.NewServer(svc, tokens, log, opts...).Routes())
	t.Cleanup(srv.Close)

	cfg := worker.DefaultConfig()
	cfg.HeartbeatInterval = 0
	pool, err := worker.NewPool(reg, q, store, writeRows, log, cfg)
	require.NoError(t, err)
	return &fixture{srv: srv, tokens: tokens, q: q, pool: pool}
}

var writeRows = transform.Func(func(_ context.Context, kind domain.Kind, _ domain.FilterParams, w io.Writer) error {
	_, err := io.WriteString(w, "kind\n"+string(kind)+"\n")
	return err
})

func (f *fixture) token(t *testing.T, groups ...string) string {
	t.Helper()
	raw, err := f.tokens.Issue(auth.Caller{Subject: "tester", Groups: groups}, time.Minute)
	require.NoError(t, err)
	return raw
}

func (f *fixture) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func (f *fixture) runNext(t *testing.T) {
	t.Helper()
	ref, err := f.q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	f.pool.Process(context.Background(), ref)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRequiresToken(t *testing.T) {
	f := newFixture(t)
	res := f.do(t, http.MethodGet, "/v1/exports", "", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res = f.do(t, http.MethodGet, "/v1/exports", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestExportLifecycle(t *testing.T) {
	f := newFixture(t)
	exp := f.token(t, "exportgroup")

	res := f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"ct-csv","params":{"study_date__gt":"2024-01-01"}}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	created := decode[map[string]string](t, res)
	id := created["id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "/v1/exports/"+id, res.Header.Get("Location"))

	res = f.do(t, http.MethodGet, "/v1/exports/"+id+"/download", exp, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "artifact_missing", decode[map[string]string](t, res)["error"])

	f.runNext(t)

	res = f.do(t, http.MethodGet, "/v1/exports?status=complete", f.token(t, "viewgroup"), "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list struct {
		Jobs    []domain.Summary `json:"jobs"`
		Grouped export.Grouped   `json:"grouped"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, id, list.Jobs[0].ID)
	assert.Equal(t, domain.Complete, list.Jobs[0].Status)
	assert.Len(t, list.Grouped.Complete, 1)

	res = f.do(t, http.MethodGet, "/v1/exports/"+id+"/download", exp, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", res.Header.Get("Content-Type"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "attachment;")
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "kind\nct-csv\n", string(body))

	res = f.do(t, http.MethodPost, "/v1/exports/"+id+"/abort", exp, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "complete", decode[map[string]string](t, res)["status"])

	res = f.do(t, http.MethodDelete, "/v1/exports/"+id, exp, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res = f.do(t, http.MethodDelete, "/v1/exports/"+id, exp, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAbortAndDeleteActive(t *testing.T) {
	f := newFixture(t)
	exp := f.token(t, "exportgroup")

	res := f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"mg-nhsbsp"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	id := decode[map[string]string](t, res)["id"]

	res = f.do(t, http.MethodDelete, "/v1/exports/"+id, exp, "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res = f.do(t, http.MethodPost, "/v1/exports/"+id+"/abort", exp, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "aborted", decode[map[string]string](t, res)["status"])

	res = f.do(t, http.MethodGet, "/v1/exports/"+id, exp, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.Aborted, decode[domain.Summary](t, res).Status)

	res = f.do(t, http.MethodDelete, "/v1/exports/"+id, exp, "")
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestBulkDelete(t *testing.T) {
	f := newFixture(t)
	exp := f.token(t, "exportgroup")

	res := f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"ct-csv"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	done := decode[map[string]string](t, res)["id"]
	f.runNext(t)

	res = f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"ct-csv"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
	active := decode[map[string]string](t, res)["id"]

	type result struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
		Error   string `json:"error"`
	}
	res = f.do(t, http.MethodPost, "/v1/exports/delete", exp, `{"ids":["`+done+`","`+active+`"]}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[map[string][]result](t, res)["results"]
	require.Len(t, body, 2)
	assert.Equal(t, result{ID: done, Deleted: true}, body[0])
	assert.Equal(t, result{ID: active, Error: "job_still_active"}, body[1])

	res = f.do(t, http.MethodGet, "/v1/exports/"+done, exp, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = f.do(t, http.MethodPost, "/v1/exports/delete", exp, `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res = f.do(t, http.MethodPost, "/v1/exports/delete", f.token(t, "viewgroup"), `{"ids":["`+active+`"]}`)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)
	viewer := f.token(t, "viewgroup")
	exp := f.token(t, "exportgroup")

	res := f.do(t, http.MethodPost, "/v1/exports", viewer, `{"kind":"ct-csv"}`)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":`)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.do(t, http.MethodGet, "/v1/exports?status=pending", viewer, "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.do(t, http.MethodGet, "/v1/exports/00000000-0000-0000-0000-000000000000", viewer, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "job_not_found", decode[map[string]string](t, res)["error"])
}

func TestWatchStreamsStatusChanges(t *testing.T) {
	f := newFixtureWith(t, api.WithWatchInterval(20*time.Millisecond))
	exp := f.token(t, "exportgroup")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/exports/watch"
	conn, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + exp}})
	require.NoError(t, err)
	defer res.Body.Close()
	defer conn.Close()

	type event struct {
		Type string           `json:"type"`
		Jobs []domain.Summary `json:"jobs"`
		Job  *domain.Summary  `json:"job"`
		ID   string           `json:"id"`
	}
	next := func() event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	snap := next()
	assert.Equal(t, "snapshot", snap.Type)
	assert.Empty(t, snap.Jobs)

	post := f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"ct-csv"}`)
	require.Equal(t, http.StatusAccepted, post.StatusCode)
	id := decode[map[string]string](t, post)["id"]

	ev := next()
	assert.Equal(t, "job_update", ev.Type)
	require.NotNil(t, ev.Job)
	assert.Equal(t, id, ev.Job.ID)
	assert.Equal(t, domain.Queued, ev.Job.Status)

	f.runNext(t)
	for ev = next(); ev.Job != nil && ev.Job.Status == domain.Running; ev = next() {
	}
	require.NotNil(t, ev.Job)
	assert.Equal(t, domain.Complete, ev.Job.Status)

	del := f.do(t, http.MethodDelete, "/v1/exports/"+id, exp, "")
	require.Equal(t, http.StatusNoContent, del.StatusCode)
	ev = next()
	assert.Equal(t, "job_removed", ev.Type)
	assert.Equal(t, id, ev.ID)
}

func TestWatchKeepsJobsOutsideWindow(t *testing.T) {
	f := newFixtureWith(t, api.WithWatchInterval(20*time.Millisecond), api.WithWatchWindow(1))
	exp := f.token(t, "exportgroup")

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/exports/watch"
	conn, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + exp}})
	require.NoError(t, err)
	defer res.Body.Close()
	defer conn.Close()

	type event struct {
		Type string          `json:"type"`
		Job  *domain.Summary `json:"job"`
		ID   string          `json:"id"`
	}
	next := func() event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}
	submit := func() string {
		t.Helper()
		post := f.do(t, http.MethodPost, "/v1/exports", exp, `{"kind":"ct-csv"}`)
		require.Equal(t, http.StatusAccepted, post.StatusCode)
		return decode[map[string]string](t, post)["id"]
	}

	assert.Equal(t, "snapshot", next().Type)
	older := submit()
	ev := next()
	require.NotNil(t, ev.Job)
	assert.Equal(t, older, ev.Job.ID)

	newer := submit()
	ev = next()
	require.NotNil(t, ev.Job)
	assert.Equal(t, newer, ev.Job.ID)

	abort := f.do(t, http.MethodPost, "/v1/exports/"+newer+"/abort", exp, "")
	require.Equal(t, http.StatusOK, abort.StatusCode)
	ev = next()
	assert.Equal(t, "job_update", ev.Type, "the older job still exists")
	require.NotNil(t, ev.Job)
	assert.Equal(t, newer, ev.Job.ID)
	assert.Equal(t, domain.Aborted, ev.Job.Status)

	del := f.do(t, http.MethodDelete, "/v1/exports/"+newer, exp, "")
	require.Equal(t, http.StatusNoContent, del.StatusCode)
	ev = next()
	assert.Equal(t, "job_update", ev.Type)
	require.NotNil(t, ev.Job)
	assert.Equal(t, older, ev.Job.ID)
	ev = next()
	assert.Equal(t, "job_removed", ev.Type)
	assert.Equal(t, newer, ev.ID)
}

func TestWatchRequiresRole(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/exports/watch?access_token=" + f.token(t)
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}
