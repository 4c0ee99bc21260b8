package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wingetdash/fleet/internal/bundlefmt"
	"github.com/wingetdash/fleet/internal/httputil"
	"github.com/wingetdash/fleet/internal/server/bundle"
	"github.com/wingetdash/fleet/internal/server/store"
	"github.com/wingetdash/fleet/pkg/api"
)

const (
	agentKey = "agent-key"
	adminKey = "admin-key"
)

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	client *api.Client
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "fleet.db")})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	lp, err := bundle.NewLocalProvider(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	bs := bundle.NewService(lp, st, "bundles", []string{"fleet-agent.exe", "fleet-helper.exe"})

	s := New(st, bs, Options{
		APIKey:      agentKey,
		AdminAPIKey: adminKey,
		Blacklist:   []string{"redistributable", "bing"},
	})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	client := api.NewClient(srv.URL, agentKey).WithRetry(httputil.RetryConfig{})
	return &testEnv{srv: srv, store: st, client: client}
}

func (e *testEnv) admin(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set(api.APIKeyHeader, adminKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestTaskRoundTrip(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp := env.admin(t, http.MethodPost, "/api/admin/tasks", map[string]any{
		"hostname": "PC-01",
		"command":  "update_package",
		"payload":  "Mozilla.Firefox",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.Task](t, resp)
	assert.Equal(t, api.StatusPending, created.Status)

	tasks, err := env.client.FetchTasks(ctx, "PC-01")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, created.ID, tasks[0].ID)
	assert.Equal(t, api.PackagePayload{PackageID: "Mozilla.Firefox"}, tasks[0].Payload)

	again, err := env.client.FetchTasks(ctx, "PC-01")
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, env.client.ReportResult(ctx, api.TaskResult{
		TaskID: created.ID, Status: api.StatusCompleted, Details: "ok",
	}))

	resp = env.admin(t, http.MethodGet, "/api/admin/tasks/"+jsonID(created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[api.Task](t, resp)
	assert.Equal(t, api.StatusCompleted, done.Status)
	assert.Equal(t, "ok", done.Details)
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestTaskResultValidation(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	err := env.client.ReportResult(ctx, api.TaskResult{TaskID: 1, Status: api.StatusPending})
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)

	err = env.client.ReportResult(ctx, api.TaskResult{TaskID: 999, Status: api.StatusFailed})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestLegacyResultStatus(t *testing.T) {
	env := setupTestServer(t)
	id, err := env.store.CreateTask(context.Background(), "PC-01", api.CommandForceReport, api.ReportPayload{})
	require.NoError(t, err)

	body := strings.NewReader(`{"task_id":` + jsonID(id) + `,"status":"zakończone","details":""}`)
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/tasks/result", body)
	require.NoError(t, err)
	req.Header.Set(api.APIKeyHeader, agentKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	task, err := env.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, task.Status)
}

func TestRejectsWrongKey(t *testing.T) {
	env := setupTestServer(t)

	_, err := api.NewClient(env.srv.URL, "wrong").WithRetry(httputil.RetryConfig{}).
		FetchTasks(context.Background(), "PC-01")
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)

	// The agent key does not open the admin routes.
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/admin/hosts", nil)
	require.NoError(t, err)
	req.Header.Set(api.APIKeyHeader, agentKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReportReconcilesTasks(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	id, err := env.store.CreateTask(ctx, "PC-01", api.CommandUpdatePackage, api.PackagePayload{PackageID: "Git.Git"})
	require.NoError(t, err)

	require.NoError(t, env.client.SendReport(ctx, &api.InventoryReport{
		Hostname:     "PC-01",
		IPAddress:    "10.0.0.5",
		AgentVersion: "2.1.0",
		InstalledApps: []api.InstalledApp{
			{Name: "Git", ID: "Git.Git", Version: "2.45.0"},
		},
		AvailableAppUpdates: []api.AppUpdate{},
		PendingOSUpdates:    []api.OSUpdate{{Title: "Cumulative Update", KB: "KB5034441"}},
	}))

	task, err := env.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, task.Status)
	assert.Equal(t, store.ReconciledDetails, task.Details)

	resp := env.admin(t, http.MethodGet, "/api/admin/hosts/PC-01", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	host := decode[HostDetail](t, resp)
	assert.Equal(t, "10.0.0.5", host.IPAddress)
	require.Len(t, host.InstalledApps, 1)
	assert.Equal(t, "Git.Git", host.InstalledApps[0].ID)
	require.Len(t, host.PendingOSUpdates, 1)
	assert.Equal(t, "KB5034441", host.PendingOSUpdates[0].KB)

	resp = env.admin(t, http.MethodGet, "/api/admin/hosts", nil)
	hosts := decode[[]HostSummary](t, resp)
	require.Len(t, hosts, 1)
	assert.Equal(t, "2.1.0", hosts[0].AgentVersion)
}

func TestUpdateStatus(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	require.NoError(t, env.client.SendReport(ctx, &api.InventoryReport{Hostname: "PC-01"}))
	require.NoError(t, env.client.ReportUpdateStatus(ctx, api.UpdateStatusReport{
		Hostname: "PC-01",
		Status:   api.UpdateFailed,
		Details:  "restart: service did not start",
	}))

	resp := env.admin(t, http.MethodGet, "/api/admin/hosts/PC-01", nil)
	host := decode[HostDetail](t, resp)
	assert.Equal(t, string(api.UpdateFailed), host.UpdateStatus)
	assert.Contains(t, host.UpdateDetails, "did not start")

	err := env.client.ReportUpdateStatus(ctx, api.UpdateStatusReport{Hostname: "PC-01", Status: "weird"})
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestBlacklist(t *testing.T) {
	env := setupTestServer(t)
	kw, err := env.client.Blacklist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"redistributable", "bing"}, kw)
}

func buildBundle(t *testing.T, version string) []byte {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{}
	for _, name := range []string{"fleet-agent.exe", "fleet-helper.exe"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(name+" "+version), 0o755))
		files[name] = p
	}
	var buf bytes.Buffer
	_, err := bundlefmt.Build(&buf, version, files)
	require.NoError(t, err)
	return buf.Bytes()
}

func (e *testEnv) upload(t *testing.T, version string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("version", version))
	fw, err := mw.CreateFormFile("file", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/admin/bundles", &body)
	require.NoError(t, err)
	req.Header.Set(api.APIKeyHeader, adminKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBundlePublishAndDownload(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.CurrentBundle(ctx)
	var se *api.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	data := buildBundle(t, "2.2.0")
	resp := env.upload(t, "2.2.0", data)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	info, err := env.client.CurrentBundle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.2.0", info.Version)
	assert.Equal(t, bundle.DownloadPath("2.2.0"), info.URL)

	var got bytes.Buffer
	n, err := env.client.Download(ctx, info.URL, &got)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, got.Bytes())

	resp = env.upload(t, "2.2.0", data)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.upload(t, "2.3.0", data)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueSelfUpdate(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	resp := env.admin(t, http.MethodPost, "/api/admin/hosts/PC-01/self_update", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.Equal(t, http.StatusCreated, env.upload(t, "2.2.0", buildBundle(t, "2.2.0")).StatusCode)

	resp = env.admin(t, http.MethodPost, "/api/admin/hosts/PC-01/self_update", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tasks, err := env.client.FetchTasks(ctx, "PC-01")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	p, ok := tasks[0].Payload.(api.SelfUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, "2.2.0", p.Version)
	assert.NotEmpty(t, p.SHA256)
}

func TestDeleteTask(t *testing.T) {
	env := setupTestServer(t)
	id, err := env.store.CreateTask(context.Background(), "PC-01", api.CommandForceReport, api.ReportPayload{})
	require.NoError(t, err)

	resp := env.admin(t, http.MethodDelete, "/api/admin/tasks/"+jsonID(id), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err = env.store.GetTask(context.Background(), id)
	assert.True(t, errors.Is(err, store.ErrTaskNotFound))

	resp = env.admin(t, http.MethodGet, "/api/admin/tasks/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{store.ErrTaskNotFound, http.StatusNotFound},
		{bundle.ErrObjectNotFound, http.StatusNotFound},
		{store.ErrInvalidTransition, http.StatusConflict},
		{store.ErrBundleExists, http.StatusConflict},
		{api.ErrInvalidPayload, http.StatusBadRequest},
		{bundle.ErrInvalidBundle, http.StatusBadRequest},
		{&store.StoreError{Op: "claim", Err: errors.New("disk I/O error")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
