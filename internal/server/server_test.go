package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remlab/remlab/pkg/health"
	"github.com/remlab/remlab/pkg/lab"
	"github.com/remlab/remlab/pkg/session"
	"github.com/remlab/remlab/pkg/store"
)

const (
	testUser = "authority"
	testPass = "s3cret"
)

func newTestServer(t *testing.T, hooks lab.Hooks) (*httptest.Server, *lab.Lab) {
	t.Helper()

	cfg := &lab.Config{}
	cfg.Store.Backend = "memory"
	cfg.Store.Prefix = "remlab"
	cfg.Server.Username = testUser
	cfg.Server.Password = testPass
	cfg.Server.CallbackURL = "https://lab.example/session"
	cfg.Server.Metrics = true

	st := store.NewMemoryStore()
	l := lab.New(cfg, st, hooks, nil)

	checker := health.NewChecker(st)
	checker.SetReady()

	srv := httptest.NewServer(New(l, cfg.Server, checker, nil).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = st.Close() })
	return srv, l
}

func doJSON(t *testing.T, method, url, body string, authed bool) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	if authed {
		req.SetBasicAuth(testUser, testPass)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, payload
}

func TestStartSessionEndpoint(t *testing.T) {
	srv, l := newTestServer(t, lab.Hooks{})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/",
		`{"username":"john","username_unique":"john@institution","assigned_duration_seconds":3600}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var start lab.StartResponse
	require.NoError(t, json.Unmarshal(body, &start))
	assert.NotEmpty(t, start.SessionID)
	assert.Equal(t, "https://lab.example/session/"+start.SessionID, start.URL)

	sess, err := l.Sessions().Get(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "john", sess.Username)
	assert.Equal(t, time.Hour, sess.AssignedDuration)
}

func TestStartSessionValidation(t *testing.T) {
	srv, _ := newTestServer(t, lab.Hooks{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/sessions/", `{"username":""}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/sessions/", `not json`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSessionBusy(t *testing.T) {
	srv, _ := newTestServer(t, lab.Hooks{
		OnStart: func(context.Context, *session.Session) (map[string]any, error) {
			return nil, errors.New("instrument offline")
		},
	})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/sessions/",
		`{"username":"john","assigned_duration_seconds":60}`, true)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv, l := newTestServer(t, lab.Hooks{})

	start, err := l.StartSession(context.Background(), lab.StartRequest{
		Username:         "john",
		AssignedDuration: time.Hour,
	})
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/sessions/"+start.SessionID+"/status", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Active          bool    `json:"active"`
		TimeLeftSeconds float64 `json:"time_left_seconds"`
		ShouldFinish    bool    `json:"should_finish"`
	}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Active)
	assert.False(t, status.ShouldFinish)
	assert.InDelta(t, 3600, status.TimeLeftSeconds, 5)

	// Unknown session: the authority may reassign.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/sessions/nobody/status", "", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.False(t, status.Active)
	assert.True(t, status.ShouldFinish)
}

func TestDeleteAction(t *testing.T) {
	srv, l := newTestServer(t, lab.Hooks{})

	start, err := l.StartSession(context.Background(), lab.StartRequest{
		Username:         "john",
		AssignedDuration: time.Hour,
	})
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/sessions/"+start.SessionID,
		`{"action":"delete"}`, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res lab.DisposeResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)

	status, err := l.SessionStatus(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.True(t, status.ShouldFinish)
}

func TestUnknownAction(t *testing.T) {
	srv, _ := newTestServer(t, lab.Hooks{})

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/sessions/some-id", `{"action":"reboot"}`, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, lab.Hooks{})

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodPost, "/sessions/", `{"username":"john","assigned_duration_seconds":60}`},
		{http.MethodGet, "/sessions/x/status", ""},
		{http.MethodPost, "/sessions/x", `{"action":"delete"}`},
	} {
		resp, _ := doJSON(t, tc.method, srv.URL+tc.path, tc.body, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "%s %s", tc.method, tc.path)
	}
}

func TestHealthEndpointsAreUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t, lab.Hooks{})

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/healthz", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/readyz", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/metrics", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
