package introspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshkit/injector"
	"github.com/meshkit/injector/worker"
)

type nopModule struct{}

func (nopModule) CreateInitialState(args any) (worker.StateFn, any, error) {
	return func(reply worker.ReplyFunc, msg any, state any) worker.Result {
		return worker.Stay()
	}, nil, nil
}

func startEngine(t *testing.T) *injector.Engine {
	t.Helper()
	e, err := injector.NewEngine()
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	require.NoError(t, e.AddFactory(&injector.Factory{
		ID:       "probe",
		Requires: []string{"x"},
		Start: func(ctx context.Context, host *worker.Host, extra any, deps []injector.Dependency) (worker.Handle, error) {
			return host.Spawn(ctx, nopModule{}, nil, worker.SpawnOptions{})
		},
	}))
	_, err = e.PushValue("x", 7)
	require.NoError(t, err)
	return e
}

func getJSON(t *testing.T, server *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestIntrospectionEndpoints(t *testing.T) {
	e := startEngine(t)
	server := httptest.NewServer(NewRouter(e))
	defer server.Close()

	status, body := getJSON(t, server, "/factories")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"probe"}, body["factories"])

	status, body = getJSON(t, server, "/items")
	assert.Equal(t, http.StatusOK, status)
	items := body["items"].(map[string]any)
	assert.Equal(t, []any{float64(7)}, items["x"])

	status, body = getJSON(t, server, "/active")
	assert.Equal(t, http.StatusOK, status)
	active := body["active"].([]any)
	require.Len(t, active, 1)
	entry := active[0].(map[string]any)
	assert.Equal(t, "probe", entry["factory"])

	status, body = getJSON(t, server, "/events")
	assert.Equal(t, http.StatusOK, status)
	events := body["events"].([]any)
	assert.GreaterOrEqual(t, len(events), 4)
}

func TestHealthEndpoints(t *testing.T) {
	e := startEngine(t)
	server := httptest.NewServer(NewRouter(e))
	defer server.Close()

	status, body := getJSON(t, server, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["overall_status"])

	status, _ = getJSON(t, server, "/readyz")
	assert.Equal(t, http.StatusOK, status)
}

func TestHealthReportsStoppedEngine(t *testing.T) {
	e := startEngine(t)
	server := httptest.NewServer(NewRouter(e))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	status, body := getJSON(t, server, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "critical", body["overall_status"])
}
