package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/graphflow/workflow"
	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// approvalGraph records the request, then suspends for a decision.
func approvalGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	schema := workflow.MustSchema(
		workflow.OverwriteField[int]("amount"),
		workflow.OverwriteField[string]("decision"),
		workflow.AppendField[string]("trail"),
	)
	g, err := workflow.NewBuilder("approval", schema).
		AddStep("intake", func(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
			return workflow.Next("review", workflow.State{"trail": "intake"}), nil
		}, "review").
		AddStep("review", func(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
			amount, _ := workflow.StateValue[int](s, "amount")
			raw, err := workflow.Suspend(ctx, map[string]any{"amount": amount})
			if err != nil {
				return workflow.Command{}, err
			}
			decision, err := workflow.DecodeResponse[string](raw)
			if err != nil {
				return workflow.Command{}, err
			}
			return workflow.Finish(workflow.State{"decision": decision, "trail": "review"}), nil
		}, workflow.EndName).
		SetEntry("intake").
		Build()
	require.NoError(t, err)
	return g
}

func echoGraph(t *testing.T) *workflow.Graph {
	t.Helper()
	g, err := workflow.NewBuilder("echo", nil).
		AddStep("echo", func(ctx context.Context, s workflow.State, cfg workflow.RunConfig) (workflow.Command, error) {
			return workflow.Finish(workflow.State{"echoed": cfg.String("word", "none")}), nil
		}, workflow.EndName).
		SetEntry("echo").
		Build()
	require.NoError(t, err)
	return g
}

type testAPI struct {
	server *httptest.Server
	store  checkpoint.Store
	broker *EventBroker
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := checkpoint.NewMemoryStore()
	broker := NewEventBroker(0, logger)
	history := workflow.NewHistoryStore(10)

	opts := []workflow.RunnerOption{
		workflow.WithLogger(logger),
		workflow.WithObserver(broker),
		workflow.WithHistory(history),
	}
	threads, err := NewThreadHandler(store, logger,
		workflow.NewRunner(approvalGraph(t), store, opts...),
		workflow.NewRunner(echoGraph(t), store, opts...),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	threads.Register(mux)
	NewStreamHandler(broker, nil, logger).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, store: store, broker: broker}
}

// envelope mirrors Response with the data left raw.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

type runView struct {
	Status    string         `json:"status"`
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id"`
	State     map[string]any `json:"state"`
	Steps     int            `json:"steps"`
	Interrupt *struct {
		Step    string         `json:"step"`
		Payload map[string]any `json:"payload"`
	} `json:"interrupt"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.server.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func newServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}
