package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"zkqueue-go/internal/config"
	"zkqueue-go/internal/coord/memory"
	"zkqueue-go/internal/ingest"
	"zkqueue-go/internal/queue"
)

type testEnv struct {
	server   *Server
	srv      *memory.Server
	producer *queue.Producer
	consumer *queue.Consumer
}

// newTestEnv wires a server over an in-memory coordination service. With
// pull set, GET /v1/items/next is served by a consumer.
func newTestEnv(t *testing.T, pull bool) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	srv := memory.NewServer()

	producer, err := queue.NewProducer(queue.Options{Path: "/http", Client: srv.NewClient()})
	if err != nil {
		t.Fatalf("NewProducer() error = %v", err)
	}
	t.Cleanup(producer.End)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := producer.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected() error = %v", err)
	}

	env := &testEnv{srv: srv, producer: producer}
	components := map[string]StatusReporter{"producer": producer}

	var puller Puller
	if pull {
		consumer, err := queue.NewConsumer(queue.Options{Path: "/http", Client: srv.NewClient()})
		if err != nil {
			t.Fatalf("NewConsumer() error = %v", err)
		}
		t.Cleanup(consumer.Destroy)
		env.consumer = consumer
		puller = consumer
		components["consumer"] = consumer
	}

	env.server = NewServer(ServerDeps{
		Config:      &config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Logger:      logger,
		ItemHandler: NewItemHandler(ingest.NewService(producer, logger), puller, logger),
		Components:  components,
	})
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := e.server.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("request %s %s error = %v", req.Method, req.URL, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestItemHandler_Enqueue(t *testing.T) {
	env := newTestEnv(t, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString(`{"job":"resize"}`))
	resp := env.do(t, req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	body := decode(t, resp)
	data, _ := body.Data.(map[string]interface{})
	if !body.Success || data["item"] != "queue-0000000000" {
		t.Errorf("response = %+v", body)
	}
	if names := env.srv.ChildNames("/http"); len(names) != 1 {
		t.Errorf("children = %v", names)
	}
}

func TestItemHandler_EnqueueEmptyBody(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/items", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body := decode(t, resp); body.Error == nil || body.Error.Code != ErrCodeValidationFailed {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestItemHandler_EnqueueAfterEnd(t *testing.T) {
	env := newTestEnv(t, false)
	env.producer.End()

	resp := env.do(t, httptest.NewRequest(http.MethodPost, "/v1/items", bytes.NewBufferString("x")))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestItemHandler_Next(t *testing.T) {
	env := newTestEnv(t, true)

	if _, err := env.producer.Enqueue(context.Background(), "hello world"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/items/next?wait=2s", nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload, _ := io.ReadAll(resp.Body)
	if string(payload) != "hello world" {
		t.Errorf("payload = %q", payload)
	}
	if got := resp.Header.Get(HeaderItemName); got != "queue-0000000000" {
		t.Errorf("%s = %q", HeaderItemName, got)
	}
	if got := resp.Header.Get(HeaderItemSeq); got != "0" {
		t.Errorf("%s = %q", HeaderItemSeq, got)
	}
}

func TestItemHandler_NextTimesOut(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/items/next?wait=50ms", nil))
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestItemHandler_NextBadWait(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/items/next?wait=soon", nil))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestItemHandler_NextWithoutConsumer(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/v1/items/next", nil))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestServer_HealthCheck(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode(t, resp)
	data, _ := body.Data.(map[string]interface{})
	if data["status"] != "healthy" || data["producer"] != "connected" {
		t.Errorf("data = %v", data)
	}

	env.producer.End()
	select {
	case <-env.producer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not close")
	}

	resp = env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status after End = %d, want 503", resp.StatusCode)
	}
	body = decode(t, resp)
	data, _ = body.Data.(map[string]interface{})
	if data["status"] != "degraded" || data["producer"] != "closed" {
		t.Errorf("data after End = %v", data)
	}
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
