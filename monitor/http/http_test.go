package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basecore/eventpipe/dlq"
	"github.com/basecore/eventpipe/envelope"
	"github.com/basecore/eventpipe/monitor"
	"github.com/basecore/eventpipe/transport"
	"github.com/basecore/eventpipe/transport/memory"
	"github.com/prometheus/client_golang/prometheus"
)

func newHandler(t *testing.T) (*Handler, *memory.Stream) {
	t.Helper()
	ctx := context.Background()
	stream := memory.New()
	manager := dlq.NewManager(dlq.NewMemoryStore(), stream)

	if err := stream.EnsureGroup(ctx, "stock", transport.StartOldest); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"E1", "E2"} {
		env := envelope.Envelope{EventID: id, TenantID: "T1", EventType: "sale_recorded"}
		if _, err := stream.Append(ctx, env); err != nil {
			t.Fatal(err)
		}
	}
	ds, err := stream.Read(ctx, "stock", "c1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range ds {
		if _, err := manager.Store(ctx, "stock", d, errors.New("boom")); err != nil {
			t.Fatal(err)
		}
	}

	reg := prometheus.NewRegistry()
	svc := monitor.New(stream, nil, manager)
	reg.MustRegister(monitor.NewCollector(svc))
	return New(svc, WithGatherer(reg)), stream
}

func do(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerStats(t *testing.T) {
	h, _ := newHandler(t)

	w := do(h, http.MethodGet, "/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Groups      []monitor.GroupStats `json:"groups"`
		DeadLetters int64                `json:"dead_letters"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if len(resp.Groups) != 1 || resp.Groups[0].Pending != 2 || resp.DeadLetters != 2 {
		t.Errorf("unexpected stats: %s", w.Body.String())
	}
}

func TestHandlerGroup(t *testing.T) {
	h, _ := newHandler(t)

	t.Run("known group", func(t *testing.T) {
		w := do(h, http.MethodGet, "/v1/groups/stock")
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp groupResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp != (groupResponse{Group: "stock", Pending: 2, DeadLetters: 2}) {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("unknown group", func(t *testing.T) {
		w := do(h, http.MethodGet, "/v1/groups/nope")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("missing group", func(t *testing.T) {
		w := do(h, http.MethodGet, "/v1/groups/")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestHandlerDeadLetters(t *testing.T) {
	h, _ := newHandler(t)

	tests := []struct {
		name   string
		target string
		code   int
		count  int
	}{
		{"all", "/v1/dead-letters", http.StatusOK, 2},
		{"by group", "/v1/dead-letters?group=stock", http.StatusOK, 2},
		{"other group", "/v1/dead-letters?group=sales", http.StatusOK, 0},
		{"limit", "/v1/dead-letters?limit=1", http.StatusOK, 1},
		{"bad limit", "/v1/dead-letters?limit=x", http.StatusBadRequest, 0},
		{"bad since", "/v1/dead-letters?since=yesterday", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, http.MethodGet, tt.target)
			if w.Code != tt.code {
				t.Fatalf("expected %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var resp deadLettersResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Count != tt.count || len(resp.Entries) != tt.count {
				t.Errorf("expected %d entries, got %d", tt.count, resp.Count)
			}
		})
	}

	w := do(h, http.MethodGet, "/v1/dead-letters/count?group=stock")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":2`) {
		t.Errorf("count response %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerReadOnly(t *testing.T) {
	h, _ := newHandler(t)
	for _, target := range []string{"/v1/stats", "/v1/groups/stock", "/v1/dead-letters", "/v1/dead-letters/count", "/healthz"} {
		w := do(h, http.MethodDelete, target)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("DELETE %s: expected 405, got %d", target, w.Code)
		}
	}
}

func TestHandlerHealthAndMetrics(t *testing.T) {
	h, stream := newHandler(t)

	if w := do(h, http.MethodGet, "/metrics"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "eventpipe_group_pending") {
		t.Errorf("metrics response %d: %s", w.Code, w.Body.String())
	}
	if w := do(h, http.MethodGet, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("healthz expected 200, got %d", w.Code)
	}

	stream.Close(context.Background())
	if w := do(h, http.MethodGet, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz after close expected 503, got %d", w.Code)
	}
}
