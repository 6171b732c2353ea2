package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/specq-dev/specq/internal/model"
)

func testItem() *model.WorkItem {
	wi := model.NewWorkItem("add-auth")
	wi.Title = "Add auth"
	wi.Status = model.StatusAccepted
	wi.RetryCount = 1
	return wi
}

func TestNotify_DeliversPayloadWithDeliveryHeader(t *testing.T) {
	var gotBody []byte
	var gotDelivery, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotDelivery = r.Header.Get("X-Specq-Delivery")
		gotContentType = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	n := New(srv.URL, []string{"change.completed"})
	n.Notify(context.Background(), "change.completed", testItem())

	if gotBody == nil {
		t.Fatalf("webhook never called")
	}
	var p map[string]any
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p["event"] != "change.completed" || p["change_id"] != "add-auth" {
		t.Fatalf("payload: %v", p)
	}
	if p["title"] != "Add auth" || p["status"] != "accepted" || p["retry_count"] != float64(1) {
		t.Fatalf("payload: %v", p)
	}
	if gotDelivery == "" {
		t.Fatalf("missing X-Specq-Delivery header")
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type: %q", gotContentType)
	}
}

func TestNotify_EventNotInAllowListSkipped(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := New(srv.URL, []string{"change.failed"})
	n.Notify(context.Background(), "change.completed", testItem())
	if called {
		t.Fatalf("filtered event must not be delivered")
	}
}

func TestNotify_NoURLIsNoOp(t *testing.T) {
	n := New("", []string{"change.completed"})
	// Must not panic or attempt delivery.
	n.Notify(context.Background(), "change.completed", testItem())
}

func TestNotify_TransportErrorSwallowed(t *testing.T) {
	n := New("http://127.0.0.1:1/unreachable", []string{"change.completed"})
	n.Notify(context.Background(), "change.completed", testItem())
}

func TestNotify_ServerErrorIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()

	n := New(srv.URL, []string{"change.failed"})
	n.Notify(context.Background(), "change.failed", testItem())
}
