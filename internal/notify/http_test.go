package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPSinkPostsNotification(t *testing.T) {
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, nil)
	err := sink.Notify(context.Background(), Notification{TopicID: "t-1", TaskID: "k-1", MessageType: "chat"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if got.TopicID != "t-1" || got.MessageType != "chat" {
		t.Errorf("server received %+v, want posted notification", got)
	}
}

func TestHTTPSinkRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, nil)
	if err := sink.Notify(context.Background(), Notification{TopicID: "t-1"}); err != nil {
		t.Fatalf("Notify() error = %v, want success after retries", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d attempts, want 3", calls.Load())
	}
}

func TestHTTPSinkFailsFastOnClientError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL, nil)
	if err := sink.Notify(context.Background(), Notification{}); err == nil {
		t.Fatal("Notify() = nil for 400 response, want error")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d attempts for 400, want 1", calls.Load())
	}
}

func TestHTTPDispatcherExhaustsRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL, nil)
	if err := d.DispatchCompletion(context.Background(), CallbackEvent{TaskID: "k-1"}); err == nil {
		t.Fatal("DispatchCompletion() = nil for persistent 502, want error")
	}
	if calls.Load() != 3 {
		t.Errorf("server saw %d attempts, want 3", calls.Load())
	}
}
