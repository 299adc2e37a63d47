package ghl

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"agentrelay/internal/apperr"
)

type fakeGHL struct {
	mu      sync.Mutex
	values  []CustomValue
	puts    map[string]string
	failPut string
	auth    []string
}

func (f *fakeGHL) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/custom-values", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"customValues": f.values})
	})
	mux.HandleFunc("PUT /v1/custom-values/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == f.failPut {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"value rejected"}`))
			return
		}
		var body struct {
			Value string `json:"value"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		if f.puts == nil {
			f.puts = map[string]string{}
		}
		f.puts[id] = body.Value
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"succeded":true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func allValues() []CustomValue {
	return []CustomValue{
		{ID: "cv1", Name: FieldAssistantID},
		{ID: "cv2", Name: FieldOpeningMessage},
		{ID: "cv3", Name: FieldWebhook},
		{ID: "cv4", Name: FieldAppEmail},
		{ID: "cv5", Name: "Unrelated"},
	}
}

func validRequest() SetupRequest {
	return SetupRequest{
		APIKey:         "ghl-key",
		LocationID:     "loc-1",
		AssistantID:    "asst_1",
		OpeningMessage: "Hi there!",
		UserEmail:      "owner@example.com",
		WebhookURL:     "https://app.example.com/api/webhook",
	}
}

func TestSetupUpdatesAllValues(t *testing.T) {
	fake := &fakeGHL{values: allValues()}
	srv := fake.server(t)
	c := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	if err := c.Setup(context.Background(), validRequest()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	want := map[string]string{
		"cv1": "asst_1",
		"cv2": "Hi there!",
		"cv3": "https://app.example.com/api/webhook",
		"cv4": "owner@example.com",
	}
	if len(fake.puts) != len(want) {
		t.Fatalf("expected %d puts, got %v", len(want), fake.puts)
	}
	for id, v := range want {
		if fake.puts[id] != v {
			t.Fatalf("custom value %s = %q, want %q", id, fake.puts[id], v)
		}
	}
	if len(fake.auth) != 1 || fake.auth[0] != "Bearer ghl-key" {
		t.Fatalf("unexpected auth headers %v", fake.auth)
	}
}

func TestSetupMissingFieldIssuesNoPut(t *testing.T) {
	dropped := allValues()
	dropped = append(dropped[:2], dropped[3:]...)
	blankID := allValues()
	blankID[0].ID = ""

	for name, values := range map[string][]CustomValue{"absent": dropped, "blank id": blankID} {
		t.Run(name, func(t *testing.T) {
			fake := &fakeGHL{values: values}
			srv := fake.server(t)
			c := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

			err := c.Setup(context.Background(), validRequest())
			if apperr.KindOf(err) != apperr.KindInvalidArgument {
				t.Fatalf("expected invalid argument, got %v", err)
			}
			if len(fake.puts) != 0 {
				t.Fatalf("expected no PUT calls, got %v", fake.puts)
			}
		})
	}
}

func TestSetupRequiresAllInputs(t *testing.T) {
	fake := &fakeGHL{values: allValues()}
	srv := fake.server(t)
	c := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	req := validRequest()
	req.LocationID = ""
	err := c.Setup(context.Background(), req)
	if err == nil || err.Error() != "All fields are required" {
		t.Fatalf("unexpected error %v", err)
	}
	if len(fake.auth) != 0 {
		t.Fatal("no GHL call expected for incomplete input")
	}
}

func TestSetupPartialFailureKeepsAppliedUpdates(t *testing.T) {
	fake := &fakeGHL{values: allValues(), failPut: "cv2"}
	srv := fake.server(t)
	c := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	err := c.Setup(context.Background(), validRequest())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if err.Error() != "GHL API Error: value rejected" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.puts["cv2"]; ok {
		t.Fatal("failed update must not be recorded")
	}
}

func TestErrorFallsBackToStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	_, err := c.GetCustomValues(context.Background(), "bad")
	if err == nil || !strings.HasSuffix(err.Error(), "Unauthorized") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestGetCustomValuesMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})

	values, err := c.GetCustomValues(context.Background(), "k")
	if err != nil {
		t.Fatalf("get values: %v", err)
	}
	if values == nil || len(values) != 0 {
		t.Fatalf("expected empty slice, got %v", values)
	}
}
