package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func ndjsonServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
}

func TestOllama_StreamsDeltas(t *testing.T) {
	srv := ndjsonServer(t,
		`{"message":{"role":"assistant","thinking":"let me see"},"done":false}`,
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"role":"assistant","content":"lo"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true}`,
	)
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	events, errs := p.StreamTokens(context.Background(), []Message{{Role: "user", Content: "hi"}}, StreamOptions{ReasoningEffort: "low"})

	got, err := drainTokens(t, events, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %+v", got)
	}
	if got[0].Kind != KindReasoning || got[0].Text != "let me see" {
		t.Fatalf("unexpected reasoning event: %+v", got[0])
	}
	if got[1].Text+got[2].Text != "Hello" {
		t.Fatalf("unexpected text deltas: %+v", got[1:])
	}
}

func TestOllama_SkipsMalformedLine(t *testing.T) {
	srv := ndjsonServer(t,
		`{"message":{"content":"a"},"done":false}`,
		`garbage line`,
		`{"message":{"content":"b"},"done":true}`,
	)
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	events, errs := p.StreamTokens(context.Background(), nil, StreamOptions{})

	got, err := drainTokens(t, events, errs)
	if err != nil {
		t.Fatalf("a malformed line must not abort the stream: %v", err)
	}
	if len(got) != 2 || got[0].Text != "a" || got[1].Text != "b" {
		t.Fatalf("expected the two well-formed deltas, got %+v", got)
	}
}

func TestOllama_ErrorLine(t *testing.T) {
	srv := ndjsonServer(t,
		`{"error":"model not found"}`,
	)
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	events, errs := p.StreamTokens(context.Background(), nil, StreamOptions{})

	_, err := drainTokens(t, events, errs)
	if err == nil || err.Error() != "model not found" {
		t.Fatalf("expected the daemon error surfaced, got %v", err)
	}
}

func TestOllama_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")
	events, errs := p.StreamTokens(context.Background(), nil, StreamOptions{})

	_, err := drainTokens(t, events, errs)
	var ue *UpstreamError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected upstream error with status 500, got %v", err)
	}
}

func TestOllama_ThinkFlagFollowsEffort(t *testing.T) {
	var gotReq ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		fmt.Fprintln(w, `{"message":{"content":"ok"},"done":true}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "test-model")

	events, errs := p.StreamTokens(context.Background(), nil, StreamOptions{ReasoningEffort: "high"})
	if _, err := drainTokens(t, events, errs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotReq.Think {
		t.Fatal("expected think=true for reasoning effort high")
	}

	gotReq = ollamaChatReq{}
	events, errs = p.StreamTokens(context.Background(), nil, StreamOptions{ReasoningEffort: "none"})
	if _, err := drainTokens(t, events, errs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotReq.Think {
		t.Fatal("expected think=false for reasoning effort none")
	}
}
