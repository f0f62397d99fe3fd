package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func searchServer(t *testing.T, payload string) *WebSearchTool {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if q := r.URL.Query().Get("q"); q == "" {
			t.Errorf("missing q parameter")
		}
		fmt.Fprint(w, payload)
	}))
	t.Cleanup(srv.Close)
	return &WebSearchTool{BaseURL: srv.URL, Client: &http.Client{Timeout: 2 * time.Second}}
}

func TestWebSearch_AnswerPreferred(t *testing.T) {
	tool := searchServer(t, `{"Answer":"42","AbstractText":"ignored"}`)
	out, err := tool.Invoke(context.Background(), `{"query":"meaning of life"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "42" {
		t.Fatalf("expected the instant answer, got %q", out)
	}
}

func TestWebSearch_AbstractWithURL(t *testing.T) {
	tool := searchServer(t, `{"AbstractText":"Go is a language","AbstractURL":"https://go.dev"}`)
	out, err := tool.Invoke(context.Background(), `{"query":"golang"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "Go is a language (https://go.dev)" {
		t.Fatalf("unexpected summary: %q", out)
	}
}

func TestWebSearch_FallsBackToRelatedTopics(t *testing.T) {
	tool := searchServer(t, `{"RelatedTopics":[{"Text":"first topic"}]}`)
	out, err := tool.Invoke(context.Background(), `{"query":"obscure"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "first topic" {
		t.Fatalf("unexpected fallback: %q", out)
	}
}

func TestWebSearch_NoResults(t *testing.T) {
	tool := searchServer(t, `{}`)
	out, err := tool.Invoke(context.Background(), `{"query":"nothing"}`)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out != "no results" {
		t.Fatalf("expected the empty-result sentinel, got %q", out)
	}
}

func TestWebSearch_BadArguments(t *testing.T) {
	tool := searchServer(t, `{}`)
	if _, err := tool.Invoke(context.Background(), `{broken`); err == nil {
		t.Fatal("expected an error for malformed arguments")
	}
	if _, err := tool.Invoke(context.Background(), `{"query":"  "}`); err == nil {
		t.Fatal("expected an error for an empty query")
	}
}
