package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearchTool answers web_search tool calls with the DuckDuckGo
// instant-answer API. Results are best effort; an empty answer is a
// valid tool output.
type WebSearchTool struct {
	BaseURL string
	Client  *http.Client
}

func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{
		BaseURL: "https://api.duckduckgo.com",
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *WebSearchTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        "web_search",
		Description: "Search the web and return a short text summary of the top result.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "search query"}
			},
			"required": ["query"]
		}`),
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
}

type ddgResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Answer        string `json:"Answer"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

func (t *WebSearchTool) Invoke(ctx context.Context, arguments string) (string, error) {
	var args webSearchArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", fmt.Errorf("web_search: bad arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("web_search: query is required")
	}

	u := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", strings.TrimRight(t.BaseURL, "/"), url.QueryEscape(args.Query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("web_search: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var decoded ddgResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", err
	}

	switch {
	case decoded.Answer != "":
		return decoded.Answer, nil
	case decoded.AbstractText != "":
		if decoded.AbstractURL != "" {
			return decoded.AbstractText + " (" + decoded.AbstractURL + ")", nil
		}
		return decoded.AbstractText, nil
	case len(decoded.RelatedTopics) > 0 && decoded.RelatedTopics[0].Text != "":
		return decoded.RelatedTopics[0].Text, nil
	default:
		return "no results", nil
	}
}
