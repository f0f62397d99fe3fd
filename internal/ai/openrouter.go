package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type OpenRouterProvider struct {
	BaseURL string
	APIKey  string
	Model   string
	SiteURL string
	AppName string
	Client  *http.Client
}

type openRouterMsg struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openRouterTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type openRouterReasoning struct {
	Effort string `json:"effort"`
}

type openRouterChatReq struct {
	Model     string               `json:"model"`
	Messages  []openRouterMsg      `json:"messages"`
	Stream    bool                 `json:"stream"`
	Tools     []openRouterTool     `json:"tools,omitempty"`
	Reasoning *openRouterReasoning `json:"reasoning,omitempty"`
}

type openRouterStreamResp struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewOpenRouterProvider(baseURL, apiKey, model, siteURL, appName string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &OpenRouterProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   model,
		SiteURL: siteURL,
		AppName: appName,
		// ctx controls the overall stream lifetime, not a client timeout
		Client: &http.Client{},
	}
}

func (p *OpenRouterProvider) buildRequest(ctx context.Context, messages []Message, opts StreamOptions) (*http.Request, error) {
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, fmt.Errorf("openrouter: model is required")
	}

	reqBody := openRouterChatReq{
		Model:  model,
		Stream: true,
		Messages: func() []openRouterMsg {
			out := make([]openRouterMsg, 0, len(messages))
			for _, m := range messages {
				om := openRouterMsg{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
				for _, tc := range m.ToolCalls {
					otc := openRouterToolCall{ID: tc.ID, Type: "function"}
					otc.Function.Name = tc.Name
					otc.Function.Arguments = tc.Arguments
					om.ToolCalls = append(om.ToolCalls, otc)
				}
				out = append(out, om)
			}
			return out
		}(),
	}

	for _, t := range opts.Tools {
		ot := openRouterTool{Type: "function"}
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.Parameters
		reqBody.Tools = append(reqBody.Tools, ot)
	}
	if opts.ReasoningEffort != "" && opts.ReasoningEffort != "none" {
		reqBody.Reasoning = &openRouterReasoning{Effort: opts.ReasoningEffort}
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	if p.SiteURL != "" {
		req.Header.Set("HTTP-Referer", p.SiteURL)
	}
	if p.AppName != "" {
		req.Header.Set("X-Title", p.AppName)
	}
	return req, nil
}

// statusToError maps a non-2xx upstream response onto the error taxonomy.
func statusToError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Msg: fmt.Sprintf("openrouter: credential rejected (status %d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{Msg: "openrouter: rate limited", RetryAfter: retryAfter}
	default:
		if msg == "" {
			msg = fmt.Sprintf("openrouter: status %d", resp.StatusCode)
		}
		return &UpstreamError{StatusCode: resp.StatusCode, Msg: msg}
	}
}

// StreamTokens opens the SSE connection and emits token events. One
// malformed data line is logged and skipped; the read loop keeps going.
func (p *OpenRouterProvider) StreamTokens(ctx context.Context, messages []Message, opts StreamOptions) (<-chan TokenEvent, <-chan error) {
	events := make(chan TokenEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		if strings.TrimSpace(p.APIKey) == "" {
			errs <- &AuthError{Msg: "openrouter: api key is required"}
			return
		}

		req, err := p.buildRequest(ctx, messages, opts)
		if err != nil {
			errs <- err
			return
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- statusToError(resp)
			return
		}

		// tool-call fragments accumulate by index until the stream ends
		type pendingCall struct {
			id   string
			name string
			args strings.Builder
		}
		pending := map[int]*pendingCall{}

		flushCalls := func() {
			if len(pending) == 0 {
				return
			}
			for i := 0; i < len(pending); i++ {
				pc, ok := pending[i]
				if !ok {
					continue
				}
				events <- TokenEvent{Kind: KindToolCall, Call: &ToolCall{
					ID:        pc.id,
					Name:      pc.name,
					Arguments: pc.args.String(),
				}}
			}
			pending = map[int]*pendingCall{}
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				flushCalls()
				return
			}

			var decoded openRouterStreamResp
			if err := json.Unmarshal([]byte(data), &decoded); err != nil {
				log.Printf("[openrouter] skipping malformed frame: %v", err)
				continue
			}
			if decoded.Error != nil && decoded.Error.Message != "" {
				errs <- &UpstreamError{StatusCode: resp.StatusCode, Msg: decoded.Error.Message}
				return
			}
			if len(decoded.Choices) == 0 {
				continue
			}

			choice := decoded.Choices[0]
			if choice.Delta.Reasoning != "" {
				events <- TokenEvent{Kind: KindReasoning, Text: choice.Delta.Reasoning}
			}
			if choice.Delta.Content != "" {
				events <- TokenEvent{Kind: KindText, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := pending[tc.Index]
				if !ok {
					pc = &pendingCall{}
					pending[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason == "tool_calls" {
				flushCalls()
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		flushCalls()
	}()

	return events, errs
}
