package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewledger/ai-gateway/services/providers"
	"github.com/tidwall/gjson"
)

const (
	// Gemini serves the OpenAI chat-completions protocol under this path
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
	defaultName    = "gemini"

	maxErrorBody = 8 << 10
	maxSSELine   = 1 << 20
)

// OpenAIAdapter implements the Provider interface for any endpoint speaking
// the OpenAI chat-completions streaming protocol
type OpenAIAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
	models     map[string]struct{}
	tools      providers.ToolInvoker
}

// NewOpenAIAdapter creates a new OpenAI-compatible adapter.
// tools may be nil, in which case tool calls requested by the model end the stream.
func NewOpenAIAdapter(config providers.ProviderConfig, tools providers.ToolInvoker) *OpenAIAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Name == "" {
		config.Name = defaultName
	}

	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}

	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = 3
	}

	// No client-wide Timeout: it would cut long but healthy streams.
	// Time-to-first-byte is bounded by the caller's context.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = config.ConnectTimeout

	models := make(map[string]struct{}, len(config.Models))
	for _, m := range config.Models {
		models[m] = struct{}{}
	}

	return &OpenAIAdapter{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		models:     models,
		tools:      tools,
	}
}

// Name returns the provider name
func (a *OpenAIAdapter) Name() string {
	return a.config.Name
}

// ValidateModel checks if a model is supported.
// An adapter configured without a model list accepts any model id.
func (a *OpenAIAdapter) ValidateModel(model string) error {
	if model == "" {
		return errors.New("model is required")
	}
	if len(a.models) == 0 {
		return nil
	}
	if _, exists := a.models[model]; !exists {
		return fmt.Errorf("model %s is not supported by %s provider", model, a.Name())
	}
	return nil
}

// ListModels returns the configured models, sorted
func (a *OpenAIAdapter) ListModels() []string {
	models := make([]string, 0, len(a.models))
	for model := range a.models {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}

// OpenStream sends the conversation with stream=true and returns once the
// upstream answered 200 and the event stream is ready to be read
func (a *OpenAIAdapter) OpenStream(ctx context.Context, req *providers.ChatRequest) (providers.Stream, error) {
	if err := a.ValidateModel(req.Model); err != nil {
		return nil, providers.NewProviderError(a.Name(), "INVALID_MODEL", err.Error(), http.StatusBadRequest, false, err)
	}

	messages := make([]providers.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, providers.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	s := &chatStream{
		adapter:  a,
		ctx:      ctx,
		model:    req.Model,
		tools:    req.Tools,
		user:     req.User,
		temp:     req.Temperature,
		messages: messages,
	}

	body, err := a.post(ctx, s.buildRequest())
	if err != nil {
		return nil, err
	}
	s.reset(body)

	return s, nil
}

// post issues one streaming chat-completions call
func (a *OpenAIAdapter) post(ctx context.Context, payload *OpenAIChatRequest) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "MARSHAL_ERROR", "Failed to marshal request", 0, false, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), "REQUEST_ERROR", "Failed to create request", 0, false, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, providers.NewProviderError(a.Name(), "HTTP_ERROR", "HTTP request failed", 0, true, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	return httpResp.Body, nil
}

// handleErrorResponse handles non-200 responses
func (a *OpenAIAdapter) handleErrorResponse(statusCode int, body []byte) error {
	retryable := statusCode >= 500 || statusCode == http.StatusTooManyRequests

	// Gemini wraps errors in a one-element array
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}

	message := root.Get("error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	code := root.Get("error.type").String()
	if code == "" {
		code = root.Get("error.status").String()
	}
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", statusCode)
	}

	return providers.NewProviderError(a.Name(), code, fmt.Sprintf("upstream returned %d", statusCode), statusCode, retryable, errors.New(message))
}

// pendingCall accumulates one tool call across stream deltas
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// chatStream reads SSE events and runs the tool-call loop transparently
type chatStream struct {
	adapter  *OpenAIAdapter
	ctx      context.Context
	model    string
	tools    []providers.ToolDeclaration
	user     string
	temp     float64
	messages []providers.Message

	mu      sync.Mutex
	body    io.ReadCloser
	closed  bool
	scanner *bufio.Scanner

	calls    map[int]*pendingCall
	rounds   int
	finished bool // [DONE] or a finish_reason was seen in this round
	done     bool
}

func (s *chatStream) reset(body io.ReadCloser) {
	s.mu.Lock()
	s.body = body
	s.mu.Unlock()

	s.scanner = bufio.NewScanner(body)
	s.scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)
	s.calls = make(map[int]*pendingCall)
	s.finished = false
}

// Recv returns the next non-empty text delta, io.EOF at the normal end
func (s *chatStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return "", err
			}
			if !s.finished {
				return "", providers.NewProviderError(s.adapter.Name(), "TRUNCATED_STREAM", "upstream closed the stream before finishing", 0, true, io.ErrUnexpectedEOF)
			}
			if err := s.endRound(); err != nil {
				return "", err
			}
			continue
		}

		data, ok := strings.CutPrefix(s.scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.finished = true
			if err := s.endRound(); err != nil {
				return "", err
			}
			continue
		}

		if !gjson.Valid(data) {
			return "", providers.NewProviderError(s.adapter.Name(), "MALFORMED_EVENT", "malformed stream event", 0, false, nil)
		}

		event := gjson.Parse(data)
		if msg := event.Get("error.message"); msg.Exists() {
			return "", providers.NewProviderError(s.adapter.Name(), event.Get("error.type").String(), "upstream stream error", 0, true, errors.New(msg.String()))
		}

		if event.Get("choices.0.finish_reason").String() != "" {
			s.finished = true
		}

		delta := event.Get("choices.0.delta")
		s.collectToolCalls(delta.Get("tool_calls"))

		if content := delta.Get("content").String(); content != "" {
			return content, nil
		}
	}
}

// collectToolCalls merges streamed tool-call fragments by index
func (s *chatStream) collectToolCalls(calls gjson.Result) {
	if !calls.IsArray() {
		return
	}
	for pos, call := range calls.Array() {
		idx := pos
		if i := call.Get("index"); i.Exists() {
			idx = int(i.Int())
		}
		pc, ok := s.calls[idx]
		if !ok {
			pc = &pendingCall{}
			s.calls[idx] = pc
		}
		if id := call.Get("id").String(); id != "" {
			pc.id = id
		}
		if name := call.Get("function.name").String(); name != "" {
			pc.name = name
		}
		pc.args.WriteString(call.Get("function.arguments").String())
	}
}

// endRound closes the current response. If the model asked for tools and a
// tool invoker is configured, it runs them and opens the follow-up request.
func (s *chatStream) endRound() error {
	s.closeBody()

	if len(s.calls) == 0 || s.adapter.tools == nil || s.rounds >= s.adapter.config.MaxToolRounds {
		s.done = true
		return nil
	}
	s.rounds++

	indexes := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	assistant := providers.Message{Role: "assistant"}
	var results []providers.Message
	for _, idx := range indexes {
		pc := s.calls[idx]
		if pc.id == "" {
			pc.id = fmt.Sprintf("call_%d_%d", s.rounds, idx)
		}
		args := json.RawMessage(pc.args.String())
		if len(bytes.TrimSpace(args)) == 0 {
			args = json.RawMessage("{}")
		}
		assistant.ToolCalls = append(assistant.ToolCalls, providers.ToolCall{ID: pc.id, Name: pc.name, Arguments: args})

		output, err := s.adapter.tools.Invoke(s.ctx, pc.name, args)
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
			output = string(encoded)
		}
		results = append(results, providers.Message{Role: "tool", ToolCallID: pc.id, Content: output})
	}
	s.messages = append(s.messages, assistant)
	s.messages = append(s.messages, results...)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("stream closed")
	}

	body, err := s.adapter.post(s.ctx, s.buildRequest())
	if err != nil {
		return err
	}
	s.reset(body)
	return nil
}

func (s *chatStream) closeBody() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body != nil {
		_ = s.body.Close()
		s.body = nil
	}
}

// Close releases the underlying HTTP response. Safe to call concurrently with Recv.
func (s *chatStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.body != nil {
		err := s.body.Close()
		s.body = nil
		return err
	}
	return nil
}

// buildRequest converts the running conversation to the wire format
func (s *chatStream) buildRequest() *OpenAIChatRequest {
	req := &OpenAIChatRequest{
		Model:    s.model,
		Messages: make([]OpenAIMessage, len(s.messages)),
		Stream:   true,
	}

	for i, msg := range s.messages {
		m := OpenAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, OpenAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: OpenAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		req.Messages[i] = m
	}

	for _, tool := range s.tools {
		req.Tools = append(req.Tools, OpenAITool{
			Type: "function",
			Function: OpenAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if s.temp > 0 {
		req.Temperature = &s.temp
	}
	if s.user != "" {
		req.User = &s.user
	}

	return req
}

// OpenAI-specific request types

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
	User        *string         `json:"user,omitempty"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAITool struct {
	Type     string         `json:"type"`
	Function OpenAIFunction `json:"function"`
}

type OpenAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
