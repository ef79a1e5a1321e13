// Package tokenaccounting implements the Token Accounting Layer (C7,
// §4.7): gates on configured endpoints, buffers and re-materialises the
// JSON request body, and in a background goroutine parses or estimates
// prompt/completion token usage for the sink.
package tokenaccounting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nostalgicskinco/oai-audit-gateway/internal/apierr"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/config"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/logging"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/metrics"
	"github.com/nostalgicskinco/oai-audit-gateway/internal/reqctx"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/audit"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/bearerauth"
	"github.com/nostalgicskinco/oai-audit-gateway/pkg/sink"
)

var tracer = otel.Tracer("oai-audit-gateway/tokenaccounting")

// Layer is the C7 middleware.
type Layer struct {
	filters config.AuditTokensFilterConfig
	sink    sink.Sink
	metrics *metrics.Registry
	log     *logging.Logger
}

// New constructs a Layer. When filters.Enable is false, Middleware returns
// next unmodified.
func New(filters config.AuditTokensFilterConfig, s sink.Sink, reg *metrics.Registry, log *logging.Logger) *Layer {
	return &Layer{filters: filters, sink: s, metrics: reg, log: log}
}

func (l *Layer) endpointTracked(path string) bool {
	for _, e := range l.filters.Endpoints {
		if e == path {
			return true
		}
	}
	return false
}

// capturingWriter buffers the full response body so the background
// accounting goroutine can parse it, while still streaming bytes to the
// client unmodified via http.ResponseWriter.Write's normal semantics.
type capturingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware implements §4.7 exactly: gate → buffer+validate request body →
// dispatch → background accounting.
func (l *Layer) Middleware(next http.Handler) http.Handler {
	if !l.filters.Enable {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.endpointTracked(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := io.ReadAll(r.Body)
		if err != nil {
			apierr.Write(w, apierr.BadRequest("failed to read body"))
			return
		}
		r.Body.Close()

		var parsed map[string]any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			apierr.Write(w, apierr.BadRequest("failed to parse body"))
			return
		}
		modelRaw, present := parsed["model"]
		model, _ := modelRaw.(string)
		if !present || model == "" {
			apierr.Write(w, apierr.BadRequest("missing 'model' field in request body"))
			return
		}

		streaming, _ := parsed["stream"].(bool)
		if streaming && l.filters.StreamTokens == config.StreamReject {
			apierr.Write(w, apierr.BadRequest("stream requests are not allowed"))
			return
		}

		// Re-materialise the body so the inner handler (and ultimately the
		// upstream request) receives an identical buffered copy.
		r.Body = io.NopCloser(bytes.NewReader(raw))
		r.ContentLength = int64(len(raw))

		rayID := r.Header.Get(audit.RayIDHeader)
		var user string
		if u := r.Header.Get(bearerauth.AuthedHeader); u != "" {
			user = u
		}

		r = r.WithContext(reqctx.WithModel(r.Context(), model))

		if streaming && l.filters.StreamTokens == config.StreamSkip {
			next.ServeHTTP(w, r)
			return
		}

		cw := &capturingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		ctx := r.Context()
		go l.account(ctx, r.URL.Path, model, streaming, parsed, cw.buf.Bytes(), rayID, user)
	})
}

func (l *Layer) account(ctx context.Context, endpoint, model string, streaming bool, reqBody map[string]any, resBody []byte, rayID, user string) {
	var (
		usage       sink.TokenUsage
		isEstimated bool
	)

	if streaming {
		switch l.filters.StreamTokens {
		case config.StreamEstimate:
			u, err := estimateUsage(endpoint, model, reqBody, resBody)
			if err != nil {
				l.log.Warnf("tokenaccounting: failed to estimate usage for ray_id=%s: %v", rayID, err)
				l.metrics.TokenRecordsSkip.Inc()
				return
			}
			usage = u
			isEstimated = true
		default:
			return
		}
	} else {
		u, err := parseReportedUsage(resBody)
		if err != nil {
			l.log.Warnf("tokenaccounting: failed to parse usage from response for ray_id=%s: %v", rayID, err)
			l.metrics.TokenRecordsSkip.Inc()
			return
		}
		usage = u
		isEstimated = false
	}

	_, span := tracer.Start(ctx, "tokenaccounting.usage")
	span.SetAttributes(
		attribute.String("ray_id", rayID),
		attribute.String("model", model),
		attribute.Int("gen_ai.usage.prompt_tokens", usage.Prompt),
		attribute.Int("gen_ai.usage.completion_tokens", usage.Completion),
	)
	span.End()

	rec := sink.TokenUsageLog{
		Timestamp:   time.Now(),
		RayID:       rayID,
		Model:       model,
		Usage:       usage,
		IsEstimated: isEstimated,
	}
	if user != "" {
		rec.User = &user
	}
	l.sink.LogTokens(rec)
}

// upstreamUsage is the wire shape of the `usage` object an OpenAI-compatible
// upstream reports on a non-streamed response (`prompt_tokens`/
// `completion_tokens`/`total_tokens`) — distinct from sink.TokenUsage's own
// `prompt`/`completion`/`total` tags, which describe the gateway's stored
// record rather than the upstream wire format.
type upstreamUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type responseWithUsage struct {
	Usage *upstreamUsage `json:"usage"`
}

func parseReportedUsage(resBody []byte) (sink.TokenUsage, error) {
	var r responseWithUsage
	if err := json.Unmarshal(resBody, &r); err != nil {
		return sink.TokenUsage{}, err
	}
	if r.Usage == nil {
		return sink.TokenUsage{}, errors.New("response has no 'usage' object")
	}
	return sink.TokenUsage{
		Prompt:     r.Usage.PromptTokens,
		Completion: r.Usage.CompletionTokens,
		Total:      r.Usage.TotalTokens,
	}, nil
}

func estimateUsage(endpoint, model string, reqBody map[string]any, resBody []byte) (sink.TokenUsage, error) {
	switch endpoint {
	case "/completions":
		return countCompletionsTokens(model, reqBody, resBody)
	case "/chat/completions":
		return countChatTokens(model, reqBody, resBody)
	default:
		return sink.TokenUsage{}, errUnsupportedEndpoint(endpoint)
	}
}

type unsupportedEndpointError string

func (e unsupportedEndpointError) Error() string { return "unsupported endpoint: " + string(e) }

func errUnsupportedEndpoint(e string) error { return unsupportedEndpointError(e) }

// sseEvents splits an SSE response body into its `data: ` JSON payloads,
// stopping at `[DONE]`, per §4.7 and the glossary's SSE framing. A stream
// that ends without `[DONE]` is parsed up to the last complete
// blank-line-delimited frame (§8 boundary case): any text after the final
// blank line is dropped as an incomplete frame.
func sseEvents(body []byte) []string {
	frames := strings.Split(string(body), "\n\n")
	frames = frames[:len(frames)-1]
	var out []string
	for _, f := range frames {
		data, ok := strings.CutPrefix(strings.TrimRight(f, "\r"), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		out = append(out, data)
	}
	return out
}

type completionChoice struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
}

type completionEvent struct {
	Choices []completionChoice `json:"choices"`
}

func countCompletionsTokens(model string, reqBody map[string]any, resBody []byte) (sink.TokenUsage, error) {
	prompt, _ := reqBody["prompt"].(string)
	promptTokens, err := CountTokens(model, prompt)
	if err != nil {
		return sink.TokenUsage{}, err
	}

	var choices []string
	for _, raw := range sseEvents(resBody) {
		var ev completionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return sink.TokenUsage{}, err
		}
		for _, c := range ev.Choices {
			for len(choices) < c.Index+1 {
				choices = append(choices, "")
			}
			choices[c.Index] += c.Text
		}
	}

	completionTokens := 0
	for _, c := range choices {
		n, err := CountTokens(model, c)
		if err != nil {
			return sink.TokenUsage{}, err
		}
		completionTokens += n
	}

	return sink.TokenUsage{
		Prompt:     promptTokens,
		Completion: completionTokens,
		Total:      promptTokens + completionTokens,
	}, nil
}

type chatDelta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Delta chatDelta `json:"delta"`
	Index int       `json:"index"`
}

type chatEvent struct {
	Choices []chatChoice `json:"choices"`
}

type requestMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name"`
}

func countChatTokens(model string, reqBody map[string]any, resBody []byte) (sink.TokenUsage, error) {
	rawMessages, ok := reqBody["messages"]
	if !ok {
		return sink.TokenUsage{}, unsupportedEndpointError("request has no 'messages'")
	}
	b, err := json.Marshal(rawMessages)
	if err != nil {
		return sink.TokenUsage{}, err
	}
	var reqMsgs []requestMessage
	if err := json.Unmarshal(b, &reqMsgs); err != nil {
		return sink.TokenUsage{}, err
	}
	promptMsgs := make([]ChatMessage, len(reqMsgs))
	for i, m := range reqMsgs {
		promptMsgs[i] = ChatMessage{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	promptTokens, err := NumTokensFromMessages(model, promptMsgs)
	if err != nil {
		return sink.TokenUsage{}, err
	}

	var role string
	var contents []string
	for _, raw := range sseEvents(resBody) {
		var ev chatEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return sink.TokenUsage{}, err
		}
		for _, c := range ev.Choices {
			for len(contents) < c.Index+1 {
				contents = append(contents, "")
			}
			if c.Delta.Role != "" && role == "" {
				role = c.Delta.Role
			}
			contents[c.Index] += c.Delta.Content
		}
	}

	completionMsgs := make([]ChatMessage, len(contents))
	for i, c := range contents {
		completionMsgs[i] = ChatMessage{Role: role, Content: c}
	}
	completionTokens, err := NumTokensFromMessages(model, completionMsgs)
	if err != nil {
		return sink.TokenUsage{}, err
	}

	return sink.TokenUsage{
		Prompt:     promptTokens,
		Completion: completionTokens,
		Total:      promptTokens + completionTokens,
	}, nil
}
