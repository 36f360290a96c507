// Package proxy implements the request orchestration pipeline: resolve
// the provider adapter, augment the prompt with retrieved memories,
// forward upstream, translate the response back into the shape the
// caller spoke, and memorize the exchange when asked to.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/memgate/internal/memory"
	"github.com/blueberrycongee/memgate/internal/metrics"
	"github.com/blueberrycongee/memgate/internal/observability"
	"github.com/blueberrycongee/memgate/internal/provider"
	"github.com/blueberrycongee/memgate/internal/streaming"
	gwerrors "github.com/blueberrycongee/memgate/pkg/errors"
	"github.com/blueberrycongee/memgate/pkg/types"
)

// State names the per-request pipeline stages, used for logging and
// failure attribution.
type State string

// Pipeline states. Errored is reachable from any non-terminal state.
const (
	StateReceived           State = "received"
	StateProviderSelected   State = "provider_selected"
	StateMemoryAugmented    State = "memory_augmented"
	StateForwarded          State = "forwarded"
	StateResponseTranslated State = "response_translated"
	StateCompleted          State = "completed"
	StateErrored            State = "errored"
)

// UpstreamHeader optionally names a different upstream provider than
// the one whose shape the request arrived in. The response still comes
// back in the inbound shape.
const UpstreamHeader = "X-Upstream-Provider"

// ProviderHeader optionally pins the inbound provider, skipping detection.
const ProviderHeader = "X-Provider"

// DefaultUpstreamTimeout bounds the single upstream call when no
// per-provider timeout is configured.
const DefaultUpstreamTimeout = 120 * time.Second

// Router orchestrates one chat exchange end to end.
type Router struct {
	registry    *provider.Registry
	engine      *memory.Engine // nil disables memory augmentation
	tracer      trace.Tracer
	logger      *slog.Logger
	client      *http.Client
	timeouts    map[string]time.Duration
	defaultTopK int
	minScore    float64
}

// Options configures a Router.
type Options struct {
	Registry    *provider.Registry
	Engine      *memory.Engine
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Timeouts    map[string]time.Duration // per provider name
	DefaultTopK int
	MinScore    float64
}

// NewRouter creates a request router.
func NewRouter(opts Options) *Router {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 5
	}
	return &Router{
		registry:    opts.Registry,
		engine:      opts.Engine,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
		client:      &http.Client{},
		timeouts:    opts.Timeouts,
		defaultTopK: opts.DefaultTopK,
		minScore:    opts.MinScore,
	}
}

// Serve processes one inbound chat request. pinned names the default
// inbound adapter when the route itself implies a shape (e.g.
// /v1/messages); the X-Provider header overrides it, and an empty
// pinned with no header falls through to detection. Errors are
// returned for the caller to render in the inbound error shape,
// alongside the adapter that should render them (nil when unresolved).
func (r *Router) Serve(w http.ResponseWriter, req *http.Request, pinned string) (provider.Provider, error) {
	start := time.Now()
	state := StateReceived
	requestID := observability.RequestIDFromContext(req.Context())
	logger := r.logger.With("request_id", requestID)

	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, gwerrors.NewInvalidRequest("failed to read request body")
	}
	defer req.Body.Close()

	// Provider selection. The header overrides the route pin, the pin
	// overrides detection, and detection runs in fixed priority order.
	// No silent default.
	explicit := req.Header.Get(ProviderHeader)
	if explicit == "" {
		explicit = pinned
	}
	inbound, err := r.registry.Resolve(explicit, raw)
	if err != nil {
		logger.Warn("provider unresolved", "state", string(state))
		return nil, err
	}
	state = StateProviderSelected

	upstream := inbound
	if name := req.Header.Get(UpstreamHeader); name != "" {
		up, ok := r.registry.Get(name)
		if !ok {
			return inbound, gwerrors.NewProviderUnresolved("unknown upstream provider: " + name)
		}
		upstream = up
	}

	canonical, err := inbound.DecodeRequest(raw)
	if err != nil {
		logger.Warn("request decode failed", "provider", inbound.Name(), "state", string(state))
		return inbound, err
	}
	if canonical.Model == "" {
		return inbound, gwerrors.NewInvalidRequest("model is required")
	}
	if len(canonical.Messages) == 0 {
		return inbound, gwerrors.NewInvalidRequest("messages is required")
	}

	memOpts := canonical.Memory
	canonical.Memory = nil

	// Memory augmentation is best-effort: retrieval failures degrade to
	// an unaugmented prompt, never to a failed chat turn.
	if r.engine != nil && memOpts != nil && memOpts.Recall && memOpts.OwnerID != "" {
		r.augment(req.Context(), canonical, memOpts, logger)
		state = StateMemoryAugmented
	}

	ctx, span := observability.StartUpstreamSpan(req.Context(), r.tracer,
		upstream.Name(), canonical.Model, canonical.Stream)
	defer span.End()

	resp, err := r.forward(ctx, upstream, canonical)
	if err != nil {
		observability.RecordError(span, err)
		logger.Error("upstream call failed",
			"provider", upstream.Name(), "model", canonical.Model, "state", string(state))
		ge := gwerrors.AsGatewayError(err)
		metrics.RecordUpstreamError(upstream.Name(), ge.Reason)
		return inbound, ge
	}
	state = StateForwarded

	if canonical.Stream {
		return inbound, r.serveStream(ctx, w, resp, upstream, inbound, canonical, memOpts, start, logger)
	}

	translated, err := upstream.ParseResponse(resp)
	resp.Body.Close()
	if err != nil {
		observability.RecordError(span, err)
		return inbound, gwerrors.NewInternalError(upstream.Name(), "failed to parse upstream response")
	}
	state = StateResponseTranslated

	body, err := inbound.EncodeResponse(translated)
	if err != nil {
		return inbound, gwerrors.NewInternalError(inbound.Name(), "failed to encode response")
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		logger.Warn("client write failed", "error", err)
	}
	state = StateCompleted

	latency := time.Since(start)
	metrics.RecordRequest(upstream.Name(), canonical.Model, http.StatusOK, latency)
	if translated.Usage != nil {
		metrics.RecordTokens(upstream.Name(), canonical.Model,
			translated.Usage.PromptTokens, translated.Usage.CompletionTokens)
		observability.RecordUpstreamResponse(span,
			translated.Usage.PromptTokens, translated.Usage.CompletionTokens,
			finishReason(translated))
	}
	logger.Info("request completed",
		"provider", upstream.Name(), "model", canonical.Model,
		"latency_ms", latency.Milliseconds(), "state", string(state))

	r.memorize(req.Context(), canonical, replyText(translated), memOpts, logger)
	return inbound, nil
}

// augment retrieves relevant memories for the owner and prepends them
// as a system message ahead of the original system message; the
// original message order is otherwise preserved.
func (r *Router) augment(ctx context.Context, canonical *types.ChatRequest, memOpts *types.MemoryOptions, logger *slog.Logger) {
	query := lastUserText(canonical.Messages)
	if query == "" {
		return
	}

	k := memOpts.TopK
	if k <= 0 {
		k = r.defaultTopK
	}
	minScore := r.minScore
	if memOpts.MinScore != nil {
		minScore = *memOpts.MinScore
	}

	results := r.engine.Retrieve(ctx, memOpts.OwnerID, query, k, minScore)
	if len(results) == 0 {
		return
	}

	text := "Relevant memories about this user:\n"
	for _, res := range results {
		text += "- " + res.Record.Content + "\n"
	}

	augmented := make([]types.ChatMessage, 0, len(canonical.Messages)+1)
	augmented = append(augmented, types.TextMessage(types.RoleSystem, text))
	augmented = append(augmented, canonical.Messages...)
	canonical.Messages = augmented

	logger.Debug("prompt augmented", "owner_id", memOpts.OwnerID, "memories", len(results))
}

// forward performs the single upstream call with a bounded timeout.
// Retries are the caller's responsibility.
func (r *Router) forward(ctx context.Context, upstream provider.Provider, canonical *types.ChatRequest) (*http.Response, error) {
	timeout := r.timeouts[upstream.Name()]
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := upstream.BuildRequest(ctx, canonical)
	if err != nil {
		cancel()
		return nil, gwerrors.NewInternalError(upstream.Name(), "failed to build request: "+err.Error())
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, gwerrors.NewUpstreamError(upstream.Name(), gwerrors.ReasonTimeout, "upstream call timed out")
		}
		return nil, gwerrors.NewUpstreamError(upstream.Name(), gwerrors.ReasonServerError, "upstream request failed")
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, upstream.MapError(resp.StatusCode, body)
	}

	// The body carries the cancel; wrap so Close releases the context.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (r *Router) serveStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, upstream, inbound provider.Provider, canonical *types.ChatRequest, memOpts *types.MemoryOptions, start time.Time, logger *slog.Logger) error {
	var reply collectedReply

	fwd, err := streaming.NewForwarder(ctx, resp.Body, w, upstream, inbound)
	if err != nil {
		resp.Body.Close()
		return gwerrors.NewInternalError(inbound.Name(), "streaming not supported")
	}
	fwd.OnChunk(reply.observe)

	if err := fwd.Forward(); err != nil {
		// Headers are already out; all we can do is log.
		logger.Warn("stream interrupted", "provider", upstream.Name(), "error", err)
		metrics.RecordRequest(upstream.Name(), canonical.Model, http.StatusOK, time.Since(start))
		return nil
	}

	metrics.RecordRequest(upstream.Name(), canonical.Model, http.StatusOK, time.Since(start))
	logger.Info("stream completed",
		"provider", upstream.Name(), "model", canonical.Model,
		"latency_ms", time.Since(start).Milliseconds())

	r.memorize(ctx, canonical, reply.text, memOpts, logger)
	return nil
}

// memorize stores the exchange when the request flagged the turn as
// memorable. Failure is logged and swallowed; a canceled request skips
// the write entirely.
func (r *Router) memorize(ctx context.Context, canonical *types.ChatRequest, reply string, memOpts *types.MemoryOptions, logger *slog.Logger) {
	if r.engine == nil || memOpts == nil || !memOpts.Store || memOpts.OwnerID == "" {
		return
	}
	if ctx.Err() != nil {
		return
	}

	userText := lastUserText(canonical.Messages)
	if userText == "" && reply == "" {
		return
	}

	content := fmt.Sprintf("User: %s\nAssistant: %s", userText, reply)
	if _, err := r.engine.Store(ctx, memOpts.OwnerID, content, map[string]any{
		"model":  canonical.Model,
		"source": "chat",
	}); err != nil {
		logger.Warn("memorize failed", "owner_id", memOpts.OwnerID, "error", err)
	}
}

func lastUserText(messages []types.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].ContentText()
		}
	}
	return ""
}

func replyText(resp *types.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.ContentText()
}

func finishReason(resp *types.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].FinishReason
}

// collectedReply accumulates streamed content so a memorable streaming
// turn can still be stored after the stream completes.
type collectedReply struct {
	text string
}

func (c *collectedReply) observe(chunk *types.StreamChunk) {
	for _, choice := range chunk.Choices {
		c.text += choice.Delta.Content
	}
}

// cancelReadCloser ties a context cancel func to a response body.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
