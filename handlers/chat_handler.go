package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/crewledger/ai-gateway/internal/observability"
	"github.com/crewledger/ai-gateway/internal/router"
	"github.com/crewledger/ai-gateway/middleware"
	"github.com/crewledger/ai-gateway/services"
	"github.com/crewledger/ai-gateway/services/chatcontext"
	"github.com/crewledger/ai-gateway/services/providers"
	"github.com/crewledger/ai-gateway/utils"
	"go.uber.org/zap"
)

// ChatRequest is the body of POST /api/v1/chat
type ChatRequest struct {
	Messages []ChatMessage `json:"messages" validate:"required,min=1,max=200,dive"`
}

// ChatMessage represents a single prior chat message
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// ChatGateway opens the first live candidate stream for a request
type ChatGateway interface {
	Stream(ctx context.Context, base providers.ChatRequest) (*router.SplicedStream, error)
}

// RequestMetrics counts chat requests by result
type RequestMetrics interface {
	ObserveRequest(result string)
}

// ChatHandler handles chat HTTP requests
type ChatHandler struct {
	gateway      ChatGateway
	builder      chatcontext.Builder
	metrics      RequestMetrics
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewChatHandler creates a new ChatHandler. metrics may be nil.
func NewChatHandler(gateway ChatGateway, builder chatcontext.Builder, metrics RequestMetrics, maxBodyBytes int64, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		gateway:      gateway,
		builder:      builder,
		metrics:      metrics,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleChat handles POST /api/v1/chat
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithRequest(ctx, h.logger)

	var req ChatRequest
	if err := utils.DecodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		logger.Debug("invalid chat request body", zap.Error(err))
		h.observe(observability.ResultInvalid)
		HandleValidationError(w, err, logger)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		logger.Debug("chat request validation failed", zap.Error(err))
		h.observe(observability.ResultInvalid)
		HandleValidationError(w, err, logger)
		return
	}

	claims := middleware.GetClaimsFromContext(ctx)
	principal := chatcontext.Principal{}
	if claims != nil && !claims.Anonymous() {
		principal = chatcontext.Principal{
			Subject: claims.Sub,
			Name:    claims.Name,
			Email:   claims.Email,
		}
	}

	bundle, err := h.builder.Build(ctx, principal)
	if err != nil {
		h.observe(observability.ResultFailed)
		HandleServiceError(w, services.WrapInternal(services.ErrContextBuild.Message, err), logger)
		return
	}

	messages := make([]providers.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, providers.Message{Role: m.Role, Content: m.Content})
	}

	stream, err := h.gateway.Stream(ctx, providers.ChatRequest{
		System:   bundle.SystemPrompt,
		Tools:    bundle.Tools,
		Messages: messages,
		User:     principal.Subject,
	})
	if err != nil {
		h.handleStreamError(w, r, err, logger)
		return
	}
	defer stream.Close()

	h.copyStream(w, stream, logger)
}

func (h *ChatHandler) handleStreamError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	var exhausted *router.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		logger.Debug("all candidates failed", zap.Strings("dossier", exhausted.Dossier))
		h.observe(observability.ResultExhausted)
		HandleServiceError(w, services.Unavailable(exhausted.Dossier, err), logger)

	case r.Context().Err() != nil:
		// The caller is gone; there is nobody to answer
		logger.Debug("chat request cancelled before first byte", zap.Error(err))
		h.observe(observability.ResultCancelled)

	default:
		h.observe(observability.ResultFailed)
		HandleServiceError(w, services.WrapInternal("chat request failed", err), logger)
	}
}

// copyStream writes every unit to the client as it arrives. An upstream
// failure after the first byte aborts the connection so the client sees a
// truncated transfer rather than a clean end.
func (h *ChatHandler) copyStream(w http.ResponseWriter, stream *router.SplicedStream, logger *zap.Logger) {
	out := utils.NewStreamWriter(w)

	for {
		chunk, err := stream.Recv()
		if err != nil {
			var mse *router.MidStreamError
			switch {
			case errors.Is(err, io.EOF):
				h.observe(observability.ResultStreamed)

			case errors.As(err, &mse):
				logger.Debug("aborting response after mid-stream failure",
					zap.String("candidate", mse.Candidate),
					zap.Error(mse.Err))
				h.observe(observability.ResultMidStream)
				panic(http.ErrAbortHandler)

			default:
				// Cancelled by the caller or by Close
				logger.Debug("chat stream ended early", zap.Error(err))
				h.observe(observability.ResultCancelled)
			}
			return
		}

		if chunk == "" {
			continue
		}

		if err := out.WriteString(chunk); err != nil {
			logger.Debug("client write failed", zap.Error(err))
			h.observe(observability.ResultCancelled)
			return
		}
	}
}

func (h *ChatHandler) observe(result string) {
	if h.metrics != nil {
		h.metrics.ObserveRequest(result)
	}
}
