package inbound

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/goliatone/go-webhook-ledger/webhooks"
	"github.com/labstack/echo/v4"
)

const (
	DefaultPath               = "/webhooks/billing"
	DefaultMaxBodyBytes int64 = 512 << 10
)

type Processor interface {
	ProcessWebhook(ctx context.Context, in webhooks.ProcessWebhookInput) (webhooks.ProcessWebhookResult, error)
}

type ProcessorFunc func(ctx context.Context, in webhooks.ProcessWebhookInput) (webhooks.ProcessWebhookResult, error)

func (f ProcessorFunc) ProcessWebhook(ctx context.Context, in webhooks.ProcessWebhookInput) (webhooks.ProcessWebhookResult, error) {
	return f(ctx, in)
}

type Response struct {
	Received  bool       `json:"received"`
	Duplicate bool       `json:"duplicate,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Handler struct {
	processor    Processor
	path         string
	maxBodyBytes int64
	logger       core.Logger
}

type Option func(*Handler)

func WithPath(path string) Option {
	return func(h *Handler) {
		if path = strings.TrimSpace(path); path != "" {
			h.path = path
		}
	}
}

func WithMaxBodyBytes(limit int64) Option {
	return func(h *Handler) {
		if limit > 0 {
			h.maxBodyBytes = limit
		}
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(h *Handler) {
		h.logger = core.ResolveLogger("webhooks.inbound", provider, h.logger)
	}
}

func NewHandler(processor Processor, opts ...Option) (*Handler, error) {
	if processor == nil {
		return nil, inboundBadInput("inbound: processor is required", nil)
	}
	handler := &Handler{
		processor:    processor,
		path:         DefaultPath,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       core.ResolveLogger("webhooks.inbound", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(handler)
		}
	}
	return handler, nil
}

func (h *Handler) Path() string {
	return h.path
}

// Register mounts the webhook endpoint on e.
func (h *Handler) Register(e *echo.Echo) {
	e.POST(h.path, h.Receive)
}

// Receive passes the untouched body to the processor; any re-encoding would
// break the provider signature.
func (h *Handler) Receive(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	body, err := io.ReadAll(io.LimitReader(req.Body, h.maxBodyBytes+1))
	if err != nil {
		return h.fail(c, http.StatusBadRequest, inboundWrapError(
			err,
			goerrors.CategoryBadInput,
			"inbound: read webhook body",
			http.StatusBadRequest,
			core.ErrorCodeBadInput,
			nil,
		))
	}
	if int64(len(body)) > h.maxBodyBytes {
		return h.fail(c, http.StatusRequestEntityTooLarge, inboundError(
			fmt.Sprintf("inbound: webhook body exceeds %d bytes", h.maxBodyBytes),
			goerrors.CategoryBadInput,
			http.StatusRequestEntityTooLarge,
			core.ErrorCodeBadInput,
			map[string]any{"limit_bytes": h.maxBodyBytes},
		))
	}

	result, err := h.processor.ProcessWebhook(ctx, webhooks.ProcessWebhookInput{
		Payload:   body,
		Signature: req.Header.Get(webhooks.SignatureHeader),
		IPAddress: c.RealIP(),
		UserAgent: req.UserAgent(),
	})
	if err != nil {
		core.LogError(ctx, h.logger, "webhook processor failed", map[string]any{
			"ip_address": c.RealIP(),
			"error":      err.Error(),
		})
		return h.fail(c, http.StatusInternalServerError, inboundInternal(err, "inbound: webhook processing failed"))
	}

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusMultipleChoices {
		return h.fail(c, status, rejection(status, result.Err))
	}
	return c.JSON(status, Response{
		Received:  true,
		Duplicate: result.Duplicate,
		EventID:   result.EventID,
	})
}

func (h *Handler) fail(c echo.Context, status int, err *goerrors.Error) error {
	core.LogDebug(c.Request().Context(), h.logger, "webhook delivery answered with error", map[string]any{
		"status_code": status,
		"text_code":   err.TextCode,
	})
	return c.JSON(status, Response{
		Error: &ErrorBody{Code: err.TextCode, Message: err.Message},
	})
}
