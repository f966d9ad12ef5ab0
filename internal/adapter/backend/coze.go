package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"troupe/internal/domain"
	"troupe/internal/infra/tracer"
)

// Coze stream event names.
const (
	cozeEventDelta     = "conversation.message.delta"
	cozeEventCompleted = "conversation.chat.completed"
	cozeEventFailed    = "conversation.chat.failed"
	cozeEventError     = "error"
	cozeEventDone      = "done"
)

// maxErrorBody is the maximum body size read from a failed Coze response.
const maxErrorBody = 4096

// CozeConfig configures the Coze chat backend.
type CozeConfig struct {
	BaseURL  string
	APIToken string
	Client   *http.Client
}

// CozeBackend streams replies from the Coze v3 chat API. Each persona ID is a
// Coze bot ID and continuation tokens are Coze conversation IDs.
type CozeBackend struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewCoze creates a Coze backend.
func NewCoze(cfg CozeConfig, logger *slog.Logger) *CozeBackend {
	if logger == nil {
		logger = discardLogger()
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &CozeBackend{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIToken,
		client:  client,
		logger:  logger,
	}
}

// Name implements domain.ConversationalBackend.
func (c *CozeBackend) Name() string { return "coze" }

type cozeMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type cozeChatRequest struct {
	BotID              string        `json:"bot_id"`
	UserID             string        `json:"user_id"`
	Stream             bool          `json:"stream"`
	AutoSaveHistory    bool          `json:"auto_save_history"`
	AdditionalMessages []cozeMessage `json:"additional_messages"`
}

type cozeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Stream implements domain.ConversationalBackend.
func (c *CozeBackend) Stream(ctx context.Context, req domain.StreamRequest) (<-chan domain.StreamEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.stream")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("backend.name", c.Name()),
		tracer.StringAttr("backend.persona", req.PersonaID),
		tracer.BoolAttr("backend.continued", req.ContinuationToken != ""),
	)

	body, err := json.Marshal(cozeChatRequest{
		BotID:           req.PersonaID,
		UserID:          req.UserID,
		Stream:          true,
		AutoSaveHistory: true,
		AdditionalMessages: []cozeMessage{
			{Role: "user", Content: req.Message, ContentType: "text"},
		},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/v3/chat"
	if req.ContinuationToken != "" {
		endpoint += "?conversation_id=" + url.QueryEscape(req.ContinuationToken)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("%w: http request: %v", domain.ErrProviderError, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := mapHTTPError(resp.StatusCode, respBody)
		tracer.RecordError(span, err)
		return nil, err
	}

	// Coze answers request-level failures with 200 and a JSON body.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var ce cozeError
		if jerr := json.Unmarshal(respBody, &ce); jerr == nil && ce.Code != 0 {
			err := fmt.Errorf("%w: coze error %d: %s", domain.ErrProviderError, ce.Code, ce.Msg)
			tracer.RecordError(span, err)
			return nil, err
		}
		err := fmt.Errorf("%w: unexpected json response: %s", domain.ErrProviderError, respBody)
		tracer.RecordError(span, err)
		return nil, err
	}

	c.logger.Debug("coze stream opened", "persona", req.PersonaID, "continued", req.ContinuationToken != "")
	tracer.SetOK(span)
	return parseSSEStream(ctx, resp.Body, c.parseFrame), nil
}

// parseFrame maps one Coze SSE frame onto a StreamEvent.
func (c *CozeBackend) parseFrame(f sseFrame) (*domain.StreamEvent, bool) {
	switch f.Event {
	case cozeEventDelta:
		var msg struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			c.logger.Debug("coze: skip malformed delta", "error", err)
			return nil, false
		}
		if msg.Content == "" {
			return nil, false
		}
		return &domain.StreamEvent{Kind: domain.EventDelta, Content: msg.Content}, false

	case cozeEventCompleted:
		var chat struct {
			ConversationID string `json:"conversation_id"`
		}
		if err := json.Unmarshal(f.Data, &chat); err != nil {
			c.logger.Debug("coze: malformed completed event", "error", err)
		}
		return &domain.StreamEvent{Kind: domain.EventCompleted, ContinuationToken: chat.ConversationID}, false

	case cozeEventFailed:
		var chat struct {
			LastError cozeError `json:"last_error"`
		}
		_ = json.Unmarshal(f.Data, &chat)
		return &domain.StreamEvent{
			Kind: domain.EventError,
			Err:  fmt.Errorf("%w: chat failed: code %d: %s", domain.ErrBackendStream, chat.LastError.Code, chat.LastError.Msg),
		}, true

	case cozeEventError:
		var ce cozeError
		_ = json.Unmarshal(f.Data, &ce)
		return &domain.StreamEvent{
			Kind: domain.EventError,
			Err:  fmt.Errorf("%w: code %d: %s", domain.ErrBackendStream, ce.Code, ce.Msg),
		}, true

	case cozeEventDone:
		return nil, true
	}
	return nil, false
}

// mapHTTPError maps a non-2xx Coze response onto a provider error.
func mapHTTPError(statusCode int, body []byte) error {
	var ce cozeError
	if err := json.Unmarshal(body, &ce); err == nil && ce.Msg != "" {
		return fmt.Errorf("%w: API error %d: code %d: %s", domain.ErrProviderError, statusCode, ce.Code, ce.Msg)
	}
	return fmt.Errorf("%w: API error %d: %s", domain.ErrProviderError, statusCode, body)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var _ domain.ConversationalBackend = (*CozeBackend)(nil)
