package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"reengagement-agent/internal/domain"
	"reengagement-agent/internal/usecase"
)

// scanService runs one re-engagement scan. Served to both the external
// scheduler and the in-app manual trigger.
type scanService interface {
	RunOnce(ctx context.Context) (domain.ScanReport, error)
}

// chatService handles one user conversation turn.
type chatService interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
}

type Handler struct {
	scanner scanService
	chat    chatService
}

func NewHandler(scanner scanService, chat chatService) (*Handler, error) {
	if scanner == nil {
		return nil, errors.New("handler: scan service must not be nil")
	}
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{scanner: scanner, chat: chat}, nil
}

type scanResponse struct {
	Success   bool     `json:"success"`
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Errors    []string `json:"errors,omitempty"`
}

type chatRequest struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type chatResponse struct {
	Reply          string `json:"reply"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(event.Headers)
	logger := slog.Default().With("correlation_id", corrID, "path", event.Path)

	switch {
	case strings.HasSuffix(event.Path, "/chat"):
		return h.handleChat(ctx, event, corrID, logger), nil
	default:
		// Scheduler invocations and the manual trigger both land here.
		return h.handleScan(ctx, corrID, logger), nil
	}
}

func (h *Handler) handleScan(ctx context.Context, corrID string, logger *slog.Logger) events.APIGatewayProxyResponse {
	report, err := h.scanner.RunOnce(ctx)
	if err != nil {
		logger.Error("scan failed", "err", err)
		return errorJSON(err, corrID)
	}
	return jsonResponse(http.StatusOK, scanResponse{
		Success:   true,
		Processed: report.Processed,
		Total:     report.Total,
		Errors:    report.Errors,
	}, corrID)
}

func (h *Handler) handleChat(ctx context.Context, event events.APIGatewayProxyRequest, corrID string, logger *slog.Logger) events.APIGatewayProxyResponse {
	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{
			Error:  string(usecase.ErrorInvalidInput),
			Reason: "malformed_body",
		}, corrID)
	}

	out, err := h.chat.Send(ctx, usecase.SendInput{
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
	})
	if err != nil {
		logger.Error("chat turn failed", "conversation_id", req.ConversationID, "err", err)
		return errorJSON(err, corrID)
	}
	return jsonResponse(http.StatusOK, chatResponse{
		Reply:          out.Reply.Content,
		MessageID:      out.Reply.ID,
		ConversationID: out.Reply.ConversationID,
	}, corrID)
}

func errorJSON(err error, corrID string) events.APIGatewayProxyResponse {
	status := http.StatusInternalServerError
	code := usecase.ErrorInternal

	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		code = ucErr.Code
		switch ucErr.Code {
		case usecase.ErrorInvalidInput:
			status = http.StatusBadRequest
		case usecase.ErrorRateLimited:
			status = http.StatusTooManyRequests
		case usecase.ErrorUpstream:
			status = http.StatusBadGateway
		}
	}
	return jsonResponse(status, errorResponse{Error: string(code)}, corrID)
}

func jsonResponse(status int, body any, corrID string) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"success":false,"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(raw),
	}
}

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "x-correlation-id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
