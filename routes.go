package agentdesk

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ghiac/agentdesk/billing"
	"github.com/ghiac/agentdesk/engine"
	"github.com/ghiac/agentdesk/log"
	"github.com/ghiac/agentdesk/model"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers HTTP routes on the given gin.Engine
// Routes: /v1/messages, /v1/conversations/:id/*, /health, /metrics
func (ad *Agentdesk) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.POST("/messages", ad.handleMessage)
	v1.POST("/conversations/:id/end", ad.handleEndConversation)
	v1.GET("/conversations/:id/messages", ad.handleHistory)
	v1.GET("/conversations/:id/tool-calls", ad.handleToolCalls)

	router.GET("/health", ad.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(ad.promReg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))
}

// MessageRequest is the body of POST /v1/messages
type MessageRequest struct {
	ClientID   string `json:"client_id" binding:"required"`
	SessionKey string `json:"session_key" binding:"required"`
	Message    string `json:"message" binding:"required"`
}

// MessageResponse is the reply to POST /v1/messages
type MessageResponse struct {
	ConversationID string             `json:"conversation_id"`
	Created        bool               `json:"created"`
	Mode           string             `json:"mode,omitempty"`
	Response       string             `json:"response"`
	Ended          bool               `json:"ended"`
	EndReason      string             `json:"end_reason,omitempty"`
	Escalate       bool               `json:"escalate,omitempty"`
	ToolCalls      []ToolCallResponse `json:"tool_calls,omitempty"`
	Usage          UsageResponse      `json:"usage"`
}

// ToolCallResponse summarises one tool call of a turn
type ToolCallResponse struct {
	CallID  string   `json:"call_id"`
	Name    string   `json:"name"`
	Outcome string   `json:"outcome"`
	Errors  []string `json:"errors,omitempty"`
}

// UsageResponse is what a turn consumed
type UsageResponse struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	ToolCalls int     `json:"tool_calls"`
	Cost      float64 `json:"cost"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`

	// ConversationID is set when the failure happened after the conversation was resolved
	ConversationID string `json:"conversation_id,omitempty"`

	// Metric names the exhausted plan limit
	Metric string `json:"metric,omitempty"`
}

// MessageResponseFrom converts a turn result into its wire form
func MessageResponseFrom(res *engine.TurnResult) MessageResponse {
	out := MessageResponse{
		ConversationID: res.ConversationID,
		Created:        res.Created,
		Mode:           string(res.Mode),
		Response:       res.Response,
		Ended:          res.Ended,
		EndReason:      string(res.EndReason),
		Escalate:       res.Escalate,
		Usage: UsageResponse{
			TokensIn:  res.Usage.TokensIn,
			TokensOut: res.Usage.TokensOut,
			ToolCalls: res.Usage.ToolCalls,
			Cost:      res.Usage.Cost,
		},
	}
	for _, call := range res.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCallResponse{
			CallID:  call.CallID,
			Name:    call.Name,
			Outcome: string(call.Outcome),
			Errors:  call.Errors,
		})
	}
	return out
}

// handleMessage handles one inbound end-user message
func (ad *Agentdesk) handleMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error(), Kind: string(model.KindValidation)})
		return
	}

	res, err := ad.HandleMessage(c.Request.Context(), engine.TurnRequest{
		ClientID:   strings.TrimSpace(req.ClientID),
		SessionKey: strings.TrimSpace(req.SessionKey),
		Message:    req.Message,
	})
	if err != nil {
		var conversationID string
		if res != nil {
			conversationID = res.ConversationID
		}
		respondError(c, err, conversationID)
		return
	}
	c.JSON(http.StatusOK, MessageResponseFrom(res))
}

// handleEndConversation ends a conversation on request
func (ad *Agentdesk) handleEndConversation(c *gin.Context) {
	id := c.Param("id")
	ended, err := ad.EndConversation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "ended": ended})
}

// MessageView is one stored message in the history response
type MessageView struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Tokens    int            `json:"tokens,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// handleHistory returns the stored messages of a conversation
func (ad *Agentdesk) handleHistory(c *gin.Context) {
	id := c.Param("id")
	msgs, err := ad.History(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, id)
		return
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			ID:        m.MessageID,
			Seq:       m.Seq,
			Role:      string(m.Role),
			Content:   m.Content,
			Tokens:    m.Tokens,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "messages": views})
}

// handleToolCalls returns the tool call audit of a conversation
func (ad *Agentdesk) handleToolCalls(c *gin.Context) {
	id := c.Param("id")
	records, err := ad.ToolCalls(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, id)
		return
	}

	calls := make([]gin.H, 0, len(records))
	for _, r := range records {
		calls = append(calls, gin.H{
			"call_id":     r.CallID,
			"name":        r.Name,
			"arguments":   r.Arguments,
			"provenance":  string(r.Provenance),
			"outcome":     string(r.Outcome),
			"response":    r.Response,
			"duration_ms": r.DurationMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id, "tool_calls": calls})
}

// handleHealth handles health check requests
func (ad *Agentdesk) handleHealth(c *gin.Context) {
	deps := ad.Ping(c.Request.Context())
	status, code := "ok", http.StatusOK
	if deps["store"] != "ok" {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": deps,
		"sweeper":      ad.SweeperRunning(),
		"version":      Version(),
	})
}

// statusForKind maps an error kind to its HTTP status
func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindLimitExceeded:
		return http.StatusTooManyRequests
	case model.KindDuplicateSuppressed:
		return http.StatusConflict
	case model.KindUpstreamTimeout, model.KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error, conversationID string) {
	kind := model.KindOf(err)
	code := statusForKind(kind)
	body := ErrorResponse{
		Error:          err.Error(),
		Kind:           string(kind),
		Retryable:      model.IsRetryable(err),
		ConversationID: conversationID,
	}
	var limitErr *billing.LimitError
	if errors.As(err, &limitErr) {
		body.Metric = limitErr.Metric
	}
	if code >= http.StatusInternalServerError {
		log.Log.Errorf("[Agentdesk] ❌ %s %s failed | Kind: %s | Error: %v", c.Request.Method, c.FullPath(), kind, err)
		if kind == model.KindInternal {
			body.Error = "internal error"
		}
	}
	c.JSON(code, body)
}
