package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mpataki/crew/internal/conversation"
	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/orchestrator"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type ExecuteRequest struct {
	WorkflowID string         `json:"workflowId" binding:"required"`
	Agent      string         `json:"agent" binding:"required"`
	Command    string         `json:"command" binding:"required"`
	Prompt     string         `json:"prompt"`
	Template   string         `json:"template"`
	File       string         `json:"file"`
	Extra      map[string]any `json:"extra"`
}

// ReplyRequest answers an open prompt. Agent is optional and picks which
// agent's prompt to answer when several are open.
type ReplyRequest struct {
	WorkflowID string `json:"workflowId" binding:"required"`
	Agent      string `json:"agent"`
	Response   string `json:"response"`
}

type ConversationRequest struct {
	WorkflowID string `json:"workflowId" binding:"required"`
	Agent      string `json:"agent"`
}

type StartRequest struct {
	Definition string `json:"definition" binding:"required"`
	Prompt     string `json:"prompt"`
}

type AdvanceRequest struct {
	Agent    string         `json:"agent"`
	Prompt   string         `json:"prompt"`
	Template string         `json:"template"`
	File     string         `json:"file"`
	Extra    map[string]any `json:"extra"`
}

type HandoffRequest struct {
	WorkflowID string         `json:"workflowId" binding:"required"`
	From       string         `json:"from" binding:"required"`
	To         string         `json:"to" binding:"required"`
	Payload    map[string]any `json:"payload"`
}

// OutcomeResponse carries the failure text that Outcome keeps out of JSON.
type OutcomeResponse struct {
	*conversation.Outcome
	Error string `json:"error,omitempty"`
}

func newOutcomeResponse(out *conversation.Outcome) OutcomeResponse {
	resp := OutcomeResponse{Outcome: out}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	return resp
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Catalog().List())
}

func (s *Server) listCommands(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Registry().List())
}

func (s *Server) listTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Templates(c.Request.Context()))
}

func (s *Server) listFiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Files(c.Request.Context()))
}

func (s *Server) execute(c *gin.Context) {
	var req ExecuteRequest
	if !bind(c, &req) {
		return
	}
	out, err := s.orch.Execute(c.Request.Context(), req.WorkflowID, req.Agent, req.Command, conversation.Params{
		Prompt:   req.Prompt,
		Template: req.Template,
		File:     req.File,
		Extra:    req.Extra,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOutcomeResponse(out))
}

func (s *Server) reply(c *gin.Context) {
	var req ReplyRequest
	if !bind(c, &req) {
		return
	}
	out, err := s.orch.ReplyTo(c.Request.Context(), req.WorkflowID, req.Agent, req.Response)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOutcomeResponse(out))
}

func (s *Server) newConversation(c *gin.Context) {
	var req ConversationRequest
	if !bind(c, &req) {
		return
	}
	id, err := s.orch.NewConversation(req.WorkflowID, req.Agent)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id})
}

func (s *Server) history(c *gin.Context) {
	workflowID := c.Query("workflow")
	if workflowID == "" {
		s.fail(c, errs.Validation("workflow", "query parameter is required"))
		return
	}
	entries, err := s.orch.History(workflowID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) listWorkflows(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.fail(c, errs.Validation("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := s.orch.Runs(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) startWorkflow(c *gin.Context) {
	var req StartRequest
	if !bind(c, &req) {
		return
	}
	run, err := s.orch.StartWorkflow(req.Definition, req.Prompt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) viewWorkflow(c *gin.Context) {
	view, err := s.orch.View(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) resetWorkflow(c *gin.Context) {
	if err := s.orch.Reset(c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) advanceWorkflow(c *gin.Context) {
	var req AdvanceRequest
	if c.Request.ContentLength > 0 && !bind(c, &req) {
		return
	}
	out, err := s.orch.Advance(c.Request.Context(), c.Param("id"), orchestrator.AdvanceOptions{
		Agent: req.Agent,
		Params: conversation.Params{
			Prompt:   req.Prompt,
			Template: req.Template,
			File:     req.File,
			Extra:    req.Extra,
		},
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newOutcomeResponse(out))
}

func (s *Server) initiateHandoff(c *gin.Context) {
	var req HandoffRequest
	if !bind(c, &req) {
		return
	}
	h, err := s.orch.InitiateHandoff(req.From, req.To, req.WorkflowID, req.Payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

func (s *Server) completeHandoff(c *gin.Context) {
	h, err := s.orch.CompleteHandoff(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	code, kind := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, conversation.ErrBusy):
		code, kind = http.StatusConflict, "busy"
	case errs.IsValidation(err):
		code, kind = http.StatusBadRequest, "validation_error"
	case errs.IsNotFound(err):
		code, kind = http.StatusNotFound, "not_found"
	case errs.IsTransport(err), errs.IsProtocol(err):
		code, kind = http.StatusBadGateway, "gateway_error"
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request_failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, ErrorResponse{Error: kind, Message: err.Error(), Code: code})
}
