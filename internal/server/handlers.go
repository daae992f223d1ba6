package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/spigell/posting-matcher/internal/apperrors"
	"github.com/spigell/posting-matcher/internal/filtering"
	"github.com/spigell/posting-matcher/internal/index"
	"github.com/spigell/posting-matcher/internal/matcher"
	"github.com/spigell/posting-matcher/internal/resume"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type StatusResponse struct {
	Ready     bool               `json:"ready"`
	Indexing  bool               `json:"indexing"`
	Counts    map[string]int     `json:"counts,omitempty"`
	LastIndex *index.Report      `json:"last_index,omitempty"`
	Filters   []filtering.Status `json:"filters,omitempty"`
}

type ResumeRequest struct {
	SessionID string        `json:"session_id"`
	Resume    resume.Resume `json:"resume"`
}

type ResumeResponse struct {
	SessionID string `json:"session_id"`
}

type ReindexResponse struct {
	Status string `json:"status"`
	Force  bool   `json:"force"`
}

func (s *Server) respondError(c *gin.Context, err error) {
	code := apperrors.HTTPStatusCode(err)
	if code == http.StatusOK {
		code = http.StatusInternalServerError
	}
	_ = c.Error(err)
	c.JSON(code, ErrorResponse{
		ErrorCode: apperrors.Code(err),
		Message:   err.Error(),
		RequestID: getRequestID(c),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.respondError(c, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, err.Error()))
}

func (s *Server) search(c *gin.Context) {
	var req matcher.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	resp, err := s.deps.Searcher.Match(c.Request.Context(), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{
		Ready:     s.deps.Index.IsReady(),
		Indexing:  s.deps.Index.Indexing(),
		LastIndex: s.deps.Index.LastReport(),
	}

	if resp.Ready {
		counts, err := s.deps.Index.Counts(c.Request.Context())
		if err != nil {
			s.respondError(c, err)
			return
		}
		resp.Counts = counts
	}

	filters, err := s.deps.Searcher.Filters()
	if err != nil {
		s.logger.Warn("filters are misconfigured", zap.Error(err))
	}
	resp.Filters = filters

	c.JSON(http.StatusOK, resp)
}

func (s *Server) reindex(c *gin.Context) {
	force := false
	if raw := c.Query("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			s.badRequest(c, errors.New("force must be a boolean"))
			return
		}
		force = parsed
	}

	outcomes, err := s.deps.Reindexer.Reindex(s.baseCtx, force)
	if err != nil {
		s.respondError(c, err)
		return
	}

	requestID := getRequestID(c)
	go func() {
		outcome := <-outcomes
		if outcome.Err != nil {
			return
		}
		s.logger.Info("reindex finished",
			zap.String(requestIDKey, requestID),
			zap.Bool("skipped", outcome.Report.Skipped),
			zap.Int("chunks", outcome.Report.Chunks),
		)
	}()

	c.JSON(http.StatusAccepted, ReindexResponse{Status: "started", Force: force})
}

func (s *Server) addResume(c *gin.Context) {
	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	sessionID, err := s.deps.Index.AddResume(c.Request.Context(), req.SessionID, &req.Resume)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ResumeResponse{SessionID: sessionID})
}
