// Package responses renders API payloads and RFC 7807 problem details
package responses

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/visionmarket/ledger/pkg/errors"
)

// StandardResponse represents a standard API response format
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	StandardResponse
	Pagination *PaginationMeta `json:"pagination,omitempty"`
}

// PaginationMeta contains pagination metadata
type PaginationMeta struct {
	Limit        int   `json:"limit"`
	Offset       int   `json:"offset"`
	TotalRecords int64 `json:"total_records"`
	HasNext      bool  `json:"has_next"`
}

// Success sends a 200 response
func Success(c *gin.Context, data interface{}, message ...string) {
	c.JSON(http.StatusOK, standard(c, data, "Operation successful", message))
}

// Created sends a 201 response
func Created(c *gin.Context, data interface{}, message ...string) {
	c.JSON(http.StatusCreated, standard(c, data, "Resource created successfully", message))
}

// Paginated sends a page of results
func Paginated(c *gin.Context, data interface{}, pagination *PaginationMeta) {
	c.JSON(http.StatusOK, PaginatedResponse{
		StandardResponse: standard(c, data, "Data retrieved successfully", nil),
		Pagination:       pagination,
	})
}

// Error sends an RFC 7807 problem
func Error(c *gin.Context, problem *errors.ProblemDetails) {
	if problem.TraceID == "" {
		if traceID := getTraceID(c); traceID != "" {
			problem.WithTraceID(traceID)
		}
	}
	if problem.Extra == nil {
		problem.WithExtra("timestamp", time.Now().UTC().Format(time.RFC3339))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problem.Status, problem)
}

// Fail maps err onto its problem type and sends it
func Fail(c *gin.Context, err error) {
	Error(c, errors.Problem(err, c.Request.URL.Path))
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, detail string) {
	Error(c, errors.NewUnauthorizedError(detail, c.Request.URL.Path))
}

// NewPaginationMeta describes a limit/offset page
func NewPaginationMeta(limit, offset int, total int64) *PaginationMeta {
	return &PaginationMeta{
		Limit:        limit,
		Offset:       offset,
		TotalRecords: total,
		HasNext:      int64(offset+limit) < total,
	}
}

func standard(c *gin.Context, data interface{}, fallback string, message []string) StandardResponse {
	msg := fallback
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}
	return StandardResponse{
		Success:   true,
		Data:      data,
		Message:   msg,
		Timestamp: time.Now().UTC(),
		TraceID:   getTraceID(c),
	}
}

// getTraceID prefers the active span, then the X-Trace-ID header
func getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}
