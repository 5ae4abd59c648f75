package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	logx "newsletter/pkg/logx"
)

const (
	detailNotFound     = "Not found."
	detailInFlight     = "Message is already queued or sending."
	detailAlreadySent  = "Message has already been sent."
	detailMsgNotFound  = "Message not found."
	detailInvalidID    = "Invalid id."
	detailInvalidPage  = "limit and offset must be non-negative integers."
	detailInvalidInput = "Invalid JSON body."
	detailBulkIDs      = "ids must list between 1 and 500 message ids."
)

type errorBody struct {
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

func abort(c *gin.Context, status int, detail, field string) {
	c.AbortWithStatusJSON(status, errorBody{Detail: detail, Field: field})
}

// fail maps domain and store errors onto HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	var verr *newsletter.ValidationError
	var dup *storage.DuplicateError
	switch {
	case errors.As(err, &verr):
		abort(c, http.StatusBadRequest, verr.Reason, verr.Field)
	case errors.As(err, &dup):
		detail := "A record with this value already exists."
		if dup.Field != "" {
			detail = "A subscriber with this " + dup.Field + " already exists."
		}
		abort(c, http.StatusConflict, detail, dup.Field)
	case errors.Is(err, newsletter.ErrNotFound):
		abort(c, http.StatusNotFound, detailNotFound, "")
	case errors.Is(err, newsletter.ErrAlreadySent):
		abort(c, http.StatusBadRequest, detailAlreadySent, "")
	case errors.Is(err, newsletter.ErrConflict):
		abort(c, http.StatusConflict, detailInFlight, "")
	default:
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		abort(c, http.StatusInternalServerError, "internal error", "")
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusNotFound, detailInvalidID, "")
		return 0, false
	}
	return id, true
}

func listOptions(c *gin.Context) (storage.ListOptions, bool) {
	var opt storage.ListOptions
	for _, p := range []struct {
		key string
		dst *int
	}{{"limit", &opt.Limit}, {"offset", &opt.Offset}} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abort(c, http.StatusBadRequest, detailInvalidPage, p.key)
			return opt, false
		}
		*p.dst = n
	}
	return opt, true
}
