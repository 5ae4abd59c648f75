package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	logx "newsletter/pkg/logx"
)

// messageInput carries content fields only; status and report are owned by
// the dispatcher. ScheduledAt distinguishes absent from null.
type messageInput struct {
	Subject     *string         `json:"subject"`
	BodyHTML    *string         `json:"body_html"`
	BodyText    *string         `json:"body_text"`
	ScheduledAt json.RawMessage `json:"scheduled_at"`
}

func (in messageInput) apply(m *newsletter.Message) error {
	if in.Subject != nil {
		m.Subject = *in.Subject
	}
	if in.BodyHTML != nil {
		m.BodyHTML = *in.BodyHTML
	}
	if in.BodyText != nil {
		m.BodyText = *in.BodyText
	}
	switch {
	case len(in.ScheduledAt) == 0:
	case bytes.Equal(in.ScheduledAt, []byte("null")):
		m.ScheduledAt = nil
	default:
		var at time.Time
		if err := json.Unmarshal(in.ScheduledAt, &at); err != nil {
			return &newsletter.ValidationError{Field: "scheduled_at", Reason: "scheduled_at must be an RFC 3339 timestamp"}
		}
		at = at.UTC()
		m.ScheduledAt = &at
	}
	return m.Validate()
}

func (s *Server) listMessages(c *gin.Context) {
	opt, ok := listOptions(c)
	if !ok {
		return
	}
	msgs, err := s.store.ListMessages(c.Request.Context(), opt)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) getMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := s.store.GetMessage(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) createMessage(c *gin.Context) {
	var in messageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, detailInvalidInput, "")
		return
	}
	m := newsletter.Message{Status: newsletter.StatusDraft}
	if err := in.apply(&m); err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.store.CreateMessage(c.Request.Context(), m)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// editable rejects changes to messages that are in flight or sent.
func editable(m newsletter.Message) error {
	switch {
	case m.Status == newsletter.StatusSent:
		return newsletter.ErrAlreadySent
	case m.Status.InFlight():
		return fmt.Errorf("%w: message %d is %s", newsletter.ErrConflict, m.ID, m.Status)
	}
	return nil
}

func (s *Server) updateMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in messageInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, detailInvalidInput, "")
		return
	}

	ctx := c.Request.Context()
	var out newsletter.Message
	err := s.store.InTx(ctx, func(q storage.Querier) error {
		m, err := q.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if err := editable(m); err != nil {
			return err
		}
		if err := in.apply(&m); err != nil {
			return err
		}
		out, err = q.UpdateMessage(ctx, m)
		return err
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	err := s.store.InTx(ctx, func(q storage.Querier) error {
		m, err := q.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if m.Status.InFlight() {
			return fmt.Errorf("%w: message %d is %s", newsletter.ErrConflict, id, m.Status)
		}
		return q.DeleteMessage(ctx, id)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) queueSend(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	m, err := s.sender.RequestSend(c.Request.Context(), id)
	switch {
	case err == nil:
		s.log.Info("queue-send accepted", logx.Int64("msg_id", id), logx.String("status", string(m.Status)))
		c.JSON(http.StatusAccepted, m)
	case errors.Is(err, newsletter.ErrNotFound):
		abort(c, http.StatusNotFound, detailMsgNotFound, "")
	default:
		s.fail(c, err)
	}
}

const maxBulkSend = 500

type bulkSendInput struct {
	IDs []int64 `json:"ids"`
}

type bulkSendResult struct {
	Queued     int     `json:"queued"`
	Skipped    int     `json:"skipped"`
	QueuedIDs  []int64 `json:"queued_ids"`
	SkippedIDs []int64 `json:"skipped_ids"`
}

// queueSendMany requests a send for every listed message. Messages that are
// missing, in flight, or already sent are skipped; any other error stops the
// batch.
func (s *Server) queueSendMany(c *gin.Context) {
	var in bulkSendInput
	if err := c.ShouldBindJSON(&in); err != nil {
		abort(c, http.StatusBadRequest, detailInvalidInput, "")
		return
	}
	if len(in.IDs) == 0 || len(in.IDs) > maxBulkSend {
		abort(c, http.StatusBadRequest, detailBulkIDs, "ids")
		return
	}

	ctx := c.Request.Context()
	out := bulkSendResult{QueuedIDs: []int64{}, SkippedIDs: []int64{}}
	seen := make(map[int64]struct{}, len(in.IDs))
	for _, id := range in.IDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		_, err := s.sender.RequestSend(ctx, id)
		switch {
		case err == nil:
			out.QueuedIDs = append(out.QueuedIDs, id)
		case errors.Is(err, newsletter.ErrNotFound),
			errors.Is(err, newsletter.ErrConflict),
			errors.Is(err, newsletter.ErrAlreadySent):
			out.SkippedIDs = append(out.SkippedIDs, id)
		default:
			s.log.Warn("bulk queue-send stopped", logx.Int64("msg_id", id), logx.Int("queued", len(out.QueuedIDs)), logx.Err(err))
			s.fail(c, err)
			return
		}
	}
	out.Queued, out.Skipped = len(out.QueuedIDs), len(out.SkippedIDs)
	s.log.Info("bulk queue-send", logx.Int("queued", out.Queued), logx.Int("skipped", out.Skipped))
	c.JSON(http.StatusOK, out)
}
