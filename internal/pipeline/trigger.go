package pipeline

import (
	"context"
	"errors"
	"fmt"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	logx "newsletter/pkg/logx"
)

// Dispatcher is satisfied by *Coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64) (Result, error)
}

// Trigger is the administrative send entry point.
type Trigger struct {
	store      storage.Store
	dispatcher Dispatcher
	log        logx.Logger
}

func NewTrigger(store storage.Store, d Dispatcher, log logx.Logger) *Trigger {
	return &Trigger{store: store, dispatcher: d, log: log.With(logx.String("comp", "trigger"))}
}

// RequestSend moves a draft or failed message to queued and dispatches it
// synchronously. Dispatch failures are not returned; they show up in the
// message status and report.
//
// Errors: newsletter.ErrNotFound, newsletter.ErrConflict (queued or
// sending), newsletter.ErrAlreadySent.
func (t *Trigger) RequestSend(ctx context.Context, id int64) (newsletter.Message, error) {
	var msg newsletter.Message
	err := t.store.InTx(ctx, func(q storage.Querier) error {
		m, err := q.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case m.Status == newsletter.StatusSent:
			return newsletter.ErrAlreadySent
		case !m.Status.Queueable():
			return fmt.Errorf("%w: message %d is %s", newsletter.ErrConflict, id, m.Status)
		}
		ok, err := q.TransitionStatus(ctx, id, newsletter.Sources(newsletter.StatusQueued), newsletter.StatusQueued)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message %d changed state", newsletter.ErrConflict, id)
		}
		msg = m
		msg.Status = newsletter.StatusQueued
		return nil
	})
	if err != nil {
		return newsletter.Message{}, err
	}
	t.log.Info("message queued for sending", logx.Int64("msg_id", id))

	if _, err := t.dispatcher.Dispatch(ctx, id); err != nil {
		t.log.Warn("dispatch after queue failed", logx.Int64("msg_id", id), logx.Err(err))
	}

	if m, err := t.store.GetMessage(ctx, id); err == nil {
		msg = m
	} else if !errors.Is(err, newsletter.ErrNotFound) {
		t.log.Warn("reload after dispatch failed", logx.Int64("msg_id", id), logx.Err(err))
	}
	return msg, nil
}
