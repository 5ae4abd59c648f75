package newsletter

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the aggregate state of a message.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusQueued  Status = "queued"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

const MaxSubjectLen = 255

var statuses = []Status{StatusDraft, StatusQueued, StatusSending, StatusSent, StatusFailed}

var transitions = map[Status][]Status{
	StatusDraft:   {StatusQueued, StatusSending, StatusFailed},
	StatusFailed:  {StatusQueued},
	StatusQueued:  {StatusSending, StatusFailed},
	StatusSending: {StatusFailed},
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusSending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// Queueable reports whether request_send may move the message to queued.
func (s Status) Queueable() bool { return CanTransition(s, StatusQueued) }

// Dispatchable reports whether the coordinator may fan the message out.
func (s Status) Dispatchable() bool { return CanTransition(s, StatusSending) }

// InFlight is true while a dispatch is pending or running.
func (s Status) InFlight() bool { return s == StatusQueued || s == StatusSending }

// CanTransition reports whether from -> to is a legal state change.
// Nothing leaves sent.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists the states that may move to `to`, in declaration order.
func Sources(to Status) []Status {
	var out []Status
	for _, from := range statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// CheckTransition returns ErrIllegalTransition unless every from -> to is
// allowed.
func CheckTransition(from []Status, to Status) error {
	for _, f := range from {
		if !CanTransition(f, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, f, to)
		}
	}
	return nil
}

type Message struct {
	ID          int64      `json:"id"`
	Subject     string     `json:"subject"`
	BodyHTML    string     `json:"body_html"`
	BodyText    string     `json:"body_text"`
	Status      Status     `json:"status"`
	Report      string     `json:"sent_to_report"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.BodyText) == "" {
		return invalid("body_text", "plain text body is required")
	}
	if utf8.RuneCountInString(m.Subject) > MaxSubjectLen {
		return invalid("subject", "subject must be at most 255 characters")
	}
	return nil
}

// Content is what a channel delivers.
type Content struct {
	Subject string
	HTML    string
	Text    string
}

// Content returns the message content for ch. Only email carries a subject
// and HTML.
func (m Message) Content(ch Channel) Content {
	if ch == Email {
		return Content{Subject: m.Subject, HTML: m.BodyHTML, Text: m.BodyText}
	}
	return Content{Text: m.BodyText}
}
