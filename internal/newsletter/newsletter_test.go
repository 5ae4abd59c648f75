package newsletter

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSubscriberValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		sub       Subscriber
		wantField string
		wantErr   bool
	}{
		{name: "no opt-ins no contacts", sub: Subscriber{}},
		{name: "opt-in without any contact", sub: Subscriber{SubscribedToSMS: true}, wantErr: true},
		{name: "email opt-in without email", sub: Subscriber{PhoneNumber: "+14155552671", SubscribedToEmail: true}, wantField: "email", wantErr: true},
		{name: "sms opt-in without phone", sub: Subscriber{Email: "a@x.com", SubscribedToSMS: true}, wantField: "phone_number", wantErr: true},
		{name: "chat opt-in without handle", sub: Subscriber{Email: "a@x.com", SubscribedToChat: true}, wantField: "chat_handle", wantErr: true},
		{name: "bad email", sub: Subscriber{Email: "not-an-email"}, wantField: "email", wantErr: true},
		{name: "bad phone", sub: Subscriber{PhoneNumber: "4155552671"}, wantField: "phone_number", wantErr: true},
		{name: "chat without prefix", sub: Subscriber{ChatHandle: "+14155552671"}, wantField: "chat_handle", wantErr: true},
		{name: "whatsapp without plus", sub: Subscriber{ChatHandle: "whatsapp:14155552671"}, wantField: "chat_handle", wantErr: true},
		{name: "telegram non numeric", sub: Subscriber{ChatHandle: "telegram:@someone"}, wantField: "chat_handle", wantErr: true},
		{
			name: "all channels valid",
			sub: Subscriber{
				Email: "a@x.com", PhoneNumber: "+14155552671", ChatHandle: "whatsapp:+14155552671",
				SubscribedToEmail: true, SubscribedToSMS: true, SubscribedToChat: true,
			},
		},
		{name: "telegram handle", sub: Subscriber{ChatHandle: "telegram:123456789", SubscribedToChat: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.sub.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() error %v does not match ErrInvalid", err)
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error %T is not *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Fatalf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestEligible(t *testing.T) {
	t.Parallel()
	base := Subscriber{Email: "a@x.com", SubscribedToEmail: true, IsActive: true}

	if !Eligible(base, Email) {
		t.Fatal("active opted-in subscriber with email should be eligible")
	}
	if Eligible(base, SMS) {
		t.Fatal("subscriber not opted into sms should not be eligible")
	}

	inactive := base
	inactive.IsActive = false
	if Eligible(inactive, Email) {
		t.Fatal("inactive subscriber should not be eligible")
	}

	blank := base
	blank.Email = "   "
	if Eligible(blank, Email) {
		t.Fatal("blank address should not be eligible")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusQueued, true},
		{StatusFailed, StatusQueued, true},
		{StatusQueued, StatusSending, true},
		{StatusDraft, StatusSending, true},
		{StatusSending, StatusFailed, true},
		{StatusQueued, StatusFailed, true},
		{StatusDraft, StatusFailed, true},
		{StatusSent, StatusQueued, false},
		{StatusSent, StatusFailed, false},
		{StatusSending, StatusQueued, false},
		{StatusQueued, StatusQueued, false},
		{StatusSending, StatusSent, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSources(t *testing.T) {
	t.Parallel()
	tests := []struct {
		to   Status
		want []Status
	}{
		{StatusQueued, []Status{StatusDraft, StatusFailed}},
		{StatusSending, []Status{StatusDraft, StatusQueued}},
		{StatusFailed, []Status{StatusDraft, StatusQueued, StatusSending}},
		{StatusSent, nil},
		{StatusDraft, nil},
	}
	for _, tt := range tests {
		got := Sources(tt.to)
		if len(got) != len(tt.want) {
			t.Fatalf("Sources(%s) = %v, want %v", tt.to, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Fatalf("Sources(%s) = %v, want %v", tt.to, got, tt.want)
			}
		}
	}
}

func TestCheckTransition(t *testing.T) {
	t.Parallel()
	if err := CheckTransition([]Status{StatusDraft, StatusFailed}, StatusQueued); err != nil {
		t.Fatalf("CheckTransition(draft|failed -> queued) = %v", err)
	}
	err := CheckTransition([]Status{StatusDraft, StatusSent}, StatusQueued)
	if !errors.Is(err, ErrIllegalTransition) || !strings.Contains(err.Error(), "sent -> queued") {
		t.Fatalf("CheckTransition(sent -> queued) = %v, want ErrIllegalTransition", err)
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	for _, s := range []Status{StatusDraft, StatusQueued, StatusSending, StatusSent, StatusFailed} {
		wantQ := s == StatusDraft || s == StatusFailed
		wantD := s == StatusDraft || s == StatusQueued
		if s.Queueable() != wantQ {
			t.Fatalf("%s.Queueable() = %v, want %v", s, s.Queueable(), wantQ)
		}
		if s.Dispatchable() != wantD {
			t.Fatalf("%s.Dispatchable() = %v, want %v", s, s.Dispatchable(), wantD)
		}
	}
}

func TestMessageValidateAndContent(t *testing.T) {
	t.Parallel()
	if err := (Message{BodyText: "  "}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("blank body Validate() = %v, want ErrInvalid", err)
	}
	if err := (Message{BodyText: "x", Subject: strings.Repeat("é", 256)}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("long subject Validate() = %v, want ErrInvalid", err)
	}

	m := Message{Subject: "Hi", BodyHTML: "<p>Hello</p>", BodyText: "Hello"}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if got := m.Content(Email); got != (Content{Subject: "Hi", HTML: "<p>Hello</p>", Text: "Hello"}) {
		t.Fatalf("Content(email) = %+v", got)
	}
	for _, ch := range []Channel{SMS, Chat} {
		if got := m.Content(ch); got != (Content{Text: "Hello"}) {
			t.Fatalf("Content(%s) = %+v, want text only", ch, got)
		}
	}
}

func TestReport(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := StartReport(now, 7)
	r.Queued(Email, "a@x.com", 1)
	r.Queued(SMS, "+14155552671", 1)
	r.Queued(Chat, "whatsapp:+14155552671", 2)
	r.Total(3)

	want := strings.Join([]string{
		"[2024-05-01T12:00:00Z] Starting processing for message 7.",
		"- Queued email for a@x.com (Sub ID: 1)",
		"- Queued SMS for +14155552671 (Sub ID: 1)",
		"- Queued chat for whatsapp:+14155552671 (Sub ID: 2)",
		"* Total tasks queued: 3",
	}, "\n")
	if got := r.String(); got != want {
		t.Fatalf("report =\n%s\nwant\n%s", got, want)
	}

	got := WithCriticalError("x", errors.New("db down"))
	if got != "x\n\n! CRITICAL ERROR during queueing: db down" {
		t.Fatalf("WithCriticalError = %q", got)
	}
}

func TestParseChannel(t *testing.T) {
	t.Parallel()
	if c, err := ParseChannel("sms"); err != nil || c != SMS {
		t.Fatalf("ParseChannel(sms) = %v, %v", c, err)
	}
	if _, err := ParseChannel("fax"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("ParseChannel(fax) error = %v, want ErrInvalid", err)
	}
	if got := Channels(); len(got) != 3 || got[0] != Email || got[1] != SMS || got[2] != Chat {
		t.Fatalf("Channels() = %v", got)
	}
}
