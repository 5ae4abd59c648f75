package channel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"gopkg.in/gomail.v2"

	"newsletter/internal/newsletter"
)

type sentMail struct {
	from string
	to   []string
	raw  string
}

type fakeSendCloser struct {
	gomail.SendFunc
	closed *bool
}

func (f fakeSendCloser) Close() error {
	*f.closed = true
	return nil
}

type fakeDialer struct {
	dialErr error
	sendErr error
	delay   time.Duration
	sent    []sentMail
	closed  bool
}

func (d *fakeDialer) Dial(context.Context) (gomail.SendCloser, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return fakeSendCloser{
		closed: &d.closed,
		SendFunc: func(from string, to []string, msg io.WriterTo) error {
			time.Sleep(d.delay)
			if d.sendErr != nil {
				return d.sendErr
			}
			var buf bytes.Buffer
			if _, err := msg.WriteTo(&buf); err != nil {
				return err
			}
			d.sent = append(d.sent, sentMail{from: from, to: to, raw: buf.String()})
			return nil
		},
	}, nil
}

func newTestEmail(d *fakeDialer) *EmailSender {
	return newEmailSender(EmailConfig{Host: "smtp.example.com", From: "News <news@example.com>", Timeout: time.Second}, d)
}

func TestEmailSendBuildsAlternativeMessage(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	s := newTestEmail(d)

	rcpt, err := s.Send(context.Background(), " a@example.com ", newsletter.Content{Subject: "Hello", HTML: "<p>Hi</p>", Text: "Hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(string(rcpt), "<") || !strings.HasSuffix(string(rcpt), "@example.com>") {
		t.Fatalf("receipt = %q, want a Message-ID", rcpt)
	}
	if len(d.sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(d.sent))
	}
	m := d.sent[0]
	if m.from != "news@example.com" || len(m.to) != 1 || m.to[0] != "a@example.com" {
		t.Fatalf("envelope = %q -> %v", m.from, m.to)
	}
	for _, want := range []string{"multipart/alternative", "text/plain", "text/html", "Subject: Hello", string(rcpt)} {
		if !strings.Contains(m.raw, want) {
			t.Fatalf("message missing %q:\n%s", want, m.raw)
		}
	}
	if !d.closed {
		t.Fatal("connection not closed")
	}
}

func TestEmailSendTextOnly(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	if _, err := newTestEmail(d).Send(context.Background(), "a@example.com", newsletter.Content{Subject: "s", Text: "plain"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if strings.Contains(d.sent[0].raw, "text/html") {
		t.Fatal("text-only content produced an html part")
	}
}

func TestEmailErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		dialErr error
		sendErr error
		want    Kind
	}{
		{"mailbox unavailable", nil, &textproto.Error{Code: 550, Msg: "no such user"}, KindInvalidDestination},
		{"bad address syntax", nil, &textproto.Error{Code: 553, Msg: "mailbox name not allowed"}, KindInvalidDestination},
		{"auth failed", &textproto.Error{Code: 535, Msg: "bad credentials"}, nil, KindPermanent},
		{"greylisted", nil, &textproto.Error{Code: 451, Msg: "try later"}, KindTransient},
		{"connection refused", errors.New("dial tcp: connection refused"), nil, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &fakeDialer{dialErr: tt.dialErr, sendErr: tt.sendErr}
			_, err := newTestEmail(d).Send(context.Background(), "a@example.com", newsletter.Content{Text: "x"})
			if got := KindOf(err); got != tt.want {
				t.Fatalf("KindOf(%v) = %v, want %v", err, got, tt.want)
			}
		})
	}
}

func TestEmailSendTimeout(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{delay: 200 * time.Millisecond}
	s := newEmailSender(EmailConfig{Host: "h", From: "a@b.c", Timeout: 20 * time.Millisecond}, d)

	_, err := s.Send(context.Background(), "x@example.com", newsletter.Content{Text: "x"})
	if !IsRetryable(err) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error = %v, want retryable deadline", err)
	}
}

func TestEmailStalledServerReleasesConnection(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	// Greets, then never answers. released fires when the client hangs up.
	released := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte("220 stall.example.com ESMTP\r\n"))
		_, _ = io.Copy(io.Discard, conn)
		close(released)
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s, err := NewEmailSender(EmailConfig{Host: "127.0.0.1", Port: port, From: "a@b.c", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Send(context.Background(), "x@example.com", newsletter.Content{Text: "x"})
	if !IsRetryable(err) {
		t.Fatalf("Send() error = %v, want retryable", err)
	}

	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("SMTP connection still open after the send timed out")
	}
}

func TestEmailRejectsEmptyAddress(t *testing.T) {
	t.Parallel()
	_, err := newTestEmail(&fakeDialer{}).Send(context.Background(), "  ", newsletter.Content{Text: "x"})
	if KindOf(err) != KindInvalidDestination {
		t.Fatalf("Send(empty) = %v, want invalid destination", err)
	}
}

func TestNewEmailSenderValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewEmailSender(EmailConfig{From: "a@b.c"}); err == nil {
		t.Fatal("missing host accepted")
	}
	if _, err := NewEmailSender(EmailConfig{Host: "h"}); err == nil {
		t.Fatal("missing from accepted")
	}
	s, err := NewEmailSender(EmailConfig{Host: "h", From: "a@b.c"})
	if err != nil || s.Channel() != newsletter.Email {
		t.Fatalf("NewEmailSender = %v, %v", s, err)
	}
}
