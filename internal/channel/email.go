package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"newsletter/internal/newsletter"
)

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	SSL      bool
	Timeout  time.Duration
}

// smtpDialer opens one SMTP session whose I/O stops when ctx is done.
type smtpDialer interface {
	Dial(ctx context.Context) (gomail.SendCloser, error)
}

// EmailSender delivers multipart/alternative mail over SMTP. Each send uses
// its own connection.
type EmailSender struct {
	from    string
	domain  string
	timeout time.Duration
	dialer  smtpDialer
}

func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("email: from is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	d := &smtpConnDialer{
		host:      cfg.Host,
		port:      port,
		username:  cfg.Username,
		password:  cfg.Password,
		ssl:       cfg.SSL || port == 465,
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
	return newEmailSender(cfg, d), nil
}

func newEmailSender(cfg EmailConfig, d smtpDialer) *EmailSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	domain := cfg.Host
	if at := strings.LastIndex(cfg.From, "@"); at >= 0 {
		domain = strings.TrimRight(cfg.From[at+1:], ">")
	}
	return &EmailSender{from: cfg.From, domain: domain, timeout: timeout, dialer: d}
}

func (s *EmailSender) Channel() newsletter.Channel { return newsletter.Email }

func (s *EmailSender) Send(ctx context.Context, to string, c newsletter.Content) (Receipt, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", InvalidDestination(newsletter.Email, "", errors.New("empty address"))
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", c.Subject)
	m.SetHeader("Message-ID", msgID)
	m.SetBody("text/plain", c.Text)
	if strings.TrimSpace(c.HTML) != "" {
		m.AddAlternative("text/html", c.HTML)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// The connection deadline follows ctx, so a stalled server fails the
	// exchange instead of finishing it after we gave up.
	done := make(chan error, 1)
	go func() { done <- s.deliver(ctx, to, m) }()

	select {
	case err := <-done:
		if err != nil {
			return "", classifySMTP(err)
		}
		return Receipt(msgID), nil
	case <-ctx.Done():
		return "", Transient(newsletter.Email, "timeout", ctx.Err())
	}
}

func (s *EmailSender) deliver(ctx context.Context, to string, m *gomail.Message) error {
	sc, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	// Send the envelope directly so SMTP reply codes survive unwrapped.
	if err := sc.Send(s.envelopeFrom(), []string{to}, m); err != nil {
		_ = sc.Close()
		return err
	}
	return sc.Close()
}

func (s *EmailSender) envelopeFrom() string {
	from := s.from
	if lt := strings.LastIndex(from, "<"); lt >= 0 {
		from = strings.TrimSuffix(from[lt+1:], ">")
	}
	return strings.TrimSpace(from)
}

// classifySMTP maps SMTP reply codes: 550/553 reject the mailbox, other 5xx
// are permanent, 4xx and network failures are transient.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		code := strconv.Itoa(tp.Code)
		switch {
		case tp.Code == 550 || tp.Code == 553:
			return InvalidDestination(newsletter.Email, code, err)
		case tp.Code >= 500:
			return Permanent(newsletter.Email, code, err)
		default:
			return Transient(newsletter.Email, code, err)
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient(newsletter.Email, "network", err)
	}
	return Transient(newsletter.Email, "", err)
}

// smtpConnDialer speaks SMTP over a connection bound to the caller's context.
// It follows gomail.Dialer: implicit TLS when ssl, otherwise STARTTLS when
// offered, then PLAIN auth when credentials are set.
type smtpConnDialer struct {
	host      string
	port      int
	username  string
	password  string
	ssl       bool
	tlsConfig *tls.Config
}

func (d *smtpConnDialer) Dial(ctx context.Context) (gomail.SendCloser, error) {
	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(d.host, strconv.Itoa(d.port)))
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })

	conn := raw
	if d.ssl {
		conn = tls.Client(raw, d.tlsConfig)
	}
	c, err := smtp.NewClient(conn, d.host)
	if err != nil {
		stop()
		_ = raw.Close()
		return nil, err
	}
	fail := func(err error) (gomail.SendCloser, error) {
		stop()
		_ = c.Close()
		return nil, err
	}
	if err := c.Hello("localhost"); err != nil {
		return fail(err)
	}
	if !d.ssl {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(d.tlsConfig); err != nil {
				return fail(err)
			}
		}
	}
	if d.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", d.username, d.password, d.host)); err != nil {
				return fail(err)
			}
		}
	}
	return &smtpSession{c: c, stop: stop}, nil
}

type smtpSession struct {
	c    *smtp.Client
	stop func() bool
}

func (s *smtpSession) Send(from string, to []string, msg io.WriterTo) error {
	if err := s.c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := s.c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := s.c.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *smtpSession) Close() error {
	defer s.stop()
	if err := s.c.Quit(); err != nil {
		_ = s.c.Close()
		return err
	}
	return nil
}
