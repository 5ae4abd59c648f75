package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"newsletter/internal/newsletter"
)

// TokenSource supplies the gateway bearer token. *credential.Cache
// satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Gateway provider codes with a fixed meaning.
const (
	codeInvalidNumber    = 21211
	codeUnreachable      = 21614
	codeTemplateRequired = 63016
)

type GatewayConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Gateway is a client for the REST messages API used for SMS and WhatsApp.
type Gateway struct {
	client *resty.Client
	tokens TokenSource
}

type gatewayRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
}

type gatewayResponse struct {
	SID string `json:"sid"`
}

type gatewayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewGateway(cfg GatewayConfig, tokens TokenSource) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway: base_url is required")
	}
	if tokens == nil {
		return nil, errors.New("gateway: token source is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &Gateway{client: c, tokens: tokens}, nil
}

// send posts one message and classifies the outcome for ch.
func (g *Gateway) send(ctx context.Context, ch newsletter.Channel, from, to, body string) (Receipt, error) {
	tok, err := g.tokens.Token(ctx)
	if err != nil {
		return "", Transient(ch, "credential", err)
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetBody(gatewayRequest{From: from, To: to, Body: body}).
		SetResult(&gatewayResponse{}).
		SetError(&gatewayError{}).
		Post("/messages")
	if err != nil {
		return "", Transient(ch, "network", err)
	}

	if resp.IsSuccess() {
		out := resp.Result().(*gatewayResponse)
		if out.SID == "" {
			return "", Transient(ch, strconv.Itoa(resp.StatusCode()), errors.New("gateway accepted message without sid"))
		}
		return Receipt(out.SID), nil
	}
	return "", g.classify(ch, resp)
}

func (g *Gateway) classify(ch newsletter.Channel, resp *resty.Response) error {
	status := resp.StatusCode()
	ge, _ := resp.Error().(*gatewayError)
	if ge == nil {
		ge = &gatewayError{}
	}
	msg := ge.Message
	if msg == "" {
		msg = strings.TrimSpace(resp.Status())
	}
	cause := fmt.Errorf("gateway status %d: %s", status, msg)

	code := strconv.Itoa(status)
	if ge.Code != 0 {
		code = strconv.Itoa(ge.Code)
	}

	switch {
	case status == http.StatusUnauthorized:
		g.tokens.Invalidate()
		return Transient(ch, code, cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		e := Transient(ch, code, cause)
		e.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"), time.Now())
		return e
	case ge.Code == codeInvalidNumber || ge.Code == codeUnreachable:
		return InvalidDestination(ch, code, cause)
	case ge.Code == codeTemplateRequired:
		return Permanent(ch, code, cause)
	default:
		return Permanent(ch, code, cause)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(t.Sub(now), 0)
	}
	return 0
}

// SMSSender sends plain text through the gateway.
type SMSSender struct {
	gw   *Gateway
	from string
}

func NewSMSSender(gw *Gateway, from string) (*SMSSender, error) {
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("sms: from is required")
	}
	return &SMSSender{gw: gw, from: from}, nil
}

func (s *SMSSender) Channel() newsletter.Channel { return newsletter.SMS }

func (s *SMSSender) Send(ctx context.Context, to string, c newsletter.Content) (Receipt, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", InvalidDestination(newsletter.SMS, "", errors.New("empty phone number"))
	}
	return s.gw.send(ctx, newsletter.SMS, s.from, to, c.Text)
}
