package app

import (
	"errors"
	"strings"

	"newsletter/internal/channel"
	"newsletter/internal/config"
	"newsletter/internal/credential"
	"newsletter/internal/newsletter"
	logx "newsletter/pkg/logx"
)

// senderSet holds the configured senders and the throttles in front of them.
type senderSet struct {
	senders   channel.Senders
	throttles map[newsletter.Channel]*channel.Throttled
}

func (s senderSet) channels() []newsletter.Channel {
	var out []newsletter.Channel
	for _, ch := range newsletter.Channels() {
		if _, ok := s.senders.Get(ch); ok {
			out = append(out, ch)
		}
	}
	return out
}

// applyLimits updates the rate limits in place.
func (s senderSet) applyLimits(cfg *config.Config) {
	for ch, t := range s.throttles {
		l := limitFor(cfg, ch)
		t.SetLimit(l.RatePerSec, l.Burst)
	}
}

func limitFor(cfg *config.Config, ch newsletter.Channel) config.LimitConfig {
	switch ch {
	case newsletter.Email:
		return cfg.Channels.Email.Limit
	case newsletter.SMS:
		return cfg.Channels.SMS.Limit
	default:
		return cfg.Channels.Chat.Limit
	}
}

func needsGateway(cfg *config.Config) bool {
	c := cfg.Channels
	return c.SMS.Enabled || (c.Chat.Enabled && strings.TrimSpace(c.Chat.WhatsAppFrom) != "")
}

func validateChannels(cfg *config.Config) error {
	c := cfg.Channels
	for _, l := range []config.LimitConfig{c.Email.Limit, c.SMS.Limit, c.Chat.Limit} {
		if l.RatePerSec < 0 || l.Burst < 0 {
			return errors.New("channels: limit values must be >= 0")
		}
	}
	for path, raw := range map[string]string{
		"channels.email.timeout": c.Email.Timeout,
		"channels.sms.timeout":   c.SMS.Timeout,
		"channels.chat.timeout":  c.Chat.Timeout,
		"credentials.skew":       cfg.Credentials.Skew,
	} {
		if _, err := config.ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Email.Enabled && (strings.TrimSpace(c.Email.Host) == "" || strings.TrimSpace(c.Email.From) == "") {
		return errors.New("channels.email: host and from are required")
	}
	if c.SMS.Enabled && strings.TrimSpace(c.SMS.From) == "" {
		return errors.New("channels.sms: from is required")
	}
	if c.Chat.Enabled && strings.TrimSpace(c.Chat.WhatsAppFrom) == "" && !c.Chat.Telegram.Enabled {
		return errors.New("channels.chat: enable telegram or set whatsapp_from")
	}
	if c.Chat.Enabled && c.Chat.Telegram.Enabled && strings.TrimSpace(c.Chat.Telegram.Token) == "" {
		return errors.New("channels.chat.telegram: token is required")
	}
	if needsGateway(cfg) {
		if strings.TrimSpace(c.SMS.BaseURL) == "" {
			return errors.New("channels.sms.base_url is required for SMS and WhatsApp")
		}
		cr := cfg.Credentials
		if strings.TrimSpace(cr.TokenURL) == "" && strings.TrimSpace(cr.StaticToken) == "" {
			return errors.New("credentials: token_url or static_token is required for the gateway")
		}
		if strings.TrimSpace(cr.TokenURL) != "" && strings.TrimSpace(cr.ClientID) == "" {
			return errors.New("credentials.client_id is required with token_url")
		}
	}
	return nil
}

// buildSenders constructs one sender per enabled channel. Nothing here
// touches the network.
func buildSenders(cfg *config.Config, log logx.Logger) (senderSet, error) {
	if err := validateChannels(cfg); err != nil {
		return senderSet{}, err
	}
	set := senderSet{
		senders:   channel.Senders{},
		throttles: map[newsletter.Channel]*channel.Throttled{},
	}
	c := cfg.Channels

	var gw *channel.Gateway
	if needsGateway(cfg) {
		cache, err := newCredentialCache(cfg, log)
		if err != nil {
			return senderSet{}, err
		}
		timeout, _ := config.ParseDurationOrDefault("channels.sms.timeout", c.SMS.Timeout, defaultSenderTO)
		gw, err = channel.NewGateway(channel.GatewayConfig{BaseURL: c.SMS.BaseURL, Timeout: timeout}, cache)
		if err != nil {
			return senderSet{}, err
		}
	}

	add := func(s channel.Sender) {
		l := limitFor(cfg, s.Channel())
		t := channel.NewThrottled(s, l.RatePerSec, l.Burst)
		set.senders[s.Channel()] = t
		set.throttles[s.Channel()] = t
	}

	if c.Email.Enabled {
		timeout, _ := config.ParseDurationOrDefault("channels.email.timeout", c.Email.Timeout, defaultSenderTO)
		s, err := channel.NewEmailSender(channel.EmailConfig{
			Host:     strings.TrimSpace(c.Email.Host),
			Port:     c.Email.Port,
			Username: c.Email.Username,
			Password: c.Email.Password,
			From:     strings.TrimSpace(c.Email.From),
			SSL:      c.Email.SSL,
			Timeout:  timeout,
		})
		if err != nil {
			return senderSet{}, err
		}
		add(s)
	}

	if c.SMS.Enabled {
		s, err := channel.NewSMSSender(gw, c.SMS.From)
		if err != nil {
			return senderSet{}, err
		}
		add(s)
	}

	if c.Chat.Enabled {
		timeout, _ := config.ParseDurationOrDefault("channels.chat.timeout", c.Chat.Timeout, defaultSenderTO)
		var tg *channel.TelegramSender
		if c.Chat.Telegram.Enabled {
			s, err := channel.NewTelegramSender(channel.TelegramConfig{
				Token:   c.Chat.Telegram.Token,
				APIURL:  c.Chat.Telegram.APIURL,
				Timeout: timeout,
			})
			if err != nil {
				return senderSet{}, err
			}
			tg = s
		}
		var whatsApp *channel.Gateway
		if strings.TrimSpace(c.Chat.WhatsAppFrom) != "" {
			whatsApp = gw
		}
		r, err := channel.NewChatRouter(whatsApp, c.Chat.WhatsAppFrom, tg)
		if err != nil {
			return senderSet{}, err
		}
		add(r)
	}

	return set, nil
}

func newCredentialCache(cfg *config.Config, log logx.Logger) (*credential.Cache, error) {
	cr := cfg.Credentials
	skew, err := config.ParseDurationOrDefault("credentials.skew", cr.Skew, defaultSkew)
	if err != nil {
		return nil, err
	}
	var f credential.Fetcher
	if url := strings.TrimSpace(cr.TokenURL); url != "" {
		f = credential.NewClientCredentials(url, cr.ClientID, cr.ClientSecret, cr.Scopes, defaultSenderTO)
	} else {
		f = credential.Static(strings.TrimSpace(cr.StaticToken))
	}
	return credential.NewCache(f,
		credential.WithSkew(skew),
		credential.WithLogger(log.With(logx.String("comp", "credential"))),
	), nil
}
