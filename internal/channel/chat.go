package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"newsletter/internal/newsletter"
)

// ChatRouter dispatches chat handles by prefix: "whatsapp:+E164" goes to the
// messaging gateway and "telegram:<chat id>" to the Telegram bot. A nil
// provider leaves that prefix unsupported.
type ChatRouter struct {
	gw           *Gateway
	whatsAppFrom string
	telegram     *TelegramSender
}

func NewChatRouter(gw *Gateway, whatsAppFrom string, tg *TelegramSender) (*ChatRouter, error) {
	if gw != nil && strings.TrimSpace(whatsAppFrom) == "" {
		return nil, errors.New("chat: whatsapp_from is required when the gateway is configured")
	}
	if gw == nil && tg == nil {
		return nil, errors.New("chat: no provider configured")
	}
	from := strings.TrimSpace(whatsAppFrom)
	if from != "" && !strings.HasPrefix(from, newsletter.WhatsAppPrefix) {
		from = newsletter.WhatsAppPrefix + from
	}
	return &ChatRouter{gw: gw, whatsAppFrom: from, telegram: tg}, nil
}

func (r *ChatRouter) Channel() newsletter.Channel { return newsletter.Chat }

func (r *ChatRouter) Send(ctx context.Context, handle string, c newsletter.Content) (Receipt, error) {
	handle = strings.TrimSpace(handle)
	switch {
	case strings.HasPrefix(handle, newsletter.WhatsAppPrefix):
		if r.gw == nil {
			return "", Permanent(newsletter.Chat, "no_provider", fmt.Errorf("whatsapp delivery is not configured"))
		}
		return r.gw.send(ctx, newsletter.Chat, r.whatsAppFrom, handle, c.Text)
	case strings.HasPrefix(handle, newsletter.TelegramPrefix):
		if r.telegram == nil {
			return "", Permanent(newsletter.Chat, "no_provider", fmt.Errorf("telegram delivery is not configured"))
		}
		return r.telegram.Send(ctx, strings.TrimPrefix(handle, newsletter.TelegramPrefix), c)
	default:
		return "", InvalidDestination(newsletter.Chat, "prefix", fmt.Errorf("unsupported chat handle %q", handle))
	}
}
