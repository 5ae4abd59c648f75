package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"newsletter/internal/newsletter"
)

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

// TelegramSender posts text to a chat id through the Bot API. The bot never
// polls for updates.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(cfg.APIURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &TelegramSender{bot: b}, nil
}

func (s *TelegramSender) Channel() newsletter.Channel { return newsletter.Chat }

// Send delivers text to chatID, split into chunks the API accepts. The
// receipt is the id of the first message.
func (s *TelegramSender) Send(ctx context.Context, chatID string, c newsletter.Content) (Receipt, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return "", InvalidDestination(newsletter.Chat, "chat_id", fmt.Errorf("bad telegram chat id %q", chatID))
	}
	chat := &tele.Chat{ID: id}

	var first Receipt
	for _, chunk := range splitText(c.Text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, Transient(newsletter.Chat, "timeout", err)
		}
		msg, err := s.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			return first, classifyTelegram(err)
		}
		if first == "" && msg != nil {
			first = Receipt(strconv.Itoa(msg.ID))
		}
	}
	return first, nil
}

func classifyTelegram(err error) error {
	switch {
	case errors.Is(err, tele.ErrChatNotFound):
		return InvalidDestination(newsletter.Chat, "400", err)
	case errors.Is(err, tele.ErrBlockedByUser), errors.Is(err, tele.ErrUserIsDeactivated):
		return Permanent(newsletter.Chat, "403", err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		e := Transient(newsletter.Chat, "429", err)
		e.RetryAfter = time.Duration(flood.RetryAfter) * time.Second
		return e
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else {
		code = trailingCode(err.Error())
	}
	switch code {
	case http.StatusBadRequest, http.StatusForbidden:
		return Permanent(newsletter.Chat, strconv.Itoa(code), err)
	case 0:
		return Transient(newsletter.Chat, "", err)
	default:
		return Transient(newsletter.Chat, strconv.Itoa(code), err)
	}
}

// trailingCode extracts N from errors shaped "telegram: <desc> (N)".
func trailingCode(s string) int {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, ")") {
		return 0
	}
	open := strings.LastIndex(s, "(")
	if open < 0 {
		return 0
	}
	n, err := strconv.Atoi(s[open+1 : len(s)-1])
	if err != nil {
		return 0
	}
	return n
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
