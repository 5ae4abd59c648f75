package newsletter

import (
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Chat handle provider prefixes.
const (
	WhatsAppPrefix = "whatsapp:"
	TelegramPrefix = "telegram:"
)

var (
	validate = validator.New()

	whatsappRe = regexp.MustCompile(`^whatsapp:\+[1-9]\d{7,14}$`)
	telegramRe = regexp.MustCompile(`^telegram:-?\d{1,20}$`)
)

type Subscriber struct {
	ID          int64  `json:"id"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	ChatHandle  string `json:"chat_handle,omitempty"`

	SubscribedToEmail bool `json:"subscribed_to_email"`
	SubscribedToSMS   bool `json:"subscribed_to_sms"`
	SubscribedToChat  bool `json:"subscribed_to_chat"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Address returns the subscriber's address for ch ("" when absent).
func (s Subscriber) Address(ch Channel) string {
	switch ch {
	case Email:
		return s.Email
	case SMS:
		return s.PhoneNumber
	case Chat:
		return s.ChatHandle
	}
	return ""
}

func (s Subscriber) Subscribed(ch Channel) bool {
	switch ch {
	case Email:
		return s.SubscribedToEmail
	case SMS:
		return s.SubscribedToSMS
	case Chat:
		return s.SubscribedToChat
	}
	return false
}

// Eligible reports whether sub may receive a delivery on ch right now:
// active, opted in, and holding a non-blank address for the channel.
func Eligible(sub Subscriber, ch Channel) bool {
	return sub.IsActive && sub.Subscribed(ch) && strings.TrimSpace(sub.Address(ch)) != ""
}

// Normalize trims addresses in place.
func (s *Subscriber) Normalize() {
	s.Email = strings.TrimSpace(s.Email)
	s.PhoneNumber = strings.TrimSpace(s.PhoneNumber)
	s.ChatHandle = strings.TrimSpace(s.ChatHandle)
}

// Validate checks opt-in/address consistency and address formats.
func (s Subscriber) Validate() error {
	hasContact := s.Email != "" || s.PhoneNumber != "" || s.ChatHandle != ""
	anyOptIn := s.SubscribedToEmail || s.SubscribedToSMS || s.SubscribedToChat
	if anyOptIn && !hasContact {
		return invalid("", "a subscriber must have at least one contact method (email, phone, chat) to be subscribed")
	}
	if s.SubscribedToEmail && s.Email == "" {
		return invalid("email", "email address is required for email subscription")
	}
	if s.SubscribedToSMS && s.PhoneNumber == "" {
		return invalid("phone_number", "phone number is required for SMS subscription")
	}
	if s.SubscribedToChat && s.ChatHandle == "" {
		return invalid("chat_handle", "chat handle is required for chat subscription")
	}

	if s.Email != "" {
		if err := validate.Var(s.Email, "email,max=254"); err != nil {
			return invalid("email", "enter a valid email address")
		}
	}
	if s.PhoneNumber != "" {
		if err := validate.Var(s.PhoneNumber, "e164"); err != nil {
			return invalid("phone_number", "phone number must be in E.164 format, e.g. +14155552671")
		}
	}
	if s.ChatHandle != "" && !ValidChatHandle(s.ChatHandle) {
		return invalid("chat_handle", "chat handle must be 'whatsapp:+<number>' or 'telegram:<chat id>'")
	}
	return nil
}

// ValidChatHandle reports whether h carries a known provider prefix and a
// well-formed provider address.
func ValidChatHandle(h string) bool {
	switch {
	case strings.HasPrefix(h, WhatsAppPrefix):
		return whatsappRe.MatchString(h)
	case strings.HasPrefix(h, TelegramPrefix):
		return telegramRe.MatchString(h)
	}
	return false
}
