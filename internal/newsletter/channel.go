package newsletter

import "fmt"

// Channel is a delivery medium. The set is closed.
type Channel string

const (
	Email Channel = "email"
	SMS   Channel = "sms"
	Chat  Channel = "chat"
)

var allChannels = [...]Channel{Email, SMS, Chat}

// Channels returns every channel in fan-out order.
func Channels() []Channel { return allChannels[:] }

func (c Channel) Valid() bool {
	switch c {
	case Email, SMS, Chat:
		return true
	}
	return false
}

// Label is the human name used in delivery reports.
func (c Channel) Label() string {
	switch c {
	case Email:
		return "email"
	case SMS:
		return "SMS"
	case Chat:
		return "chat"
	}
	return string(c)
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalid, s)
	}
	return c, nil
}
