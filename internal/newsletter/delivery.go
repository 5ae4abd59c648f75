package newsletter

import "fmt"

// DeliveryJob is one (message, subscriber, channel) delivery. It carries
// identifiers only; the worker reloads both records when it runs.
type DeliveryJob struct {
	MessageID    int64   `json:"message_id"`
	SubscriberID int64   `json:"subscriber_id"`
	Channel      Channel `json:"channel"`
}

func (j DeliveryJob) String() string {
	return fmt.Sprintf("msg=%d sub=%d %s", j.MessageID, j.SubscriberID, j.Channel)
}
