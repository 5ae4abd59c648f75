package newsletter

import (
	"fmt"
	"strings"
	"time"
)

// Report accumulates the delivery report written when a message is
// dispatched.
type Report struct {
	lines []string
}

func StartReport(now time.Time, messageID int64) *Report {
	return &Report{lines: []string{
		fmt.Sprintf("[%s] Starting processing for message %d.", now.UTC().Format(time.RFC3339), messageID),
	}}
}

func (r *Report) Queued(ch Channel, addr string, subscriberID int64) {
	r.lines = append(r.lines, fmt.Sprintf("- Queued %s for %s (Sub ID: %d)", ch.Label(), addr, subscriberID))
}

func (r *Report) Total(n int) {
	r.lines = append(r.lines, fmt.Sprintf("* Total tasks queued: %d", n))
}

func (r *Report) NoRecipients() {
	r.lines = append(r.lines, "! No active subscribers found for configured channels.")
}

func (r *Report) String() string { return strings.Join(r.lines, "\n") }

// WithCriticalError appends a coordination failure to an existing report.
func WithCriticalError(report string, err error) string {
	return report + "\n\n! CRITICAL ERROR during queueing: " + err.Error()
}
