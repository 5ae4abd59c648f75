// Package pipeline fans a message out into per-recipient delivery jobs and
// executes them.
//
// Flow:
//
//	Trigger.RequestSend  draft|failed -> queued, then Coordinator.Dispatch
//	Coordinator.Dispatch queued|draft -> sending (or failed), one job per
//	                     (message, subscriber, channel)
//	Worker.Handle        reloads both records, re-checks eligibility, sends
//
// Workers never write the message row. Nothing here promotes a message to
// sent.
package pipeline
