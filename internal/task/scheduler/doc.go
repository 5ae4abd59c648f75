// Package scheduler sends messages whose scheduled_at has passed.
//
// A single cron entry (cron expression, @every, Go duration or HH:MM
// interval) runs a sweep that lists due drafts and hands each one to the
// send trigger. The scheduler never dispatches on its own; the trigger's
// state checks keep a message from being sent twice.
package scheduler
