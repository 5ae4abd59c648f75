// Package newsletter holds the dispatcher's domain model: subscribers,
// messages and their status machine, channels, and the delivery report.
package newsletter
