// Package notifier delivers text to chat recipients.
//
// Delivery is synchronous: callers learn whether the message went out, which
// lets the scheduler loop log a failed firing and still commit the item's
// transition. Sends are rate limited and retried on transport errors.
//
// A small in-memory history of delivered messages is kept for /status.
package notifier
