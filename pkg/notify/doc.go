/*
Package notify sends transactional email for billing and identity events.

EmailHandler is a dispatcher.BatchHandler: the dispatcher hands it every
claimed entry of one event type and it renders one Message per entry, then
sends them through a Sender in provider-sized chunks (100 by default) so a
batch of N events costs ceil(N/100) API calls instead of N.

Delivery is at-least-once, so a chunk may be sent again after a crash or a
partial failure. Every chunk carries an idempotency key derived from the
event type, the day of the earliest entry and a hash of the entry ids; the
provider collapses a resend with the same key into the original send.

	sender := notify.NewHTTPSender(apiKey, notify.HTTPSenderOptions{RequestsPerSecond: 2})
	email := notify.NewEmailHandler(sender, notify.EmailOptions{From: "billing@example.com"})
	registry.Register(email, email.Types()...)

Events whose payload cannot be rendered (no address, malformed JSON) are
logged and dropped rather than retried forever.
*/
package notify
