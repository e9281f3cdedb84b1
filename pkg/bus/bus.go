// Package bus provides publish/subscribe fan-out for cache and notifier
// lifecycle events. The default in-process implementation is the memory
// bus; the NATS implementation bridges the same events to external
// consumers when the daemon runs alongside other services.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Subjects published by the parami service.
const (
	// SubjectContentReady fires once per process, after the cache has
	// adopted its first snapshot (persisted or bundled).
	SubjectContentReady = "parami.content.ready"

	// SubjectContentSynced fires after a sync replaced the snapshot.
	SubjectContentSynced = "parami.content.synced"

	// SubjectContentSyncFailed fires when a sync attempt was aborted.
	SubjectContentSyncFailed = "parami.content.syncfailed"

	// SubjectNotifyScheduled fires when a daily trigger is installed.
	SubjectNotifyScheduled = "parami.notify.scheduled"

	// SubjectNotifyDelivered fires after a reminder was delivered.
	SubjectNotifyDelivered = "parami.notify.delivered"
)

// MessageBus is the event fan-out contract. Implementations must be safe
// for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The handler is called in a separate goroutine for each message.
	// Supports wildcards: "parami.content.*" matches "parami.content.synced".
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	// Unsubscribe stops receiving messages and cleans up resources.
	Unsubscribe() error

	// Subject returns the subject pattern this subscription is for.
	Subject() string
}

// matchSubject reports whether a dotted subject matches a pattern. "*"
// matches exactly one token; ">" matches the remainder.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pi, si := 0, 0
	pTokens := splitTokens(pattern)
	sTokens := splitTokens(subject)

	for pi < len(pTokens) && si < len(sTokens) {
		switch pTokens[pi] {
		case ">":
			return true
		case "*":
			pi++
			si++
		default:
			if pTokens[pi] != sTokens[si] {
				return false
			}
			pi++
			si++
		}
	}
	return pi == len(pTokens) && si == len(sTokens)
}

func splitTokens(s string) []string {
	var tokens []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			tokens = append(tokens, s[start:i])
			start = i + 1
		}
	}
	return append(tokens, s[start:])
}
