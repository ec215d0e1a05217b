package core

import (
	"context"
	"errors"
	"strings"
)

// ErrKeyNotFound returned by KeyValueStore.Get when the key has no value
var ErrKeyNotFound = errors.New("key not found")

// MessageHandler callback invoked with each message arriving on a channel
type MessageHandler func(channel string, payload []byte)

// Subscription handle for one open broker channel subscription. Closing it
// deterministically removes the handler.
type Subscription interface {
	Channel() string
	Close() error
}

// PubSubDriver publish / subscribe access to the external broker. Channel
// names use the relay's ":" separated convention; the driver translates to
// the broker's native subject syntax.
type PubSubDriver interface {
	Publish(ctxt context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler MessageHandler) (Subscription, error)
}

// KeyValueStore shared key-value access to the external broker
type KeyValueStore interface {
	Set(ctxt context.Context, key string, value []byte) error
	Get(ctxt context.Context, key string) ([]byte, error)
	Delete(ctxt context.Context, key string) error
	// Keys lists the stored keys starting with prefix
	Keys(ctxt context.Context, prefix string) ([]string, error)
}

// channelToSubject translate a ":" separated channel name or KV key into the
// "." separated form NATS subjects and KV keys require
func channelToSubject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// subjectToChannel inverse of channelToSubject
func subjectToChannel(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}
