package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client as broker transport core
type NatsClient struct {
	common.Component
	nc *nats.Conn
	js nats.JetStreamContext
}

// Close close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATS fetch the underlying NATS connection
func (c NatsClient) NATS() *nats.Conn {
	return c.nc
}

// JetStream fetch the JetStream client
func (c NatsClient) JetStream() nats.JetStreamContext {
	return c.js
}

// PubSub fetch a PubSubDriver backed by this client
func (c *NatsClient) PubSub() PubSubDriver {
	return &natsPubSub{
		Component: common.Component{LogTags: log.Fields{
			"module": "core", "component": "nats-pubsub",
		}},
		nc: c.nc,
	}
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	// Create the NATS transport
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}

	// Define the JetStream client for key-value access
	js, err := nc.JetStream()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error(
			"Failed to define JetStream client",
		)
	} else {
		log.WithFields(logTags).Info("Created NATS client")
	}

	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		js:        js,
	}, err
}

// ==========================================================================
// PubSubDriver on core NATS subjects

// natsPubSub implements PubSubDriver
type natsPubSub struct {
	common.Component
	nc *nats.Conn
}

// natsSubscription implements Subscription
type natsSubscription struct {
	channel string
	sub     *nats.Subscription
}

func (s *natsSubscription) Channel() string { return s.channel }

func (s *natsSubscription) Close() error { return s.sub.Unsubscribe() }

// Publish publish a payload on a channel
func (p *natsPubSub) Publish(ctxt context.Context, channel string, payload []byte) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := p.nc.Publish(channelToSubject(channel), payload); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Publish on %s failed", channel)
		return err
	}
	return nil
}

// Subscribe open a channel subscription
func (p *natsPubSub) Subscribe(channel string, handler MessageHandler) (Subscription, error) {
	sub, err := p.nc.Subscribe(channelToSubject(channel), func(msg *nats.Msg) {
		handler(subjectToChannel(msg.Subject), msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Subscribe on %s failed", channel)
		return nil, err
	}
	log.WithFields(p.LogTags).Debugf("Opened channel %s", channel)
	return &natsSubscription{channel: channel, sub: sub}, nil
}

// ==========================================================================
// KeyValueStore on JetStream KV buckets

// natsKeyValue implements KeyValueStore
type natsKeyValue struct {
	common.Component
	kv nats.KeyValue
}

// GetKeyValueStore define a KeyValueStore on one JetStream KV bucket. The
// bucket is created when absent; ttl of zero means entries never expire.
func GetKeyValueStore(
	client *NatsClient, bucket string, ttl time.Duration,
) (KeyValueStore, error) {
	logTags := log.Fields{
		"module": "core", "component": "nats-kv", "instance": bucket,
	}
	js := client.JetStream()
	if js == nil {
		return nil, fmt.Errorf("NATS client has no JetStream support")
	}
	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to ready KV bucket %s", bucket)
			return nil, err
		}
		log.WithFields(logTags).Infof("Created KV bucket %s", bucket)
	}
	return &natsKeyValue{
		Component: common.Component{LogTags: logTags}, kv: kv,
	}, nil
}

// Set store a value under key
func (s *natsKeyValue) Set(ctxt context.Context, key string, value []byte) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if _, err := s.kv.Put(channelToSubject(key), value); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to set %s", key)
		return err
	}
	return nil
}

// Get read the value stored under key
func (s *natsKeyValue) Get(ctxt context.Context, key string) ([]byte, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(channelToSubject(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to get %s", key)
		return nil, err
	}
	return entry.Value(), nil
}

// Delete remove the value stored under key
func (s *natsKeyValue) Delete(ctxt context.Context, key string) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := s.kv.Delete(channelToSubject(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to delete %s", key)
		return err
	}
	return nil
}

// Keys list the stored keys starting with prefix
func (s *natsKeyValue) Keys(ctxt context.Context, prefix string) ([]string, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		log.WithError(err).WithFields(s.LogTags).Error("Failed to list keys")
		return nil, err
	}
	mapped := channelToSubject(prefix)
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, mapped) {
			result = append(result, subjectToChannel(key))
		}
	}
	return result, nil
}
