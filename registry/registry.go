package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/apex/log"
	"github.com/fleetlink/relay/common"
)

// ErrAlreadySubscribed returned when a connection subscribes to a topic twice
var ErrAlreadySubscribed = errors.New("connection already subscribed to topic")

// Sink the registry's view of one client connection. DeliverState must not
// block; the sink owns its own buffering.
type Sink interface {
	ID() string
	DeliverState(topic common.TopicKey, payload []byte)
}

// BrokerLink control-plane hook toward the broker bridge. OpenChannel is
// called when a topic gains its first subscriber, CloseChannel when the last
// one leaves.
type BrokerLink interface {
	OpenChannel(ctxt context.Context, topic common.TopicKey) error
	CloseChannel(ctxt context.Context, topic common.TopicKey) error
}

// TopicRegistry tracks which connections watch which topics, and keeps
// exactly one broker subscription per topic with a non-empty subscriber set
type TopicRegistry interface {
	// Subscribe add a connection to a topic's subscriber set
	Subscribe(ctxt context.Context, sink Sink, topic common.TopicKey) error
	// Unsubscribe remove a connection from a topic's subscriber set. A no-op
	// when the connection never subscribed.
	Unsubscribe(ctxt context.Context, connID string, topic common.TopicKey) error
	// DropConnection release every topic held by a connection
	DropConnection(ctxt context.Context, connID string) error
	// FanOut deliver a state payload to every subscriber of a topic
	FanOut(topic common.TopicKey, payload []byte)
	// SinksOf fetch the current subscriber set of a topic
	SinksOf(topic common.TopicKey) []Sink
	// TopicsOf fetch the topics a connection currently holds
	TopicsOf(connID string) []common.TopicKey
}

// topicEntry one active topic
type topicEntry struct {
	topic common.TopicKey
	sinks map[string]Sink
}

// topicRegistryImpl implements TopicRegistry. Mutations are serialized
// through a task processor; reads take the lock directly.
type topicRegistryImpl struct {
	common.Component
	tp     common.TaskProcessor
	link   BrokerLink
	lock   *sync.RWMutex
	topics map[string]*topicEntry
	// byConn connection ID -> topic key string -> topic
	byConn map[string]map[string]common.TopicKey
}

// GetTopicRegistry define a new topic registry
func GetTopicRegistry(
	tp common.TaskProcessor, link BrokerLink,
) (TopicRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "topic-registry",
	}
	instance := topicRegistryImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		link:      link,
		lock:      &sync.RWMutex{},
		topics:    make(map[string]*topicEntry),
		byConn:    make(map[string]map[string]common.TopicKey),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registrySubscribeReq{}), instance.processSubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryUnsubscribeReq{}), instance.processUnsubscribeRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryDropConnReq{}), instance.processDropConnRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type registrySubscribeReq struct {
	ctxt     context.Context
	sink     Sink
	topic    common.TopicKey
	resultCB func(error)
}

// Subscribe add a connection to a topic's subscriber set
func (r *topicRegistryImpl) Subscribe(
	ctxt context.Context, sink Sink, topic common.TopicKey,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registrySubscribeReq{ctxt: ctxt, sink: sink, topic: topic, resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit subscribe request for %s", topic,
		)
		return err
	}

	<-complete
	return processError
}

func (r *topicRegistryImpl) processSubscribeRequest(param interface{}) error {
	request, ok := param.(registrySubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for subscribe", reflect.TypeOf(param),
		)
	}
	err := r.handleSubscribe(request.ctxt, request.sink, request.topic)
	request.resultCB(err)
	return err
}

func (r *topicRegistryImpl) handleSubscribe(
	ctxt context.Context, sink Sink, topic common.TopicKey,
) error {
	topicName := topic.String()
	connID := sink.ID()

	r.lock.Lock()
	entry, topicKnown := r.topics[topicName]
	if topicKnown {
		if _, present := entry.sinks[connID]; present {
			r.lock.Unlock()
			return ErrAlreadySubscribed
		}
	} else {
		entry = &topicEntry{topic: topic, sinks: make(map[string]Sink)}
		r.topics[topicName] = entry
	}
	entry.sinks[connID] = sink
	if _, present := r.byConn[connID]; !present {
		r.byConn[connID] = make(map[string]common.TopicKey)
	}
	r.byConn[connID][topicName] = topic
	r.lock.Unlock()

	// First subscriber opens the broker channel before the call is acknowledged
	if !topicKnown {
		if err := r.link.OpenChannel(ctxt, topic); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to open broker channel for %s", topicName,
			)
			r.lock.Lock()
			delete(entry.sinks, connID)
			delete(r.byConn[connID], topicName)
			if len(entry.sinks) == 0 {
				delete(r.topics, topicName)
			}
			r.lock.Unlock()
			return err
		}
	}
	log.WithFields(r.LogTags).Debugf("Connection %s joined %s", connID, topicName)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryUnsubscribeReq struct {
	ctxt     context.Context
	connID   string
	topic    common.TopicKey
	resultCB func(error)
}

// Unsubscribe remove a connection from a topic's subscriber set
func (r *topicRegistryImpl) Unsubscribe(
	ctxt context.Context, connID string, topic common.TopicKey,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryUnsubscribeReq{ctxt: ctxt, connID: connID, topic: topic, resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit unsubscribe request for %s", topic,
		)
		return err
	}

	<-complete
	return processError
}

func (r *topicRegistryImpl) processUnsubscribeRequest(param interface{}) error {
	request, ok := param.(registryUnsubscribeReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unsubscribe", reflect.TypeOf(param),
		)
	}
	err := r.handleUnsubscribe(request.ctxt, request.connID, request.topic)
	request.resultCB(err)
	return err
}

func (r *topicRegistryImpl) handleUnsubscribe(
	ctxt context.Context, connID string, topic common.TopicKey,
) error {
	topicName := topic.String()

	r.lock.Lock()
	entry, topicKnown := r.topics[topicName]
	if !topicKnown {
		r.lock.Unlock()
		return nil
	}
	if _, present := entry.sinks[connID]; !present {
		r.lock.Unlock()
		return nil
	}
	delete(entry.sinks, connID)
	delete(r.byConn[connID], topicName)
	if len(r.byConn[connID]) == 0 {
		delete(r.byConn, connID)
	}
	lastSubscriber := len(entry.sinks) == 0
	if lastSubscriber {
		delete(r.topics, topicName)
	}
	r.lock.Unlock()

	if lastSubscriber {
		if err := r.link.CloseChannel(ctxt, topic); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Unable to close broker channel for %s", topicName,
			)
			return err
		}
	}
	log.WithFields(r.LogTags).Debugf("Connection %s left %s", connID, topicName)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryDropConnReq struct {
	ctxt     context.Context
	connID   string
	resultCB func(error)
}

// DropConnection release every topic held by a connection
func (r *topicRegistryImpl) DropConnection(ctxt context.Context, connID string) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryDropConnReq{ctxt: ctxt, connID: connID, resultCB: handler}
	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit drop request for connection %s", connID,
		)
		return err
	}

	<-complete
	return processError
}

func (r *topicRegistryImpl) processDropConnRequest(param interface{}) error {
	request, ok := param.(registryDropConnReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for connection drop", reflect.TypeOf(param),
		)
	}
	err := r.handleDropConnection(request.ctxt, request.connID)
	request.resultCB(err)
	return err
}

func (r *topicRegistryImpl) handleDropConnection(ctxt context.Context, connID string) error {
	r.lock.RLock()
	held := make([]common.TopicKey, 0, len(r.byConn[connID]))
	for _, topic := range r.byConn[connID] {
		held = append(held, topic)
	}
	r.lock.RUnlock()

	var lastErr error
	for _, topic := range held {
		if err := r.handleUnsubscribe(ctxt, connID, topic); err != nil {
			lastErr = err
		}
	}
	log.WithFields(r.LogTags).Debugf("Released %d topics of connection %s", len(held), connID)
	return lastErr
}

// ----------------------------------------------------------------------------------------

// FanOut deliver a state payload to every subscriber of a topic
func (r *topicRegistryImpl) FanOut(topic common.TopicKey, payload []byte) {
	for _, sink := range r.SinksOf(topic) {
		sink.DeliverState(topic, payload)
	}
}

// SinksOf fetch the current subscriber set of a topic
func (r *topicRegistryImpl) SinksOf(topic common.TopicKey) []Sink {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.topics[topic.String()]
	if !ok {
		return nil
	}
	sinks := make([]Sink, 0, len(entry.sinks))
	for _, sink := range entry.sinks {
		sinks = append(sinks, sink)
	}
	return sinks
}

// TopicsOf fetch the topics a connection currently holds
func (r *topicRegistryImpl) TopicsOf(connID string) []common.TopicKey {
	r.lock.RLock()
	defer r.lock.RUnlock()
	topics := make([]common.TopicKey, 0, len(r.byConn[connID]))
	for _, topic := range r.byConn[connID] {
		topics = append(topics, topic)
	}
	return topics
}
