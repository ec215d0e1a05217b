package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/fleetlink/relay/apis"
	"github.com/fleetlink/relay/auth"
	"github.com/fleetlink/relay/bridge"
	"github.com/fleetlink/relay/common"
	"github.com/fleetlink/relay/core"
	"github.com/fleetlink/relay/gateway"
	"github.com/fleetlink/relay/registry"
	"github.com/fleetlink/relay/vision"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RelayRestEndpoints end-point path configs for the relay API
type RelayRestEndpoints struct {
	PathPrefix string
}

// RelayCLIArgs arguments
type RelayCLIArgs struct {
	ServerPort int `validate:"omitempty,gt=0,lt=65536"`
	Endpoints  RelayRestEndpoints
}

// GetRelayCLIFlags retrieve the set of CMD flags for the relay server
func GetRelayCLIFlags(args *RelayCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "relay-server-port",
			Usage:       "Relay server port. Overrides the config file when set.",
			Aliases:     []string{"rsp"},
			EnvVars:     []string{"RELAY_SERVER_PORT"},
			Value:       0,
			DefaultText: "0",
			Destination: &args.ServerPort,
			Required:    false,
		},
		// End-point related
		&cli.StringFlag{
			Name:        "relay-server-endpoint-prefix",
			Usage:       "Set the end-point path prefix for the relay APIs",
			Aliases:     []string{"rsep"},
			EnvVars:     []string{"RELAY_SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.Endpoints.PathPrefix,
			Required:    false,
		},
	}
}

// frameConsumerIndex adapts the registry's sink sets for the frame pipeline.
// Every gateway session registered as a sink is also a frame consumer.
type frameConsumerIndex struct {
	topics registry.TopicRegistry
}

func (x frameConsumerIndex) ConsumersOf(topic common.TopicKey) []vision.FrameConsumer {
	sinks := x.topics.SinksOf(topic)
	result := make([]vision.FrameConsumer, 0, len(sinks))
	for _, sink := range sinks {
		if consumer, ok := sink.(vision.FrameConsumer); ok {
			result = append(result, consumer)
		}
	}
	return result
}

// stateCacheRouter caches each state update as the vehicle's snapshot before
// fanning it out to subscribers
type stateCacheRouter struct {
	common.Component
	topics registry.TopicRegistry
	store  core.KeyValueStore
	ctxt   context.Context
}

// FanOut implements bridge.StateFanOut
func (r *stateCacheRouter) FanOut(topic common.TopicKey, payload []byte) {
	if err := r.store.Set(
		r.ctxt, common.VehicleStateKey(topic.Vehicle), payload,
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Warnf(
			"Unable to cache snapshot of %s", topic.Vehicle,
		)
	}
	r.topics.FanOut(topic, payload)
}

// RunRelayServer run the relay server
func RunRelayServer(
	params RelayCLIArgs,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Storage

	stateStore, err := core.GetKeyValueStore(natsClient, config.Relay.StateBucket, 0)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to ready state KV bucket")
		return err
	}
	metricsStore, err := core.GetKeyValueStore(
		natsClient,
		config.Relay.MetricsBucket,
		time.Second*time.Duration(config.Relay.MetricsTTL),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to ready metrics KV bucket")
		return err
	}

	// -------------------------------------------------------------------
	// Relay core

	verifier, err := auth.GetTokenVerifier(config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token verifier")
		return err
	}

	brokerBridge, err := bridge.GetBrokerBridge(
		natsClient.PubSub(), stateStore, config.Relay.Retry, localCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker bridge")
		return err
	}
	defer brokerBridge.Stop()
	natsClient.NATS().SetReconnectHandler(func(_ *nats.Conn) {
		log.WithFields(logTags).Warn("NATS client reconnected, replaying channel ops")
		brokerBridge.NotifyReconnect()
	})

	registryTP, err := common.GetNewTaskProcessorInstance("topic-registry", 64, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry task processor")
		return err
	}
	topics, err := registry.GetTopicRegistry(registryTP, brokerBridge)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topic registry")
		return err
	}
	if err := registryTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}
	defer func() {
		_ = registryTP.StopEventLoop()
	}()

	tracker, err := vision.GetMetricsTracker(metricsStore, config.Relay.MetricsHistoryLength)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics tracker")
		return err
	}
	pipeline, err := vision.GetFramePipeline(
		stateStore, tracker, frameConsumerIndex{topics: topics},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define frame pipeline")
		return err
	}
	brokerBridge.SetMessageRoutes(&stateCacheRouter{
		Component: common.Component{LogTags: log.Fields{
			"module": "cmd", "component": "state-router", "instance": instance,
		}},
		topics: topics,
		store:  stateStore,
		ctxt:   localCtxt,
	}, pipeline)

	janitor, err := vision.GetStreamJanitor(
		stateStore,
		metricsStore,
		tracker,
		time.Second*time.Duration(config.Relay.InactiveThreshold),
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define stream janitor")
		return err
	}
	if err := janitor.Start(
		time.Second * time.Duration(config.Relay.CleanupInterval),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start stream janitor")
		return err
	}
	defer func() {
		_ = janitor.Stop()
	}()

	connGateway, err := gateway.GetConnectionGateway(
		verifier,
		topics,
		brokerBridge,
		pipeline,
		config.Gateway.Websocket,
		config.Relay.FrameQueueLength,
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection gateway")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestRelayHandler(
		natsClient, &config.Gateway.HTTPSetting, connGateway,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	pathPrefix := params.Endpoints.PathPrefix
	if pathPrefix == "" {
		pathPrefix = config.Gateway.Endpoints.PathPrefix
	}
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	// Client stream end-point
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/stream", map[string]http.HandlerFunc{
		"get": httpHandler.StreamHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverPort := params.ServerPort
	if serverPort == 0 {
		serverPort = int(config.Gateway.HTTPSetting.Server.Port)
	}
	serverListen := fmt.Sprintf("%s:%d", config.Gateway.HTTPSetting.Server.ListenOn, serverPort)
	// No WriteTimeout here, long-lived client streams run on this server
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.Gateway.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.Gateway.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started relay server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
