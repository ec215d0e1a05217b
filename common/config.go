package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to the NATS broker
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Auth Related Config

// AuthProviderConfig defines parameters for the external identity provider
type AuthProviderConfig struct {
	// VerifyURI is the end-point for validating an access token
	VerifyURI string `mapstructure:"verify_uri" json:"verify_uri" validate:"required,uri"`
	// ProfileURI is the end-point for resolving a richer user profile. Optional;
	// when empty, principals are built from token claims only.
	ProfileURI string `mapstructure:"profile_uri" json:"profile_uri" validate:"omitempty,uri"`
	// RequestTimeout is the max duration of one identity provider call in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// LocalAuthConfig defines the local token verification fallback
type LocalAuthConfig struct {
	// Enabled turns the local verification path on. Meant for environments where
	// the identity provider is unreachable or deliberately disabled.
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SigningSecret is the HMAC secret used to verify token signatures locally
	SigningSecret string `mapstructure:"signing_secret" json:"signing_secret" validate:"required_if=Enabled true"`
}

// AuthConfig defines token verification parameters
type AuthConfig struct {
	// Provider are the external identity provider parameters
	Provider AuthProviderConfig `mapstructure:"provider" json:"provider" validate:"required,dive"`
	// Local are the local verification fallback parameters
	Local LocalAuthConfig `mapstructure:"local" json:"local"`
}

// ===============================================================================
// Relay Core Related Config

// BridgeRetryConfig defines broker bridge subscription retry parameters
type BridgeRetryConfig struct {
	// InitWait is the initial wait before replaying queued channel operations in seconds
	InitWait int `mapstructure:"init_wait_sec" json:"init_wait_sec" validate:"gte=1"`
	// MaxWait caps the exponential backoff between replays in seconds
	MaxWait int `mapstructure:"max_wait_sec" json:"max_wait_sec" validate:"gte=1"`
	// MaxAttempts caps replay attempts per queued operation
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
}

// RelayConfig defines the relay core parameters
type RelayConfig struct {
	// StateBucket is the KV bucket holding snapshots, latest frames, and status records
	StateBucket string `mapstructure:"state_bucket" json:"state_bucket" validate:"required"`
	// MetricsBucket is the TTL'd KV bucket holding per-stream metrics
	MetricsBucket string `mapstructure:"metrics_bucket" json:"metrics_bucket" validate:"required"`
	// MetricsTTL is the idle expiry of metrics keys in seconds
	MetricsTTL int `mapstructure:"metrics_ttl_sec" json:"metrics_ttl_sec" validate:"gte=1"`
	// MetricsHistoryLength caps the per-stream metrics history list
	MetricsHistoryLength int `mapstructure:"metrics_history_len" json:"metrics_history_len" validate:"gte=1"`
	// FrameQueueLength caps each connection's per-camera outbound frame queue
	FrameQueueLength int `mapstructure:"frame_queue_len" json:"frame_queue_len" validate:"gte=1"`
	// CleanupInterval is the period of the inactivity sweep in seconds
	CleanupInterval int `mapstructure:"cleanup_interval_sec" json:"cleanup_interval_sec" validate:"gte=1"`
	// InactiveThreshold is the stream idle duration before teardown in seconds
	InactiveThreshold int `mapstructure:"inactive_threshold_sec" json:"inactive_threshold_sec" validate:"gte=1"`
	// Retry defines broker bridge subscription retry parameters
	Retry BridgeRetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Server Related Config

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// WebsocketConfig defines client connection keep-alive parameters
type WebsocketConfig struct {
	// WriteTimeout is the max duration of one socket write in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PongTimeout is the max wait for a client pong in seconds
	PongTimeout int `mapstructure:"pong_timeout_sec" json:"pong_timeout_sec" validate:"gte=1"`
	// PingInterval is the keep-alive ping period in seconds. Must be shorter
	// than PongTimeout.
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// OutboundQueueLength caps a connection's general outbound message queue
	OutboundQueueLength int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"gte=1"`
	// AuthTimeout is the max wait for the opening auth message in seconds
	AuthTimeout int `mapstructure:"auth_timeout_sec" json:"auth_timeout_sec" validate:"gte=1"`
}

// GatewayServerConfig defines configuration for the connection gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Websocket is the client connection keep-alive parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete relay system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Auth are the token verification config parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
	// Relay are the relay core config parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// Gateway are the connection gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default auth settings
	viper.SetDefault("auth.provider.verify_uri", "http://127.0.0.1:4000/v1/auth/verify")
	viper.SetDefault("auth.provider.profile_uri", "http://127.0.0.1:4000/v1/profiles")
	viper.SetDefault("auth.provider.request_timeout_sec", 5)
	viper.SetDefault("auth.local.enabled", false)
	viper.SetDefault("auth.local.signing_secret", "")

	// Default relay core settings
	viper.SetDefault("relay.state_bucket", "fleet_state")
	viper.SetDefault("relay.metrics_bucket", "fleet_metrics")
	viper.SetDefault("relay.metrics_ttl_sec", 300)
	viper.SetDefault("relay.metrics_history_len", 50)
	viper.SetDefault("relay.frame_queue_len", 3)
	viper.SetDefault("relay.cleanup_interval_sec", 120)
	viper.SetDefault("relay.inactive_threshold_sec", 300)
	viper.SetDefault("relay.retry.init_wait_sec", 1)
	viper.SetDefault("relay.retry.max_wait_sec", 30)
	viper.SetDefault("relay.retry.max_attempts", 10)

	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Fleetlink-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.websocket.write_timeout_sec", 10)
	viper.SetDefault("gateway.websocket.pong_timeout_sec", 60)
	viper.SetDefault("gateway.websocket.ping_interval_sec", 30)
	viper.SetDefault("gateway.websocket.outbound_queue_len", 64)
	viper.SetDefault("gateway.websocket.auth_timeout_sec", 10)
}
