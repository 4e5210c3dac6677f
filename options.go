package channels

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/odinrt/channels-go/internal/types"
)

// Options holds all client configuration, per the table in spec §4.9.
// Tags follow the teacher's convention: env is the environment variable
// name, envDefault the value applied when it is unset.
type Options struct {
	// AppKey identifies the application on the cluster (spec §4.9
	// "construct with (app_key, options)"); it is interpolated into the
	// dial path as /app/<app_key>.
	AppKey string `env:"CHANNELS_APP_KEY" envDefault:""`

	// Endpoint selection
	Cluster string `env:"CHANNELS_CLUSTER" envDefault:""`
	WSHost  string `env:"CHANNELS_WS_HOST" envDefault:""`
	WSPort  int    `env:"CHANNELS_WS_PORT" envDefault:"443"`
	UseTLS  bool   `env:"CHANNELS_USE_TLS" envDefault:"true"`

	// Authorization. AppSecret, when set, authorizes private/presence
	// channels locally (internal/auth.LocalAuthorizer) instead of via
	// AuthEndpoint; it takes priority if both are set.
	AppSecret            string `env:"CHANNELS_APP_SECRET" envDefault:""`
	AuthEndpoint         string `env:"CHANNELS_AUTH_ENDPOINT" envDefault:""`
	UserAuthEndpoint     string `env:"CHANNELS_USER_AUTH_ENDPOINT" envDefault:""`
	AuthWorkerPoolSize   int    `env:"CHANNELS_AUTH_WORKER_POOL_SIZE" envDefault:"4"`
	AuthWorkerQueueSize  int    `env:"CHANNELS_AUTH_WORKER_QUEUE_SIZE" envDefault:"64"`

	// Heartbeat
	ActivityTimeout time.Duration `env:"CHANNELS_ACTIVITY_TIMEOUT" envDefault:"120s"`
	PongTimeout     time.Duration `env:"CHANNELS_PONG_TIMEOUT" envDefault:"30s"`

	// Delta compression (spec §4.5)
	EnableDeltaCompression bool     `env:"CHANNELS_ENABLE_DELTA_COMPRESSION" envDefault:"false"`
	DeltaAlgorithms        []string `env:"CHANNELS_DELTA_ALGORITHMS" envSeparator:"," envDefault:"fossil,vcdiff"`
	DeltaDebug             bool     `env:"CHANNELS_DELTA_DEBUG" envDefault:"false"`
	MaxMessagesPerKey      int      `env:"CHANNELS_MAX_MESSAGES_PER_KEY" envDefault:"10"`

	// Reconnect policy
	DisableReconnection    bool          `env:"CHANNELS_DISABLE_RECONNECTION" envDefault:"false"`
	MaxReconnectionAttempts int          `env:"CHANNELS_MAX_RECONNECTION_ATTEMPTS" envDefault:"0"`
	ReconnectionDelay      time.Duration `env:"CHANNELS_RECONNECTION_DELAY" envDefault:"1s"`
	MaxReconnectionDelay   time.Duration `env:"CHANNELS_MAX_RECONNECTION_DELAY" envDefault:"30s"`

	// Logging
	LogLevel  types.LogLevel  `env:"CHANNELS_LOG_LEVEL" envDefault:"info"`
	LogFormat types.LogFormat `env:"CHANNELS_LOG_FORMAT" envDefault:"json"`
	Debug     bool            `env:"CHANNELS_DEBUG" envDefault:"false"`

	// Monitoring (ambient, §10/§11)
	EnableMetrics     bool          `env:"CHANNELS_ENABLE_METRICS" envDefault:"false"`
	MetricsNamespace  string        `env:"CHANNELS_METRICS_NAMESPACE" envDefault:"channels_client"`
	ResourceSoftLimitMB int64       `env:"CHANNELS_RESOURCE_SOFT_LIMIT_MB" envDefault:"0"`
	ResourceSampleInterval time.Duration `env:"CHANNELS_RESOURCE_SAMPLE_INTERVAL" envDefault:"15s"`

	// Cluster registry override (§11/§12)
	ClusterConfigPath string `env:"CHANNELS_CLUSTER_CONFIG_PATH" envDefault:""`
}

// DefaultOptions returns an Options value with every default from the table
// above applied, as if no environment variables were set.
func DefaultOptions() Options {
	var o Options
	if err := env.ParseWithOptions(&o, env.Options{Environment: map[string]string{}}); err != nil {
		// Only fails if a struct tag itself is malformed, which is a build-time
		// programmer error, not a runtime condition callers need to handle.
		panic(fmt.Sprintf("channels: default options are malformed: %v", err))
	}
	return o
}

// LoadOptionsFromEnv loads Options from a .env file (optional) followed by
// process environment variables, mirroring the teacher's LoadConfig.
// ENV vars take priority over .env file contents, which take priority over
// the struct defaults.
func LoadOptionsFromEnv() (Options, error) {
	_ = godotenv.Load() // best effort; absence of a .env file is not an error

	o := DefaultOptions()
	if err := env.Parse(&o); err != nil {
		return Options{}, &ConfigurationError{Field: "options", Reason: err.Error()}
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Validate checks an Options value for internally-consistent, in-range
// configuration. It is called automatically by NewClientWithOptions (and
// therefore by NewClient).
func (o Options) Validate() error {
	if o.AppKey == "" {
		return &ConfigurationError{Field: "AppKey", Reason: "must be set"}
	}
	if o.Cluster == "" && o.WSHost == "" {
		return &ConfigurationError{Field: "Cluster/WSHost", Reason: "one of Cluster or WSHost must be set"}
	}
	if o.MaxMessagesPerKey < 1 {
		return &ConfigurationError{Field: "MaxMessagesPerKey", Reason: "must be >= 1"}
	}
	if o.ActivityTimeout <= 0 {
		return &ConfigurationError{Field: "ActivityTimeout", Reason: "must be positive"}
	}
	if o.PongTimeout <= 0 {
		return &ConfigurationError{Field: "PongTimeout", Reason: "must be positive"}
	}
	if o.ReconnectionDelay <= 0 {
		return &ConfigurationError{Field: "ReconnectionDelay", Reason: "must be positive"}
	}
	if o.MaxReconnectionDelay < o.ReconnectionDelay {
		return &ConfigurationError{Field: "MaxReconnectionDelay", Reason: "must be >= ReconnectionDelay"}
	}
	if o.MaxReconnectionAttempts < 0 {
		return &ConfigurationError{Field: "MaxReconnectionAttempts", Reason: "must be >= 0 (0 means unlimited)"}
	}
	if o.AuthWorkerPoolSize < 0 {
		return &ConfigurationError{Field: "AuthWorkerPoolSize", Reason: "must be >= 0"}
	}
	for _, alg := range o.DeltaAlgorithms {
		if alg != "fossil" && alg != "vcdiff" {
			return &ConfigurationError{Field: "DeltaAlgorithms", Reason: fmt.Sprintf("unknown algorithm %q", alg)}
		}
	}
	return nil
}

// Host resolves the WebSocket host to dial, applying the cluster formula
// from spec §4.9 unless an explicit WSHost override is set.
func (o Options) Host() string {
	if o.WSHost != "" {
		return o.WSHost
	}
	return fmt.Sprintf("ws-%s.pusher.com", o.Cluster)
}

// Option configures a Client at construction time, for callers who prefer
// the functional-options idiom (grounded on the pack's alpaca stream
// client) over building an Options struct by hand.
type Option func(*Options)

// WithAppKey overrides the app key passed to NewClient. Most callers don't
// need this: NewClient's first argument already sets it.
func WithAppKey(appKey string) Option {
	return func(o *Options) { o.AppKey = appKey }
}

// WithCluster sets the Pusher-compatible cluster name.
func WithCluster(cluster string) Option {
	return func(o *Options) { o.Cluster = cluster }
}

// WithEndpoint overrides the WebSocket host/port/TLS directly.
func WithEndpoint(host string, port int, useTLS bool) Option {
	return func(o *Options) {
		o.WSHost = host
		o.WSPort = port
		o.UseTLS = useTLS
	}
}

// WithAuthEndpoint sets the channel-authorization HTTP endpoint.
func WithAuthEndpoint(url string) Option {
	return func(o *Options) { o.AuthEndpoint = url }
}

// WithAppSecret enables local channel authorization (no HTTP round-trip)
// for callers that hold the app secret themselves.
func WithAppSecret(secret string) Option {
	return func(o *Options) { o.AppSecret = secret }
}

// WithUserAuthEndpoint sets the user-authentication ("signin") HTTP endpoint.
func WithUserAuthEndpoint(url string) Option {
	return func(o *Options) { o.UserAuthEndpoint = url }
}

// WithDeltaCompression enables the delta-compression handshake with the
// given ordered algorithm preference list.
func WithDeltaCompression(algorithms ...string) Option {
	return func(o *Options) {
		o.EnableDeltaCompression = true
		o.DeltaAlgorithms = algorithms
	}
}

// WithReconnectPolicy overrides the exponential-backoff reconnect parameters.
func WithReconnectPolicy(initialDelay, maxDelay time.Duration, maxAttempts int) Option {
	return func(o *Options) {
		o.ReconnectionDelay = initialDelay
		o.MaxReconnectionDelay = maxDelay
		o.MaxReconnectionAttempts = maxAttempts
	}
}

// WithDebug turns on verbose logging.
func WithDebug() Option {
	return func(o *Options) {
		o.Debug = true
		o.LogLevel = types.LogLevelDebug
	}
}

// WithMetrics enables the optional Prometheus metrics surface.
func WithMetrics(namespace string) Option {
	return func(o *Options) {
		o.EnableMetrics = true
		if namespace != "" {
			o.MetricsNamespace = namespace
		}
	}
}
