package memcached

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// CacheConfig is the configuration surface for one logical cache. Fields
// carry `envconfig` tags so a process can source them from the environment
// under a prefix.
type CacheConfig struct {
	Servers []string `envconfig:"SERVERS"`

	ConnectTimeoutMs          int  `envconfig:"CONNECT_TIMEOUT_MS" default:"5000"`
	WriteTimeoutMs            int  `envconfig:"WRITE_TIMEOUT_MS" default:"5000"`
	ResponseTimeoutMs         int  `envconfig:"RESPONSE_TIMEOUT_MS" default:"10000"`
	HealthMonitorIntervalSecs int  `envconfig:"HEALTH_MONITOR_INTERVAL_SECS" default:"60"`
	Failover                  bool `envconfig:"FAILOVER" default:"true"`
	RetryCount                int  `envconfig:"RETRY_COUNT" default:"1"`
	PreferRemoteConfig        bool `envconfig:"PREFER_REMOTE_CONFIG" default:"false"`
	JmxEnabled                bool `envconfig:"JMX_ENABLED" default:"false"`

	PoolMin              int  `envconfig:"POOL_MIN" default:"0"`
	PoolMax              int  `envconfig:"POOL_MAX" default:"10"`
	PoolBorrowValidation bool `envconfig:"POOL_BORROW_VALIDATION" default:"false"`
	PoolReturnValidation bool `envconfig:"POOL_RETURN_VALIDATION" default:"false"`
	PoolDisposable       bool `envconfig:"POOL_DISPOSABLE" default:"true"`
	PoolKeepAliveSecs    int  `envconfig:"POOL_KEEP_ALIVE_SECS" default:"0"`
}

// LoadCacheConfig reads a CacheConfig from the environment under prefix
// (e.g. "MEMCACHED" reads MEMCACHED_SERVERS, MEMCACHED_POOL_MAX, ...).
func LoadCacheConfig(prefix string) (CacheConfig, error) {
	var cfg CacheConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return CacheConfig{}, err
	}
	return cfg, nil
}

// DefaultCacheConfig returns a CacheConfig populated with its documented
// defaults and the given servers, for callers building config
// programmatically.
func DefaultCacheConfig(servers ...string) CacheConfig {
	cfg := CacheConfig{Servers: servers}
	_ = envconfig.Process("", &cfg) // apply `default` tags without an env prefix
	cfg.Servers = servers
	return cfg
}

func (c CacheConfig) connectTimeout() time.Duration  { return time.Duration(c.ConnectTimeoutMs) * time.Millisecond }
func (c CacheConfig) writeTimeout() time.Duration    { return time.Duration(c.WriteTimeoutMs) * time.Millisecond }
func (c CacheConfig) responseTimeout() time.Duration { return time.Duration(c.ResponseTimeoutMs) * time.Millisecond }
func (c CacheConfig) healthInterval() time.Duration {
	return time.Duration(c.HealthMonitorIntervalSecs) * time.Second
}
func (c CacheConfig) keepAlive() time.Duration {
	return time.Duration(c.PoolKeepAliveSecs) * time.Second
}

// ManagerConfig configures a Manager's shared transport lifecycle.
// IOWorkers and BlockingIO are recorded for parity with tunable knobs
// elsewhere but don't change behavior: this client always uses Go's
// goroutine-per-connection model.
type ManagerConfig struct {
	IOWorkers          int    `envconfig:"IO_WORKERS" default:"4"`
	BlockingIO         bool   `envconfig:"BLOCKING_IO" default:"false"`
	RemoteConfigRegion string `envconfig:"REMOTE_CONFIG_REGION"`
}

// LoadManagerConfig reads a ManagerConfig from the environment under prefix.
func LoadManagerConfig(prefix string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return ManagerConfig{}, err
	}
	return cfg, nil
}
