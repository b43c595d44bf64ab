package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/SharefulNetworks/shareful-dkv/types"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BucketSize                        int           `yaml:"bucket_size"`                          //k, the maximum number of entries per bucket and the width of the lookup frontier.
	Alpha                             int           `yaml:"alpha"`                                //the number of requests a lookup keeps in flight.
	RequestTimeout                    time.Duration `yaml:"request_timeout"`                      //the deadline for a single peer to answer one request, after which it is treated as non-responsive for that round.
	QueryTimeout                      time.Duration `yaml:"query_timeout"`                        //the overall budget of a query; on expiry the query terminates with whatever it has.
	MaxConsecutiveFailures            int           `yaml:"max_consecutive_failures"`             //the number of consecutive failures to respond after which a peer is dropped from the routing table.
	RecordTTL                         time.Duration `yaml:"record_ttl"`                           //lifetime of a stored record, zero for none.
	ProviderRecordTTL                 time.Duration `yaml:"provider_record_ttl"`                  //lifetime of a provider record, zero for none.
	RepublishInterval                 time.Duration `yaml:"republish_interval"`                   //how often records this node published, and keys it provides, are pushed to the network again.
	JanitorInterval                   time.Duration `yaml:"janitor_interval"`                     //how often expired records and provider records are purged from the local store.
	BucketRefreshInterval             time.Duration `yaml:"bucket_refresh_interval"`              //the duration of time to wait before refreshing buckets in the routing table.
	BucketRefreshBatchSize            int           `yaml:"bucket_refresh_batch_size"`            //the number of stale buckets refreshed per refresh pass.
	DiscoveryQueueSize                int           `yaml:"discovery_queue_size"`                 //capacity of the bounded queue from the discovery bridge into the router.
	EventBufferSize                   int           `yaml:"event_buffer_size"`                    //capacity of the router's outbound event channel.
	UseProtobuf                       bool          `yaml:"use_protobuf"`                         //protobuf wire format when true, JSON otherwise. All peers must agree.
	OutboundQueueWorkerCount          int           `yaml:"outbound_queue_worker_count"`          //the number of transport goroutines draining the outbound queue.
	PooledConnectionIdleTimeout       time.Duration `yaml:"pooled_connection_idle_timeout"`       //the duration after which idle connections are removed from the transport connection pool and closed.
	PooledConnectionIdleCheckInterval time.Duration `yaml:"pooled_connection_idle_check_interval"` //the interval at which the transport checks for idle pooled connections.
	AutoBootstrap                     bool          `yaml:"auto_bootstrap"`                       //bootstrap whenever a new peer connection is established.
	BootstrapMaxElapsed               time.Duration `yaml:"bootstrap_max_elapsed"`                //how long configured bootstrap peers are retried at startup.
	StrictQuorum                      bool          `yaml:"strict_quorum"`                        //a below quorum PUT / PUT_PROVIDER reports Failed rather than PartiallySucceeded.

	Quorum    QuorumConfig    `yaml:"quorum"`
	Store     StoreConfig     `yaml:"store"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	Transport      string   `yaml:"transport"` //tcp or quic.
	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	IdentityFile   string   `yaml:"identity_file"` //empty for an ephemeral identity.
	MetricsAddr    string   `yaml:"metrics_addr"`  //empty disables the metrics endpoint.

	Log LogConfig `yaml:"log"`
}

// QuorumConfig - The default quorum of each operation, in ParseQuorum form.
type QuorumConfig struct {
	Get     string `yaml:"get"`
	Put     string `yaml:"put"`
	Provide string `yaml:"provide"`
}

type StoreConfig struct {
	MaxRecords         int `yaml:"max_records"`
	MaxValueBytes      int `yaml:"max_value_bytes"`
	MaxProvidersPerKey int `yaml:"max_providers_per_key"`
	MaxProvidedKeys    int `yaml:"max_provided_keys"`
}

type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Group    string        `yaml:"group"` //IPv4 multicast group announcements are sent to.
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` //console or json.
}

// Default - Returns a new Config populated with the default values.
func Default() *Config {
	return &Config{
		BucketSize:                        20,
		Alpha:                             3,
		RequestTimeout:                    10 * time.Second,
		QueryTimeout:                      60 * time.Second,
		MaxConsecutiveFailures:            3,
		RecordTTL:                         36 * time.Hour,
		ProviderRecordTTL:                 48 * time.Hour,
		RepublishInterval:                 time.Hour,
		JanitorInterval:                   time.Minute,
		BucketRefreshInterval:             15 * time.Minute,
		BucketRefreshBatchSize:            10,
		DiscoveryQueueSize:                64,
		EventBufferSize:                   256,
		UseProtobuf:                       true,
		OutboundQueueWorkerCount:          4,
		PooledConnectionIdleTimeout:       60 * time.Second,
		PooledConnectionIdleCheckInterval: 15 * time.Second,
		AutoBootstrap:                     true,
		BootstrapMaxElapsed:               30 * time.Second,
		StrictQuorum:                      false,
		Quorum:                            QuorumConfig{Get: "one", Put: "one", Provide: "one"},
		Store: StoreConfig{
			MaxRecords:         1024,
			MaxValueBytes:      65536,
			MaxProvidersPerKey: 20,
			MaxProvidedKeys:    1024,
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Group:    "239.192.77.7",
			Port:     4499,
			Interval: 10 * time.Second,
		},
		Transport:   "tcp",
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		Log:         LogConfig{Level: "info", Encoding: "console"},
	}
}

// Load - Reads the YAML file at path over the defaults and validates the result.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate - Checks every field, naming the first offending one.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		v    int64
	}{
		{"bucket_size", int64(c.BucketSize)},
		{"alpha", int64(c.Alpha)},
		{"request_timeout", int64(c.RequestTimeout)},
		{"query_timeout", int64(c.QueryTimeout)},
		{"max_consecutive_failures", int64(c.MaxConsecutiveFailures)},
		{"republish_interval", int64(c.RepublishInterval)},
		{"janitor_interval", int64(c.JanitorInterval)},
		{"bucket_refresh_interval", int64(c.BucketRefreshInterval)},
		{"bucket_refresh_batch_size", int64(c.BucketRefreshBatchSize)},
		{"discovery_queue_size", int64(c.DiscoveryQueueSize)},
		{"event_buffer_size", int64(c.EventBufferSize)},
		{"outbound_queue_worker_count", int64(c.OutboundQueueWorkerCount)},
		{"pooled_connection_idle_timeout", int64(c.PooledConnectionIdleTimeout)},
		{"pooled_connection_idle_check_interval", int64(c.PooledConnectionIdleCheckInterval)},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("config: %s must be positive", p.name)
		}
	}
	if c.RecordTTL < 0 || c.ProviderRecordTTL < 0 {
		return fmt.Errorf("config: record_ttl and provider_record_ttl must not be negative")
	}
	if c.Alpha > c.BucketSize {
		return fmt.Errorf("config: alpha (%d) must not exceed bucket_size (%d)", c.Alpha, c.BucketSize)
	}
	if _, _, _, err := c.Quorums(); err != nil {
		return err
	}
	if c.Transport != "tcp" && c.Transport != "quic" {
		return fmt.Errorf("config: transport must be tcp or quic, got %q", c.Transport)
	}
	if len(c.ListenAddrs) == 0 {
		return fmt.Errorf("config: listen_addrs must not be empty")
	}
	if _, errs := types.ParseAddrs(c.ListenAddrs); len(errs) > 0 {
		return fmt.Errorf("config: listen_addrs: %w", errors.Join(errs...))
	}
	if _, errs := types.ParseAddrs(c.BootstrapPeers); len(errs) > 0 {
		return fmt.Errorf("config: bootstrap_peers: %w", errors.Join(errs...))
	}
	if c.Discovery.Enabled {
		if c.Discovery.Port <= 0 || c.Discovery.Port > 65535 {
			return fmt.Errorf("config: discovery.port out of range: %d", c.Discovery.Port)
		}
		if c.Discovery.Interval <= 0 {
			return fmt.Errorf("config: discovery.interval must be positive")
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.Log.Encoding != "console" && c.Log.Encoding != "json" {
		return fmt.Errorf("config: log.encoding must be console or json, got %q", c.Log.Encoding)
	}
	return nil
}

// Quorums - Parses the configured default quorum of GET, PUT and PUT_PROVIDER.
func (c *Config) Quorums() (get, put, provide types.Quorum, err error) {
	if get, err = types.ParseQuorum(c.Quorum.Get); err != nil {
		return get, put, provide, fmt.Errorf("config: quorum.get: %w", err)
	}
	if put, err = types.ParseQuorum(c.Quorum.Put); err != nil {
		return get, put, provide, fmt.Errorf("config: quorum.put: %w", err)
	}
	if provide, err = types.ParseQuorum(c.Quorum.Provide); err != nil {
		return get, put, provide, fmt.Errorf("config: quorum.provide: %w", err)
	}
	return get, put, provide, nil
}
