// Package config loads per-role configuration: a default Options struct
// per role (mirroring esqd's NewOptions), overridable by an ini file and
// then by command-line flags, following esqd's flag+struct pattern
// generalized to gopkg.in/ini.v1 for the file layer.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"

	"github.com/rocketspeed-go/core/internal/lg"
)

// Role identifies which binary an Options struct configures.
type Role string

const (
	RolePilot        Role = "pilot"
	RoleControlTower Role = "controltower"
	RoleCopilot      Role = "copilot"
)

// Options holds every tunable named in §6: listen address, worker/room
// counts, reader-slot pool size, heartbeat interval, stream timeout,
// reconnect backoff range, subscription rate limit, bounded queue sizes,
// and the storage substrate's connection URL.
type Options struct {
	Role Role

	ListenAddress    string
	AdminAddress     string
	BroadcastAddress string
	UpstreamAddress  string // copilot only: the control tower to dial

	WorkerThreads int
	NumRooms      int
	ReaderSlots   int

	HeartbeatInterval time.Duration
	StreamTimeout     time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	SubscriptionRateLimit int // loaded and bound to a flag; no role enforces it
	CommandQueueDepth     int

	StorageURL string

	EtcdEndpoints []string
	EtcdKeyPrefix string

	LogLevel  lg.Level
	LogPrefix string
}

// Default returns role's built-in defaults, mirroring esqd's NewOptions.
func Default(role Role) *Options {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Options{
		Role:             role,
		ListenAddress:    "0.0.0.0:58600",
		AdminAddress:     "0.0.0.0:58601",
		BroadcastAddress: hostname,
		UpstreamAddress:  "127.0.0.1:58700",

		WorkerThreads: 4,
		NumRooms:      16,
		ReaderSlots:   4,

		HeartbeatInterval: time.Second,
		StreamTimeout:     10 * time.Second,

		BackoffMin: 100 * time.Millisecond,
		BackoffMax: 10 * time.Second,

		SubscriptionRateLimit: 0,
		CommandQueueDepth:     1024,

		StorageURL: "memstore://",

		EtcdEndpoints: nil,
		EtcdKeyPrefix: "/rocketspeed",

		LogLevel:  lg.INFO,
		LogPrefix: fmt.Sprintf("[%s]", role),
	}
}

// LoadFile merges section [role] of an ini file over opts in place. An
// empty path is a no-op; a file that cannot be loaded, including one that
// does not exist, is an error.
func (o *Options) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	sec := cfg.Section(string(o.Role))

	o.ListenAddress = sec.Key("listen_address").MustString(o.ListenAddress)
	o.AdminAddress = sec.Key("admin_address").MustString(o.AdminAddress)
	o.BroadcastAddress = sec.Key("broadcast_address").MustString(o.BroadcastAddress)
	o.UpstreamAddress = sec.Key("upstream_address").MustString(o.UpstreamAddress)

	o.WorkerThreads = sec.Key("worker_threads").MustInt(o.WorkerThreads)
	o.NumRooms = sec.Key("num_rooms").MustInt(o.NumRooms)
	o.ReaderSlots = sec.Key("reader_slots").MustInt(o.ReaderSlots)

	o.HeartbeatInterval = sec.Key("heartbeat_interval").MustDuration(o.HeartbeatInterval)
	o.StreamTimeout = sec.Key("stream_timeout").MustDuration(o.StreamTimeout)

	o.BackoffMin = sec.Key("backoff_min").MustDuration(o.BackoffMin)
	o.BackoffMax = sec.Key("backoff_max").MustDuration(o.BackoffMax)

	o.SubscriptionRateLimit = sec.Key("subscription_rate_limit").MustInt(o.SubscriptionRateLimit)
	o.CommandQueueDepth = sec.Key("command_queue_depth").MustInt(o.CommandQueueDepth)

	o.StorageURL = sec.Key("storage_url").MustString(o.StorageURL)
	o.EtcdEndpoints = sec.Key("etcd_endpoints").Strings(",")
	o.EtcdKeyPrefix = sec.Key("etcd_key_prefix").MustString(o.EtcdKeyPrefix)
	o.LogPrefix = sec.Key("log_prefix").MustString(o.LogPrefix)
	return nil
}

// BindFlags registers overrides for every Options field on fs, following
// esqFlagSet's one-flag-per-field pattern. Call fs.Parse, then the struct
// reflects the final precedence: flags > ini file > defaults, since the
// flag.Var wrappers below read the current value as their default.
func (o *Options) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.ListenAddress, "listen-address", o.ListenAddress, "address to accept client connections on")
	fs.StringVar(&o.AdminAddress, "admin-address", o.AdminAddress, "address for the HTTP admin/stats endpoint")
	fs.StringVar(&o.BroadcastAddress, "broadcast-address", o.BroadcastAddress, "address advertised to peers/discovery")
	fs.StringVar(&o.UpstreamAddress, "upstream-address", o.UpstreamAddress, "control tower address this copilot dials (copilot only)")
	fs.IntVar(&o.WorkerThreads, "worker-threads", o.WorkerThreads, "number of event-loop worker threads")
	fs.IntVar(&o.NumRooms, "num-rooms", o.NumRooms, "number of control-tower rooms")
	fs.IntVar(&o.ReaderSlots, "reader-slots", o.ReaderSlots, "storage reader slots per room")
	fs.DurationVar(&o.HeartbeatInterval, "heartbeat-interval", o.HeartbeatInterval, "socket heartbeat interval")
	fs.DurationVar(&o.StreamTimeout, "stream-timeout", o.StreamTimeout, "stream inactivity timeout")
	fs.DurationVar(&o.BackoffMin, "backoff-min", o.BackoffMin, "minimum reconnect backoff")
	fs.DurationVar(&o.BackoffMax, "backoff-max", o.BackoffMax, "maximum reconnect backoff")
	fs.IntVar(&o.SubscriptionRateLimit, "subscription-rate-limit", o.SubscriptionRateLimit, "subscribes/sec per connection (not enforced by any role)")
	fs.IntVar(&o.CommandQueueDepth, "command-queue-depth", o.CommandQueueDepth, "bounded depth of each event loop's command queue")
	fs.StringVar(&o.StorageURL, "storage-url", o.StorageURL, "storage substrate connection URL")
	fs.StringVar(&o.EtcdKeyPrefix, "etcd-key-prefix", o.EtcdKeyPrefix, "etcd key prefix used for discovery registration")
	fs.Var(&o.LogLevel, "log-level", "log level: debug, info, warn, error, fatal")
	fs.StringVar(&o.LogPrefix, "log-prefix", o.LogPrefix, "log message prefix")
}
