package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/rid"
)

// Default filenames.
const (
	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database backing the index store.
	DefaultBadgerFile = "index_db"

	// DefaultQueueFile is the default name of the folder containing the
	// Badger database backing the per-peer queues.
	DefaultQueueFile = "queue_db"

	// DefaultEdgesFile is the default name of the JSON file containing the
	// subscription edges.
	DefaultEdgesFile = "edges.json"

	// DefaultIdentityFile is the default name of the file containing this
	// node's RID. It is created on first start and reused thereafter so the
	// node keeps its identity across restarts.
	DefaultIdentityFile = "identity"
)

// Default configuration values.
const (
	DefaultLogLevel        = "debug"
	DefaultBindAddr        = "127.0.0.1:1337"
	DefaultServiceAddr     = "127.0.0.1:8000"
	DefaultTCPTimeout      = 1000 * time.Millisecond
	DefaultFetchTimeout    = 10000 * time.Millisecond
	DefaultMaxPool         = 2
	DefaultCacheSize       = 10000
	DefaultStore           = false
	DefaultNetworkScope    = "forgemesh"
	DefaultPollMaxLimit    = 500
	DefaultPushTimeout     = 1000 * time.Millisecond
	DefaultJanitorInterval = 30 * time.Second
	DefaultRetentionDays   = 90
)

// DefaultRidTypes returns the resource types a node indexes unless configured
// otherwise.
func DefaultRidTypes() []string {
	return []string{rid.EventType, rid.RepositoryType}
}

// Config contains all the configuration properties of a Forgemesh node.
type Config struct {
	// DataDir is the top-level directory containing Forgemesh configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile is an optional file to write logs to, in addition to stderr.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node talks to other
	// nodes. In some cases, there may be a routable address that cannot be
	// bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target in the
	// protocol routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of protocol RPC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// FetchTimeout is the timeout of catch-up RPCs (fetch_rids,
	// fetch_manifests, fetch_bundles), which move more data than the
	// distribution RPCs and are allowed to be slower.
	FetchTimeout time.Duration `mapstructure:"fetch-timeout"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// NetworkScope is the scope segment of RIDs minted by this node. Nodes of
	// one administrative domain share a scope.
	NetworkScope string `mapstructure:"scope"`

	// PollMaxLimit caps the number of events served by a single poll,
	// regardless of the limit the peer requested.
	PollMaxLimit int `mapstructure:"poll-max-limit"`

	// PushTimeout bounds immediate push deliveries; a push that has not been
	// acknowledged within it falls back to the peer's durable queue.
	PushTimeout time.Duration `mapstructure:"push-timeout"`

	// JanitorInterval is the base interval of the maintenance pass.
	JanitorInterval time.Duration `mapstructure:"janitor-interval"`

	// RetentionDays is the age in days beyond which event bundles are pruned.
	RetentionDays int `mapstructure:"retention-days"`

	// RidTypes are the resource types this node indexes. Bundle requests for
	// other types are deferred to nodes that do.
	RidTypes []string `mapstructure:"rid-types"`

	// ExcludedRepos lists repositories (owner/name) whose events are refused
	// at intake.
	ExcludedRepos []string `mapstructure:"excluded-repos"`

	// BootstrapPeer is the address of a peer to catch up from on startup. When
	// empty the node starts serving immediately from its local index.
	BootstrapPeer string `mapstructure:"bootstrap-peer"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:         DefaultDataDir(),
		LogLevel:        DefaultLogLevel,
		BindAddr:        DefaultBindAddr,
		ServiceAddr:     DefaultServiceAddr,
		TCPTimeout:      DefaultTCPTimeout,
		FetchTimeout:    DefaultFetchTimeout,
		MaxPool:         DefaultMaxPool,
		CacheSize:       DefaultCacheSize,
		Store:           DefaultStore,
		DatabaseDir:     DefaultDatabaseDir(),
		NetworkScope:    DefaultNetworkScope,
		PollMaxLimit:    DefaultPollMaxLimit,
		PushTimeout:     DefaultPushTimeout,
		JanitorInterval: DefaultJanitorInterval,
		RetentionDays:   DefaultRetentionDays,
		RidTypes:        DefaultRidTypes(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level Forgemesh directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// QueueDir returns the full path of the queue database directory.
func (c *Config) QueueDir() string {
	return filepath.Join(c.DataDir, DefaultQueueFile)
}

// EdgesFile returns the full path of the subscription edges file.
func (c *Config) EdgesFile() string {
	return filepath.Join(c.DataDir, DefaultEdgesFile)
}

// IdentityFile returns the full path of the file containing this node's RID.
func (c *Config) IdentityFile() string {
	return filepath.Join(c.DataDir, DefaultIdentityFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "forgemesh".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
				c.logger.Infof("Failed to open %s, using default stderr", c.LogFile)
			} else {
				pathMap := lfshook.PathMap{}
				for _, lvl := range logrus.AllLevels {
					pathMap[lvl] = c.LogFile
				}
				c.logger.Hooks.Add(lfshook.NewHook(pathMap, &logrus.TextFormatter{}))
			}
		}
	}
	return c.logger.WithField("prefix", "forgemesh")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level Forgemesh
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Forgemesh")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Forgemesh")
		} else {
			return filepath.Join(home, ".forgemesh")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
