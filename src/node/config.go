package node

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/rid"
)

type Config struct {
	// PollMaxLimit caps how many queued events a single poll may drain,
	// whatever limit the peer asked for.
	PollMaxLimit int `mapstructure:"poll-max-limit"`

	// PushTimeout bounds outbound delivery handoffs: immediate pushes to
	// subscribed peers, and the wait for the transport to confirm a poll
	// response left the node.
	PushTimeout time.Duration `mapstructure:"push-timeout"`

	// JanitorInterval is the period of the background maintenance pass.
	JanitorInterval time.Duration `mapstructure:"janitor-interval"`

	// RetentionDays is how long event records are kept before the janitor
	// prunes them.
	RetentionDays int `mapstructure:"retention-days"`

	// RidTypes are the resource types this node indexes and serves
	// authoritatively. Bundles of other types are reported as deferred.
	RidTypes []string `mapstructure:"rid-types"`

	// BootstrapPeer, when set, is the address of a node to catch up from
	// before entering the Running state.
	BootstrapPeer string `mapstructure:"bootstrap-peer"`

	// Moniker is the friendly name this node reports about itself.
	Moniker string `mapstructure:"moniker"`

	Logger *logrus.Logger
}

func NewConfig(pollMaxLimit int,
	pushTimeout time.Duration,
	janitorInterval time.Duration,
	retentionDays int,
	ridTypes []string,
	logger *logrus.Logger) *Config {

	return &Config{
		PollMaxLimit:    pollMaxLimit,
		PushTimeout:     pushTimeout,
		JanitorInterval: janitorInterval,
		RetentionDays:   retentionDays,
		RidTypes:        ridTypes,
		Logger:          logger,
	}
}

func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		PollMaxLimit:    500,
		PushTimeout:     1000 * time.Millisecond,
		JanitorInterval: 30 * time.Second,
		RetentionDays:   90,
		RidTypes:        []string{rid.EventType, rid.RepositoryType},
		Logger:          logger,
	}
}

func TestConfig(t *testing.T) *Config {
	config := DefaultConfig()
	config.PushTimeout = 100 * time.Millisecond
	config.Logger = common.NewTestLogger(t)
	return config
}
