package commands

import (
	"github.com/forgemesh/forgemesh/src/forgemesh"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a forgemesh node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runForgemesh,
	}

	AddRunFlags(cmd)

	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runForgemesh(cmd *cobra.Command, args []string) error {
	engine := forgemesh.NewForgemesh(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Optional file where logs are also written")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")
	cmd.Flags().String("scope", _config.NetworkScope, "Scope segment of identifiers minted by this node")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for forgemesh node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for forgemesh node")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP Timeout")
	cmd.Flags().Duration("fetch-timeout", _config.FetchTimeout, "Fetch Timeout")
	cmd.Flags().Int("max-pool", _config.MaxPool, "Connection pool size max")
	cmd.Flags().String("bootstrap-peer", _config.BootstrapPeer, "Address of a peer to catch up from on startup")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Dabatabase directory")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")

	// Distribution
	cmd.Flags().Int("poll-max-limit", _config.PollMaxLimit, "Max number of events served by a single poll")
	cmd.Flags().Duration("push-timeout", _config.PushTimeout, "Deadline for immediate push deliveries")
	cmd.Flags().Duration("janitor-interval", _config.JanitorInterval, "Base interval of the maintenance pass")
	cmd.Flags().Int("retention-days", _config.RetentionDays, "Age in days beyond which event contents are pruned")
	cmd.Flags().StringSlice("rid-types", _config.RidTypes, "Resource types this node indexes")
	cmd.Flags().StringSlice("excluded-repos", _config.ExcludedRepos, "Repositories (owner/name) refused at intake")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"forgemesh.DataDir":         _config.DataDir,
		"forgemesh.BindAddr":        _config.BindAddr,
		"forgemesh.AdvertiseAddr":   _config.AdvertiseAddr,
		"forgemesh.ServiceAddr":     _config.ServiceAddr,
		"forgemesh.NoService":       _config.NoService,
		"forgemesh.MaxPool":         _config.MaxPool,
		"forgemesh.Store":           _config.Store,
		"forgemesh.LogLevel":        _config.LogLevel,
		"forgemesh.Moniker":         _config.Moniker,
		"forgemesh.NetworkScope":    _config.NetworkScope,
		"forgemesh.PollMaxLimit":    _config.PollMaxLimit,
		"forgemesh.PushTimeout":     _config.PushTimeout,
		"forgemesh.JanitorInterval": _config.JanitorInterval,
		"forgemesh.RetentionDays":   _config.RetentionDays,
		"forgemesh.RidTypes":        _config.RidTypes,
		"forgemesh.ExcludedRepos":   _config.ExcludedRepos,
		"forgemesh.BootstrapPeer":   _config.BootstrapPeer,
	}

	if _config.Store {
		logFields["forgemesh.DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

//Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// cmd.Flags() includes flags from this command and all persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from cli flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/forgemesh.toml (.json, .yaml also work)
	viper.SetConfigName("forgemesh")     // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
