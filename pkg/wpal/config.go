package wpal

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/wpal/pkg/wpal/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	path       string
	explicit   bool

	mu      sync.RWMutex
	current Config
}

type Config struct {
	Capture struct {
		IncludeTree   bool   `mapstructure:"include_tree"`
		Channels      uint16 `mapstructure:"channels"`
		SampleRate    uint32 `mapstructure:"sample_rate"`
		BitsPerSample uint16 `mapstructure:"bits_per_sample"`
	} `mapstructure:"capture"`

	RingBuffer struct {
		Seconds  float64 `mapstructure:"seconds"`
		Overflow string  `mapstructure:"overflow"`
	} `mapstructure:"ring_buffer"`

	ReportInterval time.Duration `mapstructure:"report_interval"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	Notify         bool          `mapstructure:"notify"`
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	ConfigKeyIncludeTree    = "capture.include_tree"
	ConfigKeyChannels       = "capture.channels"
	ConfigKeySampleRate     = "capture.sample_rate"
	ConfigKeyBitsPerSample  = "capture.bits_per_sample"
	ConfigKeyRingSeconds    = "ring_buffer.seconds"
	ConfigKeyRingOverflow   = "ring_buffer.overflow"
	ConfigKeyReportInterval = "report_interval"
	ConfigKeyMetricsAddr    = "metrics_addr"
	ConfigKeyNotify         = "notify"
)

// NewConfig creates a config manager reading path, or config.yaml in the working directory when path is empty
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               userConfigFilepath,
	}

	userConfig := viper.New()
	userConfig.SetConfigType(configType)

	if path != "" {
		userConfig.SetConfigFile(path)
		cc.path = path
		cc.explicit = true
	} else {
		userConfig.SetConfigName(userConfigName)
		userConfig.AddConfigPath(userConfigPath)
	}

	// stereo 16-bit at CD rate unless configured otherwise
	userConfig.SetDefault(ConfigKeyIncludeTree, true)
	userConfig.SetDefault(ConfigKeyChannels, 2)
	userConfig.SetDefault(ConfigKeySampleRate, 44100)
	userConfig.SetDefault(ConfigKeyBitsPerSample, 16)
	userConfig.SetDefault(ConfigKeyRingSeconds, 2.0)
	userConfig.SetDefault(ConfigKeyRingOverflow, OverflowKeepPushing.String())
	userConfig.SetDefault(ConfigKeyReportInterval, "1s")
	userConfig.SetDefault(ConfigKeyMetricsAddr, "")
	userConfig.SetDefault(ConfigKeyNotify, false)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// BindFlags lets command line flags override config file values. keys maps config keys to flag names.
func (cc *ConfigManager) BindFlags(flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("bind %s: no flag named %q", key, name)
		}

		if err := cc.userConfig.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind %s to --%s: %w", key, name, err)
		}
	}

	return nil
}

// Load reads the config file. A missing config.yaml is fine, the defaults apply;
// a missing file that was asked for explicitly is not.
func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	if cc.explicit && !util.FileExists(cc.path) {
		cc.logger.Warnw("Config file not found", "path", cc.path)
		cc.notifier.Notify("Can't find configuration!",
			fmt.Sprintf("%s doesn't exist. Please check the path and re-launch", cc.path))

		return fmt.Errorf("config file doesn't exist: %s", cc.path)
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		notFound := viper.ConfigFileNotFoundError{}

		if errors.As(err, &notFound) {
			cc.logger.Debugw("No config file, using defaults", "path", cc.path)
		} else {
			cc.logger.Warnw("Viper failed to read user config", "error", err)

			// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.path))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check wpal's logs for more details.")
			}

			return fmt.Errorf("read user config: %w", err)
		}
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"includeTree", current.Capture.IncludeTree,
		"channels", current.Capture.Channels,
		"sampleRate", current.Capture.SampleRate,
		"bitsPerSample", current.Capture.BitsPerSample,
		"ringSeconds", current.RingBuffer.Seconds,
		"ringOverflow", current.RingBuffer.Overflow,
		"reportInterval", current.ReportInterval,
		"metricsAddr", current.MetricsAddr)

	return nil
}

// Current returns a copy of the last loaded config
func (cc *ConfigManager) Current() Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return cc.current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Capture format changes apply on the next run.")

					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if _, err := ParseOverflowBehaviour(next.RingBuffer.Overflow); err != nil {
		return err
	}

	if next.ReportInterval <= 0 {
		return fmt.Errorf("report_interval must be positive, got %s", next.ReportInterval)
	}

	cc.mu.Lock()
	cc.current = next
	cc.mu.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		// a consumer that has not caught up with the last reload will see this one too
		select {
		case consumer <- true:
		default:
		}
	}
}
