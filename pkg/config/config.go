package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replicate/batchget/pkg/logging"
)

const (
	NamingStable = "stable"
	NamingUnique = "unique"

	envPrefix = "BATCHGET"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Settings mirrors the sections of the configuration file.
type Settings struct {
	Folders  FoldersSection  `mapstructure:"folders"`
	Files    FilesSection    `mapstructure:"files"`
	Network  NetworkSection  `mapstructure:"network"`
	Settings SettingsSection `mapstructure:"settings"`
	History  HistorySection  `mapstructure:"history"`
}

type FoldersSection struct {
	Downloads string `mapstructure:"downloads"`
}

type FilesSection struct {
	Input string `mapstructure:"input"`
}

// NetworkSection timeouts are whole seconds.
type NetworkSection struct {
	ConnectTimeout int `mapstructure:"connect_timeout"`
	ReadTimeout    int `mapstructure:"read_timeout"`
}

type SettingsSection struct {
	MaxWorkers int    `mapstructure:"max_workers"`
	RetryCount int    `mapstructure:"retry_count"`
	RetryDelay int    `mapstructure:"retry_delay"`
	Naming     string `mapstructure:"naming"`
}

type HistorySection struct {
	Database string `mapstructure:"database"`
}

func (s *Settings) ConnectTimeout() time.Duration {
	return time.Duration(s.Network.ConnectTimeout) * time.Second
}

func (s *Settings) ReadTimeout() time.Duration {
	return time.Duration(s.Network.ReadTimeout) * time.Second
}

func (s *Settings) RetryDelay() time.Duration {
	return time.Duration(s.Settings.RetryDelay) * time.Second
}

// AddRootPersistentFlags registers the flags shared by every command.
func AddRootPersistentFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.PersistentFlags().StringP(OptLogFile, "l", logging.DefaultLogFile, "Path to the log file, empty to log to stdout only")
	cmd.PersistentFlags().String(OptLoggingLevel, "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolP(OptVerbose, "v", false, "Verbose mode (equivalent to --log-level debug)")
	cmd.PersistentFlags().StringSlice(OptResolve, []string{}, "Resolve hostnames to specific IPs, format <hostname>:<port>:<ip>")
	cmd.PersistentFlags().String(OptPIDFile, "", "Hold an exclusive lock on this file while running")

	if err := v.BindPFlags(cmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}
	// Hidden, intended for testing against local servers only
	if err := cmd.PersistentFlags().MarkHidden(OptResolve); err != nil {
		return fmt.Errorf("failed to hide flag %s: %w", OptResolve, err)
	}
	return nil
}

// AddSettingsFlags registers one flag per configuration key so that any value from the configuration file can be
// overridden on the command line. The flags are bound to the dotted file keys.
func AddSettingsFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String(OptDownloads, "", "Folder downloads are written to (overrides [folders] downloads)")
	flags.String(OptInput, "", "File with one URL per line, '-' for stdin (overrides [files] input)")
	flags.Int(OptConnTimeout, 10, "Connect timeout in seconds")
	flags.Int(OptReadTimeout, 30, "Read timeout in seconds")
	flags.Int(OptMaxWorkers, 4, "Maximum number of files to download concurrently")
	flags.Int(OptRetryCount, 3, "Number of times the failed part of a batch is retried")
	flags.Int(OptRetryDelay, 5, "Seconds to wait between retry attempts")
	flags.String(OptNaming, NamingStable, "Destination naming policy (stable, unique)")
	flags.String(OptHistoryDB, "", "SQLite database the outcome of every attempt is recorded in")

	bindings := map[string]string{
		KeyDownloadsFolder: OptDownloads,
		KeyInputFile:       OptInput,
		KeyConnectTimeout:  OptConnTimeout,
		KeyReadTimeout:     OptReadTimeout,
		KeyMaxWorkers:      OptMaxWorkers,
		KeyRetryCount:      OptRetryCount,
		KeyRetryDelay:      OptRetryDelay,
		KeyNaming:          OptNaming,
		KeyHistoryDatabase: OptHistoryDB,
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration file at path (when not empty), applies environment overrides and validates the
// result. Every error returned wraps ErrInvalidConfig.
func Load(v *viper.Viper, path string) (*Settings, error) {
	v.SetDefault(KeyDownloadsFolder, "")
	v.SetDefault(KeyInputFile, "")
	v.SetDefault(KeyConnectTimeout, 10)
	v.SetDefault(KeyReadTimeout, 30)
	v.SetDefault(KeyMaxWorkers, 4)
	v.SetDefault(KeyRetryCount, 3)
	v.SetDefault(KeyRetryDelay, 5)
	v.SetDefault(KeyNaming, NamingStable)
	v.SetDefault(KeyHistoryDatabase, "")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := ReadConfigFile(v, path); err != nil {
			return nil, err
		}
	}

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if settings.Settings.Naming == "" {
		settings.Settings.Naming = NamingStable
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return &settings, nil
}

// ReadConfigFile loads path into v without validating anything. Errors wrap ErrInvalidConfig.
func ReadConfigFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: config file %s: %w", ErrInvalidConfig, path, err)
	}
	v.SetConfigFile(path)
	v.SetConfigType(configType(path))
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: error reading config file %s: %w", ErrInvalidConfig, path, err)
	}
	return nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "ini"
	}
}

// Validate checks everything that must hold before the first request is sent.
func (s *Settings) Validate() error {
	if s.Folders.Downloads == "" {
		return fmt.Errorf("%w: downloads folder is not set", ErrInvalidConfig)
	}
	if info, err := os.Stat(s.Folders.Downloads); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: invalid downloads folder: %s", ErrInvalidConfig, s.Folders.Downloads)
	}
	if s.Files.Input == "" {
		return fmt.Errorf("%w: input file is not set", ErrInvalidConfig)
	}
	if s.Files.Input != "-" {
		if info, err := os.Stat(s.Files.Input); err != nil || !info.Mode().IsRegular() {
			return fmt.Errorf("%w: input file does not exist or is not a file: %s", ErrInvalidConfig, s.Files.Input)
		}
	}
	if s.Network.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: invalid connect timeout: %d. Must be a positive integer", ErrInvalidConfig, s.Network.ConnectTimeout)
	}
	if s.Network.ReadTimeout <= 0 {
		return fmt.Errorf("%w: invalid read timeout: %d. Must be a positive integer", ErrInvalidConfig, s.Network.ReadTimeout)
	}
	if s.Settings.MaxWorkers <= 0 {
		return fmt.Errorf("%w: invalid max workers: %d. Must be a positive integer", ErrInvalidConfig, s.Settings.MaxWorkers)
	}
	if s.Settings.RetryCount < 0 {
		return fmt.Errorf("%w: invalid retry count: %d. Must be a non-negative integer", ErrInvalidConfig, s.Settings.RetryCount)
	}
	if s.Settings.RetryDelay < 0 {
		return fmt.Errorf("%w: invalid retry delay: %d. Must be a non-negative integer", ErrInvalidConfig, s.Settings.RetryDelay)
	}
	switch s.Settings.Naming {
	case NamingStable, NamingUnique:
	default:
		return fmt.Errorf("%w: unknown naming policy %q", ErrInvalidConfig, s.Settings.Naming)
	}
	return nil
}

// ResolveOverridesToMap turns --resolve values into a map of host:port to ip:port for the dialer.
func ResolveOverridesToMap(resolveHosts []string) (map[string]string, error) {
	var resolveOverrides map[string]string
	for _, resolveHost := range resolveHosts {
		split := strings.SplitN(resolveHost, ":", 3)
		if len(split) != 3 {
			return nil, fmt.Errorf("%w: invalid resolve host format, expected <hostname>:port:<ip>, got: %s", ErrInvalidConfig, resolveHost)
		}
		host, port, addr := split[0], split[1], split[2]
		if net.ParseIP(host) != nil {
			return nil, fmt.Errorf("%w: invalid hostname specified, looks like an IP address: %s", ErrInvalidConfig, host)
		}
		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("%w: invalid IP address: %s", ErrInvalidConfig, addr)
		}
		if resolveOverrides == nil {
			resolveOverrides = make(map[string]string)
		}
		hostPort := net.JoinHostPort(host, port)
		target := net.JoinHostPort(addr, port)
		if existing, ok := resolveOverrides[hostPort]; ok && existing != target {
			return nil, fmt.Errorf("%w: duplicate host:port specified: %s", ErrInvalidConfig, hostPort)
		}
		resolveOverrides[hostPort] = target
	}
	return resolveOverrides, nil
}
