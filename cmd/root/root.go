package root

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	batchget "github.com/replicate/batchget/pkg"
	"github.com/replicate/batchget/pkg/cli"
	"github.com/replicate/batchget/pkg/config"
	"github.com/replicate/batchget/pkg/journal"
	"github.com/replicate/batchget/pkg/version"
)

const rootLongDesc = `
batchget

batchget downloads every URL listed in an input file into a downloads folder. Downloads run concurrently with a
bounded number of workers, and files that were only partly downloaded by an earlier run are resumed with HTTP range
requests instead of being fetched again.

Files already present with the remote size and modification time are skipped, which makes running the same list twice
cheap. When a file name starts with DM_, DO_ or DA_ it is placed in the matching subfolder of the downloads folder.

URLs that fail are retried as a group after a delay, up to the configured retry count. The command exits non-zero when
any URL is still failing after the last attempt.

The configuration file is INI with the sections [folders] downloads, [files] input, [network] connect_timeout and
read_timeout, and [settings] max_workers, retry_count and retry_delay. Every value can be overridden with a flag or a
BATCHGET_<SECTION>_<KEY> environment variable.
`

func GetCommand(v *viper.Viper) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "batchget [flags] <config-file>",
		Short: "batchget",
		Long:  rootLongDesc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRootCMD(cmd, v, args)
		},
		Args:    cobra.ExactArgs(1),
		Example: `  batchget config.ini`,
	}
	cmd.SetUsageTemplate(cli.UsageTemplate)
	if err := config.AddRootPersistentFlags(cmd, v); err != nil {
		return nil, err
	}
	if err := config.AddSettingsFlags(cmd, v); err != nil {
		return nil, err
	}
	return cmd, nil
}

func runRootCMD(cmd *cobra.Command, v *viper.Viper, args []string) error {
	// After we run through the PreRun functions we want to silence usage from being printed
	// on all errors
	cmd.SilenceUsage = true

	logger, closer, err := config.NewLogger(v, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info().
		Str("version", version.GetVersion()).
		Str("config_file", args[0]).
		Msg("Initiating")

	settings, err := config.Load(v, args[0])
	if err != nil {
		logger.Error().Err(err).Msg("Configuration")
		return err
	}

	if pidPath := v.GetString(config.OptPIDFile); pidPath != "" {
		pid, err := cli.NewPIDFile(pidPath, logger)
		if err != nil {
			return fmt.Errorf("error opening pid file %s: %w", pidPath, err)
		}
		if err := pid.Acquire(); err != nil {
			return fmt.Errorf("error acquiring pid file %s: %w", pidPath, err)
		}
		defer func() {
			if err := pid.Release(); err != nil {
				logger.Warn().Err(err).Str("pid_file", pidPath).Msg("Failed to release pid file")
			}
		}()
	}

	return rootExecute(cmd, v, settings, logger)
}

// rootExecute is the main function of the program and encapsulates the general logic
// returns any/all errors to the caller.
func rootExecute(cmd *cobra.Command, v *viper.Viper, settings *config.Settings, logger zerolog.Logger) error {
	urls, err := cli.ReadURLList(settings.Files.Input)
	if err != nil {
		logger.Error().Err(err).Str("input", settings.Files.Input).Msg("Reading URL list")
		return err
	}

	overrides, err := config.ResolveOverridesToMap(v.GetStringSlice(config.OptResolve))
	if err != nil {
		return err
	}

	opts := batchget.OptionsFromSettings(settings)
	opts.Logger = logger
	opts.Progress = cmd.ErrOrStderr()
	opts.ResolveOverrides = overrides

	if settings.History.Database != "" {
		j, err := journal.Open(settings.History.Database)
		if err != nil {
			return fmt.Errorf("error opening history database: %w", err)
		}
		defer j.Close()
		opts.Observer = j
	}

	engine, err := batchget.NewEngine(opts)
	if err != nil {
		return err
	}

	result, err := engine.RunBatch(cmd.Context(), urls, settings.Settings.MaxWorkers, settings.Settings.RetryCount, settings.RetryDelay())
	if err != nil {
		return err
	}
	return result.Err()
}
