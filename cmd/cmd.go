package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/replicate/batchget/cmd/history"
	"github.com/replicate/batchget/cmd/root"
	"github.com/replicate/batchget/cmd/version"
)

func GetRootCommand() (*cobra.Command, error) {
	v := viper.New()
	rootCMD, err := root.GetCommand(v)
	if err != nil {
		return nil, fmt.Errorf("error building root command: %w", err)
	}
	rootCMD.AddCommand(history.GetCommand(v))
	rootCMD.AddCommand(version.VersionCMD)
	return rootCMD, nil
}
