package main

import (
	"fmt"
	"os"

	"github.com/replicate/batchget/cmd"
)

func main() {
	rootCMD, err := cmd.GetRootCommand()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
