package main

import (
	"os"

	cmd "github.com/forgemesh/forgemesh/cmd/forgemesh/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewRunCmd(),
		cmd.NewExploreCmd(),
		cmd.NewSubmitCmd(),
		cmd.VersionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
