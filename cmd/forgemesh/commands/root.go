package commands

import (
	"github.com/forgemesh/forgemesh/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for forgemesh
var RootCmd = &cobra.Command{
	Use:              "forgemesh",
	Short:            "forgemesh event distribution node",
	TraverseChildren: true,
}
