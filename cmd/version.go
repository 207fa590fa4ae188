package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cconlon/tlstap/internal/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("tlstap", version.GetFullVersion())
	},
}
