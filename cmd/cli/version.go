package cli

import (
	"fmt"
	"io"
	"strings"

	"crmflow/internal/models"
	"crmflow/internal/services"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show crmflow build and engine information",
	Long: `Show the crmflow build stamp together with the trigger modules the
engine dispatches for and the default trigger cascade depth.
Use --short to print only the release tag.`,
	Run: func(cmd *cobra.Command, args []string) {
		writeVersion(cmd.OutOrStdout(), versionShort)
	},
}

func writeVersion(w io.Writer, short bool) {
	if short {
		fmt.Fprintln(w, Version)
		return
	}
	fmt.Fprintf(w, "crmflow %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	fmt.Fprintf(w, "trigger modules: %s\n", strings.Join(models.TriggerModules, ", "))
	fmt.Fprintf(w, "max cascade depth: %d\n", services.DefaultMaxDepth)
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print only the release tag")
	rootCmd.AddCommand(versionCmd)
}
