package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/3leaps/audioshelf/internal/server/handlers"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		w := cmd.OutOrStdout()
		if format := outputFormat(cmd); format == "json" || format == "yaml" {
			return encode(w, format, handlers.CurrentVersion())
		}
		v := handlers.CurrentVersion()
		_, _ = fmt.Fprintf(w, "audioshelf %s\n", versionInfo.Version)
		_, _ = fmt.Fprintf(w, "  commit:   %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(w, "  built:    %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(w, "  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if v.Crucible != "" {
			_, _ = fmt.Fprintf(w, "  crucible: %s\n", v.Crucible)
		}
		if v.Gofulmen != "" {
			_, _ = fmt.Fprintf(w, "  gofulmen: %s\n", v.Gofulmen)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().StringP("output", "o", "text", "Output format: text, json or yaml")
}
