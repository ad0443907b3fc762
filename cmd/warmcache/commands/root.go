// Package commands implements the warmcache CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "warmcache",
	Short: "Offline-first cache worker and image preloader",
	Long: `warmcache keeps a site usable offline. It runs a cache worker that
stores the application shell and images in versioned generations, serves
images cache-first and everything else network-first, and preloads the
slideshow backgrounds in priority order.

Use "warmcache [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/warmcache/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(preloadCmd)
	rootCmd.AddCommand(generationsCmd)
}
