package main

import (
	"flag"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var rootCmd = &cobra.Command{
	Use:   "flashd",
	Short: "flashd is a firmware flashing daemon for iPod Nano 4G/5G/6G",
	Long: `Resolves firmware binaries from published releases, CI builds, a remote
build service or local uploads, and flashes them onto DFU-mode devices.
Runs either as a one-shot CLI or as a daemon exposing an HTTP API.`,
	SilenceUsage: true,
}

var verboseLog bool

func main() {
	flashCmd.Flags().StringVarP(&flashVersion, "version", "V", "current", "Firmware version to resolve (releases: 'current' for latest)")
	flashCmd.Flags().StringSliceVarP(&flashFlags, "flag", "f", nil, "Build/flash flag as name=value (e.g. unprotect=true, verify=true)")
	flashCmd.Flags().StringVarP(&flashDevice, "device", "d", "", "Device id to flash (default: the only connected device)")
	fetchCmd.Flags().StringVarP(&fetchVersion, "version", "V", "current", "Firmware version to resolve")
	fetchCmd.Flags().StringSliceVarP(&fetchFlags, "flag", "f", nil, "Build flag as name=value")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "Enable verbose debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verboseLog {
			slog.SetLogLoggerLevel(slog.LevelDebug)
		}
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.Execute()
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}
