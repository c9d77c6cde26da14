package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/openpod/flashd/pkg/firmware"
)

var (
	fetchVersion string
	fetchFlags   []string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [source] [target] [output path]",
	Short: "Resolve a firmware binary and write it to a file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		desc, err := parseDescriptor(args[0], args[1], fetchVersion, fetchFlags)
		if err != nil {
			return err
		}
		data, err := app.resolver.Resolve(cmd.Context(), desc, firmware.Events{
			BuildStarted: func() { fmt.Println("Build submitted, waiting...") },
			BuildDone:    func() { fmt.Println("Build done, downloading...") },
			Progress: func(current, total int64) {
				if total > 0 {
					fmt.Printf("\r%d%%", current*100/total)
					if current == total {
						fmt.Println()
					}
				}
			},
		})
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[2], data, 0600); err != nil {
			return err
		}
		slog.Info("Wrote firmware", "descriptor", desc.String(), "path", args[2], "bytes", len(data))
		return nil
	},
}
