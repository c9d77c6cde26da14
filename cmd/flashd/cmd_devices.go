package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected DFU-mode devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		infos, err := app.enum.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No DFU-mode devices found.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s\t%s\t0x%04X:0x%04X\n", info.ID(), info.Kind.String(), info.VID, info.PID)
		}
		return nil
	},
}
