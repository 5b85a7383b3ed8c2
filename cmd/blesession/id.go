package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/device"
)

var idCmd = &cobra.Command{
	Use:   "id <value>",
	Short: "Print the canonical form and kind of a peripheral identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := device.ParsePeripheralID(args[0])
		if err != nil {
			return err
		}
		out, err := newPrinter(cmd.OutOrStdout(), globalOutput)
		if err != nil {
			return err
		}
		return out.record("id", f("id", id.String()), f("kind", id.Kind().String()))
	},
}
