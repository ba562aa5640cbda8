package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/npezzotti/go-erd/internal/controller"
	"github.com/spf13/cobra"
)

var exportFormats = []string{
	string(controller.FormatSVG),
	string(controller.FormatPNG),
	string(controller.FormatJSON),
	string(controller.FormatCode),
}

var exportCmd = &cobra.Command{
	Use:   "export [room-id]",
	Short: "Download a diagram",
	Long:  `Download a room's diagram as svg, png, json or generated entity code.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		if !slices.Contains(exportFormats, format) {
			return fmt.Errorf("unknown format %q", format)
		}

		data, err := cl.Export(cmd.Context(), args[0], format)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		_, err = w.Write(data)
		return err
	},
}

func init() {
	exportCmd.Flags().String("format", string(controller.FormatJSON), "svg, png, json or code")
	exportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
}
