package main

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !verbose {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
				return nil
			}
			values, err := json.MarshalIndent(struct {
				Version string `json:"version"`
				Go      string `json:"go"`
			}{
				Version: Version,
				Go:      runtime.Version(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(values))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show Go toolchain version")
	return cmd
}
