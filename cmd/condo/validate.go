package main

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/condo/pkg/spec"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a descriptor file and print its normalized form",
	Long: `Decode a local descriptor (JSON with comments, or YAML by extension)
exactly as the agent would and print the normalized wire form, which can be
written to Consul as is.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := spec.ReadFile(args[0])
		if err != nil {
			return err
		}

		data, err := spec.Encode(s)
		if err != nil {
			return err
		}

		compact, _ := cmd.Flags().GetBool("compact")
		if !compact {
			var buf bytes.Buffer
			if err := json.Indent(&buf, data, "", "  "); err != nil {
				return err
			}
			data = buf.Bytes()
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

func init() {
	validateCmd.Flags().Bool("compact", false, "Print on a single line")
}
