package commands

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/telemetry"
)

// decode <service-data>: print the decoded advertisement as JSON.
func decodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <service-data>",
		Short: "Decode a base64 tag advertisement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tel, err := telemetry.DecodeBase64(args[0])
			if err != nil {
				return err
			}
			out := struct {
				telemetry.Telemetry
				ShouldPreventStale       bool `json:"should_prevent_stale"`
				EligibleForNetworkReport bool `json:"eligible_for_network_report"`
			}{
				Telemetry:                tel,
				ShouldPreventStale:       tel.State.ShouldPreventStale(),
				EligibleForNetworkReport: tel.State.EligibleForNetworkReport(),
			}
			return printJSON(out)
		},
	}
}

func printJSON(v any) error {
	return jsonEncoder(os.Stdout).Encode(v)
}

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}
