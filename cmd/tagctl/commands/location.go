package commands

import (
	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/location"
)

type locationView struct {
	DeviceID string          `json:"device_id"`
	Status   string          `json:"status"`
	Result   location.Result `json:"result"`
}

// location <device-id>...: fetch and decrypt current locations.
func locationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "location <device-id>...",
		Short: "Fetch and decrypt the current location of one or more tags",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLocator(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			results := l.retriever.CurrentMany(cmd.Context(), args)
			views := make([]locationView, len(args))
			for i, id := range args {
				views[i] = locationView{DeviceID: id, Status: location.Status(results[i]), Result: results[i]}
			}
			if len(views) == 1 {
				return printJSON(views[0])
			}
			return printJSON(views)
		},
	}
	pinFlags(cmd)
	return cmd
}
