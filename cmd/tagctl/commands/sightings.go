package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/model"
)

// sightings: list what the scanners have seen.
func sightingsCmd() *cobra.Command {
	var (
		limit  int
		tag    string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "sightings",
		Short: "List recent scanner sightings from the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			var rows []model.Sighting
			if tag != "" {
				latest, ok, err := db.LatestSighting(cmd.Context(), strings.ToLower(tag))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("tag %s has not been seen", tag)
				}
				rows = append(rows, latest)
			} else {
				rows, err = db.RecentSightings(cmd.Context(), limit)
				if err != nil {
					return err
				}
			}
			if asJSON {
				return printJSON(rows)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEEN\tSCANNER\tTAG\tSTATE\tBATTERY\tRSSI\tCOUNT")
			for _, s := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
					s.SeenAt.Local().Format(time.DateTime), s.ScannerID, s.PrivacyID, s.State, s.Battery, s.RSSI, s.Count)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			failures, err := db.IngestionErrorCount(cmd.Context())
			if err != nil {
				return err
			}
			if failures > 0 {
				fmt.Fprintf(os.Stderr, "%d advertisements failed to ingest\n", failures)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	cmd.Flags().StringVar(&tag, "tag", "", "show only the latest sighting of this privacy id (hex)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
