package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/export"
	"utag/go-tag-server/internal/geocode"
	"utag/go-tag-server/internal/history"
)

// history <device-id>: load history and print it or export it.
func historyCmd() *cobra.Command {
	var (
		days   int
		limit  int
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "history <device-id>",
		Short: "Load location history and export it as JSON, CSV or XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" && format != "xlsx" {
				return fmt.Errorf("unknown format %q", format)
			}
			if format == "xlsx" && out == "" {
				return fmt.Errorf("xlsx output needs --out")
			}

			zone, err := cfg.Location()
			if err != nil {
				return err
			}

			l, err := newLocator(cmd.Context())
			if err != nil {
				return err
			}
			defer l.Close()

			var geocoder history.Geocoder
			if cfg.GeocoderURL != "" {
				var rdb *redis.Client
				if cfg.RedisAddr != "" {
					rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
					defer rdb.Close()
				}
				geocoder = geocode.New(geocode.NewHTTPResolver(cfg.GeocoderURL), rdb, geocode.DefaultTTL, logger)
			}

			agg := history.NewAggregator(l.retriever, geocoder, zone, logger)
			state, err := agg.Load(cmd.Context(), args[0], days, limit, func(p *int) {
				if p != nil && verbose {
					fmt.Fprintf(os.Stderr, "\rloading %d%%", *p)
				}
			})
			if err != nil {
				return err
			}
			if verbose {
				fmt.Fprintln(os.Stderr)
			}
			if state.DecryptFailed {
				logger.Warn("some history entries could not be decrypted", "device", args[0])
			}

			w := io.Writer(os.Stdout)
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			switch format {
			case "csv":
				return export.WriteCSV(w, state.Exports)
			case "xlsx":
				data, err := export.XLSX(state.Exports)
				if err != nil {
					return err
				}
				_, err = w.Write(data)
				return err
			default:
				enc := jsonEncoder(w)
				return enc.Encode(state)
			}
		},
	}
	cmd.Flags().IntVar(&days, "days", 8, "number of days to load")
	cmd.Flags().IntVar(&limit, "limit", 500, "page size for history requests")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json, csv or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to a file instead of stdout")
	pinFlags(cmd)
	return cmd
}
