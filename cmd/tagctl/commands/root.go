package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"utag/go-tag-server/internal/config"
	"utag/go-tag-server/internal/keys"
	"utag/go-tag-server/internal/location"
	"utag/go-tag-server/internal/pin"
	"utag/go-tag-server/internal/settings"
	"utag/go-tag-server/internal/smartthings"
	"utag/go-tag-server/internal/store"
)

var (
	cfg     config.Config
	logger  *slog.Logger
	verbose bool

	dbPath   string
	apiURL   string
	apiToken string
	pinValue string
	remember bool
)

func Execute() error {
	root := &cobra.Command{
		Use:           "tagctl",
		Short:         "Inspect tags, decrypt locations and export history",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = loaded
			if dbPath != "" {
				cfg.DatabasePath = dbPath
			}
			if apiURL != "" {
				cfg.APIBaseURL = apiURL
			}
			if apiToken != "" {
				cfg.APIToken = apiToken
			}

			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default $UTAG_DATABASE_PATH or data/utag.db)")
	root.PersistentFlags().StringVar(&apiURL, "api", "", "tracker API base URL (default $UTAG_API_BASE_URL)")
	root.PersistentFlags().StringVar(&apiToken, "token", "", "tracker API bearer token (default $UTAG_API_TOKEN)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging to stderr")

	root.AddCommand(decodeCmd(), keygenCmd(), locationCmd(), historyCmd(), sightingsCmd(), reportCmd())
	return root.Execute()
}

func openStore(ctx context.Context) (*store.Store, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// locator bundles what a location or history command needs.
type locator struct {
	db        *store.Store
	remote    *smartthings.Client
	retriever *location.Retriever
}

func (l *locator) Close() error { return l.db.Close() }

// newLocator opens the database and applies --pin before any lookup.
func newLocator(ctx context.Context) (*locator, error) {
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("no tracker API configured. use --api or UTAG_API_BASE_URL")
	}

	db, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	secrets := settings.New(db, cfg.SettingsPassphrase)
	timeout := cfg.PinTimeoutMinutes
	if minutes, ok, err := secrets.PinTimeout(ctx); err == nil && ok {
		timeout = minutes
	}
	pins := pin.NewManager(secrets, func() int { return timeout }, logger)

	if p := strings.TrimSpace(pinValue); p != "" {
		if err := pins.SetPin(ctx, p, remember); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	remote := smartthings.New(cfg.APIBaseURL, cfg.APIToken, cfg.APIRetries, logger)
	retriever := location.NewRetriever(remote, db, pins, keys.NewFactory(pins, logger), logger)
	return &locator{db: db, remote: remote, retriever: retriever}, nil
}

func pinFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&pinValue, "pin", "", "PIN that unlocks the account key")
	cmd.Flags().BoolVar(&remember, "remember", false, "persist the PIN after it decrypts successfully")
}
