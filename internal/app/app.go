package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/grandcat/zeroconf"

	"utag/go-tag-server/internal/config"
	"utag/go-tag-server/internal/geocode"
	"utag/go-tag-server/internal/history"
	"utag/go-tag-server/internal/keys"
	"utag/go-tag-server/internal/location"
	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/mqttbroker"
	"utag/go-tag-server/internal/pin"
	"utag/go-tag-server/internal/settings"
	"utag/go-tag-server/internal/smartthings"
	"utag/go-tag-server/internal/store"
)

// Remote is the part of the tracker service the server calls.
type Remote interface {
	location.Source
	EncryptionKey(ctx context.Context) (model.EncryptionKey, bool, error)
	PutEncryptionKey(ctx context.Context, record model.KeyPairRecord) error
}

// App wires together the tag server services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store     *store.Store
	settings  *settings.Store
	pins      *pin.Manager
	keys      *keys.Factory
	remote    Remote
	locations *location.Retriever
	history   *history.Aggregator

	zone       *time.Location
	pinTimeout atomic.Int64
	mqtt       mqtt.Client
	broker     *mqttbroker.Broker
	mdns       *zeroconf.Server
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := db.InitSchema(ctx); err != nil {
		return err
	}

	var remote Remote
	if a.cfg.APIBaseURL != "" {
		remote = smartthings.New(a.cfg.APIBaseURL, a.cfg.APIToken, a.cfg.APIRetries, a.logger)
	} else {
		a.logger.Warn("UTAG_API_BASE_URL not set, location endpoints disabled")
	}

	var rdb *redis.Client
	if a.cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
		defer rdb.Close()
	}
	var resolver geocode.Resolver
	if a.cfg.GeocoderURL != "" {
		resolver = geocode.NewHTTPResolver(a.cfg.GeocoderURL)
	}
	geocoder := geocode.New(resolver, rdb, geocode.DefaultTTL, a.logger)

	if err := a.wire(ctx, db, remote, geocoder); err != nil {
		return err
	}

	var brokerErrCh <-chan error
	if a.cfg.MQTTListen != "" {
		brokerErrCh, err = a.startBroker(a.cfg.MQTTListen)
		if err != nil {
			return err
		}
		defer a.stopBroker()
	} else {
		if err := a.startMQTT(); err != nil {
			return err
		}
		defer a.stopMQTT()
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	case err := <-httpErrCh:
		return err
	case err, ok := <-brokerErrCh:
		if !ok {
			return errors.New("mqtt broker stopped unexpectedly")
		}
		return err
	}
}

// wire builds the PIN, key and location services on top of db. remote may be
// nil, in which case location lookups report the service as unavailable.
func (a *App) wire(ctx context.Context, db *store.Store, remote Remote, geocoder history.Geocoder) error {
	zone, err := a.cfg.Location()
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}

	a.zone = zone
	a.store = db
	a.remote = remote
	if a.cfg.SettingsPassphrase == "" {
		a.logger.Warn("UTAG_SETTINGS_PASSPHRASE not set, remembered pins are sealed with an empty passphrase")
	}
	a.settings = settings.New(db, a.cfg.SettingsPassphrase)

	a.pinTimeout.Store(int64(a.cfg.PinTimeoutMinutes))
	if minutes, ok, err := a.settings.PinTimeout(ctx); err != nil {
		a.logger.Warn("stored pin timeout unreadable", "error", err)
	} else if ok {
		a.pinTimeout.Store(int64(minutes))
	}

	a.pins = pin.NewManager(a.settings, func() int { return int(a.pinTimeout.Load()) }, a.logger)
	a.keys = keys.NewFactory(a.pins, a.logger)

	if remote != nil {
		a.locations = location.NewRetriever(remote, db, a.pins, a.keys, a.logger)
		a.history = history.NewAggregator(a.locations, geocoder, zone, a.logger)
	}
	return nil
}
