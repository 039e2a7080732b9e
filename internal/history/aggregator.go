package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"utag/go-tag-server/internal/location"
	"utag/go-tag-server/internal/model"
)

// DefaultDays is how many days before today are loaded when none are requested.
const DefaultDays = 8

// WindowFetcher loads one decrypted history window.
type WindowFetcher interface {
	Window(ctx context.Context, deviceID string, startMillis, endMillis int64, limit int, progress location.ProgressFunc) (location.Window, error)
}

// Geocoder resolves coordinates to a display address. A nil result means unknown.
type Geocoder interface {
	Geocode(ctx context.Context, lat, lng float64) *string
}

// ProgressFunc receives 0-100 while days are fetched, then nil once the
// remaining work has no measurable progress.
type ProgressFunc func(percent *int)

// ExportLocation is the flat per-point record used for file exports.
type ExportLocation struct {
	Latitude          float64            `json:"latitude"`
	Longitude         float64            `json:"longitude"`
	Address           *string            `json:"address,omitempty"`
	Time              time.Time          `json:"time"`
	Method            string             `json:"method"`
	Accuracy          float64            `json:"accuracy"`
	Speed             *float64           `json:"speed,omitempty"`
	RSSI              *int               `json:"rssi,omitempty"`
	Battery           model.BatteryLevel `json:"battery,omitempty"`
	FindHost          string             `json:"find_host,omitempty"`
	Nearby            *bool              `json:"nearby,omitempty"`
	OnDemand          *bool              `json:"on_demand,omitempty"`
	ConnectedUserID   string             `json:"connected_user_id,omitempty"`
	ConnectedDeviceID string             `json:"connected_device_id,omitempty"`
	D2DStatus         string             `json:"d2d_status,omitempty"`
	WasEncrypted      bool               `json:"was_encrypted"`
}

// State is a loaded history.
type State struct {
	DeviceID      string           `json:"device_id"`
	LoadedAt      time.Time        `json:"loaded_at"`
	Items         []Point          `json:"items"`
	Exports       []ExportLocation `json:"-"`
	DecryptFailed bool             `json:"decrypt_failed"`
}

// Aggregator builds multi-day histories out of per-day windows.
type Aggregator struct {
	windows  WindowFetcher
	geocoder Geocoder
	zone     *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewAggregator wires an Aggregator. geocoder may be nil; zone defaults to Local.
func NewAggregator(windows WindowFetcher, geocoder Geocoder, zone *time.Location, logger *slog.Logger) *Aggregator {
	if zone == nil {
		zone = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		windows:  windows,
		geocoder: geocoder,
		zone:     zone,
		now:      time.Now,
		logger:   logger,
	}
}

// Load fetches days+1 calendar days ending today, geocodes every point and
// groups consecutive points at the same place.
func (a *Aggregator) Load(ctx context.Context, deviceID string, days, limit int, progress ProgressFunc) (State, error) {
	if days < 0 {
		days = DefaultDays
	}
	if progress == nil {
		progress = func(*int) {}
	}

	now := a.now().In(a.zone)
	y, m, d := now.Date()
	endDay := time.Date(y, m, d, 0, 0, 0, 0, a.zone)
	startDay := endDay.AddDate(0, 0, -days)

	totalDays := days + 1
	chunk := 100 / totalDays

	var (
		locations     []model.GeoLocation
		decryptFailed bool
	)
	for day := 0; day < totalDays; day++ {
		dayStart := startDay.AddDate(0, 0, day)
		dayEnd := dayStart.AddDate(0, 0, 1).Add(-time.Millisecond)

		current := day
		onWindowProgress := func(fraction float64) {
			p := int(math.Round(float64(chunk*current) + float64(chunk)*fraction))
			progress(&p)
		}

		window, err := a.windows.Window(ctx, deviceID, dayStart.UnixMilli(), dayEnd.UnixMilli(), limit, onWindowProgress)
		if err != nil {
			return State{}, fmt.Errorf("load history for %s: %w", dayStart.Format(time.DateOnly), err)
		}
		locations = append(locations, window.Locations...)
		if window.PinRequired {
			decryptFailed = true
		}
	}

	progress(nil)

	items := make([]Item, 0, len(locations))
	exports := make([]ExportLocation, 0, len(locations))
	for _, loc := range locations {
		address := a.geocode(ctx, loc.Latitude, loc.Longitude)
		at := loc.Timestamp().In(a.zone)
		items = append(items, Item{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			Address:   address,
			Time:      at,
			Source:    loc,
		})
		exports = append(exports, exportFrom(loc, address, at))
	}

	a.logger.Debug("history loaded", "device", deviceID, "days", totalDays, "points", len(locations), "decrypt_failed", decryptFailed)

	return State{
		DeviceID:      deviceID,
		LoadedAt:      a.now(),
		Items:         Group(items),
		Exports:       exports,
		DecryptFailed: decryptFailed,
	}, nil
}

func (a *Aggregator) geocode(ctx context.Context, lat, lng float64) *string {
	if a.geocoder == nil {
		return nil
	}
	return a.geocoder.Geocode(ctx, lat, lng)
}

func exportFrom(loc model.GeoLocation, address *string, at time.Time) ExportLocation {
	return ExportLocation{
		Latitude:          loc.Latitude,
		Longitude:         loc.Longitude,
		Address:           address,
		Time:              at,
		Method:            loc.Method,
		Accuracy:          loc.Accuracy,
		Speed:             loc.Speed,
		RSSI:              loc.RSSI,
		Battery:           loc.Battery,
		FindHost:          loc.FindHost,
		Nearby:            loc.Nearby,
		OnDemand:          loc.OnDemand,
		ConnectedUserID:   loc.ConnectedUserID,
		ConnectedDeviceID: loc.ConnectedDeviceID,
		D2DStatus:         loc.D2DStatus,
		WasEncrypted:      loc.WasEncrypted,
	}
}
