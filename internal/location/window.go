package location

import (
	"context"
	"fmt"

	"utag/go-tag-server/internal/decrypt"
	"utag/go-tag-server/internal/model"
)

const (
	// DefaultPageLimit is the service's maximum page size.
	DefaultPageLimit = 500
	// MaxPageLimit caps caller supplied limits.
	MaxPageLimit = 500
)

// ProgressFunc receives the fraction [0,1) of the current page that has been decrypted.
type ProgressFunc func(fraction float64)

// Window is the decrypted content of one [start, end] history range.
type Window struct {
	Locations   []model.GeoLocation
	PinRequired bool
	Pages       int
}

// Window pages through the history for deviceID between startMillis and
// endMillis. Points that need a PIN or keys are omitted and flagged; any other
// bad point, page error or cancellation ends the window with an error.
func (r *Retriever) Window(ctx context.Context, deviceID string, startMillis, endMillis int64, limit int, progress ProgressFunc) (Window, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if progress == nil {
		progress = func(float64) {}
	}

	// The key pair is the same for every page, so fetch it and build the cipher once.
	var (
		keyPair    model.KeyPairRecord
		hasKeyPair bool
		cipher     decrypt.Cipher
	)
	if resp, err := r.source.CurrentLocation(ctx, deviceID); err != nil {
		r.logger.Warn("key pair lookup failed", "device", deviceID, "error", err)
	} else {
		keyPair, hasKeyPair = resp.KeyPair()
	}
	if hasKeyPair {
		cipher = r.buildCipher(ctx, keyPair)
	}

	var window Window
	start := startMillis
	for {
		if err := ctx.Err(); err != nil {
			return Window{}, fmt.Errorf("history window: %w", err)
		}

		page, err := r.source.History(ctx, deviceID, start, endMillis, limit)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %v", ErrPageFailed, err)
		}
		window.Pages++

		size := len(page.GeoLocations)
		for i, record := range page.GeoLocations {
			progress(float64(i) / float64(size))
			switch res := decrypt.Decrypt(record, cipher, hasKeyPair).(type) {
			case decrypt.Success:
				window.Locations = append(window.Locations, res.Location)
			case decrypt.PinRequired, decrypt.NoKeys:
				window.PinRequired = true
			case decrypt.Error:
				return Window{}, fmt.Errorf("%w: %v", ErrPageFailed, res.Err)
			}
		}

		if size < limit {
			return window, nil
		}
		last := page.GeoLocations[size-1].LastUpdateTime
		if last < start {
			r.logger.Warn("history page did not advance", "device", deviceID, "start", start, "last", last)
			return window, nil
		}
		start = last + 1
		if start > endMillis {
			return window, nil
		}
	}
}
