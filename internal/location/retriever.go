package location

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"utag/go-tag-server/internal/decrypt"
	"utag/go-tag-server/internal/ecies"
	"utag/go-tag-server/internal/model"
)

// Source is the remote location service.
type Source interface {
	CurrentLocation(ctx context.Context, deviceID string) (model.LocationResponse, error)
	History(ctx context.Context, deviceID string, startMillis, endMillis int64, limit int) (model.HistoryPage, error)
}

// Cache stores the last good current-location response per device.
type Cache interface {
	SaveLocationResponse(ctx context.Context, deviceID string, resp model.LocationResponse) error
	LocationResponse(ctx context.Context, deviceID string) (model.LocationResponse, bool, error)
}

// Pins supplies the PIN for a retrieval.
type Pins interface {
	GetPin(ctx context.Context) (string, bool)
}

// CipherBuilder turns a PIN and key pair into a decrypter, or nil.
type CipherBuilder interface {
	BuildDecryptCipher(ctx context.Context, pin string, record model.KeyPairRecord) *ecies.Decrypter
}

// Retriever fetches and decrypts tag locations.
type Retriever struct {
	source  Source
	cache   Cache
	pins    Pins
	ciphers CipherBuilder
	logger  *slog.Logger
}

// NewRetriever wires a Retriever. cache may be nil.
func NewRetriever(source Source, cache Cache, pins Pins, ciphers CipherBuilder, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		source:  source,
		cache:   cache,
		pins:    pins,
		ciphers: ciphers,
		logger:  logger,
	}
}

// Current returns the latest location for deviceID, falling back to the cache
// when the service cannot be reached.
func (r *Retriever) Current(ctx context.Context, deviceID string) Result {
	resp, cached, err := r.fetchCurrent(ctx, deviceID)
	if err != nil {
		return Failed{Code: CodeNoResponse, Err: err}
	}
	origin := Origin{Cached: cached}

	item, ok := resp.Item(deviceID)
	if !ok {
		return Failed{Code: CodeNotFound}
	}
	if item.ResultCode == 403 {
		return NotAllowed{Origin: origin}
	}
	if len(item.GeoLocations) == 0 {
		return NoLocation{Origin: origin}
	}
	record := item.GeoLocations[0]

	keyPair, hasKeyPair := resp.KeyPair()
	var cipher decrypt.Cipher
	if hasKeyPair {
		cipher = r.buildCipher(ctx, keyPair)
	}

	switch res := decrypt.Decrypt(record, cipher, hasKeyPair).(type) {
	case decrypt.Success:
		return Located{Origin: origin, Location: res.Location, HasKeyPair: hasKeyPair}
	case decrypt.PinRequired:
		return PinRequired{Origin: origin, LastUpdateTime: record.LastUpdateTime}
	case decrypt.NoKeys:
		return NoKeys{Origin: origin, LastUpdateTime: record.LastUpdateTime}
	case decrypt.Error:
		r.logger.Warn("location record rejected", "device", deviceID, "error", res.Err)
		return Failed{Origin: origin, Code: CodeDecryptFailed, Err: res.Err}
	default:
		return Failed{Origin: origin, Code: CodeDecryptFailed}
	}
}

// CurrentMany looks up several devices concurrently. Results keep the input order.
func (r *Retriever) CurrentMany(ctx context.Context, deviceIDs []string) []Result {
	results := make([]Result, len(deviceIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range deviceIDs {
		g.Go(func() error {
			results[i] = r.Current(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Retriever) fetchCurrent(ctx context.Context, deviceID string) (model.LocationResponse, bool, error) {
	resp, err := r.source.CurrentLocation(ctx, deviceID)
	if err == nil {
		if r.cache != nil {
			if cacheErr := r.cache.SaveLocationResponse(ctx, deviceID, resp); cacheErr != nil {
				r.logger.Warn("failed to cache location", "device", deviceID, "error", cacheErr)
			}
		}
		return resp, false, nil
	}

	r.logger.Warn("location request failed", "device", deviceID, "error", err)
	if r.cache == nil {
		return model.LocationResponse{}, false, err
	}
	cached, ok, cacheErr := r.cache.LocationResponse(ctx, deviceID)
	if cacheErr != nil {
		r.logger.Warn("failed to read cached location", "device", deviceID, "error", cacheErr)
		return model.LocationResponse{}, false, err
	}
	if !ok {
		return model.LocationResponse{}, false, err
	}
	return cached, true, nil
}

// buildCipher returns nil (as an interface) when no PIN is held or the unwrap fails.
// Incomplete records never reach the factory, which clears the PIN on failure.
func (r *Retriever) buildCipher(ctx context.Context, keyPair model.KeyPairRecord) decrypt.Cipher {
	if !keyPair.Complete() {
		r.logger.Warn("key pair record incomplete", "user", keyPair.UserID)
		return nil
	}
	pinValue, ok := r.pins.GetPin(ctx)
	if !ok {
		return nil
	}
	dec := r.ciphers.BuildDecryptCipher(ctx, pinValue, keyPair)
	if dec == nil {
		return nil
	}
	return dec
}
