package geocode

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
)

// DefaultTTL is how long a resolved address stays cached.
const DefaultTTL = 30 * 24 * time.Hour

// Resolver turns coordinates into an address. ok is false when the backend
// knows no address for the point.
type Resolver interface {
	Reverse(ctx context.Context, lat, lng float64) (address string, ok bool, err error)
}

// HTTPResolver queries a Nominatim-compatible /reverse endpoint.
type HTTPResolver struct {
	http *resty.Client
}

type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error"`
}

// NewHTTPResolver builds a resolver against baseURL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10*time.Second).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "utag-tag-server"),
	}
}

// Reverse implements Resolver.
func (h *HTTPResolver) Reverse(ctx context.Context, lat, lng float64) (string, bool, error) {
	var out reverseResponse
	resp, err := h.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "json",
			"lat":    formatCoord(lat),
			"lon":    formatCoord(lng),
		}).
		SetResult(&out).
		Get("/reverse")
	if err != nil {
		return "", false, fmt.Errorf("reverse geocode: %w", err)
	}
	if resp.IsError() {
		return "", false, fmt.Errorf("reverse geocode: status %d", resp.StatusCode())
	}
	name := strings.TrimSpace(out.DisplayName)
	if out.Error != "" || name == "" {
		return "", false, nil
	}
	return name, true, nil
}

// Geocoder resolves addresses through a Resolver with an optional Redis cache
// in front of it. Failures are logged and reported as an unknown address.
type Geocoder struct {
	resolver Resolver
	rdb      *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
}

// New builds a Geocoder. rdb may be nil to disable caching; resolver may be
// nil, in which case only cached addresses are returned.
func New(resolver Resolver, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Geocoder {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Geocoder{resolver: resolver, rdb: rdb, ttl: ttl, logger: logger}
}

// Geocode returns the address of a point, or nil when it is unknown.
func (g *Geocoder) Geocode(ctx context.Context, lat, lng float64) *string {
	key := cacheKey(lat, lng)

	if g.rdb != nil {
		val, err := g.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			return &val
		case err != redis.Nil:
			g.logger.Warn("geocode cache read failed", "key", key, "error", err)
		}
	}

	if g.resolver == nil {
		return nil
	}
	address, ok, err := g.resolver.Reverse(ctx, lat, lng)
	if err != nil {
		g.logger.Warn("reverse geocode failed", "lat", lat, "lng", lng, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	if g.rdb != nil {
		if err := g.rdb.Set(ctx, key, address, g.ttl).Err(); err != nil {
			g.logger.Warn("geocode cache write failed", "key", key, "error", err)
		}
	}
	return &address
}

func cacheKey(lat, lng float64) string {
	return "utag:geocode:" + formatCoord(lat) + "," + formatCoord(lng)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
