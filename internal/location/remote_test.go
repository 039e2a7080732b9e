package location

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utag/go-tag-server/internal/keys"
	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/smartthings"
)

type countingPins struct{ clears int }

func (p *countingPins) ClearPin(context.Context) error      { p.clears++; return nil }
func (p *countingPins) CommitPending(context.Context) error { return nil }

// A point with a blank coordinate is classified on its own and does not
// reject the rest of the payload it arrived in.
func TestBlankCoordinateOverHTTP(t *testing.T) {
	f := newFixture(t)

	blank := plainPoint(2)
	blank.Latitude = ""

	mux := http.NewServeMux()
	mux.HandleFunc("GET /trackers/geolocation", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("stDids")
		_ = json.NewEncoder(w).Encode(model.LocationResponse{
			Items:    []model.LocationItem{{DeviceID: id, GeoLocations: []model.RawLocationRecord{blank}}},
			KeyPairs: []model.KeyPairRecord{f.record},
		})
	})
	mux.HandleFunc("GET /trackerapi/trackers/{deviceID}/geolocations", func(w http.ResponseWriter, r *http.Request) {
		page := model.HistoryPage{}
		if r.URL.Query().Get("startTime") == "0" {
			page.GeoLocations = []model.RawLocationRecord{plainPoint(1), blank}
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := smartthings.New(srv.URL, "token", 0, nil)
	ctx := context.Background()

	for _, pin := range []string{"", "1234"} {
		r := NewRetriever(client, f.cache, staticPins{pin: pin}, f.factory, nil)

		res := r.Current(ctx, "tag")
		assert.Equal(t, PinRequired{LastUpdateTime: 2}, res, "pin %q", pin)

		w, err := r.Window(ctx, "tag", 0, 10, 10, nil)
		require.NoError(t, err, "pin %q", pin)
		require.Len(t, w.Locations, 1)
		assert.Equal(t, int64(1), w.Locations[0].Time)
		assert.True(t, w.PinRequired)
	}
}

func TestIncompleteKeyPairKeepsPin(t *testing.T) {
	f := newFixture(t)
	pins := &countingPins{}
	f.factory = keys.NewFactory(pins, nil)

	sealed := plainPoint(4)
	sealed.Latitude = f.seal(t, "1")
	sealed.Longitude = f.seal(t, "2")
	partial := f.record
	partial.IV = ""
	f.source.current["tag"] = model.LocationResponse{
		Items:    []model.LocationItem{{DeviceID: "tag", GeoLocations: []model.RawLocationRecord{sealed}}},
		KeyPairs: []model.KeyPairRecord{partial},
	}

	res := f.retriever("1234").Current(context.Background(), "tag")
	assert.Equal(t, PinRequired{LastUpdateTime: 4}, res)
	assert.Zero(t, pins.clears)
}
