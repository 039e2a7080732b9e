package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utag/go-tag-server/internal/location"
	"utag/go-tag-server/internal/model"
)

func addr(s string) *string { return &s }

func at(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func TestGroupExample(t *testing.T) {
	items := []Item{
		{Latitude: 1, Longitude: 1, Address: addr("X"), Time: at(1)},
		{Latitude: 2, Longitude: 2, Address: addr("X"), Time: at(2)},
		{Latitude: 3, Longitude: 3, Address: addr("Y"), Time: at(3)},
	}

	points := Group(items)
	require.Len(t, points, 2)

	assert.Equal(t, "X", *points[0].Address)
	assert.Nil(t, points[0].Time)
	assert.Equal(t, at(1), *points[0].StartTime)
	assert.Equal(t, at(2), *points[0].EndTime)
	assert.Len(t, points[0].Locations, 2)

	assert.Equal(t, "Y", *points[1].Address)
	assert.Equal(t, at(3), *points[1].Time)
	assert.Nil(t, points[1].StartTime)
	assert.Nil(t, points[1].EndTime)
}

func TestGroupByIdenticalCoordinates(t *testing.T) {
	items := []Item{
		{Latitude: 51.5, Longitude: -0.1, Time: at(1)},
		{Latitude: 51.5, Longitude: -0.1, Address: addr("Z"), Time: at(2)},
		{Latitude: 51.5000001, Longitude: -0.1, Time: at(3)},
	}

	points := Group(items)
	require.Len(t, points, 2)
	assert.Equal(t, at(1), *points[0].StartTime)
	assert.Nil(t, points[0].Address)
	assert.Equal(t, at(3), *points[1].Time)
}

func TestGroupOnlyMergesNeighbours(t *testing.T) {
	items := []Item{
		{Latitude: 1, Address: addr("home"), Time: at(1)},
		{Latitude: 2, Address: addr("work"), Time: at(2)},
		{Latitude: 3, Address: addr("home"), Time: at(3)},
	}

	assert.Len(t, Group(items), 3)
	assert.Nil(t, Group(nil))
}

func TestPointOnDay(t *testing.T) {
	day := time.Date(2024, 6, 2, 15, 0, 0, 0, time.UTC)
	single := Point{Time: ptr(time.Date(2024, 6, 2, 1, 0, 0, 0, time.UTC))}
	span := Point{
		StartTime: ptr(time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)),
		EndTime:   ptr(time.Date(2024, 6, 3, 2, 0, 0, 0, time.UTC)),
	}
	other := Point{Time: ptr(time.Date(2024, 6, 4, 1, 0, 0, 0, time.UTC))}

	assert.True(t, single.OnDay(day))
	assert.True(t, span.OnDay(day))
	assert.False(t, other.OnDay(day))
	assert.Equal(t, *span.EndTime, span.Timestamp())
}

func ptr(t time.Time) *time.Time { return &t }

type windowCall struct {
	start, end int64
	limit      int
}

type fakeWindows struct {
	calls   []windowCall
	byStart map[int64]location.Window
	err     error
}

func (f *fakeWindows) Window(_ context.Context, _ string, start, end int64, limit int, progress location.ProgressFunc) (location.Window, error) {
	f.calls = append(f.calls, windowCall{start, end, limit})
	progress(0)
	progress(0.5)
	if f.err != nil {
		return location.Window{}, f.err
	}
	return f.byStart[start], nil
}

type mapGeocoder map[float64]string

func (g mapGeocoder) Geocode(_ context.Context, lat, _ float64) *string {
	if s, ok := g[lat]; ok {
		return &s
	}
	return nil
}

func TestLoadChunksDaysAndReportsProgress(t *testing.T) {
	zone := time.FixedZone("test", 2*3600)
	now := time.Date(2024, 6, 10, 9, 30, 0, 0, zone)
	today := time.Date(2024, 6, 10, 0, 0, 0, 0, zone)
	yesterday := today.AddDate(0, 0, -1)

	windows := &fakeWindows{byStart: map[int64]location.Window{
		yesterday.UnixMilli(): {Locations: []model.GeoLocation{
			{Latitude: 1, Longitude: 1, Time: yesterday.Add(time.Hour).UnixMilli()},
			{Latitude: 1, Longitude: 1, Time: yesterday.Add(2 * time.Hour).UnixMilli()},
		}},
		today.UnixMilli(): {
			Locations:   []model.GeoLocation{{Latitude: 2, Longitude: 2, Time: today.Add(time.Hour).UnixMilli(), Method: "gps"}},
			PinRequired: true,
		},
	}}

	agg := NewAggregator(windows, mapGeocoder{1: "Home"}, zone, nil)
	agg.now = func() time.Time { return now }

	var progress []*int
	state, err := agg.Load(context.Background(), "tag", 2, 100, func(p *int) { progress = append(progress, p) })
	require.NoError(t, err)

	require.Len(t, windows.calls, 3)
	assert.Equal(t, today.AddDate(0, 0, -2).UnixMilli(), windows.calls[0].start)
	assert.Equal(t, today.AddDate(0, 0, -1).UnixMilli()-1, windows.calls[0].end)
	assert.Equal(t, today.UnixMilli(), windows.calls[2].start)
	assert.Equal(t, 100, windows.calls[2].limit)

	// chunk = 100/3 = 33: per day 0.0 and 0.5 of the chunk.
	var values []int
	for _, p := range progress[:len(progress)-1] {
		require.NotNil(t, p)
		values = append(values, *p)
	}
	assert.Equal(t, []int{0, 17, 33, 50, 66, 83}, values)
	assert.Nil(t, progress[len(progress)-1])

	assert.True(t, state.DecryptFailed)
	require.Len(t, state.Items, 2)
	assert.Equal(t, "Home", *state.Items[0].Address)
	assert.NotNil(t, state.Items[0].StartTime)
	assert.Nil(t, state.Items[1].Address)
	assert.NotNil(t, state.Items[1].Time)

	require.Len(t, state.Exports, 3)
	assert.Equal(t, "gps", state.Exports[2].Method)
	assert.Equal(t, zone, state.Exports[2].Time.Location())
}

func TestLoadFailsOnWindowError(t *testing.T) {
	windows := &fakeWindows{err: errors.New("page failed")}
	agg := NewAggregator(windows, nil, time.UTC, nil)

	_, err := agg.Load(context.Background(), "tag", 3, 0, nil)
	assert.Error(t, err)
	assert.Len(t, windows.calls, 1)
}

func TestLoadDefaultsDays(t *testing.T) {
	windows := &fakeWindows{}
	agg := NewAggregator(windows, nil, time.UTC, nil)

	state, err := agg.Load(context.Background(), "tag", -1, 0, nil)
	require.NoError(t, err)
	assert.Len(t, windows.calls, DefaultDays+1)
	assert.Empty(t, state.Items)
}
