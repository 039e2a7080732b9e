package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeLocationResponse(t *testing.T) {
	resp, err := DecodeLocationResponse([]byte(`{
		"items": [{"deviceId": "tag-1", "resultCode": 200, "geolocations": [
			{"latitude": "52.1", "longitude": "4.3", "accuracy": "12", "method": "gps", "lastUpdateTime": 1700000000000}
		]}],
		"keyPairs": [{"userId": "u", "privateKey": "p_v2", "publicKey": "k", "iv": "i", "regDate": "20240102030405"}]
	}`))
	require.NoError(t, err)

	item, ok := resp.Item("tag-1")
	require.True(t, ok)
	assert.Equal(t, 200, item.ResultCode)
	require.Len(t, item.GeoLocations, 1)
	assert.Equal(t, int64(1700000000000), item.GeoLocations[0].LastUpdateTime)

	_, ok = resp.Item("tag-2")
	assert.False(t, ok)

	kp, ok := resp.KeyPair()
	require.True(t, ok)
	assert.True(t, kp.Complete())
	at, err := kp.RegisteredAt()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), at)
}

func TestDecodeChecksStructureOnly(t *testing.T) {
	_, err := DecodeLocationResponse([]byte(`{"items":[{"resultCode":200}]}`))
	assert.ErrorIs(t, err, ErrInvalidResponse)

	resp, err := DecodeLocationResponse([]byte(`{"items":[{"deviceId":"a","geolocations":[{"latitude":"1"}]}]}`))
	require.NoError(t, err)
	assert.Empty(t, resp.Items[0].GeoLocations[0].Longitude)

	page, err := DecodeHistoryPage([]byte(`{"geolocations":[{"longitude":"1"},{"latitude":"2","longitude":"3"}]}`))
	require.NoError(t, err)
	assert.Len(t, page.GeoLocations, 2)

	_, err = DecodeHistoryPage([]byte(`[`))
	assert.ErrorContains(t, err, "decode history page")

	page, err = DecodeHistoryPage([]byte(`{"geolocations":[]}`))
	require.NoError(t, err)
	assert.Empty(t, page.GeoLocations)
}

func TestBatteryAndRegionLookups(t *testing.T) {
	assert.Equal(t, BatteryVeryLow, BatteryFromBucket(0))
	assert.Equal(t, BatteryFull, BatteryFromBucket(3))
	assert.Equal(t, BatteryUnknown, BatteryFromBucket(4))

	r, ok := RegionByID(11)
	require.True(t, ok)
	assert.Equal(t, "EU02", r.Name)
	_, ok = RegionByID(2)
	assert.False(t, ok)

	var kp KeyPairRecord
	assert.False(t, kp.Complete())
	_, err := kp.RegisteredAt()
	assert.Error(t, err)
}
