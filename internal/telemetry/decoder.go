package telemetry

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"utag/go-tag-server/internal/model"
)

// AdvertisementLength is the fixed size of a tag's service data payload.
const AdvertisementLength = 20

// ErrMalformedTelemetry is returned for payloads shorter than AdvertisementLength.
var ErrMalformedTelemetry = errors.New("malformed telemetry")

// Telemetry is the decoded form of one advertisement.
type Telemetry struct {
	Version              int                `json:"version"`
	AdvertisingType      int                `json:"advertising_type"`
	State                ConnectivityState  `json:"state"`
	AgingCounter         uint32             `json:"aging_counter"`
	PrivacyID            string             `json:"privacy_id"`
	PrivID               string             `json:"priv_id"`
	RegionID             int                `json:"region_id"`
	Region               *model.Region      `json:"region,omitempty"`
	UWBCapable           bool               `json:"uwb_capable"`
	EncryptionEnabled    bool               `json:"encryption_enabled"`
	Battery              model.BatteryLevel `json:"battery"`
	MotionDetected       bool               `json:"motion_detected"`
	ActivityTrackingMode bool               `json:"activity_tracking_mode"`
	Reserved             [2]byte            `json:"reserved"`
	Signature            [4]byte            `json:"signature"`
	ServiceData          []byte             `json:"-"`
	EncodedServiceData   string             `json:"service_data"`
}

// Decode parses a tag advertisement. Bytes past AdvertisementLength are kept in
// ServiceData but otherwise ignored.
func Decode(data []byte) (Telemetry, error) {
	if len(data) < AdvertisementLength {
		return Telemetry{}, fmt.Errorf("%w: expected at least %d bytes, got %d", ErrMalformedTelemetry, AdvertisementLength, len(data))
	}

	raw := bytes.Clone(data)
	id := raw[4:12]
	flags := raw[12] & 0x0f
	regionID := int(raw[12] >> 4)

	t := Telemetry{
		Version:              int(raw[0] >> 4),
		AdvertisingType:      int(raw[0]>>3) & 1,
		State:                StateFromCode(int(raw[0] & 0x07)),
		AgingCounter:         uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16,
		PrivacyID:            hex.EncodeToString(id),
		PrivID:               base64.StdEncoding.EncodeToString(id),
		RegionID:             regionID,
		UWBCapable:           (flags>>2)&1 == 1,
		EncryptionEnabled:    (flags>>3)&1 == 1,
		Battery:              model.BatteryFromBucket(int(flags & 0x03)),
		MotionDetected:       (raw[13]>>7)&1 == 1,
		ActivityTrackingMode: raw[15]&1 == 1,
		ServiceData:          raw,
		EncodedServiceData:   base64.StdEncoding.EncodeToString(raw),
	}
	copy(t.Reserved[:], raw[14:16])
	copy(t.Signature[:], raw[16:20])

	if region, ok := model.RegionByID(regionID); ok {
		t.Region = &region
	}

	return t, nil
}

// DecodeBase64 decodes a standard base64 service data string.
func DecodeBase64(encoded string) (Telemetry, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Telemetry{}, fmt.Errorf("decode service data: %w", err)
	}
	return Decode(raw)
}

// PrivIDForURL is the identifier in URL-safe base64, as used by the reporting network.
func (t Telemetry) PrivIDForURL() string {
	return base64.URLEncoding.EncodeToString(t.ServiceData[4:12])
}

// Key is a content key for deduplicating repeated advertisements. Sightings
// are stored under it.
func (t Telemetry) Key() string {
	return t.EncodedServiceData
}
