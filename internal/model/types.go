package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidResponse is returned when a remote payload is missing required fields.
var ErrInvalidResponse = errors.New("invalid response")

// RegDateLayout is the layout of KeyPairRecord.RegDate (yyyyMMddHHmmss, UTC).
const RegDateLayout = "20060102150405"

// BatteryLevel is the coarse battery bucket reported by a tag.
type BatteryLevel string

const (
	BatteryVeryLow BatteryLevel = "VERY_LOW"
	BatteryLow     BatteryLevel = "LOW"
	BatteryMedium  BatteryLevel = "MEDIUM"
	BatteryFull    BatteryLevel = "FULL"
	BatteryUnknown BatteryLevel = "UNKNOWN"
)

// BatteryFromBucket maps the 2-bit advertisement bucket to a BatteryLevel.
func BatteryFromBucket(bucket int) BatteryLevel {
	switch bucket {
	case 0:
		return BatteryVeryLow
	case 1:
		return BatteryLow
	case 2:
		return BatteryMedium
	case 3:
		return BatteryFull
	default:
		return BatteryUnknown
	}
}

// KeyPairRecord is an account's EC key material as stored by the remote service.
// PrivateKey is PIN-wrapped and base64 encoded, optionally suffixed with "_v2".
type KeyPairRecord struct {
	UserID     string `json:"userId"`
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	IV         string `json:"iv"`
	RegDate    string `json:"regDate"`
}

// Complete reports whether the record carries enough material to attempt an unwrap.
func (k KeyPairRecord) Complete() bool {
	return k.PrivateKey != "" && k.IV != ""
}

// RegisteredAt parses RegDate.
func (k KeyPairRecord) RegisteredAt() (time.Time, error) {
	t, err := time.ParseInLocation(RegDateLayout, k.RegDate, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse reg date: %w", err)
	}
	return t, nil
}

// FindNode describes the device that observed a tag.
type FindNode struct {
	Host string `json:"host,omitempty"`
}

// Ref is an object that only carries an identifier.
type Ref struct {
	ID string `json:"id,omitempty"`
}

// RawLocationRecord is a point as received from the remote location service.
// Latitude and Longitude are either decimal strings or base64 ciphertext.
type RawLocationRecord struct {
	Latitude        string       `json:"latitude"`
	Longitude       string       `json:"longitude"`
	Method          string       `json:"method"`
	Accuracy        string       `json:"accuracy"`
	Speed           *string      `json:"speed,omitempty"`
	RSSI            *string      `json:"rssi,omitempty"`
	Battery         BatteryLevel `json:"battery,omitempty"`
	LastUpdateTime  int64        `json:"lastUpdateTime"`
	Valid           bool         `json:"valid"`
	Nearby          *bool        `json:"nearby,omitempty"`
	OnDemand        *bool        `json:"onDemand,omitempty"`
	D2DStatus       string       `json:"d2dStatus,omitempty"`
	FindNode        *FindNode    `json:"findNode,omitempty"`
	ConnectedUser   *Ref         `json:"connectedUser,omitempty"`
	ConnectedDevice *Ref         `json:"connectedDevice,omitempty"`
}

// GeoLocation is a decoded, plaintext location point.
type GeoLocation struct {
	Latitude          float64      `json:"latitude"`
	Longitude         float64      `json:"longitude"`
	Accuracy          float64      `json:"accuracy"`
	Speed             *float64     `json:"speed,omitempty"`
	RSSI              *int         `json:"rssi,omitempty"`
	Battery           BatteryLevel `json:"battery,omitempty"`
	Time              int64        `json:"time"`
	Method            string       `json:"method"`
	FindHost          string       `json:"find_host,omitempty"`
	Nearby            *bool        `json:"nearby,omitempty"`
	OnDemand          *bool        `json:"on_demand,omitempty"`
	ConnectedUserID   string       `json:"connected_user_id,omitempty"`
	ConnectedDeviceID string       `json:"connected_device_id,omitempty"`
	D2DStatus         string       `json:"d2d_status,omitempty"`
	WasEncrypted      bool         `json:"was_encrypted"`
}

// Timestamp returns Time as a UTC time.Time.
func (g GeoLocation) Timestamp() time.Time {
	return time.UnixMilli(g.Time).UTC()
}

// LocationItem is the per-device entry of a current location response.
type LocationItem struct {
	DeviceID     string              `json:"deviceId"`
	ResultCode   int                 `json:"resultCode"`
	GeoLocations []RawLocationRecord `json:"geolocations"`
}

// LocationResponse is the body of a current location lookup.
type LocationResponse struct {
	Items    []LocationItem  `json:"items"`
	KeyPairs []KeyPairRecord `json:"keyPairs"`
}

// Item returns the entry for deviceID.
func (r LocationResponse) Item(deviceID string) (LocationItem, bool) {
	for _, item := range r.Items {
		if item.DeviceID == deviceID {
			return item, true
		}
	}
	return LocationItem{}, false
}

// KeyPair returns the first key pair in the response, if any.
func (r LocationResponse) KeyPair() (KeyPairRecord, bool) {
	if len(r.KeyPairs) == 0 {
		return KeyPairRecord{}, false
	}
	return r.KeyPairs[0], true
}

// HistoryPage is one page of raw history points.
type HistoryPage struct {
	GeoLocations []RawLocationRecord `json:"geolocations"`
}

// EncryptionKey is the account-level key registration returned by the service.
type EncryptionKey struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	IV         string `json:"iv"`
	RegDate    string `json:"regDate"`
}

// Record converts the registration to a key pair record owned by userID.
func (k EncryptionKey) Record(userID string) KeyPairRecord {
	return KeyPairRecord{
		UserID:     userID,
		PrivateKey: k.PrivateKey,
		PublicKey:  k.PublicKey,
		IV:         k.IV,
		RegDate:    k.RegDate,
	}
}

// Sighting is a decoded advertisement observed by a scanner.
type Sighting struct {
	ID          string    `json:"id"`
	ScannerID   string    `json:"scanner_id"`
	PrivacyID   string    `json:"privacy_id"`
	ServiceData string    `json:"service_data"`
	State       string    `json:"state"`
	Battery     string    `json:"battery"`
	RSSI        int       `json:"rssi"`
	BLEMac      string    `json:"ble_mac,omitempty"`
	SeenAt      time.Time `json:"seen_at"`
	Count       int       `json:"count"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	ScannerID string `json:"scanner_id"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
}
