package decrypt

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"

	"utag/go-tag-server/internal/model"
)

// Cipher decrypts a single coordinate ciphertext.
type Cipher interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Result is one of Success, PinRequired, NoKeys or Error.
type Result interface {
	isResult()
}

// Success carries a plaintext location.
type Success struct {
	Location model.GeoLocation
}

// PinRequired means the coordinates are encrypted and the PIN is missing or wrong.
type PinRequired struct{}

// NoKeys means the coordinates are encrypted and the account has no key pair.
type NoKeys struct{}

// Error means the record itself is unusable.
type Error struct {
	Err error
}

func (Success) isResult()     {}
func (PinRequired) isResult() {}
func (NoKeys) isResult()      {}
func (Error) isResult()       {}

func (e Error) Error() string { return e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }

// Decrypt decides the outcome for one raw point. cipher may be nil.
func Decrypt(record model.RawLocationRecord, cipher Cipher, hasKeyPair bool) Result {
	lat, latErr := parseNumber(record.Latitude)
	lng, lngErr := parseNumber(record.Longitude)
	if latErr == nil && lngErr == nil {
		return build(record, lat, lng, false)
	}

	if !hasKeyPair {
		return NoKeys{}
	}
	if cipher == nil {
		return PinRequired{}
	}

	lat, err := decryptCoordinate(cipher, record.Latitude)
	if err != nil {
		return PinRequired{}
	}
	lng, err = decryptCoordinate(cipher, record.Longitude)
	if err != nil {
		return PinRequired{}
	}
	return build(record, lat, lng, true)
}

func decryptCoordinate(cipher Cipher, value string) (float64, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("decode coordinate: %w", err)
	}
	plain, err := cipher.Decrypt(raw)
	if err != nil {
		return 0, fmt.Errorf("decrypt coordinate: %w", err)
	}
	return parseNumber(string(plain))
}

func build(record model.RawLocationRecord, lat, lng float64, encrypted bool) Result {
	accuracy, err := parseNumber(record.Accuracy)
	if err != nil {
		return Error{Err: fmt.Errorf("invalid accuracy %q: %w", record.Accuracy, err)}
	}

	loc := model.GeoLocation{
		Latitude:     lat,
		Longitude:    lng,
		Accuracy:     accuracy,
		Battery:      record.Battery,
		Time:         record.LastUpdateTime,
		Method:       record.Method,
		Nearby:       record.Nearby,
		OnDemand:     record.OnDemand,
		D2DStatus:    record.D2DStatus,
		WasEncrypted: encrypted,
	}
	if record.Speed != nil {
		if speed, err := parseNumber(*record.Speed); err == nil {
			loc.Speed = &speed
		}
	}
	if record.RSSI != nil {
		if rssi, err := strconv.Atoi(strings.TrimSpace(*record.RSSI)); err == nil {
			loc.RSSI = &rssi
		}
	}
	if record.FindNode != nil {
		loc.FindHost = record.FindNode.Host
	}
	if record.ConnectedUser != nil {
		loc.ConnectedUserID = record.ConnectedUser.ID
	}
	if record.ConnectedDevice != nil {
		loc.ConnectedDeviceID = record.ConnectedDevice.ID
	}
	return Success{Location: loc}
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", s)
	}
	return v, nil
}
