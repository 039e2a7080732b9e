package location

import (
	"errors"

	"utag/go-tag-server/internal/model"
)

// Failure codes for Failed results.
const (
	CodeNoResponse    = 1401
	CodeDecryptFailed = 1403
	CodeNotFound      = 1404
)

// ErrPageFailed ends a history window when a page cannot be fetched or decrypted.
var ErrPageFailed = errors.New("history page failed")

// Result is the outcome of a current location lookup: Located, PinRequired,
// NoKeys, NotAllowed, NoLocation or Failed.
type Result interface {
	FromCache() bool
	isResult()
}

// Origin records whether the result was served from the local cache.
type Origin struct {
	Cached bool `json:"cached"`
}

// FromCache reports whether the response came from the fallback cache.
func (o Origin) FromCache() bool { return o.Cached }

// Located is a decoded location.
type Located struct {
	Origin
	Location   model.GeoLocation `json:"location"`
	HasKeyPair bool              `json:"has_key_pair"`
}

// PinRequired means the point is encrypted and needs a (correct) PIN.
type PinRequired struct {
	Origin
	LastUpdateTime int64 `json:"last_update_time"`
}

// NoKeys means the point is encrypted but the account has no key pair.
type NoKeys struct {
	Origin
	LastUpdateTime int64 `json:"last_update_time"`
}

// NotAllowed means the service refused access to the device's location.
type NotAllowed struct {
	Origin
}

// NoLocation means the device has never reported a location.
type NoLocation struct {
	Origin
}

// Failed carries one of the Code constants.
type Failed struct {
	Origin
	Code int   `json:"code"`
	Err  error `json:"-"`
}

func (Located) isResult()     {}
func (PinRequired) isResult() {}
func (NoKeys) isResult()      {}
func (NotAllowed) isResult()  {}
func (NoLocation) isResult()  {}
func (Failed) isResult()      {}

// Status is a stable name for a result, used by the HTTP API and CLI.
func Status(r Result) string {
	switch r.(type) {
	case Located:
		return "located"
	case PinRequired:
		return "pin_required"
	case NoKeys:
		return "no_keys"
	case NotAllowed:
		return "not_allowed"
	case NoLocation:
		return "no_location"
	case Failed:
		return "error"
	default:
		return "unknown"
	}
}
