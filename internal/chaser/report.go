package chaser

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"

	"utag/go-tag-server/internal/ecies"
	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/telemetry"
)

// PolicyVersion is sent in every locations request.
const PolicyVersion = "4"

// Sighting is a non-owner tag seen by this node.
type Sighting struct {
	Telemetry telemetry.Telemetry
	RSSI      int
	SeenAt    int64
}

// Fix is this node's own position at report time.
type Fix struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Speed     float64
	Method    string
}

// FindNode identifies the reporting node.
type FindNode struct {
	Type          string            `json:"type"`
	Host          string            `json:"host"`
	Version       string            `json:"version"`
	ID            string            `json:"id,omitempty"`
	PolicyVersion string            `json:"policyVersion,omitempty"`
	Configuration NodeConfiguration `json:"configuration"`
}

// NodeConfiguration is the server-provided node policy.
type NodeConfiguration struct {
	AllowManualGeolocation bool   `json:"allowManualGeolocation"`
	AllowedNlpGap          int    `json:"allowedNlpGap"`
	Src                    string `json:"src,omitempty"`
}

// GeoLocation is one reported position. Latitude and Longitude are base64
// ciphertext for encryption-enabled tags.
type GeoLocation struct {
	Accuracy  string `json:"accuracy"`
	Battery   string `json:"battery"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Method    string `json:"method"`
	RSSI      string `json:"rssi"`
	Speed     string `json:"speed"`
	Timestamp int64  `json:"timeStamp"`
	Valid     bool   `json:"valid"`
}

// TagAdvertisement carries the raw service data of the sighted tag.
type TagAdvertisement struct {
	ServiceData string `json:"serviceData"`
}

// ReportItem pairs a position with the advertisement that triggered it.
type ReportItem struct {
	GeoLocation      GeoLocation      `json:"geolocation"`
	TagAdvertisement TagAdvertisement `json:"tagAdvertisement"`
}

// LocationsRequest is the body of POST /geolocations.
type LocationsRequest struct {
	Items    []ReportItem `json:"items"`
	FindNode FindNode     `json:"findNode"`
}

// HashDeviceID hides the node id the way the network expects: the first four
// characters followed by hex(SHA-256(id + "findMyMobile")).
func HashDeviceID(id string) string {
	prefix := id
	if len(id) >= 4 {
		prefix = id[:4]
	}
	sum := sha256.Sum256([]byte(id + "findMyMobile"))
	return prefix + hex.EncodeToString(sum[:])
}

// EligibleByRegion keeps sightings whose state may be relayed and groups them
// by region. Sightings without a known region are dropped.
func EligibleByRegion(sightings []Sighting) map[model.Region][]Sighting {
	out := make(map[model.Region][]Sighting)
	for _, s := range sightings {
		if !s.Telemetry.State.EligibleForNetworkReport() || s.Telemetry.Region == nil {
			continue
		}
		region := *s.Telemetry.Region
		out[region] = append(out[region], s)
	}
	return out
}

// FromStored rebuilds sightings from the scanner log. Rows whose service data
// no longer decodes are skipped and counted.
func FromStored(stored []model.Sighting) ([]Sighting, int) {
	out := make([]Sighting, 0, len(stored))
	skipped := 0
	for _, row := range stored {
		tel, err := telemetry.DecodeBase64(row.ServiceData)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, Sighting{Telemetry: tel, RSSI: row.RSSI, SeenAt: row.SeenAt.UnixMilli()})
	}
	return out, skipped
}

// BuildReport turns sightings into report items. A tag that requires
// encryption but has no encrypter is dropped, never sent in the clear.
// The returned request has no items when everything was dropped.
func BuildReport(sightings []Sighting, fix Fix, encrypters map[string]*ecies.Encrypter, node FindNode, nodeID string) (LocationsRequest, error) {
	req := LocationsRequest{
		FindNode: node,
	}
	req.FindNode.ID = HashDeviceID(nodeID)
	req.FindNode.PolicyVersion = PolicyVersion
	req.FindNode.Configuration.Src = "chaser"

	lat := formatFloat(fix.Latitude)
	lng := formatFloat(fix.Longitude)

	for _, s := range sightings {
		tel := s.Telemetry
		enc := encrypters[tel.PrivIDForURL()]
		if enc == nil && tel.EncryptionEnabled {
			continue
		}

		itemLat, itemLng := lat, lng
		if enc != nil {
			var err error
			if itemLat, err = seal(enc, lat); err != nil {
				return LocationsRequest{}, fmt.Errorf("encrypt latitude: %w", err)
			}
			if itemLng, err = seal(enc, lng); err != nil {
				return LocationsRequest{}, fmt.Errorf("encrypt longitude: %w", err)
			}
		}

		req.Items = append(req.Items, ReportItem{
			GeoLocation: GeoLocation{
				Accuracy:  formatFloat(fix.Accuracy),
				Battery:   string(tel.Battery),
				Latitude:  itemLat,
				Longitude: itemLng,
				Method:    fix.Method,
				RSSI:      strconv.Itoa(s.RSSI),
				Speed:     formatFloat(fix.Speed),
				Timestamp: s.SeenAt,
				Valid:     true,
			},
			TagAdvertisement: TagAdvertisement{ServiceData: tel.EncodedServiceData},
		})
	}
	return req, nil
}

func seal(enc *ecies.Encrypter, value string) (string, error) {
	ct, err := enc.Encrypt([]byte(value))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
