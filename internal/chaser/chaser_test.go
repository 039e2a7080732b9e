package chaser

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"utag/go-tag-server/internal/ecies"
	"utag/go-tag-server/internal/model"
	"utag/go-tag-server/internal/pin"
	"utag/go-tag-server/internal/telemetry"
)

func advert(t *testing.T, state byte, region byte, encrypted bool, idByte byte) telemetry.Telemetry {
	t.Helper()
	raw := make([]byte, telemetry.AdvertisementLength)
	raw[0] = 0x20 | state
	for i := 4; i < 12; i++ {
		raw[i] = idByte
	}
	raw[12] = region << 4
	if encrypted {
		raw[12] |= 0x08
	}
	tel, err := telemetry.Decode(raw)
	require.NoError(t, err)
	return tel
}

type tagKey struct {
	priv *ecies.Decrypter
	der  []byte
}

func newTagKey(t *testing.T) tagKey {
	t.Helper()
	_, privDER, pubDER, err := ecies.GenerateKey()
	require.NoError(t, err)
	priv, err := ecies.ParsePrivateKey(privDER)
	require.NoError(t, err)
	return tagKey{priv: ecies.NewDecrypter(priv), der: pubDER}
}

func sealEnvelope(t *testing.T, transport *rsa.PublicKey, items []envelopeItem) PublicKeyResponse {
	t.Helper()
	secret := make([]byte, 32)
	iv := make([]byte, 16)
	_, _ = rand.Read(secret)
	_, _ = rand.Read(iv)

	body, err := json.Marshal(envelope{Items: items})
	require.NoError(t, err)
	data, err := pin.WrapKey(secret, iv, body)
	require.NoError(t, err)

	wrap := func(b []byte) string {
		out, err := rsa.EncryptPKCS1v15(rand.Reader, transport, b)
		require.NoError(t, err)
		return base64.StdEncoding.EncodeToString(out)
	}
	return PublicKeyResponse{
		EncryptedSecretKey: wrap(secret),
		EncryptedIV:        wrap(iv),
		EncryptedData:      base64.StdEncoding.EncodeToString(data),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestHashDeviceID(t *testing.T) {
	sum := sha256.Sum256([]byte("abcdef123findMyMobile"))
	assert.Equal(t, "abcd"+hex.EncodeToString(sum[:]), HashDeviceID("abcdef123"))

	short := sha256.Sum256([]byte("ab" + "findMyMobile"))
	assert.Equal(t, "ab"+hex.EncodeToString(short[:]), HashDeviceID("ab"))
}

func TestOpenEnvelope(t *testing.T) {
	transport, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := newTagKey(t)

	resp := sealEnvelope(t, &transport.PublicKey, []envelopeItem{
		{PID: "good", Result: "OK", EncryptionEnabled: true, PubKey: base64.StdEncoding.EncodeToString(key.der)},
		{PID: "failed", Result: "FAIL", EncryptionEnabled: true, PubKey: base64.StdEncoding.EncodeToString(key.der)},
		{PID: "plain", Result: "OK", EncryptionEnabled: false},
		{PID: "broken", Result: "OK", EncryptionEnabled: true, PubKey: "AAAA"},
	})

	encrypters, err := OpenEnvelope(transport, resp)
	require.NoError(t, err)
	require.Len(t, encrypters, 1)
	require.Contains(t, encrypters, "good")

	ct, err := encrypters["good"].Encrypt([]byte("1.25"))
	require.NoError(t, err)
	pt, err := key.priv.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "1.25", string(pt))

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = OpenEnvelope(other, resp)
	assert.ErrorIs(t, err, ErrEnvelope)
}

func TestEligibleByRegion(t *testing.T) {
	sightings := []Sighting{
		{Telemetry: advert(t, 2, 11, false, 1)},
		{Telemetry: advert(t, 3, 11, false, 2)},
		{Telemetry: advert(t, 2, 1, false, 3)},
		{Telemetry: advert(t, 4, 11, false, 4)},
		{Telemetry: advert(t, 5, 11, false, 5)},
		{Telemetry: advert(t, 2, 9, false, 6)},
	}

	groups := EligibleByRegion(sightings)
	require.Len(t, groups, 2)

	eu, _ := model.RegionByID(11)
	na, _ := model.RegionByID(1)
	assert.Len(t, groups[eu], 2)
	assert.Len(t, groups[na], 1)
}

func TestBuildReportDropsUnencryptableTags(t *testing.T) {
	key := newTagKey(t)
	pub, err := ecies.ParsePublicKey(key.der)
	require.NoError(t, err)

	encTag := advert(t, 2, 11, true, 1)
	lockedTag := advert(t, 2, 11, true, 2)
	plainTag := advert(t, 2, 11, false, 3)
	encrypters := map[string]*ecies.Encrypter{encTag.PrivIDForURL(): ecies.NewEncrypter(pub)}

	fix := Fix{Latitude: 51.5, Longitude: -0.12, Accuracy: 8, Speed: 0.5, Method: "gps"}
	req, err := BuildReport([]Sighting{
		{Telemetry: encTag, RSSI: -60, SeenAt: 100},
		{Telemetry: lockedTag, RSSI: -70, SeenAt: 200},
		{Telemetry: plainTag, RSSI: -80, SeenAt: 300},
	}, fix, encrypters, FindNode{Type: "MOVING"}, "node-identifier")
	require.NoError(t, err)

	require.Len(t, req.Items, 2)
	assert.Equal(t, HashDeviceID("node-identifier"), req.FindNode.ID)
	assert.Equal(t, PolicyVersion, req.FindNode.PolicyVersion)
	assert.Equal(t, "chaser", req.FindNode.Configuration.Src)

	sealed := req.Items[0].GeoLocation
	raw, err := base64.StdEncoding.DecodeString(sealed.Latitude)
	require.NoError(t, err)
	pt, err := key.priv.Decrypt(raw)
	require.NoError(t, err)
	assert.Equal(t, "51.5", string(pt))
	assert.Equal(t, "-60", sealed.RSSI)
	assert.Equal(t, encTag.EncodedServiceData, req.Items[0].TagAdvertisement.ServiceData)

	plain := req.Items[1].GeoLocation
	assert.Equal(t, "51.5", plain.Latitude)
	assert.Equal(t, "-0.12", plain.Longitude)
	assert.Equal(t, "8", plain.Accuracy)
	assert.Equal(t, int64(300), plain.Timestamp)
	assert.True(t, plain.Valid)

	none, err := BuildReport([]Sighting{{Telemetry: lockedTag}}, fix, nil, FindNode{}, "n")
	require.NoError(t, err)
	assert.Empty(t, none.Items)
}

func TestClientReport(t *testing.T) {
	signing, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	transport, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key := newTagKey(t)

	encTag := advert(t, 2, 11, true, 7)
	lockedTag := advert(t, 3, 11, true, 8)
	ownerTag := advert(t, 4, 11, false, 9)

	var (
		mu   sync.Mutex
		sent LocationsRequest
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/nonce", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, nonceResponse{Nonce: "n0nce"})
	})
	mux.HandleFunc("/accesstoken", func(w http.ResponseWriter, r *http.Request) {
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("signature"))
		digest := sha256.Sum256([]byte("n0nce"))
		if err != nil || rsa.VerifyPKCS1v15(&signing.PublicKey, crypto.SHA256, digest[:], sig) != nil {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		writeJSON(w, AccessToken{AccessToken: "tok", FindNode: FindNode{Type: "MOVING", Host: "GALAXY_PHONE"}})
	})
	mux.HandleFunc("/v2/pubkeys", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.ElementsMatch(t, []string{encTag.PrivIDForURL(), lockedTag.PrivIDForURL()}, r.URL.Query()["pid"])
		writeJSON(w, sealEnvelope(t, &transport.PublicKey, []envelopeItem{
			{PID: encTag.PrivIDForURL(), Result: "OK", EncryptionEnabled: true, PubKey: base64.StdEncoding.EncodeToString(key.der)},
			{PID: lockedTag.PrivIDForURL(), Result: "NOT_FOUND"},
		}))
	})
	mux.HandleFunc("/geolocations", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&sent)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(Identity{Chain: "chain", SigningKey: signing, TransportKey: transport, NodeID: "node-1"}, nil,
		WithBaseURL(func(model.Region) string { return srv.URL }))

	n, err := client.Report(context.Background(), []Sighting{
		{Telemetry: encTag, RSSI: -50, SeenAt: 1},
		{Telemetry: lockedTag, RSSI: -55, SeenAt: 2},
		{Telemetry: ownerTag, RSSI: -60, SeenAt: 3},
	}, Fix{Latitude: 10, Longitude: 20, Accuracy: 5, Method: "fused"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent.Items, 1)
	assert.Equal(t, encTag.EncodedServiceData, sent.Items[0].TagAdvertisement.ServiceData)
	assert.NotEqual(t, "10", sent.Items[0].GeoLocation.Latitude)
	assert.Equal(t, HashDeviceID("node-1"), sent.FindNode.ID)
}

func TestFromStored(t *testing.T) {
	tel := advert(t, 3, 11, false, 0x07)
	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out, skipped := FromStored([]model.Sighting{
		{ServiceData: tel.EncodedServiceData, RSSI: -71, SeenAt: seen},
		{ServiceData: "AAAA", RSSI: -40, SeenAt: seen},
		{ServiceData: "not base64!", SeenAt: seen},
	})

	assert.Equal(t, 2, skipped)
	require.Len(t, out, 1)
	assert.Equal(t, tel.PrivacyID, out[0].Telemetry.PrivacyID)
	assert.Equal(t, -71, out[0].RSSI)
	assert.Equal(t, seen.UnixMilli(), out[0].SeenAt)
}
