package chaser

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"utag/go-tag-server/internal/ecies"
	"utag/go-tag-server/internal/model"
)

// NodeVersion is the find-node client version presented when requesting a token.
const NodeVersion = 731802100

// Identity is the node's signing certificate chain and its RSA keys.
type Identity struct {
	// Chain is the base64 certificate chain presented with the access token request.
	Chain string
	// SigningKey signs the server nonce.
	SigningKey *rsa.PrivateKey
	// TransportKey receives the RSA-wrapped envelope key; its public half is sent to the server.
	TransportKey *rsa.PrivateKey
	// NodeID is hashed before it leaves the node.
	NodeID string
}

type nonceResponse struct {
	Nonce string `json:"nonce"`
}

// AccessToken is the body of POST /accesstoken.
type AccessToken struct {
	AccessToken string   `json:"accessToken"`
	FindNode    FindNode `json:"findNode"`
}

// Client reports non-owner tag sightings to the regional network servers.
type Client struct {
	http     *resty.Client
	identity Identity
	baseURL  func(model.Region) string
	logger   *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithBaseURL overrides how a region is turned into a server URL.
func WithBaseURL(fn func(model.Region) string) Option {
	return func(c *Client) { c.baseURL = fn }
}

// NewClient builds a Client. Requests are not retried.
func NewClient(identity Identity, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		http: resty.New().
			SetTimeout(15*time.Second).
			SetHeader("Accept", "application/json"),
		identity: identity,
		baseURL:  func(r model.Region) string { return "https://" + r.Host },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Report relays every eligible sighting with this node's fix. It returns the
// number of tags sent. A failing region is logged and skipped.
func (c *Client) Report(ctx context.Context, sightings []Sighting, fix Fix) (int, error) {
	sent := 0
	var firstErr error
	for region, group := range EligibleByRegion(sightings) {
		n, err := c.reportRegion(ctx, region, group, fix)
		if err != nil {
			c.logger.Warn("chaser report failed", "region", region.Name, "tags", len(group), "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent += n
	}
	return sent, firstErr
}

func (c *Client) reportRegion(ctx context.Context, region model.Region, sightings []Sighting, fix Fix) (int, error) {
	base := c.baseURL(region)

	nonce, err := c.nonce(ctx, base)
	if err != nil {
		return 0, err
	}
	token, err := c.accessToken(ctx, base, nonce)
	if err != nil {
		return 0, err
	}

	var pids []string
	for _, s := range sightings {
		if s.Telemetry.EncryptionEnabled {
			pids = append(pids, s.Telemetry.PrivIDForURL())
		}
	}

	encrypters := map[string]*ecies.Encrypter{}
	if len(pids) > 0 {
		keys, err := c.publicKeys(ctx, base, token.AccessToken, pids)
		if err != nil {
			c.logger.Warn("chaser public keys unavailable", "region", region.Name, "error", err)
		} else if opened, err := OpenEnvelope(c.identity.TransportKey, keys); err != nil {
			c.logger.Warn("chaser envelope rejected", "region", region.Name, "error", err)
		} else {
			encrypters = opened
		}
	}

	req, err := BuildReport(sightings, fix, encrypters, token.FindNode, c.identity.NodeID)
	if err != nil {
		return 0, err
	}
	if len(req.Items) == 0 {
		return 0, nil
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token.AccessToken).
		SetBody(req).
		Post(base + "/geolocations")
	if err != nil {
		return 0, fmt.Errorf("send locations: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("send locations: status %d", resp.StatusCode())
	}
	return len(req.Items), nil
}

func (c *Client) nonce(ctx context.Context, base string) (string, error) {
	var out nonceResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get(base + "/nonce")
	if err != nil {
		return "", fmt.Errorf("get nonce: %w", err)
	}
	if resp.IsError() || out.Nonce == "" {
		return "", fmt.Errorf("get nonce: status %d", resp.StatusCode())
	}
	return out.Nonce, nil
}

func (c *Client) accessToken(ctx context.Context, base, nonce string) (AccessToken, error) {
	digest := sha256.Sum256([]byte(nonce))
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.identity.SigningKey, crypto.SHA256, digest[:])
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign nonce: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&c.identity.TransportKey.PublicKey)
	if err != nil {
		return AccessToken{}, fmt.Errorf("marshal transport key: %w", err)
	}

	var out AccessToken
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"x-iot-findnode-version":   strconv.Itoa(NodeVersion),
			"signature":                base64.StdEncoding.EncodeToString(sig),
			"certificate":              c.identity.Chain,
			"X-Iot-Findnode-Publickey": base64.StdEncoding.EncodeToString(pub),
			"x-iot-findnode-type":      "MOVING",
			"x-iot-findnode-host":      "GALAXY_PHONE",
			"nonce":                    nonce,
		}).
		SetBody(map[string]any{}).
		SetResult(&out).
		Post(base + "/accesstoken")
	if err != nil {
		return AccessToken{}, fmt.Errorf("get access token: %w", err)
	}
	if resp.IsError() || out.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("get access token: status %d", resp.StatusCode())
	}
	return out, nil
}

func (c *Client) publicKeys(ctx context.Context, base, token string, pids []string) (PublicKeyResponse, error) {
	var out PublicKeyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParamsFromValues(url.Values{"pid": pids}).
		SetResult(&out).
		Get(base + "/v2/pubkeys")
	if err != nil {
		return PublicKeyResponse{}, fmt.Errorf("get public keys: %w", err)
	}
	if resp.IsError() {
		return PublicKeyResponse{}, fmt.Errorf("get public keys: status %d", resp.StatusCode())
	}
	return out, nil
}
