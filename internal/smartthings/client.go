package smartthings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"utag/go-tag-server/internal/model"
)

// Client talks to the remote tracker service.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New builds a client for baseURL. retries is the number of extra attempts on
// transport errors and 5xx responses; zero disables retrying.
func New(baseURL, token string, retries int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(20*time.Second).
		SetHeader("Accept", "application/json").
		SetRetryCount(retries).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || (r != nil && r.StatusCode() >= 500)
		})
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &Client{http: rc, logger: logger}
}

// CurrentLocation fetches the latest location of deviceID together with the
// account key pairs.
func (c *Client) CurrentLocation(ctx context.Context, deviceID string) (model.LocationResponse, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("stDids", deviceID).
		Get("/trackers/geolocation")
	if err != nil {
		return model.LocationResponse{}, fmt.Errorf("current location: %w", err)
	}
	if resp.IsError() {
		return model.LocationResponse{}, fmt.Errorf("current location: status %d", resp.StatusCode())
	}
	out, err := model.DecodeLocationResponse(resp.Body())
	if err != nil {
		return model.LocationResponse{}, fmt.Errorf("current location: %w", err)
	}
	return out, nil
}

// History fetches one page of points in [startMillis, endMillis], oldest first.
func (c *Client) History(ctx context.Context, deviceID string, startMillis, endMillis int64, limit int) (model.HistoryPage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("deviceID", deviceID).
		SetQueryParams(map[string]string{
			"order":     "asc",
			"isSummary": "false",
			"startTime": strconv.FormatInt(startMillis, 10),
			"endTime":   strconv.FormatInt(endMillis, 10),
			"limit":     strconv.Itoa(limit),
		}).
		Get("/trackerapi/trackers/{deviceID}/geolocations")
	if err != nil {
		return model.HistoryPage{}, fmt.Errorf("history page: %w", err)
	}
	if resp.IsError() {
		return model.HistoryPage{}, fmt.Errorf("history page: status %d", resp.StatusCode())
	}
	page, err := model.DecodeHistoryPage(resp.Body())
	if err != nil {
		return model.HistoryPage{}, fmt.Errorf("history page: %w", err)
	}
	return page, nil
}

// EncryptionKey returns the account's registered key, if one exists.
func (c *Client) EncryptionKey(ctx context.Context) (model.EncryptionKey, bool, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/trackers/encryption/key")
	if err != nil {
		return model.EncryptionKey{}, false, fmt.Errorf("get encryption key: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return model.EncryptionKey{}, false, nil
	}
	if resp.IsError() {
		return model.EncryptionKey{}, false, fmt.Errorf("get encryption key: status %d", resp.StatusCode())
	}

	var key model.EncryptionKey
	if err := json.Unmarshal(resp.Body(), &key); err != nil {
		return model.EncryptionKey{}, false, fmt.Errorf("decode encryption key: %w", err)
	}
	if key.PrivateKey == "" {
		return model.EncryptionKey{}, false, nil
	}
	return key, true, nil
}

// PutEncryptionKey registers a generated key pair for the account.
func (c *Client) PutEncryptionKey(ctx context.Context, record model.KeyPairRecord) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(model.EncryptionKey{
			PrivateKey: record.PrivateKey,
			PublicKey:  record.PublicKey,
			IV:         record.IV,
			RegDate:    record.RegDate,
		}).
		Put("/trackers/encryption/key")
	if err != nil {
		return fmt.Errorf("put encryption key: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("put encryption key: status %d", resp.StatusCode())
	}
	c.logger.Info("encryption key registered", "user", record.UserID, "reg_date", record.RegDate)
	return nil
}
