package model

import (
	"encoding/json"
	"fmt"
)

// DecodeLocationResponse parses and validates a current location response.
func DecodeLocationResponse(data []byte) (LocationResponse, error) {
	var resp LocationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return LocationResponse{}, fmt.Errorf("decode location response: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return LocationResponse{}, err
	}
	return resp, nil
}

// DecodeHistoryPage parses a page of history points. Point contents are not
// checked here; each point is classified when it is decrypted.
func DecodeHistoryPage(data []byte) (HistoryPage, error) {
	var page HistoryPage
	if err := json.Unmarshal(data, &page); err != nil {
		return HistoryPage{}, fmt.Errorf("decode history page: %w", err)
	}
	return page, nil
}

// Validate checks the structure of a response decoded by another layer (for
// example an HTTP client). Coordinates are left to the decrypt step.
func (r LocationResponse) Validate() error {
	for i, item := range r.Items {
		if item.DeviceID == "" {
			return fmt.Errorf("%w: item %d has no deviceId", ErrInvalidResponse, i)
		}
	}
	return nil
}
