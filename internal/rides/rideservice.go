package rides

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RideService is the backend that owns ride state changes the passenger can
// request. Changes it makes come back as events on the ride's source.
type RideService interface {
	CancelRide(ctx context.Context, rideID string) error
}

// HTTPRideService talks to the ride service REST API.
type HTTPRideService struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPRideService(baseURL string) *HTTPRideService {
	return &HTTPRideService{BaseURL: strings.TrimSuffix(baseURL, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

// CancelRide sets the ride's status to cancelled: PUT /api/v1/rides/<id>.
func (s *HTTPRideService) CancelRide(ctx context.Context, rideID string) error {
	b, _ := json.Marshal(map[string]string{"status": "cancelled"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.BaseURL+"/api/v1/rides/"+url.PathEscape(rideID), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel ride %s: status %d", rideID, resp.StatusCode)
	}
	return nil
}
