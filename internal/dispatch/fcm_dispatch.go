package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Notification is a short status message for the passenger's device.
type Notification struct {
	RideID string `json:"ride_id"`
	Phase  string `json:"phase"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Pusher delivers a notification to one device token.
type Pusher interface {
	Notify(ctx context.Context, token string, n Notification) error
}

// FCMDispatcher posts JSON to FCM HTTPv1 endpoint using server key or oauth token.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Notify(ctx context.Context, token string, n Notification) error {
	body := map[string]any{"message": map[string]any{
		"token":        token,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         map[string]string{"ride_id": n.RideID, "phase": n.Phase},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm: status %d", resp.StatusCode)
	}
	return nil
}
