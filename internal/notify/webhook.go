package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// WebhookDispatcher posts offers to an external push gateway when a
// driver has no live socket. Fanout tries the socket first and only
// falls through on ErrNoSession.
type WebhookDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhookDispatcher(endpoint, key string) *WebhookDispatcher {
	return &WebhookDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *WebhookDispatcher) OfferCreated(driverID string, offer models.Offer) error {
	body := map[string]any{
		"driver_id": driverID,
		"type":      "ride_offer",
		"offer":     offer,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Key != "" {
		req.Header.Set("Authorization", "Bearer "+d.Key)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}

// Fanout chains dispatchers: the live socket first, then the webhook
// gateway for drivers who are online but not connected here.
type Fanout struct {
	WS      *WSRegistry
	Webhook *WebhookDispatcher
}

func (f *Fanout) OfferCreated(driverID string, offer models.Offer) error {
	if f.WS != nil {
		err := f.WS.OfferCreated(driverID, offer)
		if err == nil {
			return nil
		}
		if _, noSession := err.(*NoSessionError); !noSession {
			return err
		}
	}
	if f.Webhook != nil {
		return f.Webhook.OfferCreated(driverID, offer)
	}
	return ErrNoSession
}
