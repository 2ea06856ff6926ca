package push

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"realtime-service/internal/models"
)

// WebPushConfig carries the VAPID identity of the service.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTL        int
	Timeout    time.Duration
}

// WebPushSender delivers to browser endpoints using VAPID-signed, encrypted requests.
type WebPushSender struct {
	cfg    WebPushConfig
	client *http.Client
}

func NewWebPushSender(cfg WebPushConfig) *WebPushSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebPushSender{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (s *WebPushSender) Send(ctx context.Context, sub models.PushSubscription, n models.PushNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
		TTL:             s.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("webpush send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrEndpointGone
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	default:
		return &StatusError{Provider: string(models.PushKindWebPush), Status: resp.StatusCode}
	}
}
