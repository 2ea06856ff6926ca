package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"realtime-service/internal/models"
)

const expoDeviceNotRegistered = "DeviceNotRegistered"

// ExpoSender delivers to mobile devices through the Expo push API.
type ExpoSender struct {
	url    string
	client *http.Client
}

func NewExpoSender(url string, timeout time.Duration) *ExpoSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExpoSender{url: url, client: &http.Client{Timeout: timeout}}
}

type expoMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

type expoTicket struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type expoResponse struct {
	Data   expoTicket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (s *ExpoSender) Send(ctx context.Context, sub models.PushSubscription, n models.PushNotification) error {
	payload, err := json.Marshal(expoMessage{
		To:       sub.Endpoint,
		Title:    n.Title,
		Body:     n.Body,
		Data:     n.Data,
		Sound:    "default",
		Priority: "high",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("expo send: %w", err)
	}
	defer resp.Body.Close()

	var out expoResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := ""
		if len(out.Errors) > 0 {
			detail = out.Errors[0].Message
		}
		return &StatusError{Provider: string(models.PushKindExpo), Status: resp.StatusCode, Detail: detail}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode expo ticket: %w", decodeErr)
	}
	if out.Data.Status == "error" {
		if out.Data.Details.Error == expoDeviceNotRegistered {
			return ErrEndpointGone
		}
		return &StatusError{Provider: string(models.PushKindExpo), Status: resp.StatusCode, Detail: out.Data.Message}
	}
	return nil
}
