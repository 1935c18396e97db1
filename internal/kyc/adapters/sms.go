package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"kycgate/internal/kyc/ports"
	"kycgate/internal/platform/config"
	"kycgate/pkg/secrets"
)

// SMSSender posts codes to an HTTP SMS gateway.
type SMSSender struct {
	endpoint   string
	apiKey     secrets.Secret
	sender     string
	httpClient *http.Client
}

type smsRequest struct {
	To   string `json:"to"`
	From string `json:"from"`
	Body string `json:"body"`
}

// NewSMSSender returns nil when no gateway endpoint is configured.
func NewSMSSender(cfg config.SMSConfig) *SMSSender {
	if cfg.Endpoint == "" {
		return nil
	}
	return &SMSSender{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		sender:     cfg.Sender,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SMSSender) Send(ctx context.Context, destination, code string) error {
	payload, err := json.Marshal(smsRequest{To: destination, From: s.sender, Body: codeMessage(code)})
	if err != nil {
		return fmt.Errorf("sms: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sms: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := s.apiKey.Reveal(); len(key) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(key))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return ports.NewCapabilityError(ports.ErrorUnavailable, "otp_sms", "gateway unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ports.NewCapabilityError(ports.ErrorUnavailable, "otp_sms",
			fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	default:
		return ports.NewCapabilityError(ports.ErrorBadData, "otp_sms",
			fmt.Sprintf("gateway rejected message with %d", resp.StatusCode), nil)
	}
}
