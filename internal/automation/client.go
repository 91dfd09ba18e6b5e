package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"ms-signup/internal/config"
	"ms-signup/internal/logger"
	"ms-signup/internal/models"
)

var ErrTimeout = errors.New("automation collaborator timed out")

// WarmStore caches the prewarmed auth/session context between the warm-up
// step and the fire.
type WarmStore interface {
	SetWarmContext(sessionRef string, payload []byte, ttl time.Duration) error
	GetWarmContext(sessionRef string) ([]byte, error)
}

// Client talks to the browser-automation collaborator that performs the
// actual provider-site interaction. The core treats it as opaque: it sends
// booking details and gets a result back, always under a timeout.
type Client struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	warm    WarmStore
	log     *logger.Logger
}

func NewClient(cfg config.AutomationConfig, warm WarmStore, log *logger.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		warm:    warm,
		log:     log,
	}
}

type registrationRequest struct {
	ReservationID  string                 `json:"reservation_id"`
	Platform       string                 `json:"platform"`
	SessionKey     string                 `json:"session_key"`
	BookingDetails *models.BookingDetails `json:"booking_details"`
	WarmContext    json.RawMessage        `json:"warm_context,omitempty"`
}

// PerformRegistration drives one registration attempt. A timeout is reported
// as ErrTimeout so callers can map it to failed; an ambiguous outcome is
// never treated as success.
func (c *Client) PerformRegistration(ctx context.Context, reservation models.Reservation, details *models.BookingDetails) (*models.ProviderResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := registrationRequest{
		ReservationID:  reservation.ReservationID,
		Platform:       reservation.ProviderPlatform,
		SessionKey:     reservation.ProviderSessionKey,
		BookingDetails: details,
	}
	// Warm context is keyed by session so the prewarm done for the plan is
	// visible to every reservation fired into that session.
	if c.warm != nil {
		if warm, err := c.warm.GetWarmContext(reservation.SessionID); err == nil && warm != nil {
			req.WarmContext = warm
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/registrations", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			c.log.Error("AUTOMATION", fmt.Sprintf("Registration attempt for %s timed out", reservation.ReservationID))
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("automation collaborator error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("automation collaborator returned status %d", resp.StatusCode)
	}

	var result models.ProviderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	return &result, nil
}

// CheckSessionOpen probes the provider's open state for the tight loop.
func (c *Client) CheckSessionOpen(ctx context.Context, providerName, sessionRef string) (bool, error) {
	probeURL := fmt.Sprintf("%s/api/v1/sessions/open?provider=%s&session=%s",
		c.baseURL, url.QueryEscape(providerName), url.QueryEscape(sessionRef))

	httpReq, err := http.NewRequestWithContext(ctx, "GET", probeURL, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("open check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("open check returned status %d", resp.StatusCode)
	}

	var out struct {
		Open bool `json:"open"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Open, nil
}

// WarmAuthContext asks the collaborator to pre-establish provider auth state
// and caches whatever it hands back. Best effort by contract: the scheduler
// logs failures and keeps going.
func (c *Client) WarmAuthContext(ctx context.Context, plan models.RegistrationPlan) error {
	body, _ := json.Marshal(map[string]string{
		"plan_id":  plan.PlanID,
		"provider": plan.ProviderName,
		"session":  plan.SessionRef,
	})

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/warm", bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("warm-up request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("warm-up returned status %d", resp.StatusCode)
	}

	var payload json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode warm context: %w", err)
	}
	if c.warm != nil {
		if err := c.warm.SetWarmContext(plan.SessionRef, payload, 10*time.Minute); err != nil {
			return fmt.Errorf("failed to cache warm context: %w", err)
		}
	}
	c.log.Info("AUTOMATION", fmt.Sprintf("Warm context cached for plan %s", plan.PlanID))
	return nil
}
