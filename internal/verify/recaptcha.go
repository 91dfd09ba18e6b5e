package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ms-signup/internal/config"
	"ms-signup/internal/logger"
)

const siteVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

type Result struct {
	Success bool    `json:"success"`
	Score   float64 `json:"score"`
}

// Verifier checks human-verification tokens against the reCAPTCHA
// collaborator. The sentinel token short-circuits verification, but only
// outside production configuration.
type Verifier struct {
	secret        string
	minScore      float64
	sentinelToken string
	production    bool
	client        *http.Client
	log           *logger.Logger
}

func NewVerifier(cfg config.RecaptchaConfig, production bool, log *logger.Logger) *Verifier {
	return &Verifier{
		secret:        cfg.Secret,
		minScore:      cfg.MinScore,
		sentinelToken: cfg.SentinelToken,
		production:    production,
		client:        &http.Client{Timeout: 10 * time.Second},
		log:           log,
	}
}

// Verify returns the raw collaborator result; Passed applies the threshold.
func (v *Verifier) Verify(ctx context.Context, token string) (*Result, error) {
	if !v.production && token == v.sentinelToken {
		v.log.Warn("VERIFY", "Sentinel token accepted (non-production only)")
		return &Result{Success: true, Score: 1.0}, nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)

	req, err := http.NewRequestWithContext(ctx, "POST", siteVerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verification collaborator error: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success    bool     `json:"success"`
		Score      float64  `json:"score"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode verification response: %w", err)
	}
	if len(out.ErrorCodes) > 0 {
		v.log.Warn("VERIFY", fmt.Sprintf("Verification returned error codes: %v", out.ErrorCodes))
	}
	return &Result{Success: out.Success, Score: out.Score}, nil
}

// Passed applies the confidence threshold to a raw result.
func (v *Verifier) Passed(r *Result) bool {
	return r != nil && r.Success && r.Score > v.minScore
}
