package referral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Attributor credits a referral code to a newly created or newly identified
// user. Credit accounting lives in another service.
type Attributor interface {
	Attribute(ctx context.Context, userID, code string) error
}

// Func adapts a plain function to Attributor.
type Func func(ctx context.Context, userID, code string) error

func (f Func) Attribute(ctx context.Context, userID, code string) error {
	return f(ctx, userID, code)
}

// Noop accepts every code without doing anything.
var Noop Attributor = Func(func(context.Context, string, string) error { return nil })

type Config struct {
	URL     string
	Timeout time.Duration
}

// ConfigFromEnv reads REFERRAL_URL; an empty URL disables attribution.
func ConfigFromEnv() Config {
	return Config{URL: os.Getenv("REFERRAL_URL"), Timeout: 5 * time.Second}
}

// HTTPAttributor posts {user_id, code} to the referral service.
type HTTPAttributor struct {
	url    string
	client *http.Client
}

// New returns an HTTPAttributor, or Noop when cfg has no URL.
func New(cfg Config) Attributor {
	if cfg.URL == "" {
		return Noop
	}
	return &HTTPAttributor{url: cfg.URL, client: &http.Client{Timeout: cfg.Timeout}}
}

func (a *HTTPAttributor) Attribute(ctx context.Context, userID, code string) error {
	body, err := json.Marshal(map[string]string{"user_id": userID, "code": code})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("referral request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("referral service returned %s", resp.Status)
	}
	return nil
}
