package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// healthURL turns the token endpoint into the service's health check URL.
func healthURL(tokenEndpoint string) (string, error) {
	u, err := url.Parse(tokenEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid token endpoint: %w", err)
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}

// waitForTokenService polls the credential service until it answers or
// timeout passes.
func waitForTokenService(ctx context.Context, tokenEndpoint string, timeout, interval time.Duration, logger *zap.Logger) error {
	target, err := healthURL(tokenEndpoint)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}

	check := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("waiting for token service", zap.String("url", target))
	for {
		lastErr := check()
		if lastErr == nil {
			logger.Info("token service is ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled while waiting for token service: %w", ctx.Err())
		case <-deadline:
			return fmt.Errorf("timeout waiting for token service: %w", lastErr)
		case <-ticker.C:
		}
	}
}
