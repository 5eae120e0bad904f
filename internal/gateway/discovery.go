package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultAPIBase is the Discord REST API root used for discovery.
const DefaultAPIBase = "https://discord.com/api/v9"

// discoverGatewayURL performs the one-time discovery call for the current
// gateway address. Failure here is fatal to session start.
func discoverGatewayURL(ctx context.Context, client *http.Client, apiBase, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/gateway", nil)
	if err != nil {
		return "", fmt.Errorf("gateway: discovery request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("gateway: discovery http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("gateway: decode discovery response: %w", err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("gateway: discovery returned empty url")
	}
	return payload.URL + "/?v=9&encoding=json", nil
}
