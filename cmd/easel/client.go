package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a running daemon's control API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(port int) *apiClient {
	return &apiClient{
		baseURL:    fmt.Sprintf("http://localhost:%d", port),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// post sends one command to the daemon and returns the accepted command id.
func (c *apiClient) post(path string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var decoded struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}
	json.Unmarshal(data, &decoded)

	if resp.StatusCode != http.StatusAccepted {
		if decoded.Error != "" {
			return "", fmt.Errorf("daemon refused: %s", decoded.Error)
		}
		return "", fmt.Errorf("daemon refused: http %d", resp.StatusCode)
	}
	return decoded.ID, nil
}

func newImagineCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "imagine [prompt...]",
		Short: "Send an imagine command through the running daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			id, err := newAPIClient(port).post("/api/imagine", map[string]string{"prompt": prompt})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted as %s\n", id)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "daemon API port")
	return cmd
}

func newUpscaleCmd() *cobra.Command {
	var (
		port     int
		customID string
	)

	cmd := &cobra.Command{
		Use:   "upscale <message-id> <slot>",
		Short: "Upscale one slot of a result grid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlot(args[1])
			if err != nil {
				return err
			}
			id, err := newAPIClient(port).post("/api/upscale", map[string]any{
				"message_id": args[0],
				"slot":       slot,
				"custom_id":  customID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted as %s\n", id)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "daemon API port")
	cmd.Flags().StringVar(&customID, "button", "", "button reference from the result message (required)")
	cmd.MarkFlagRequired("button")
	return cmd
}

func newVariationCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "variation <message-id> <slot>",
		Short: "Request a variation of one slot of a result grid",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := parseSlot(args[1])
			if err != nil {
				return err
			}
			id, err := newAPIClient(port).post("/api/variation", map[string]any{
				"message_id": args[0],
				"slot":       slot,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted as %s\n", id)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "daemon API port")
	return cmd
}

func parseSlot(arg string) (int, error) {
	var slot int
	if _, err := fmt.Sscanf(arg, "%d", &slot); err != nil {
		return 0, fmt.Errorf("slot must be a number 1-4, got %q", arg)
	}
	return slot, nil
}
