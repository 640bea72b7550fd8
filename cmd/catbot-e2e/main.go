package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/catnip/catbot/internal/server"
)

// Exercises the action pipeline end to end against a running server:
// grant a permission, execute an auto-approved action, park a
// confirmation-gated one, confirm it, and read it back from history.
func main() {
	baseURL := envOrDefault("CATBOT_BASE_URL", "http://127.0.0.1:8080")
	userID := envOrDefault("CATBOT_E2E_USER_ID", "usr_e2e")
	authToken := strings.TrimSpace(os.Getenv("CATBOT_AUTH_TOKEN"))

	if authToken == "" {
		secret := envOrDefault("CATBOT_JWT_SECRET", "catbot-dev-jwt-secret-change-me")
		token, err := server.MintToken(secret, userID, time.Hour)
		if err != nil {
			fatalf("mint token: %v", err)
		}
		authToken = token
	}

	client := &apiClient{baseURL: baseURL, token: authToken}

	if err := client.call(http.MethodPut, "/v1/permissions", map[string]any{
		"action_id": "send_message",
		"category":  "communication",
		"granted":   true,
	}, nil); err != nil {
		fatalf("grant send_message: %v", err)
	}

	var execResult struct {
		Success bool   `json:"success"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	if err := client.call(http.MethodPost, "/v1/actions/execute", map[string]any{
		"action_id":  "send_message",
		"parameters": map[string]any{"recipient_id": "usr_friend", "content": "hello from the smoke test"},
	}, &execResult); err != nil {
		fatalf("execute send_message: %v", err)
	}
	if execResult.Status != "completed" {
		fatalf("execute send_message: status %q error %q", execResult.Status, execResult.Error)
	}
	fmt.Println("send_message completed")

	if err := client.call(http.MethodPut, "/v1/permissions", map[string]any{
		"action_id": "create_product",
		"category":  "entities",
		"granted":   true,
	}, nil); err != nil {
		fatalf("grant create_product: %v", err)
	}

	var parkResult struct {
		Success         bool   `json:"success"`
		Status          string `json:"status"`
		Error           string `json:"error"`
		PendingActionID string `json:"pending_action_id"`
	}
	if err := client.call(http.MethodPost, "/v1/actions/execute", map[string]any{
		"action_id":  "create_product",
		"parameters": map[string]any{"name": "Smoke Test Mug", "price_sats": 2100},
	}, &parkResult); err != nil {
		fatalf("execute create_product: %v", err)
	}
	if parkResult.Status != "pending_confirmation" || parkResult.PendingActionID == "" {
		fatalf("execute create_product: status %q error %q", parkResult.Status, parkResult.Error)
	}
	fmt.Printf("create_product parked as %s\n", parkResult.PendingActionID)

	var confirmResult struct {
		Success bool   `json:"success"`
		Status  string `json:"status"`
		Error   string `json:"error"`
	}
	confirmPath := "/v1/actions/" + parkResult.PendingActionID + "/confirm"
	if err := client.call(http.MethodPost, confirmPath, map[string]any{}, &confirmResult); err != nil {
		fatalf("confirm create_product: %v", err)
	}
	if confirmResult.Status != "completed" {
		fatalf("confirm create_product: status %q error %q", confirmResult.Status, confirmResult.Error)
	}
	fmt.Println("create_product confirmed and completed")

	var history struct {
		Items []struct {
			ActionID string `json:"action_id"`
			Status   string `json:"status"`
		} `json:"items"`
	}
	if err := client.call(http.MethodGet, "/v1/actions/history?limit=10", nil, &history); err != nil {
		fatalf("fetch history: %v", err)
	}
	completed := 0
	for _, item := range history.Items {
		if item.Status == "completed" {
			completed++
		}
	}
	if completed < 2 {
		fatalf("history: expected at least 2 completed entries, got %d", completed)
	}
	fmt.Printf("history shows %d completed actions\n", completed)
	fmt.Println("e2e smoke test passed")
}

type apiClient struct {
	baseURL string
	token   string
}

func (c *apiClient) call(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
