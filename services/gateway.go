package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"campaign_dispatcher/models"
	"campaign_dispatcher/repository"
)

// Shared HTTP client with connection pooling for gateway calls.
// Reusing one client across all workers avoids exhausting ephemeral
// ports under a large blast.
var gatewayHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// tokenCacheTTL keeps credentials out of the hot path; the buffer is
// generous because tokens rotate rarely and a 401 forces a refresh anyway.
const tokenCacheTTL = 10 * time.Minute

// GatewayError is a terminal delivery failure reported by the gateway.
type GatewayError struct {
	HTTPStatus int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// SendResult is a successful gateway delivery.
type SendResult struct {
	HTTPStatus       int
	GatewayMessageID string
	ResponseBody     string
	RequestPayload   map[string]interface{}
}

// GatewayClient sends messages through the outbound gateway. The
// credential is cached with a TTL and force-refreshed when the gateway
// answers 401.
type GatewayClient struct {
	baseURL string
	tokens  repository.TokenRepositoryInterface
	client  *http.Client

	mu        sync.Mutex
	cached    *models.GatewayCredential
	fetchedAt time.Time
}

func NewGatewayClient(baseURL string, tokens repository.TokenRepositoryInterface) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		tokens:  tokens,
		client:  gatewayHTTPClient,
	}
}

func (g *GatewayClient) credential(forceRefresh bool) (*models.GatewayCredential, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !forceRefresh && g.cached != nil && time.Since(g.fetchedAt) < tokenCacheTTL {
		return g.cached, nil
	}

	cred, err := g.tokens.Latest()
	if err != nil {
		return nil, err
	}
	g.cached = cred
	g.fetchedAt = time.Now()
	return cred, nil
}

// RenderPayload builds the gateway request body for one task.
func RenderPayload(task models.DispatchTask, phoneNumber string) map[string]interface{} {
	payload := map[string]interface{}{
		"to": phoneNumber,
	}
	switch task.MessageType {
	case "template":
		payload["type"] = "template"
		payload["template"] = map[string]interface{}{
			"name":     task.Content,
			"language": map[string]interface{}{"code": "en"},
		}
	default:
		payload["type"] = "text"
		payload["text"] = map[string]interface{}{"body": task.Content}
	}
	return payload
}

// Send delivers one rendered payload. A 401 invalidates the cached
// credential and retries once with a fresh one. Non-2xx responses come
// back as *GatewayError; transport failures as plain errors.
func (g *GatewayClient) Send(ctx context.Context, payload map[string]interface{}) (*SendResult, error) {
	result, err := g.sendOnce(ctx, payload, false)
	if gwErr, ok := err.(*GatewayError); ok && gwErr.HTTPStatus == http.StatusUnauthorized {
		log.Println("[GATEWAY] Got 401, refreshing credential and retrying once")
		return g.sendOnce(ctx, payload, true)
	}
	return result, err
}

func (g *GatewayClient) sendOnce(ctx context.Context, payload map[string]interface{}, forceRefresh bool) (*SendResult, error) {
	cred, err := g.credential(forceRefresh)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.Token)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &SendResult{
			HTTPStatus:       resp.StatusCode,
			GatewayMessageID: extractMessageID(respBody),
			ResponseBody:     string(respBody),
			RequestPayload:   payload,
		}, nil
	}

	code, message := parseGatewayError(respBody)
	return nil, &GatewayError{
		HTTPStatus: resp.StatusCode,
		Code:       code,
		Message:    message,
	}
}

func extractMessageID(body []byte) string {
	var parsed struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Messages) > 0 {
		return parsed.Messages[0].ID
	}
	return ""
}

func parseGatewayError(body []byte) (code, message string) {
	var parsed struct {
		Error struct {
			Code    json.Number `json:"code"`
			Message string      `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Code.String(), parsed.Error.Message
	}
	return "unknown", truncateString(string(body), 200)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
