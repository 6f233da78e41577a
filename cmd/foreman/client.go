package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiClient wraps the server's JSON envelope protocol.
type apiClient struct {
	baseURL string
	token   string
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *apiError       `json:"error"`
	RequestID string          `json:"requestId"`
}

// call performs one request and decodes the envelope's data into out. API
// errors with 4xx codes are user errors; everything else is a service error.
func (c *apiClient) call(method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	if !envelope.Success {
		message := "unknown error"
		if envelope.Error != nil {
			message = fmt.Sprintf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return userErrorf("%s", message)
		}
		return fmt.Errorf("%s", message)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data from %s: %w", path, err)
		}
	}
	return nil
}

// stream opens an SSE response; the caller consumes resp.Body line by line.
func (c *apiClient) stream(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, userErrorf("stream returned %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("stream returned %d", resp.StatusCode)
	}
	return resp, nil
}
