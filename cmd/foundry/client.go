package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiClient struct {
	baseURL     string
	token       string
	workspaceID string
	requestID   string
	http        *http.Client
}

func newAPIClient(baseURL, token, workspaceID, requestID string) *apiClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &apiClient{
		baseURL:     baseURL,
		token:       strings.TrimSpace(token),
		workspaceID: strings.TrimSpace(workspaceID),
		requestID:   strings.TrimSpace(requestID),
		http:        &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *apiClient) do(req *http.Request) (*http.Response, []byte, error) {
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.workspaceID != "" {
		req.Header.Set("X-Workspace-Id", c.workspaceID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, fmt.Errorf("http %s %s: status=%d body=%s", req.Method, req.URL.String(), resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, body, nil
}

func (c *apiClient) getJSON(path string, out any) error {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postJSON(path string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) postMultipart(path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequest("POST", c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	_, respBody, err := c.do(req)
	if err != nil {
		return err
	}
	return json.Unmarshal(respBody, out)
}

type sseEvent struct {
	Event string
	ID    string
	Data  []byte
}

// followSSE reads a server-sent event stream and calls fn for each event.
// Returning a non-nil error from fn stops the stream; io.EOF stops cleanly.
func (c *apiClient) followSSE(ctx context.Context, path string, fn func(sseEvent) error) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.requestID != "" {
		req.Header.Set("X-Request-Id", c.requestID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.workspaceID != "" {
		req.Header.Set("X-Workspace-Id", c.workspaceID)
	}

	// Streams outlive the default request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("stream %s: status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				if err := fn(current); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
			}
			current = sseEvent{}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			current.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(strings.TrimPrefix(line, "data: "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
