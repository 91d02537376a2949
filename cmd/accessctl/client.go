package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type startRequest struct {
	DoorIDs    []string `json:"doorIds"`
	EventTypes []int    `json:"eventTypes,omitempty"`
	IntervalMs int      `json:"intervalMs,omitempty"`
	PersonName string   `json:"personName,omitempty"`
}

type apiClient struct {
	http   *resty.Client
	stream *resty.Client
}

func newAPIClient(server, token string, timeout time.Duration) *apiClient {
	base := strings.TrimRight(server, "/")
	build := func() *resty.Client {
		client := resty.New().SetBaseURL(base).SetHeader("Accept", "application/json")
		if token != "" {
			client.SetAuthToken(token)
		}
		return client
	}
	return &apiClient{
		http:   build().SetTimeout(timeout),
		stream: build(),
	}
}

func (c *apiClient) start(ctx context.Context, req startRequest) (map[string]any, error) {
	var out map[string]any
	resp, err := c.http.R().SetContext(ctx).SetBody(req).SetResult(&out).SetError(&out).Post("/poll/start")
	if err := checkResponse(resp, err); err != nil {
		return out, err
	}
	return out, nil
}

func (c *apiClient) stop(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Post("/poll/stop")
	return out, checkResponse(resp, err)
}

func (c *apiClient) status(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/poll/status")
	if err := checkResponse(resp, err); err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body()), nil
}

// tail reads the SSE stream and calls fn per frame until fn returns false or ctx ends.
func (c *apiClient) tail(ctx context.Context, fn func(event, data string) bool) error {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetDoNotParseResponse(true).
		Get("/stream")
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("tail: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("tail: status %d", resp.StatusCode())
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && !fn(event, data) {
				return nil
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("tail: %w", err)
	}
	return nil
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s %s: status %d: %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
