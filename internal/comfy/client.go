// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package comfy implements the ComfyUI protocol: HTTP prompt
// submission and WebSocket completion tracking.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ManuGH/comfysched/internal/jobs"
	"github.com/ManuGH/comfysched/internal/log"
	"github.com/ManuGH/comfysched/internal/workflow"
)

// Client drives a single ComfyUI instance. Safe for serial use; the
// single-GPU deployment runs one job at a time.
type Client struct {
	baseURL string
	httpc   *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a client for the ComfyUI server at baseURL
// (e.g. "http://127.0.0.1:8188").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

type submitRequest struct {
	Prompt   workflow.Template `json:"prompt"`
	ClientID string            `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit posts a bound workflow graph to ComfyUI and returns the
// prompt id. A response without a prompt id is a hard failure.
func (c *Client) Submit(ctx context.Context, prompt workflow.Template, clientID string) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: prompt, ClientID: clientID})
	if err != nil {
		return "", jobs.TerminalError("encode prompt: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", jobs.TerminalError("build submit request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", jobs.TransientError("submit prompt: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", jobs.TransientError("submit prompt: status %d: %s", resp.StatusCode, detail)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", jobs.TransientError("decode submit response: %v", err)
	}
	if sr.PromptID == "" {
		return "", jobs.TerminalError("submit response carried no prompt_id")
	}
	return sr.PromptID, nil
}

// Result carries the output payloads delivered over the WebSocket.
type Result struct {
	Outputs [][]byte
}

type wsFrame struct {
	Type string `json:"type"`
	Data struct {
		PromptID string  `json:"prompt_id"`
		Node     *string `json:"node"`
	} `json:"data"`
}

// Binary preview frames carry a ComfyUI-specific header (event type
// and image format, 4 bytes each) before the payload bytes.
const binaryFrameHeader = 8

// AwaitCompletion opens the ComfyUI WebSocket channel for clientID
// and reads frames until an "executing" frame with the matching
// prompt id and a null node arrives. Binary frames are accumulated as
// output payloads. The timeout bounds the whole wait; exceeding it is
// a retryable failure.
func (c *Client) AwaitCompletion(ctx context.Context, clientID, promptID string, timeout time.Duration) (*Result, error) {
	wsURL, err := c.websocketURL(clientID)
	if err != nil {
		return nil, jobs.TerminalError("websocket url: %v", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, jobs.TransientError("dial websocket: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, jobs.TransientError("set read deadline: %v", err)
	}

	// Unblock the read loop when the daemon shuts down mid-job.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	logger := log.WithComponent("comfy")
	result := &Result{}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, jobs.TransientError("await completion: %v", ctx.Err())
			}
			if time.Now().After(deadline) {
				return nil, jobs.TransientError("await completion: timeout after %s", timeout)
			}
			return nil, jobs.TransientError("read websocket frame: %v", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(data) > binaryFrameHeader {
				payload := make([]byte, len(data)-binaryFrameHeader)
				copy(payload, data[binaryFrameHeader:])
				result.Outputs = append(result.Outputs, payload)
			}
		case websocket.TextMessage:
			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				logger.Debug().Err(err).Msg("skipping unparseable websocket frame")
				continue
			}
			if frame.Type != "executing" || frame.Data.PromptID != promptID {
				continue
			}
			if frame.Data.Node == nil {
				return result, nil
			}
			logger.Debug().
				Str(log.FieldPromptID, promptID).
				Str("node", *frame.Data.Node).
				Msg("node executing")
		}
	}
}

func (c *Client) websocketURL(clientID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), nil
}
