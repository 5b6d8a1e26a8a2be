// Package client is a thin HTTP client for the mailflow API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to a mailflow server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Message is the API's view of a stored message.
type Message struct {
	ID               string      `json:"id"`
	Sender           string      `json:"sender"`
	Domain           string      `json:"domain"`
	Recipients       []Recipient `json:"recipients"`
	Subject          string      `json:"subject"`
	Priority         int         `json:"priority"`
	Status           string      `json:"status"`
	FailedCount      int         `json:"failed_count"`
	LastError        string      `json:"last_error"`
	AgentGroup       string      `json:"agent_group"`
	QueueID          string      `json:"queue_id"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	AvailableActions []string    `json:"available_actions"`
}

// Recipient is one delivery target with its own status.
type Recipient struct {
	Email  string `json:"email"`
	Status string `json:"status"`
	Detail string `json:"error_message,omitempty"`
}

// SubmitRequest is one message submission.
type SubmitRequest struct {
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Raw        []byte   `json:"message"`
	Priority   int      `json:"priority"`
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Submit sends a message into the pipeline.
func (c *Client) Submit(req SubmitRequest) (*Message, error) {
	var m Message
	if err := c.do(http.MethodPost, "/api/v1/messages", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages matching the query filters.
func (c *Client) ListMessages(filters url.Values) ([]Message, error) {
	path := "/api/v1/messages"
	if len(filters) > 0 {
		path += "?" + filters.Encode()
	}
	var result struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// GetMessage returns one message by id.
func (c *Client) GetMessage(id string) (*Message, error) {
	var m Message
	if err := c.do(http.MethodGet, "/api/v1/messages/"+url.PathEscape(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Act invokes an action against a message and returns its new state.
func (c *Client) Act(id, action string) (*Message, error) {
	var m Message
	err := c.do(http.MethodPost, "/api/v1/messages/"+url.PathEscape(id)+"/actions",
		map[string]string{"action": action}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Stats returns the server's delivery statistics document.
func (c *Client) Stats() (map[string]any, error) {
	var stats map[string]any
	if err := c.do(http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health() error {
	return c.do(http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
