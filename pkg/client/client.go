// Package client is the Go client for the chatstream API. It implements
// the snapshot, live-feed and read-receipt contracts the reconciler
// consumes, plus message sends and media uploads.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"chatstream/pkg/models"
)

// Client talks to one chatstream server on behalf of one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a Client using the given bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Login obtains a token for the given user id.
func Login(ctx context.Context, baseURL, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/v1/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %s", readAPIError(resp.Body, resp.StatusCode))
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid login response: %w", err)
	}
	return out.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %s", method, path, readAPIError(resp.Body, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(r io.Reader, status int) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(r).Decode(&e) == nil && e.Error != "" {
		return fmt.Sprintf("%s (status %d)", e.Error, status)
	}
	return fmt.Sprintf("status %d", status)
}

// FetchMessages loads the full conversation snapshot with peer.
func (c *Client) FetchMessages(ctx context.Context, viewerID, peerID string) ([]models.Message, error) {
	var out struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations/"+peerID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// MarkRead flags the unread messages from peer as read.
func (c *Client) MarkRead(ctx context.Context, peerID, viewerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+peerID+"/read", nil, nil)
}

// SendRequest is the payload for Send.
type SendRequest struct {
	RecipientID string      `json:"recipient_id"`
	Body        string      `json:"body"`
	Kind        models.Kind `json:"kind,omitempty"`
	MediaURL    string      `json:"media_url,omitempty"`
}

// Send creates a message and returns the stored copy.
func (c *Client) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPost, "/v1/messages", req, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// Edit replaces a message body.
func (c *Client) Edit(ctx context.Context, id, body string) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodPut, "/v1/messages/"+id, map[string]string{"body": body}, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// Delete soft-deletes a message.
func (c *Client) Delete(ctx context.Context, id string) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, http.MethodDelete, "/v1/messages/"+id, nil, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// Conversations lists the caller's conversation summaries.
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Presence returns a user's availability.
func (c *Client) Presence(ctx context.Context, userID string) (models.Presence, error) {
	var out models.Presence
	if err := c.do(ctx, http.MethodGet, "/v1/presence/"+userID, nil, &out); err != nil {
		return models.Presence{}, err
	}
	return out, nil
}

// Block hides the target's messages from the caller's fetches.
func (c *Client) Block(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodPost, "/v1/blocks/"+target, nil, nil)
}

// Unblock removes a block.
func (c *Client) Unblock(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodDelete, "/v1/blocks/"+target, nil, nil)
}

// Upload stores one media file and returns the blob URL to reference from
// a message.
func (c *Client) Upload(ctx context.Context, kind models.Kind, filename, contentType string, size int64, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, io.LimitReader(r, size)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads/"+string(kind), &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload rejected: %s", readAPIError(resp.Body, resp.StatusCode))
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid upload response: %w", err)
	}
	return out.URL, nil
}
