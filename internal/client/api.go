package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/pulse/social-app/internal/message"
	"github.com/pulse/social-app/internal/user"
)

// Attachment is a file to upload alongside a message. Field is the multipart
// field name, "image" or "voice".
type Attachment struct {
	Field    string
	Filename string
	Reader   io.Reader
}

// HistoryResponse is the conversation history payload: the ordered messages
// plus a summary of the other participant for the conversation header.
type HistoryResponse struct {
	Messages []message.Record `json:"messages"`
	Receiver *user.User       `json:"receiver"`
}

// APIClient talks to the REST API server. It carries the attachment send
// path, the fallback send path when the socket is down, history fetches, and
// deletions.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates an APIClient for the given base URL, e.g.
// "http://localhost:8081".
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateMessage persists a text message over REST and returns the stored
// record. Used as the fallback path when the socket is disconnected.
func (a *APIClient) CreateMessage(ctx context.Context, draft message.Draft) (*message.Record, error) {
	payload := struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
		Text     string `json:"text"`
		TempID   string `json:"temp_id,omitempty"`
	}{draft.Sender, draft.Receiver, draft.Text, draft.TempID}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal draft: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return a.doMessageRequest(req)
}

// CreateMessageMultipart persists a message with attachments. The draft's
// text fields go in as form values; each attachment streams as a file part.
func (a *APIClient) CreateMessageMultipart(ctx context.Context, draft message.Draft, attachments []Attachment) (*message.Record, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"sender":   draft.Sender,
		"receiver": draft.Receiver,
		"text":     draft.Text,
		"temp_id":  draft.TempID,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("client: write field %s: %w", name, err)
		}
	}

	for _, att := range attachments {
		part, err := w.CreateFormFile(att.Field, att.Filename)
		if err != nil {
			return nil, fmt.Errorf("client: create form file %s: %w", att.Field, err)
		}
		if _, err := io.Copy(part, att.Reader); err != nil {
			return nil, fmt.Errorf("client: copy attachment %s: %w", att.Filename, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("client: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/api/messages", &buf)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return a.doMessageRequest(req)
}

// DeleteMessage removes a persisted message.
func (a *APIClient) DeleteMessage(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.BaseURL+"/api/messages/"+id, nil)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: delete message %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("client: delete message %s: unexpected status %d", id, resp.StatusCode)
	}
	return nil
}

// History fetches the full conversation between two users, oldest first,
// along with the other participant's profile summary.
func (a *APIClient) History(ctx context.Context, senderID, receiverID string) (*HistoryResponse, error) {
	url := fmt.Sprintf("%s/api/messages/%s/%s", a.BaseURL, senderID, receiverID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch history: unexpected status %d", resp.StatusCode)
	}

	var out HistoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("client: decode history: %w", err)
	}
	return &out, nil
}

// Status fetches the presence projection for a user.
func (a *APIClient) Status(ctx context.Context, userID string) (*user.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/api/status/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch status: unexpected status %d", resp.StatusCode)
	}

	var u user.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("client: decode status: %w", err)
	}
	return &u, nil
}

// doMessageRequest executes a message-creation request and decodes the
// persisted record from the response.
func (a *APIClient) doMessageRequest(req *http.Request) (*message.Record, error) {
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("client: send message: unexpected status %d", resp.StatusCode)
	}

	var rec message.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("client: decode record: %w", err)
	}
	return &rec, nil
}
