package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mpetrov/chatline/internal/call"
	"github.com/mpetrov/chatline/internal/models"
)

// REST is the durable half of the remote signal path: call records and user
// lookups over the server's HTTP API, authenticated with a bearer token.
type REST struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewREST(baseURL, token string) *REST {
	return &REST{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *REST) Create(ctx context.Context, rec *models.CallRecord) error {
	body := map[string]any{
		"call_id":         rec.ID,
		"conversation_id": rec.ConversationID,
		"receiver_id":     rec.ReceiverID,
		"offer":           rec.Offer,
	}
	return r.do(ctx, http.MethodPost, "/api/calls", body, rec)
}

func (r *REST) UpdateAnswer(ctx context.Context, callID string, answer json.RawMessage) error {
	body := map[string]any{"answer": answer}
	return r.do(ctx, http.MethodPost, "/api/calls/"+callID+"/answer", body, nil)
}

func (r *REST) UpdateStatus(ctx context.Context, callID string, reason models.EndReason) error {
	body := map[string]any{"reason": reason}
	return r.do(ctx, http.MethodPost, "/api/calls/"+callID+"/status", body, nil)
}

func (r *REST) UserByID(ctx context.Context, id string) (call.Identity, error) {
	var user models.User
	if err := r.do(ctx, http.MethodGet, "/api/users/"+id, nil, &user); err != nil {
		return call.Identity{}, err
	}
	return call.Identity{ID: user.ID, Name: user.Name, Avatar: user.AvatarURL}, nil
}

func (r *REST) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", call.ErrBusy, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, apiErr.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
