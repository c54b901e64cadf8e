// Package backend implements the remote data store the sync engine talks
// to: a JSON-over-HTTP client, a websocket RPC client and an in-memory
// backend for tests and demos.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
)

// APIError is the error body returned by the backend. Code is set for
// entity-level failures; a 404 without it means the route itself is
// wrong, not that the entity is gone.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type createRequest struct {
	Fields json.RawMessage `json:"fields"`
}

type createResponse struct {
	ID string `json:"id"`
}

type updateRequest struct {
	ID     string          `json:"id"`
	Fields json.RawMessage `json:"fields"`
}

type removeRequest struct {
	ID string `json:"id"`
}

type listRequest struct {
	Filter *models.ListFilter `json:"filter,omitempty"`
}

type listResponse struct {
	Items []models.RemoteEntity `json:"items"`
}

// HTTPClient talks to the backend's JSON API. Every call is a POST to
// {base}/api/{kind}/{action} authenticated with a bearer token.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewHTTPClient creates an API client. If httpClient is nil,
// http.DefaultClient is used.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// post sends a JSON POST request and decodes the response into result.
func (c *HTTPClient) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", errs.ErrRemoteOperation, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", errs.ErrRemoteOperation, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		decoded := json.Unmarshal(respBody, &apiErr) == nil

		sentinel := errs.ErrRemoteOperation
		switch {
		case resp.StatusCode == http.StatusNotFound && apiErr.Code == codeNotFound:
			sentinel = errs.ErrRemoteNotFound
		case resp.StatusCode == http.StatusUnauthorized:
			sentinel = errs.ErrUnauthorized
		}

		if decoded && apiErr.Error != "" {
			return fmt.Errorf("%w: API %s (%d): %s", sentinel, endpoint, resp.StatusCode, apiErr.Error)
		}

		return fmt.Errorf("%w: API %s returned status %d: %s", sentinel, endpoint, resp.StatusCode, string(respBody))
	}

	var apiErr APIError
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("%w: API %s: %s", errs.ErrRemoteOperation, endpoint, apiErr.Error)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", errs.ErrRemoteOperation, endpoint, err)
		}
	}

	return nil
}

func kindEndpoint(kind models.EntityType, action string) string {
	return "/api/" + string(kind) + "/" + action
}

// Create inserts a new remote entity and returns its backend id.
func (c *HTTPClient) Create(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error) {
	return c.create(ctx, kind, "create", fields)
}

// CreateDirect inserts an execution record through the backend's
// lightweight create path.
func (c *HTTPClient) CreateDirect(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error) {
	return c.create(ctx, kind, "createDirect", fields)
}

func (c *HTTPClient) create(ctx context.Context, kind models.EntityType, action string, fields json.RawMessage) (string, error) {
	var resp createResponse
	if err := c.post(ctx, kindEndpoint(kind, action), createRequest{Fields: fields}, &resp); err != nil {
		return "", fmt.Errorf("creating %s: %w", kind, err)
	}

	if resp.ID == "" {
		return "", fmt.Errorf("creating %s: %w: response has no id", kind, errs.ErrRemoteOperation)
	}

	return resp.ID, nil
}

// Update patches a remote entity.
func (c *HTTPClient) Update(ctx context.Context, kind models.EntityType, remoteID string, fields json.RawMessage) error {
	if err := c.post(ctx, kindEndpoint(kind, "update"), updateRequest{ID: remoteID, Fields: fields}, nil); err != nil {
		return fmt.Errorf("updating %s %s: %w", kind, remoteID, err)
	}

	return nil
}

// Remove deletes a remote entity.
func (c *HTTPClient) Remove(ctx context.Context, kind models.EntityType, remoteID string) error {
	if err := c.post(ctx, kindEndpoint(kind, "remove"), removeRequest{ID: remoteID}, nil); err != nil {
		return fmt.Errorf("removing %s %s: %w", kind, remoteID, err)
	}

	return nil
}

// List returns the remote entities of kind matching filter.
func (c *HTTPClient) List(ctx context.Context, kind models.EntityType, filter models.ListFilter) ([]models.RemoteEntity, error) {
	req := listRequest{}
	if !filter.IsZero() {
		req.Filter = &filter
	}

	var resp listResponse
	if err := c.post(ctx, kindEndpoint(kind, "list"), req, &resp); err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}

	return resp.Items, nil
}

// Ping checks that the backend is reachable and the token is accepted.
func (c *HTTPClient) Ping(ctx context.Context) error {
	if err := c.post(ctx, "/api/ping", struct{}{}, nil); err != nil {
		return fmt.Errorf("pinging backend: %w", err)
	}

	return nil
}
