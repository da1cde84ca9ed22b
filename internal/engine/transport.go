package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tunetrainer/synccore/internal/wire"
)

// HTTPTransport posts SyncRequests to the mediator's POST /api/sync
// endpoint over net/http, matching the teacher's plain database/sql-and-
// net/http client style (no generated RPC stubs for this one call).
type HTTPTransport struct {
	client     *http.Client
	url        string
	authSecret string
	userID     string
}

// NewHTTPTransport returns a Transport that authenticates as userID using
// authSecret (see mediator.Server.authenticate for the token shape this
// module uses in place of real token issuance, which is out of scope).
func NewHTTPTransport(client *http.Client, url, authSecret, userID string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client, url: url, authSecret: authSecret, userID: userID}
}

// Sync implements Transport.
func (t *HTTPTransport) Sync(ctx context.Context, req wire.SyncRequest) (wire.SyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return wire.SyncResponse{}, fmt.Errorf("engine: encoding sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return wire.SyncResponse{}, fmt.Errorf("engine: building sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.authSecret+":"+t.userID)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return wire.SyncResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.SyncResponse{}, fmt.Errorf("engine: reading sync response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return wire.SyncResponse{}, fmt.Errorf("%w", &authFailure{body: string(respBody)})
	}
	if resp.StatusCode != http.StatusOK {
		return wire.SyncResponse{}, fmt.Errorf("engine: mediator returned status %d: %s", resp.StatusCode, respBody)
	}

	var out wire.SyncResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return wire.SyncResponse{}, fmt.Errorf("engine: decoding sync response: %w", err)
	}
	if out.Error != "" {
		return out, fmt.Errorf("engine: mediator reported error: %s", out.Error)
	}
	return out, nil
}

type authFailure struct{ body string }

func (e *authFailure) Error() string { return "mediator: unauthenticated: " + e.body }
