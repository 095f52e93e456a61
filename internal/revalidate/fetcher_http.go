package revalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trainshare/pkg/domain"
)

// HTTPFetcher polls the trainer client-summary endpoint.
type HTTPFetcher struct {
	client      *http.Client
	summaryURL  string
	bearerToken string
}

func NewHTTPFetcher(client *http.Client, summaryURL, bearerToken string) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPFetcher{client: client, summaryURL: summaryURL, bearerToken: bearerToken}
}

type summaryResponse struct {
	Consent struct {
		Status    string     `json:"status"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expires_at"`
	} `json:"consent"`
}

func (f *HTTPFetcher) FetchSummary(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.summaryURL, nil)
	if err != nil {
		return Snapshot{}, err
	}
	req.Header.Set("Authorization", "Bearer "+f.bearerToken)

	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// decoded below
	case http.StatusNotFound, http.StatusForbidden, http.StatusUnauthorized:
		return Snapshot{}, ErrNoAccess
	default:
		return Snapshot{}, fmt.Errorf("summary fetch: unexpected status %d", resp.StatusCode)
	}

	var body summaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("decode summary: %w", err)
	}

	snapshot := Snapshot{
		Status:    domain.ConsentStatus(body.Consent.Status),
		ExpiresAt: body.Consent.ExpiresAt,
	}
	for _, s := range body.Consent.Scopes {
		// Unknown scopes from a newer server are dropped rather than shown.
		if sc := domain.ConsentScope(s); sc.IsValid() {
			snapshot.Scopes = append(snapshot.Scopes, sc)
		}
	}
	return snapshot, nil
}
