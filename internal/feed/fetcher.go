package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPFetcher fetches the current price for a source from an upstream
// rate service over HTTP. Every call is bounded by the request timeout.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTPFetcher(baseURL string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type priceResponse struct {
	Price float64 `json:"price"`
}

// FetchPrice returns the current price for the named source.
func (f *HTTPFetcher) FetchPrice(ctx context.Context, source string) (float64, error) {
	endpoint := fmt.Sprintf("%s/price?source=%s", f.baseURL, url.QueryEscape(source))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price fetch returned status %d", resp.StatusCode)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("price fetch returned malformed body: %w", err)
	}
	if body.Price <= 0 {
		return 0, fmt.Errorf("price fetch returned non-positive price %f", body.Price)
	}
	return body.Price, nil
}
