package cors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/saleschat/aiservice/internal/apierr"
	"github.com/saleschat/aiservice/internal/version"
)

// BackendFetcher resolves plugin registrations from the tenant backend's
// catalog endpoint, authenticated with the shared webhook secret.
type BackendFetcher struct {
	baseURL string
	secret  string
	client  *http.Client
}

var _ Fetcher = (*BackendFetcher)(nil)

func NewBackendFetcher(baseURL, secret string, timeout time.Duration) *BackendFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BackendFetcher{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *BackendFetcher) FetchPluginDomains(ctx context.Context, pluginID string) (*Registration, error) {
	endpoint := f.baseURL + "/api/cors/plugin-domains?pluginId=" + url.QueryEscape(pluginID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "construct plugin-domains request")
	}
	req.Header.Set("X-Webhook-Secret", f.secret)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apierr.Wrap(err, apierr.CodeBackendPostFailed, "fetch plugin domains")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apierr.ErrPluginNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, apierr.Newf(apierr.CodeBackendPostFailed, "plugin-domains returned status %d", resp.StatusCode)
	}

	var reg Registration
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return nil, apierr.Wrap(err, apierr.CodeBackendPostFailed, "decode plugin domains")
	}
	return &reg, nil
}
