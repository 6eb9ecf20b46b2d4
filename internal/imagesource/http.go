package imagesource

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/example/palm-verify/internal/palm"
)

// HTTPSource downloads images from a public object-storage URL prefix,
// such as a storage bucket's public endpoint.
type HTTPSource struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// NewHTTPSource returns a source resolving locators below baseURL.
func NewHTTPSource(client *http.Client, baseURL string, logger *zap.Logger) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.Named("http_source"),
	}
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, locator string) (palm.RawImage, error) {
	target, err := url.JoinPath(s.baseURL, locator)
	if err != nil {
		return palm.RawImage{}, fmt.Errorf("%w: invalid locator %q: %w", palm.ErrFetch, locator, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return palm.RawImage{}, fmt.Errorf("%w: %w", palm.ErrFetch, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("image download failed", zap.String("locator", locator), zap.Error(err))
		return palm.RawImage{}, fmt.Errorf("%w: %w", palm.ErrFetch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return palm.RawImage{}, fmt.Errorf("%w: %w: %s", palm.ErrFetch, ErrImageNotFound, locator)
	case resp.StatusCode != http.StatusOK:
		return palm.RawImage{}, fmt.Errorf("%w: %s returned %s", palm.ErrFetch, locator, resp.Status)
	}
	return Decode(resp.Body)
}
