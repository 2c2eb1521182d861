package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const maxTitleBodyBytes = 1 << 20

// TitleFetcher reads the HTML <title> of discovered web assets.
type TitleFetcher struct {
	client    *http.Client
	userAgent string
}

// NewTitleFetcher creates a fetcher whose requests time out after timeout.
func NewTitleFetcher(timeout time.Duration) *TitleFetcher {
	return &TitleFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: "Mozilla/5.0 (compatible; subwatch/1.0)",
	}
}

// FetchTitle returns the trimmed page title of rawURL. Entries without a
// scheme are fetched over https.
func (f *TitleFetcher) FetchTitle(ctx context.Context, rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxTitleBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " "), nil
}
