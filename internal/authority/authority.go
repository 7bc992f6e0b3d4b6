// Package authority defines the interface to the remote index status
// authority. The authority answers whether a URL has been indexed and
// accepts re-indexing requests.
package authority

import "context"

// Inspection is the structured result of an index status lookup.
// Success false with a populated Error means the authority answered but
// could not produce a verdict; transport problems surface as Go errors
// from Inspect instead.
type Inspection struct {
	Success       bool   `json:"success"`
	Verdict       string `json:"verdict,omitempty"`
	CoverageState string `json:"coverage_state,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Receipt acknowledges a re-indexing or sitemap request.
type Receipt struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client is the consumed interface for the status authority.
type Client interface {
	// Inspect asks the authority for the current indexing verdict of url.
	Inspect(ctx context.Context, url string) (Inspection, error)

	// RequestReindex asks the authority to re-process url. Callers treat
	// this as fire-and-forget; the receipt is informational.
	RequestReindex(ctx context.Context, url string) (Receipt, error)
}

// SitemapSubmitter is implemented by authorities that also accept sitemap
// submissions.
type SitemapSubmitter interface {
	SubmitSitemap(ctx context.Context) (Receipt, error)
}

// NoOpClient reports every URL as never indexed and accepts all requests.
// It is useful for running the service without authority credentials.
type NoOpClient struct{}

// Inspect for NoOpClient always reports an unknown coverage state.
func (NoOpClient) Inspect(_ context.Context, _ string) (Inspection, error) {
	return Inspection{Success: true, CoverageState: "URL is unknown to Google"}, nil
}

// RequestReindex for NoOpClient does nothing and reports success.
func (NoOpClient) RequestReindex(_ context.Context, url string) (Receipt, error) {
	return Receipt{Success: true, Message: "noop reindex accepted for " + url}, nil
}
