// Package agent talks to the CrowdSec enforcement agent: an HTTP client for
// its document control plane and a deployer that compiles and pushes an
// application's full document set.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"appfw/waf"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// pushParallelism bounds concurrent document uploads per push.
const pushParallelism = 4

type httpClientImpl struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates an AgentClient against the agent's HTTP control
// plane. The timeout bounds each individual document call.
func NewHTTPClient(baseURL string, apiKey string, timeout time.Duration, logger zerolog.Logger) waf.AgentClient {
	return &httpClientImpl{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *httpClientImpl) documentURL(appID string, filename string) string {
	return fmt.Sprintf("%s/v1/apps/%s/documents/%s",
		c.baseURL, url.PathEscape(appID), url.PathEscape(filename))
}

// PushDocuments uploads documents in parallel. Any failure aborts the group;
// the agent treats uploads as idempotent puts, so a partial push is repaired
// by the next retry.
func (c *httpClientImpl) PushDocuments(ctx context.Context, appID string, docs []waf.Document) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pushParallelism)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			return c.putDocument(ctx, appID, doc)
		})
	}
	return g.Wait()
}

func (c *httpClientImpl) putDocument(ctx context.Context, appID string, doc waf.Document) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.documentURL(appID, doc.Filename), bytes.NewReader(doc.Content))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-yaml")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pushing %s: %w", doc.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pushing %s: agent returned %d: %s", doc.Filename, resp.StatusCode, bytes.TrimSpace(body))
	}

	c.logger.Debug().Str("appID", appID).Str("filename", doc.Filename).Msg("Pushed document to agent")
	return nil
}

// RemoveDocuments de-registers documents by filename. A 404 from the agent
// counts as removed.
func (c *httpClientImpl) RemoveDocuments(ctx context.Context, appID string, filenames []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(pushParallelism)
	for _, filename := range filenames {
		filename := filename
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.documentURL(appID, filename), nil)
			if err != nil {
				return err
			}
			if c.apiKey != "" {
				req.Header.Set("X-Api-Key", c.apiKey)
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("removing %s: %w", filename, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode > 299) {
				return fmt.Errorf("removing %s: agent returned %d", filename, resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}
