// Package signatures implements the external function-selector lookup
// used to decorate C7's rendered messages with a human-readable call
// signature. Resolution is optional: any failure from either upstream
// service is swallowed by the caller, never surfaced as a pipeline
// error (spec §4.7 "the resolved signature is optional and
// decorative").
package signatures

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const requestTimeout = 3 * time.Second

// Resolver queries every configured external selector database in
// parallel and returns the first non-empty, non-selector-echoing answer
// in configuration order (spec §4.7,
// §6 signature_lookup_urls).
type Resolver struct {
	urls       []string
	httpClient *http.Client
}

// New builds a Resolver against the configured lookup endpoints. Each
// url is treated as a format string containing exactly one "%s" for
// the selector.
func New(urls []string) *Resolver {
	return &Resolver{
		urls:       urls,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// Resolve returns the first resolved signature string among the
// configured endpoints, or "" if none resolved (never an error the
// caller must act on; transport/decode errors are swallowed).
func (r *Resolver) Resolve(ctx context.Context, selector string) (string, error) {
	if len(r.urls) == 0 || selector == "" || selector == "0x" {
		return "", nil
	}

	results := make([]string, len(r.urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, url := range r.urls {
		i, url := i, url
		g.Go(func() error {
			sig, err := r.fetchOne(gctx, url, selector)
			if err != nil {
				// Swallow: a lookup failure never fails the whole Resolve.
				return nil
			}
			results[i] = sig
			return nil
		})
	}
	_ = g.Wait()

	for _, sig := range results {
		if sig != "" && sig != selector {
			return sig, nil
		}
	}
	return "", nil
}

type lookupResponse struct {
	Result struct {
		Function map[string][]struct {
			Name string `json:"name"`
		} `json:"function"`
	} `json:"result"`
}

func (r *Resolver) fetchOne(ctx context.Context, urlTemplate, selector string) (string, error) {
	url := fmt.Sprintf(urlTemplate, selector)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var decoded lookupResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", err
	}

	matches, ok := decoded.Result.Function[selector]
	if !ok || len(matches) == 0 {
		return "", fmt.Errorf("no signature found for %s", selector)
	}
	return matches[0].Name, nil
}
