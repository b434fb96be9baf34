package worker

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"offlinegate/internal/cache"
)

// Install fetches every manifest entry and stores them in the version's
// cache. Nothing is stored unless every fetch returned a 2xx response.
func (w *Worker) Install(ctx context.Context) error {
	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return fmt.Errorf("%w: open cache %s: %w", ErrInstallFailed, w.cacheName, err)
	}

	entries := make([]cache.Entry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range w.manifest {
		g.Go(func() error {
			resp, err := w.fetchAsset(gctx, id)
			if err != nil {
				return err
			}
			entries[i] = cache.Entry{ID: id, Response: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := c.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("%w: store shell: %w", ErrInstallFailed, err)
	}
	for _, id := range w.manifest {
		_, ok, err := c.Match(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: verify %s: %w", ErrInstallFailed, id, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s missing from %s after store", ErrInstallFailed, id, w.cacheName)
		}
	}
	w.logger.Info("shell cached", "assets", len(entries))
	return nil
}

func (w *Worker) fetchAsset(ctx context.Context, id cache.Identity) (*cache.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, id.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", id, err)
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isOK(resp.StatusCode) {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", id, resp.StatusCode)
	}
	body, err := readLimited(resp.Body, w.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	return &cache.Response{
		StatusCode: resp.StatusCode,
		Header:     storableHeader(resp.Header),
		Body:       body,
	}, nil
}
