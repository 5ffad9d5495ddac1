package proxy

import (
	"context"
	"net/url"
)

// Install pre-populates the static namespace from the static asset manifest
// and the runtime namespace from the data asset manifest. Individual asset
// failures are logged and skipped; they never fail the install. Re-running
// with the same manifests overwrites entries in place, so the result is
// equivalent to a single run.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.warm(ctx, c.staticNS, c.staticAssets); err != nil {
		return err
	}
	return c.warm(ctx, c.runtimeNS, c.dataAssets)
}

func (c *Controller) warm(ctx context.Context, namespace string, paths []string) error {
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		target := c.origin.ResolveReference(&url.URL{Path: p})
		entry, err := c.fetch(ctx, target)
		if err != nil {
			c.logger.Warn().Err(err).Str("asset", p).Msg("warmup fetch failed, skipping")
			continue
		}
		if err := c.store.Put(namespace, entry); err != nil {
			c.logger.Warn().Err(err).Str("asset", p).Msg("warmup store failed, skipping")
			continue
		}
		c.logger.Debug().Str("asset", p).Str("namespace", namespace).Msg("warmed")
	}
	return nil
}

// Activate deletes every cache namespace not owned by the current version.
// Bumping the configured cache version makes the previous partitions
// unrecognized, so they are swept here on the next start.
func (c *Controller) Activate(ctx context.Context) error {
	names, err := c.store.Namespaces()
	if err != nil {
		return err
	}

	recognized := make(map[string]bool, len(c.recognizedNS))
	for _, name := range c.recognizedNS {
		recognized[name] = true
	}

	for _, name := range names {
		if recognized[name] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.store.DropNamespace(name); err != nil {
			c.logger.Warn().Err(err).Str("namespace", name).Msg("dropping stale namespace failed")
			continue
		}
		c.logger.Info().Str("namespace", name).Msg("dropped stale namespace")
	}
	return nil
}
