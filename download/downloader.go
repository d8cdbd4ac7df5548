// Package download deduplicates concurrent asset downloads and serves
// stored blobs over HTTP. When several jobs want the same locator at once,
// only one extension call is made.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	harvester "github.com/wolfeidau/catalog-harvester"
)

// Result holds the bytes of one downloaded asset.
type Result struct {
	Data        []byte
	ContentType string
	Hash        harvester.Hash
}

// DownloadFunc fetches an asset. The context passed to it is detached from
// any single caller so that one caller giving up does not cancel the
// download for the others.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key builds the dedup key for an extension's asset locator.
func Key(extension, locator string) string {
	return extension + "\x00" + locator
}

// Do deduplicates concurrent downloads for the same key. It returns the
// result, whether it was shared with another caller, and any error.
//
// If the caller's context expires first, Do returns the context error but
// the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		res, err := fn(context.WithoutCancel(ctx))
		if err == nil && res != nil && res.Hash.IsZero() {
			res.Hash = harvester.HashBytes(res.Data)
		}
		return res, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("joined in-flight download", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group so the next call
// starts a fresh download.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key after a real download failure, but not after a
// caller's own context timed out, so other waiters keep the in-flight call.
func (d *Downloader) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
