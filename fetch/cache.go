package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	harvester "github.com/wolfeidau/catalog-harvester"
	"github.com/wolfeidau/catalog-harvester/backend"
)

const (
	cachePrefix   = "fetch"
	encodingZstd  = "zstd"
	maxCachedBody = 16 << 20
)

// Cache stores text responses on a backend keyed by the BLAKE3 hash of the
// URL. Entries are framed with a JSON header and a zstd-compressed body.
type Cache struct {
	backend backend.Backend
	ttl     time.Duration
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

// NewCache creates a cache. A non-positive ttl disables caching.
func NewCache(be backend.Backend, ttl time.Duration) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Cache{backend: be, ttl: ttl, encoder: enc, decoder: dec, now: time.Now}, nil
}

// Close releases the codec resources.
func (c *Cache) Close() {
	c.encoder.Close()
	c.decoder.Close()
}

func cacheKey(url string) string {
	h := harvester.HashString(url)
	return cachePrefix + "/" + h.Dir() + "/" + h.String()
}

// Get returns a cached response, or nil when absent or expired.
func (c *Cache) Get(ctx context.Context, url string) (*Response, error) {
	if c == nil || c.ttl <= 0 {
		return nil, nil
	}
	rc, err := c.backend.Read(ctx, cacheKey(url))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	if header.URL != url || header.Expired(c.now()) {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, maxCachedBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading cache body: %w", err)
	}
	if header.Encoding == encodingZstd {
		raw, err = c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing cache body: %w", err)
		}
	}
	return &Response{
		URL:         url,
		Status:      header.Status,
		ContentType: header.ContentType,
		Body:        string(raw),
		FromCache:   true,
	}, nil
}

// Put stores resp until the cache TTL elapses.
func (c *Cache) Put(ctx context.Context, resp *Response) error {
	if c == nil || c.ttl <= 0 || len(resp.Body) > maxCachedBody {
		return nil
	}
	now := c.now()
	compressed := c.encoder.EncodeAll([]byte(resp.Body), nil)
	header := &backend.EntryHeader{
		URL:         resp.URL,
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Encoding:    encodingZstd,
		BodyLength:  int64(len(compressed)),
		FetchedAt:   now,
		ExpiresAt:   now.Add(c.ttl),
	}
	var buf bytes.Buffer
	if err := backend.WriteFramed(&buf, header, bytes.NewReader(compressed)); err != nil {
		return err
	}
	return c.backend.Write(ctx, cacheKey(resp.URL), &buf)
}

// Purge deletes every cached response.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	keys, err := c.backend.List(ctx, cachePrefix+"/")
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := c.backend.Delete(ctx, key); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
