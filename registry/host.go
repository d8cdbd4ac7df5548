package registry

import (
	"context"
	"errors"

	"github.com/wolfeidau/catalog-harvester/fetch"
	"github.com/wolfeidau/catalog-harvester/sandbox"
)

// Fetcher performs network access on behalf of an extension under the
// policy installed from its manifest. *fetch.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, extension, url string) (*fetch.Response, error)
	FetchBytes(ctx context.Context, extension, url string) ([]byte, string, error)
	SetPolicy(extension string, p fetch.Policy) error
	RemovePolicy(extension string)
}

var errNoFetcher = errors.New("no network client configured")

// extensionHost connects one extension's host globals to the registry.
type extensionHost struct {
	id  string
	reg *Registry
}

var _ sandbox.Host = (*extensionHost)(nil)

func (h *extensionHost) Fetch(ctx context.Context, url string) (*sandbox.FetchResult, error) {
	if h.reg.fetcher == nil {
		return nil, errNoFetcher
	}
	resp, err := h.reg.fetcher.Fetch(ctx, h.id, url)
	if err != nil {
		return nil, err
	}
	return &sandbox.FetchResult{Status: resp.Status, Body: resp.Body, ContentType: resp.ContentType}, nil
}

func (h *extensionHost) FetchBytes(ctx context.Context, url string) ([]byte, string, error) {
	if h.reg.fetcher == nil {
		return nil, "", errNoFetcher
	}
	return h.reg.fetcher.FetchBytes(ctx, h.id, url)
}

func (h *extensionHost) Progress(current, total int64) {
	h.reg.setProgress(h.id, Progress{Current: current, Total: total})
}

func (h *extensionHost) Spinner() {
	h.reg.setProgress(h.id, Progress{Spinner: true})
}

func (h *extensionHost) ClearProgress() {
	h.reg.setProgress(h.id, Progress{})
}

func (h *extensionHost) Log(level, message string) {
	h.reg.appendMessage(h.id, level, message)
}
