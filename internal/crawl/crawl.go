// Package crawl holds the source-independent crawl pipeline: the region and
// page producer, the search worker that fans results out, and the listing
// ingest worker that geocodes and stores them.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	collyfetcher "github.com/JakeFAU/bonanza/internal/fetcher/colly"
	"github.com/JakeFAU/bonanza/internal/model"
)

var (
	// ErrMalformedResponse marks a search response that could not be decoded.
	// It is treated as transient.
	ErrMalformedResponse = errors.New("malformed search response")
	// ErrIncompleteListing marks a listing missing a required field or
	// carrying an unparsable mandatory value. Retrying will not help.
	ErrIncompleteListing = errors.New("incomplete listing")
)

// SearchRequest asks a search worker to fetch one results page.
type SearchRequest struct {
	Source       model.Source `json:"source"`
	Subdomain    string       `json:"subdomain,omitempty"`
	Endpoint     string       `json:"endpoint,omitempty"`
	Name         string       `json:"name,omitempty"`
	State        string       `json:"state,omitempty"`
	Page         int          `json:"page,omitempty"`
	GeoclusterID string       `json:"geocluster_id,omitempty"`
}

// ListingMessage carries one raw result item to the ingest worker.
type ListingMessage struct {
	Token        model.Token     `json:"token"`
	Source       model.Source    `json:"source"`
	Subdomain    string          `json:"subdomain,omitempty"`
	Data         json.RawMessage `json:"data"`
	GeoclusterID string          `json:"geocluster_id,omitempty"`
}

// Publication is a message bound for a routing key.
type Publication[T any] struct {
	RoutingKey string
	Message    T
}

// Expansion is what a search response fans out into.
type Expansion struct {
	Requests []Publication[SearchRequest]
	Listings []Publication[ListingMessage]
}

// Source adapts one listing provider to the pipeline.
type Source interface {
	Name() model.Source
	// DefaultTargets seeds the producer when no targets file is configured.
	DefaultTargets() []SearchRequest
	Request(req SearchRequest) (collyfetcher.Request, error)
	// Expand turns a search response into follow-up requests and listings.
	Expand(req SearchRequest, body []byte, threshold int) (Expansion, error)
	// Parse builds a listing from a message. Failures wrap ErrIncompleteListing.
	Parse(msg ListingMessage) (model.Listing, error)
}

// Registry indexes sources by name.
type Registry map[model.Source]Source

// NewRegistry builds a Registry, rejecting duplicate names.
func NewRegistry(sources ...Source) (Registry, error) {
	r := make(Registry, len(sources))
	for _, s := range sources {
		if _, dup := r[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate source %q", s.Name())
		}
		r[s.Name()] = s
	}
	return r, nil
}

// Lookup returns the named source.
func (r Registry) Lookup(name model.Source) (Source, error) {
	s, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", name)
	}
	return s, nil
}

// Fetcher performs one GET.
type Fetcher interface {
	Fetch(ctx context.Context, req collyfetcher.Request) (collyfetcher.Response, error)
}

// TokenSource mints correlation tokens.
type TokenSource interface {
	NewToken() (model.Token, error)
}
