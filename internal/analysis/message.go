// Package analysis enumerates census blocks with recent listings and computes
// segmented time-series measures for each of them.
package analysis

import (
	"fmt"
	"slices"
	"time"

	"github.com/JakeFAU/bonanza/internal/model"
)

// RoutingKeyPrefix is followed by the listing type.
const RoutingKeyPrefix = "analysis.census_blocks."

// ListingTypeRental groups the rental classifieds.
const ListingTypeRental = "rental"

// AnalyzeBlock asks for one block's measures to be recomputed as of Date.
type AnalyzeBlock struct {
	ListingType string                    `json:"listing_type"`
	Date        string                    `json:"date"`
	CensusBlock model.BlockKey            `json:"census_block"`
	Listings    map[model.Source][]string `json:"listings"`
}

// RoutingKey returns the key the message is published under.
func (m AnalyzeBlock) RoutingKey() string {
	return RoutingKeyPrefix + m.ListingType
}

// AsOf parses Date.
func (m AnalyzeBlock) AsOf() (time.Time, error) {
	t, err := time.Parse(time.DateOnly, m.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse as-of date %q: %w", m.Date, err)
	}
	return t, nil
}

// Keys returns the listing keys of the given sources.
func (m AnalyzeBlock) Keys(sources []model.Source) []string {
	var keys []string
	for _, src := range sources {
		keys = append(keys, m.Listings[src]...)
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// ListingTypes maps a listing type to the sources whose listings it covers.
type ListingTypes map[string][]model.Source

// DefaultListingTypes analyzes craigslist rentals.
func DefaultListingTypes() ListingTypes {
	return ListingTypes{ListingTypeRental: {model.SourceCraigslist}}
}
