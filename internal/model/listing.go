// Package model defines listings, census blocks and the analytics taxonomy.
package model

import (
	"encoding/json"
	"time"

	"github.com/paulmach/orb"
	"github.com/shopspring/decimal"
)

// Source names a listing provider.
type Source string

// Known sources.
const (
	SourceCraigslist Source = "craigslist"
	SourceHomepath   Source = "homepath"
)

// Kind discriminates listing variants in storage.
type Kind string

// Listing variants.
const (
	KindRental      Kind = "rental"
	KindForeclosure Kind = "foreclosure"
)

// Listing is implemented by RentalListing and ForeclosureListing only.
type Listing interface {
	Base() *ListingBase
	Kind() Kind
}

// ListingBase holds the fields every listing variant carries.
type ListingBase struct {
	// Key is the hex SHA-256 of the canonicalized raw payload.
	Key          string
	Source       Source
	ExternalID   string
	Title        string
	URL          string
	PostedDate   time.Time
	Location     orb.Point
	Raw          json.RawMessage
	Token        Token
	GeoclusterID string
	Block        *BlockKey
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Base returns the shared fields.
func (b *ListingBase) Base() *ListingBase {
	return b
}

// RentalListing is a classified ad offering a unit for rent.
type RentalListing struct {
	ListingBase
	Subdomain  string
	Bedrooms   *int
	Ask        *decimal.Decimal
	ImageThumb string
}

// Kind implements Listing.
func (*RentalListing) Kind() Kind { return KindRental }

// ForeclosureListing is a bank-owned property offered for sale.
type ForeclosureListing struct {
	ListingBase
	Beds         *int
	Baths        *decimal.Decimal
	Price        *decimal.Decimal
	Status       string
	PropertyType string
	Street       string
	City         string
	State        string
	ImageURL     string
}

// Kind implements Listing.
func (*ForeclosureListing) Kind() Kind { return KindForeclosure }

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
