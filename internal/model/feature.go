package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrUnsupportedVariant is returned when a feature cannot be read from a listing variant.
var ErrUnsupportedVariant = errors.New("feature not supported for listing variant")

// Feature extracts one numeric value from a listing.
// Extract reports false when the listing carries no value for the feature.
type Feature interface {
	Slug() string
	Name() string
	Extract(l Listing) (decimal.Decimal, bool, error)
}

// Feature slugs.
const (
	FeatureRentAsk   = "rent-ask"
	FeatureSalePrice = "sale-price"
	FeatureBedrooms  = "bedrooms"
	FeatureBathrooms = "bathrooms"
)

// RentAsk reads the advertised rent of a rental listing.
type RentAsk struct{}

func (RentAsk) Slug() string { return FeatureRentAsk }
func (RentAsk) Name() string { return "Advertised Rental Price" }

func (f RentAsk) Extract(l Listing) (decimal.Decimal, bool, error) {
	switch v := l.(type) {
	case *RentalListing:
		return decimalOf(v.Ask)
	default:
		return decimal.Zero, false, unsupported(f, l)
	}
}

// SalePrice reads the asking price of a foreclosure.
type SalePrice struct{}

func (SalePrice) Slug() string { return FeatureSalePrice }
func (SalePrice) Name() string { return "Advertised Sale Price" }

func (f SalePrice) Extract(l Listing) (decimal.Decimal, bool, error) {
	switch v := l.(type) {
	case *ForeclosureListing:
		return decimalOf(v.Price)
	default:
		return decimal.Zero, false, unsupported(f, l)
	}
}

// Bedrooms reads the bedroom count, which both variants carry under different fields.
type Bedrooms struct{}

func (Bedrooms) Slug() string { return FeatureBedrooms }
func (Bedrooms) Name() string { return "Bedrooms" }

func (f Bedrooms) Extract(l Listing) (decimal.Decimal, bool, error) {
	switch v := l.(type) {
	case *RentalListing:
		return intOf(v.Bedrooms)
	case *ForeclosureListing:
		return intOf(v.Beds)
	default:
		return decimal.Zero, false, unsupported(f, l)
	}
}

// Bathrooms reads the bathroom count of a foreclosure.
type Bathrooms struct{}

func (Bathrooms) Slug() string { return FeatureBathrooms }
func (Bathrooms) Name() string { return "Bathrooms" }

func (f Bathrooms) Extract(l Listing) (decimal.Decimal, bool, error) {
	switch v := l.(type) {
	case *ForeclosureListing:
		return decimalOf(v.Baths)
	default:
		return decimal.Zero, false, unsupported(f, l)
	}
}

// FeatureBySlug resolves a configured feature name.
func FeatureBySlug(slug string) (Feature, error) {
	for _, f := range Features() {
		if f.Slug() == slug {
			return f, nil
		}
	}
	return nil, fmt.Errorf("unknown feature %q", slug)
}

// Features lists every feature kind.
func Features() []Feature {
	return []Feature{RentAsk{}, SalePrice{}, Bedrooms{}, Bathrooms{}}
}

func unsupported(f Feature, l Listing) error {
	return fmt.Errorf("%s on %s listing: %w", f.Slug(), l.Kind(), ErrUnsupportedVariant)
}

func decimalOf(d *decimal.Decimal) (decimal.Decimal, bool, error) {
	if d == nil {
		return decimal.Zero, false, nil
	}
	return *d, true, nil
}

func intOf(n *int) (decimal.Decimal, bool, error) {
	if n == nil {
		return decimal.Zero, false, nil
	}
	return decimal.NewFromInt(int64(*n)), true, nil
}
