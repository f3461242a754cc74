package model

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"
)

// Concept aggregates extracted feature values. Empty input yields zero.
type Concept interface {
	Slug() string
	Name() string
	Aggregate(values []decimal.Decimal) decimal.Decimal
}

// Concept slugs.
const (
	ConceptMean   = "mean"
	ConceptMedian = "median"
)

// Mean is the arithmetic average.
type Mean struct{}

func (Mean) Slug() string { return ConceptMean }
func (Mean) Name() string { return "Mean" }

func (Mean) Aggregate(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Avg(values[0], values[1:]...)
}

// Median is the middle value, or the mean of the two middle values.
type Median struct{}

func (Median) Slug() string { return ConceptMedian }
func (Median) Name() string { return "Median" }

func (Median) Aggregate(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := slices.Clone(values)
	slices.SortFunc(sorted, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return decimal.Avg(sorted[mid-1], sorted[mid])
}

// ConceptBySlug resolves a configured concept name.
func ConceptBySlug(slug string) (Concept, error) {
	for _, c := range Concepts() {
		if c.Slug() == slug {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown concept %q", slug)
}

// Concepts lists every concept kind.
func Concepts() []Concept {
	return []Concept{Mean{}, Median{}}
}
