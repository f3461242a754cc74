package model

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AnalyticContext is an unordered set of segments naming one tracked group.
type AnalyticContext struct {
	ID       int64
	Key      string
	Segments []Segment
}

// ContextKey identifies a segment set independent of order.
func ContextKey(segments []Segment) string {
	ids := make([]string, 0, len(segments))
	for _, s := range segments {
		ids = append(ids, s.ID())
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return strings.Join(ids, "|")
}

// Contains reports whether l belongs to every segment of the context.
func (c AnalyticContext) Contains(l Listing) bool {
	for _, s := range c.Segments {
		if !s.Contains(l) {
			return false
		}
	}
	return true
}

// SeriesKey identifies a series.
type SeriesKey struct {
	ContextID    int64
	Concept      string
	Feature      string
	DurationDays int
}

// Series is one time series over a context.
type Series struct {
	ID int64
	SeriesKey
}

// Measure is the value of a series on one date.
type Measure struct {
	SeriesID int64
	Date     time.Time
	Value    decimal.Decimal
}
