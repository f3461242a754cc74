package model

import (
	"fmt"
	"strconv"
)

// SegmentKind discriminates segment implementations in storage.
type SegmentKind string

// Segment kinds.
const (
	SegmentAny   SegmentKind = "any"
	SegmentCount SegmentKind = "count"
	SegmentBlock SegmentKind = "census_block"
)

// Dimension slugs.
const (
	DimensionBedrooms    = "bedrooms"
	DimensionBathrooms   = "bathrooms"
	DimensionCensusBlock = "census_block"
)

// Segment is one bucket on a dimension.
type Segment interface {
	// ID is unique across all dimensions.
	ID() string
	Dimension() string
	Kind() SegmentKind
	// Value is the stored scalar for the bucket.
	Value() string
	Name() string
	Rank() int
	Contains(l Listing) bool
}

// AnySegment matches every listing.
type AnySegment struct {
	Dim string
}

func (s AnySegment) ID() string            { return s.Dim + ":any" }
func (s AnySegment) Dimension() string     { return s.Dim }
func (AnySegment) Kind() SegmentKind       { return SegmentAny }
func (AnySegment) Value() string           { return "" }
func (AnySegment) Name() string            { return "Any" }
func (AnySegment) Rank() int               { return 0 }
func (AnySegment) Contains(_ Listing) bool { return true }

// CountSegment buckets a count feature by exact value, or by Value and above when OrMore is set.
type CountSegment struct {
	Dim     string
	Feature Feature
	Count   int
	OrMore  bool
}

// ID implements Segment.
func (s CountSegment) ID() string {
	if s.OrMore {
		return fmt.Sprintf("%s:%d+", s.Dim, s.Count)
	}
	return fmt.Sprintf("%s:%d", s.Dim, s.Count)
}

func (s CountSegment) Dimension() string { return s.Dim }
func (CountSegment) Kind() SegmentKind   { return SegmentCount }
func (s CountSegment) Rank() int         { return s.Count }

// Value implements Segment.
func (s CountSegment) Value() string {
	if s.OrMore {
		return strconv.Itoa(s.Count) + "+"
	}
	return strconv.Itoa(s.Count)
}

// Name implements Segment.
func (s CountSegment) Name() string {
	if s.OrMore {
		return fmt.Sprintf("%d or more", s.Count)
	}
	return strconv.Itoa(s.Count)
}

// Contains implements Segment. Buckets hold whole counts: the value is
// truncated toward zero before comparing, so 2.5 bathrooms is in bucket 2.
// Listings without a value, or of a variant the feature cannot read, are
// never members.
func (s CountSegment) Contains(l Listing) bool {
	v, ok, err := s.Feature.Extract(l)
	if err != nil || !ok {
		return false
	}
	n := v.IntPart()
	if s.OrMore {
		return n >= int64(s.Count)
	}
	return n == int64(s.Count)
}

// BlockSegment matches listings assigned to one census block.
type BlockSegment struct {
	Key BlockKey
}

func (s BlockSegment) ID() string      { return "cb-" + s.Key.GeoID() }
func (BlockSegment) Dimension() string { return DimensionCensusBlock }
func (BlockSegment) Kind() SegmentKind { return SegmentBlock }
func (s BlockSegment) Value() string   { return s.Key.GeoID() }
func (s BlockSegment) Name() string    { return "Census Block " + s.Key.GeoID() }
func (BlockSegment) Rank() int         { return 0 }

// Contains implements Segment.
func (s BlockSegment) Contains(l Listing) bool {
	b := l.Base().Block
	return b != nil && *b == s.Key
}
