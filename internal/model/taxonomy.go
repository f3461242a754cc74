package model

import "fmt"

// Dimension is a named classification axis and its fixed segments.
type Dimension struct {
	Slug     string
	Name     string
	Segments []Segment
}

// Taxonomy is the reference set of dimensions, concepts and features.
type Taxonomy struct {
	Dimensions []Dimension
	Concepts   []Concept
	Features   []Feature
}

// Dimension looks up a dimension by slug.
func (t Taxonomy) Dimension(slug string) (Dimension, error) {
	for _, d := range t.Dimensions {
		if d.Slug == slug {
			return d, nil
		}
	}
	return Dimension{}, fmt.Errorf("unknown dimension %q", slug)
}

// DefaultTaxonomy returns the bedrooms, bathrooms and census block dimensions
// with the mean and median concepts.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Dimensions: []Dimension{
			countDimension(DimensionBedrooms, "Bedrooms", Bedrooms{}),
			countDimension(DimensionBathrooms, "Bathrooms", Bathrooms{}),
			{Slug: DimensionCensusBlock, Name: "Census Block"},
		},
		Concepts: Concepts(),
		Features: Features(),
	}
}

func countDimension(slug, name string, f Feature) Dimension {
	segments := []Segment{AnySegment{Dim: slug}}
	for n := 1; n <= 4; n++ {
		segments = append(segments, CountSegment{Dim: slug, Feature: f, Count: n})
	}
	segments = append(segments, CountSegment{Dim: slug, Feature: f, Count: 5, OrMore: true})
	return Dimension{Slug: slug, Name: name, Segments: segments}
}
