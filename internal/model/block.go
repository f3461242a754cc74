package model

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// BlockKey is the compound census code of a block.
type BlockKey struct {
	State  string `json:"state"`
	County string `json:"county"`
	Tract  string `json:"tract"`
	Block  string `json:"block"`
}

// GeoID concatenates the parts of the key.
func (k BlockKey) GeoID() string {
	return k.State + k.County + k.Tract + k.Block
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.State, k.County, k.Tract, k.Block)
}

// Valid reports whether every part is set.
func (k BlockKey) Valid() bool {
	return k.State != "" && k.County != "" && k.Tract != "" && k.Block != ""
}

// CensusBlock is a block polygon loaded as reference data.
type CensusBlock struct {
	Key      BlockKey
	Geometry orb.MultiPolygon
}

// Contains reports whether p lies inside the block geometry.
func (b CensusBlock) Contains(p orb.Point) bool {
	return planar.MultiPolygonContains(b.Geometry, p)
}
