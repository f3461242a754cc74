package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

func newImportBlocksCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "import-blocks FILE.geojson",
		Short: "Load census block polygons from a GeoJSON feature collection",
		Long: `Reads a GeoJSON FeatureCollection exported from the TIGER/Line block
shapefiles. Each feature needs STATEFP, COUNTYFP, TRACTCE and BLOCKCE
(or BLKGRPCE) properties and a Polygon or MultiPolygon geometry.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()

			st, err := openPostgres(cmd.Context(), state.cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := importBlocks(cmd.Context(), f, st, state.logger.Named("import"))
			if err != nil {
				return err
			}
			state.logger.Info("census blocks imported", zap.Int("blocks", n), zap.String("file", args[0]))
			return nil
		},
	}
}

// importBlocks upserts every usable feature of a GeoJSON collection and
// returns how many blocks were written.
func importBlocks(ctx context.Context, r io.Reader, st store.BlockStore, logger *zap.Logger) (int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return 0, fmt.Errorf("decode geojson: %w", err)
	}

	written := 0
	for i, f := range fc.Features {
		if err := ctx.Err(); err != nil {
			return written, fmt.Errorf("import interrupted: %w", err)
		}
		block, ok := blockFromFeature(f)
		if !ok {
			logger.Warn("skipping feature", zap.Int("index", i), zap.String("geometry", geometryType(f.Geometry)))
			continue
		}
		if err := st.PutBlock(ctx, block); err != nil {
			return written, fmt.Errorf("put block %s: %w", block.Key, err)
		}
		written++
		logger.Debug("imported block", zap.Int("index", i), zap.String("geo_id", block.Key.GeoID()))
	}
	return written, nil
}

func blockFromFeature(f *geojson.Feature) (model.CensusBlock, bool) {
	p := f.Properties
	key := model.BlockKey{
		State:  p.MustString("STATEFP", ""),
		County: p.MustString("COUNTYFP", ""),
		Tract:  p.MustString("TRACTCE", ""),
		Block:  p.MustString("BLOCKCE", p.MustString("BLKGRPCE", "")),
	}
	if !key.Valid() {
		return model.CensusBlock{}, false
	}
	var geom orb.MultiPolygon
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		geom = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		geom = g
	default:
		return model.CensusBlock{}, false
	}
	return model.CensusBlock{Key: key, Geometry: geom}, true
}

func geometryType(g orb.Geometry) string {
	if g == nil {
		return "none"
	}
	return g.GeoJSONType()
}
