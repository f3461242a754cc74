package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/paulmach/orb"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/bonanza/internal/model"
	"github.com/JakeFAU/bonanza/internal/store"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

const listingColumns = `source, external_id, key, kind, title, url, posted_date,
	ST_X(location), ST_Y(location), raw, token, geocluster_id,
	block_state, block_county, block_tract, block_block,
	subdomain, bedrooms, bathrooms::text, price::text, status, property_type,
	street, city, region, image_url, created_at, updated_at`

const upsertListing = `INSERT INTO listing (
	source, external_id, key, kind, title, url, posted_date, location, raw, token, geocluster_id,
	block_state, block_county, block_tract, block_block,
	subdomain, bedrooms, bathrooms, price, status, property_type,
	street, city, region, image_url, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, ST_SetSRID(ST_MakePoint($8, $9), 4326), $10, $11, $12,
	$13, $14, $15, $16,
	$17, $18, $19::numeric, $20::numeric, $21, $22,
	$23, $24, $25, $26, $27, $28
)
ON CONFLICT (source, external_id) DO UPDATE SET
	key = EXCLUDED.key,
	kind = EXCLUDED.kind,
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	posted_date = EXCLUDED.posted_date,
	location = EXCLUDED.location,
	raw = EXCLUDED.raw,
	token = EXCLUDED.token,
	geocluster_id = EXCLUDED.geocluster_id,
	block_state = EXCLUDED.block_state,
	block_county = EXCLUDED.block_county,
	block_tract = EXCLUDED.block_tract,
	block_block = EXCLUDED.block_block,
	subdomain = EXCLUDED.subdomain,
	bedrooms = EXCLUDED.bedrooms,
	bathrooms = EXCLUDED.bathrooms,
	price = EXCLUDED.price,
	status = EXCLUDED.status,
	property_type = EXCLUDED.property_type,
	street = EXCLUDED.street,
	city = EXCLUDED.city,
	region = EXCLUDED.region,
	image_url = EXCLUDED.image_url,
	updated_at = EXCLUDED.updated_at`

// listingRow is the flattened table shape shared by both listing variants.
type listingRow struct {
	source       string
	externalID   string
	key          string
	kind         string
	title        string
	url          string
	postedDate   time.Time
	lon, lat     float64
	raw          []byte
	token        []byte
	geoclusterID string
	blockState   *string
	blockCounty  *string
	blockTract   *string
	blockBlock   *string
	subdomain    string
	bedrooms     *int
	bathrooms    *string
	price        *string
	status       string
	propertyType string
	street       string
	city         string
	region       string
	imageURL     string
	createdAt    time.Time
	updatedAt    time.Time
}

func (r *listingRow) dest() []any {
	return []any{
		&r.source, &r.externalID, &r.key, &r.kind, &r.title, &r.url, &r.postedDate,
		&r.lon, &r.lat, &r.raw, &r.token, &r.geoclusterID,
		&r.blockState, &r.blockCounty, &r.blockTract, &r.blockBlock,
		&r.subdomain, &r.bedrooms, &r.bathrooms, &r.price, &r.status, &r.propertyType,
		&r.street, &r.city, &r.region, &r.imageURL, &r.createdAt, &r.updatedAt,
	}
}

func (r *listingRow) args() []any {
	return []any{
		r.source, r.externalID, r.key, r.kind, r.title, r.url, r.postedDate,
		r.lon, r.lat, r.raw, r.token, r.geoclusterID,
		r.blockState, r.blockCounty, r.blockTract, r.blockBlock,
		r.subdomain, r.bedrooms, r.bathrooms, r.price, r.status, r.propertyType,
		r.street, r.city, r.region, r.imageURL, r.createdAt, r.updatedAt,
	}
}

func rowFromListing(l model.Listing) (listingRow, error) {
	b := l.Base()
	r := listingRow{
		source:       string(b.Source),
		externalID:   b.ExternalID,
		key:          b.Key,
		kind:         string(l.Kind()),
		title:        b.Title,
		url:          b.URL,
		postedDate:   b.PostedDate,
		lon:          b.Location.Lon(),
		lat:          b.Location.Lat(),
		raw:          []byte(b.Raw),
		token:        b.Token[:],
		geoclusterID: b.GeoclusterID,
		createdAt:    b.CreatedAt,
		updatedAt:    b.UpdatedAt,
	}
	if len(r.raw) == 0 {
		r.raw = []byte("{}")
	}
	if b.Block != nil {
		r.blockState, r.blockCounty, r.blockTract, r.blockBlock = &b.Block.State, &b.Block.County, &b.Block.Tract, &b.Block.Block
	}
	switch v := l.(type) {
	case *model.RentalListing:
		r.subdomain = v.Subdomain
		r.bedrooms = v.Bedrooms
		r.price = decimalText(v.Ask)
		r.imageURL = v.ImageThumb
	case *model.ForeclosureListing:
		r.bedrooms = v.Beds
		r.bathrooms = decimalText(v.Baths)
		r.price = decimalText(v.Price)
		r.status = v.Status
		r.propertyType = v.PropertyType
		r.street = v.Street
		r.city = v.City
		r.region = v.State
		r.imageURL = v.ImageURL
	default:
		return listingRow{}, fmt.Errorf("unsupported listing type %T", l)
	}
	return r, nil
}

func (r *listingRow) listing() (model.Listing, error) {
	base := model.ListingBase{
		Key:          r.key,
		Source:       model.Source(r.source),
		ExternalID:   r.externalID,
		Title:        r.title,
		URL:          r.url,
		PostedDate:   r.postedDate,
		Location:     orb.Point{r.lon, r.lat},
		Raw:          r.raw,
		GeoclusterID: r.geoclusterID,
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
	copy(base.Token[:], r.token)
	if r.blockState != nil && r.blockCounty != nil && r.blockTract != nil && r.blockBlock != nil {
		base.Block = &model.BlockKey{State: *r.blockState, County: *r.blockCounty, Tract: *r.blockTract, Block: *r.blockBlock}
	}
	price, err := parseDecimal(r.price)
	if err != nil {
		return nil, err
	}
	switch model.Kind(r.kind) {
	case model.KindRental:
		return &model.RentalListing{
			ListingBase: base,
			Subdomain:   r.subdomain,
			Bedrooms:    r.bedrooms,
			Ask:         price,
			ImageThumb:  r.imageURL,
		}, nil
	case model.KindForeclosure:
		baths, err := parseDecimal(r.bathrooms)
		if err != nil {
			return nil, err
		}
		return &model.ForeclosureListing{
			ListingBase:  base,
			Beds:         r.bedrooms,
			Baths:        baths,
			Price:        price,
			Status:       r.status,
			PropertyType: r.propertyType,
			Street:       r.street,
			City:         r.city,
			State:        r.region,
			ImageURL:     r.imageURL,
		}, nil
	default:
		return nil, fmt.Errorf("unknown listing kind %q", r.kind)
	}
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse numeric %q: %w", *s, err)
	}
	return &d, nil
}

// GetListing implements store.ListingStore.
func (s *Store) GetListing(ctx context.Context, source model.Source, externalID string) (model.Listing, error) {
	var r listingRow
	err := s.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listing WHERE source = $1 AND external_id = $2`,
		string(source), externalID).Scan(r.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return r.listing()
}

// SaveListing implements store.ListingStore.
func (s *Store) SaveListing(ctx context.Context, l model.Listing) error {
	r, err := rowFromListing(l)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, upsertListing, r.args()...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = fmt.Errorf("%w: %s", store.ErrKeyConflict, pgErr.Detail)
		}
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// FindBlock implements store.ListingStore.
func (s *Store) FindBlock(ctx context.Context, p orb.Point) (model.BlockKey, error) {
	var k model.BlockKey
	err := s.db.QueryRow(ctx, `SELECT state, county, tract, block FROM census_block
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		LIMIT 1`, p.Lon(), p.Lat()).Scan(&k.State, &k.County, &k.Tract, &k.Block)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.BlockKey{}, store.ErrNotFound
	}
	if err != nil {
		return model.BlockKey{}, fmt.Errorf("find block: %w", err)
	}
	return k, nil
}

func collectListings(rows pgx.Rows) ([]model.Listing, error) {
	defer rows.Close()
	var out []model.Listing
	for rows.Next() {
		var r listingRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l, err := r.listing()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}
	return out, nil
}
