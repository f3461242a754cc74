// Package craigslist adapts the Craigslist JSON search endpoint to the crawl pipeline.
package craigslist

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/JakeFAU/bonanza/internal/crawl"
	collyfetcher "github.com/JakeFAU/bonanza/internal/fetcher/colly"
	"github.com/JakeFAU/bonanza/internal/model"
)

// Routing keys published by this source.
const (
	RoutingKeySubdomain  = "requests.craigslist.subdomain"
	RoutingKeyGeocluster = "requests.craigslist.geocluster"
	RoutingKeyListing    = "listings.craigslist"
)

// Source implements crawl.Source for Craigslist.
type Source struct{}

// New returns the Craigslist source.
func New() *Source {
	return &Source{}
}

// Name implements crawl.Source.
func (*Source) Name() model.Source { return model.SourceCraigslist }

// DefaultTargets implements crawl.Source. Regions always come from a targets file.
func (*Source) DefaultTargets() []crawl.SearchRequest { return nil }

// Request implements crawl.Source.
func (*Source) Request(req crawl.SearchRequest) (collyfetcher.Request, error) {
	if req.Subdomain == "" || req.Endpoint == "" {
		return collyfetcher.Request{}, fmt.Errorf("craigslist request needs subdomain and endpoint")
	}
	return collyfetcher.Request{URL: siteURL(req.Subdomain) + req.Endpoint}, nil
}

func siteURL(subdomain string) string {
	return "https://" + subdomain + ".craigslist.org"
}

// Expand implements crawl.Source. The response is a two element array of
// results and query metadata. Clusters at or above threshold become one
// narrower request each; smaller clusters are skipped.
func (*Source) Expand(req crawl.SearchRequest, body []byte, threshold int) (crawl.Expansion, error) {
	var top []json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || len(top) == 0 {
		return crawl.Expansion{}, fmt.Errorf("%w: expected [results, meta]", crawl.ErrMalformedResponse)
	}
	var results []json.RawMessage
	if err := json.Unmarshal(top[0], &results); err != nil {
		return crawl.Expansion{}, fmt.Errorf("%w: results is not an array", crawl.ErrMalformedResponse)
	}

	var exp crawl.Expansion
	for _, item := range results {
		fields, err := crawl.DecodeFields(item)
		if err != nil {
			return crawl.Expansion{}, fmt.Errorf("%w: result is not an object", crawl.ErrMalformedResponse)
		}
		if _, ok := fields["GeoCluster"]; ok {
			posts, err := strconv.Atoi(fields.String("NumPosts"))
			if err != nil || posts < threshold {
				continue
			}
			exp.Requests = append(exp.Requests, crawl.Publication[crawl.SearchRequest]{
				RoutingKey: RoutingKeyGeocluster,
				Message: crawl.SearchRequest{
					Source:       model.SourceCraigslist,
					Subdomain:    req.Subdomain,
					Endpoint:     fields.String("url"),
					Name:         req.Name,
					State:        req.State,
					GeoclusterID: fields.String("GeoCluster"),
				},
			})
			continue
		}
		exp.Listings = append(exp.Listings, crawl.Publication[crawl.ListingMessage]{
			RoutingKey: RoutingKeyListing,
			Message: crawl.ListingMessage{
				Source:       model.SourceCraigslist,
				Subdomain:    req.Subdomain,
				Data:         item,
				GeoclusterID: req.GeoclusterID,
			},
		})
	}
	return exp, nil
}

// Parse implements crawl.Source.
func (*Source) Parse(msg crawl.ListingMessage) (model.Listing, error) {
	f, err := crawl.DecodeFields(msg.Data)
	if err != nil {
		return nil, err
	}
	id, err := f.Required("PostingID")
	if err != nil {
		return nil, err
	}
	title, err := f.Required("PostingTitle")
	if err != nil {
		return nil, err
	}
	url, err := f.Required("PostingURL")
	if err != nil {
		return nil, err
	}
	posted, err := f.RequiredInt("PostedDate")
	if err != nil {
		return nil, err
	}
	lat, err := f.RequiredFloat("Latitude")
	if err != nil {
		return nil, err
	}
	lon, err := f.RequiredFloat("Longitude")
	if err != nil {
		return nil, err
	}

	return &model.RentalListing{
		ListingBase: model.ListingBase{
			Source:       model.SourceCraigslist,
			ExternalID:   id,
			Title:        title,
			URL:          absoluteURL(msg.Subdomain, url),
			PostedDate:   time.Unix(posted, 0).UTC(),
			Location:     orb.Point{lon, lat},
			Token:        msg.Token,
			GeoclusterID: msg.GeoclusterID,
		},
		Subdomain:  msg.Subdomain,
		Bedrooms:   crawl.ParseCount(f.String("Bedrooms")),
		Ask:        crawl.ParseDecimal(f.String("Ask")),
		ImageThumb: f.String("ImageThumb"),
	}, nil
}

func absoluteURL(subdomain, u string) string {
	switch {
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.HasPrefix(u, "/") && subdomain != "":
		return siteURL(subdomain) + u
	default:
		return u
	}
}
