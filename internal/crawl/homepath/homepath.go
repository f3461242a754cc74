// Package homepath adapts the Homepath foreclosure search to the crawl pipeline.
package homepath

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/paulmach/orb"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/bonanza/internal/crawl"
	collyfetcher "github.com/JakeFAU/bonanza/internal/fetcher/colly"
	"github.com/JakeFAU/bonanza/internal/model"
)

// Routing keys published by this source.
const (
	RoutingKeyResults = "requests.homepath.results"
	RoutingKeyListing = "listings.homepath"
)

const (
	searchURL = "https://www.homepath.com/listing/search/ui/event"
	siteURL   = "https://www.homepath.com"
	// FragmentField is the item key the listing's results-table row is stored under.
	FragmentField = "_fragment"
)

// States is the default crawl: every state, starting at page one.
var States = []string{
	"AL", "AK", "AZ", "AR", "CA", "CO", "CT", "DE", "FL", "GA",
	"HI", "ID", "IL", "IN", "IA", "KS", "KY", "LA", "ME", "MD",
	"MA", "MI", "MN", "MS", "MO", "MT", "NE", "NV", "NH", "NJ",
	"NM", "NY", "NC", "ND", "OH", "OK", "OR", "PA", "RI", "SC",
	"SD", "TN", "TX", "UT", "VT", "VA", "WA", "WV", "WI", "WY",
}

// blank filter parameters the endpoint expects on every query.
var emptyParams = []string{
	"pi", "pa", "bdi", "bhi", "ms", "xs", "ptany", "srcstany", "otherAny",
	"ob", "st", "cno", "o", "boundingTopLeft", "boundingBottomRight", "ci", "ps",
}

// Source implements crawl.Source for Homepath.
type Source struct{}

// New returns the Homepath source.
func New() *Source {
	return &Source{}
}

// Name implements crawl.Source.
func (*Source) Name() model.Source { return model.SourceHomepath }

// DefaultTargets implements crawl.Source.
func (*Source) DefaultTargets() []crawl.SearchRequest {
	out := make([]crawl.SearchRequest, 0, len(States))
	for _, st := range States {
		out = append(out, crawl.SearchRequest{Source: model.SourceHomepath, State: st, Page: 1})
	}
	return out
}

// Request implements crawl.Source.
func (*Source) Request(req crawl.SearchRequest) (collyfetcher.Request, error) {
	if req.State == "" {
		return collyfetcher.Request{}, fmt.Errorf("homepath request needs a state")
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	q := url.Values{}
	for _, k := range emptyParams {
		q.Set(k, "")
	}
	q.Set("q", req.State)
	q.Set("pg", strconv.Itoa(page))
	q.Set("fragments", "filters,header,results,footer")

	h := http.Header{}
	h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	h.Set("X-Requested-With", "XMLHttpRequest")
	return collyfetcher.Request{URL: searchURL + "?" + q.Encode(), Headers: h}, nil
}

type searchResponse struct {
	Results           []json.RawMessage `json:"results"`
	CurrentPageNumber json.RawMessage   `json:"currentPageNumber"`
	NumberOfPages     json.RawMessage   `json:"numberOfPages"`
	Fragments         struct {
		Results string `json:"results"`
	} `json:"fragments"`
}

// Expand implements crawl.Source. Unpriced and ungeocoded items are skipped.
// Every other item carries its results-table row under FragmentField.
func (*Source) Expand(req crawl.SearchRequest, body []byte, _ int) (crawl.Expansion, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return crawl.Expansion{}, fmt.Errorf("%w: %v", crawl.ErrMalformedResponse, err)
	}
	if resp.Results == nil {
		return crawl.Expansion{}, fmt.Errorf("%w: no results", crawl.ErrMalformedResponse)
	}

	table, err := parseFragment(resp.Fragments.Results)
	if err != nil {
		return crawl.Expansion{}, fmt.Errorf("%w: results fragment: %v", crawl.ErrMalformedResponse, err)
	}

	var exp crawl.Expansion
	for _, raw := range resp.Results {
		item, err := crawl.DecodeFields(raw)
		if err != nil {
			return crawl.Expansion{}, fmt.Errorf("%w: result is not an object", crawl.ErrMalformedResponse)
		}
		if !truthy(item, "price") || !truthy(item, "lat") || !truthy(item, "lng") {
			continue
		}
		frag, err := rowFor(table, item.String("listingId"))
		if err != nil {
			return crawl.Expansion{}, err
		}
		item[FragmentField], err = json.Marshal(frag)
		if err != nil {
			return crawl.Expansion{}, fmt.Errorf("encode fragment: %w", err)
		}
		data, err := json.Marshal(item)
		if err != nil {
			return crawl.Expansion{}, fmt.Errorf("encode listing: %w", err)
		}
		exp.Listings = append(exp.Listings, crawl.Publication[crawl.ListingMessage]{
			RoutingKey: RoutingKeyListing,
			Message: crawl.ListingMessage{
				Source: model.SourceHomepath,
				Data:   data,
			},
		})
	}

	current, _ := strconv.Atoi(rawString(resp.CurrentPageNumber))
	pages, _ := strconv.Atoi(rawString(resp.NumberOfPages))
	if current < pages {
		exp.Requests = append(exp.Requests, crawl.Publication[crawl.SearchRequest]{
			RoutingKey: RoutingKeyResults,
			Message: crawl.SearchRequest{
				Source: model.SourceHomepath,
				State:  req.State,
				Page:   current + 1,
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
	id, err := f.Required("listingId")
	if err != nil {
		return nil, err
	}
	lat, err := f.RequiredFloat("lat")
	if err != nil {
		return nil, err
	}
	lng, err := f.RequiredFloat("lng")
	if err != nil {
		return nil, err
	}
	price, err := parsePrice(f)
	if err != nil {
		return nil, err
	}
	entered, err := f.RequiredInt("entryDate")
	if err != nil {
		return nil, err
	}
	street, err := f.Required("street")
	if err != nil {
		return nil, err
	}

	row, err := parseFragment(f.String(FragmentField))
	if err != nil {
		return nil, fmt.Errorf("%w: fragment: %v", crawl.ErrIncompleteListing, err)
	}
	cells := row.Find("td")

	l := &model.ForeclosureListing{
		ListingBase: model.ListingBase{
			Source:     model.SourceHomepath,
			ExternalID: id,
			Title:      street,
			PostedDate: time.UnixMilli(entered).UTC(),
			Location:   orb.Point{lng, lat},
			Token:      msg.Token,
		},
		Beds:         crawl.ParseCount(f.String("beds")),
		Baths:        crawl.ParseDecimal(f.String("baths")),
		Price:        price,
		Status:       f.String("status"),
		PropertyType: f.String("propertyType"),
		Street:       street,
		City:         f.String("city"),
		State:        f.String("state"),
	}
	if href, ok := row.Find("a.address").Attr("href"); ok {
		l.URL = absoluteURL(href)
	}
	if l.Status == "active" {
		if s := strings.ToLower(strings.TrimSpace(cells.Eq(5).Text())); s != "" {
			l.Status = s
		}
	}
	if src, ok := cells.Eq(0).Find("img").Attr("src"); ok {
		l.ImageURL = src
	}
	return l, nil
}

func parsePrice(f crawl.Fields) (*decimal.Decimal, error) {
	s, err := f.Required("price")
	if err != nil {
		return nil, err
	}
	d := crawl.ParseDecimal(strings.NewReplacer("$", "", ",", "").Replace(s))
	if d == nil {
		return nil, fmt.Errorf("%w: price %q is not a number", crawl.ErrIncompleteListing, s)
	}
	return d, nil
}

// parseFragment parses table rows. Bare <tr> markup is dropped by the HTML
// parser outside a table, so the input is wrapped in one.
func parseFragment(html string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<table>" + html + "</table>"))
	if err != nil {
		return nil, err
	}
	return doc.Selection, nil
}

func rowFor(table *goquery.Selection, listingID string) (string, error) {
	if listingID == "" {
		return "", nil
	}
	row := table.Find(fmt.Sprintf(`tr a.address[href$=%q]`, listingID)).Closest("tr")
	if row.Length() == 0 {
		return "", nil
	}
	html, err := goquery.OuterHtml(row.First())
	if err != nil {
		return "", fmt.Errorf("render fragment for %s: %w", listingID, err)
	}
	return html, nil
}

// truthy reports whether key holds something other than null, false, zero or "".
func truthy(f crawl.Fields, key string) bool {
	switch f.String(key) {
	case "", "0", "0.0", "false":
		return false
	}
	return true
}

func rawString(raw json.RawMessage) string {
	return crawl.Fields{"v": raw}.String("v")
}

func absoluteURL(href string) string {
	if strings.HasPrefix(href, "/") {
		return siteURL + href
	}
	return href
}
