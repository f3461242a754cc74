package homepath

import (
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bonanza/internal/crawl"
	"github.com/JakeFAU/bonanza/internal/model"
)

const resultsTable = `<table>` +
	`<tr><td><img src="https://img.example/1.jpg"></td><td><a class="address" href="/listing/ABC1">1 Main St</a></td>` +
	`<td>3</td><td>2</td><td>$125,000</td><td>Pending Sale</td></tr>` +
	`<tr><td></td><td><a class="address" href="/listing/ABC2">9 Elm St</a></td>` +
	`<td>2</td><td>1</td><td>$5</td><td>Sold</td></tr>` +
	`</table>`

func searchBody(t *testing.T, current, pages int) []byte {
	t.Helper()
	body := map[string]any{
		"currentPageNumber": current,
		"numberOfPages":     pages,
		"fragments":         map[string]string{"results": resultsTable},
		"results": []map[string]any{
			{
				"listingId": "ABC1", "price": "$125,000", "lat": 30.2, "lng": -97.7,
				"entryDate": 1420070400000, "street": "1 Main St", "city": "Austin", "state": "TX",
				"status": "active", "beds": "3", "baths": "2.5", "propertyType": "Single Family",
			},
			{"listingId": "NOPRICE", "price": "", "lat": 30.2, "lng": -97.7},
			{"listingId": "NOGEO", "price": "$10", "lat": 0, "lng": -97.7},
			{"listingId": "NULLGEO", "price": "$10", "lat": 30.2, "lng": nil},
			{
				"listingId": "ABC2", "price": "$5", "lat": 30.3, "lng": -97.8,
				"entryDate": "1420156800000", "street": "9 Elm St", "status": "sold", "beds": "0",
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestRequest(t *testing.T) {
	t.Parallel()

	req, err := New().Request(crawl.SearchRequest{State: "TX", Page: 2})
	require.NoError(t, err)
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	require.Equal(t, "www.homepath.com", u.Host)
	require.Equal(t, "/listing/search/ui/event", u.Path)
	q := u.Query()
	require.Equal(t, "TX", q.Get("q"))
	require.Equal(t, "2", q.Get("pg"))
	require.Equal(t, "filters,header,results,footer", q.Get("fragments"))
	require.True(t, q.Has("boundingTopLeft"))
	require.Equal(t, "XMLHttpRequest", req.Headers.Get("X-Requested-With"))
	require.Contains(t, req.Headers.Get("Accept"), "application/json")

	_, err = New().Request(crawl.SearchRequest{Page: 1})
	require.Error(t, err)
}

func TestDefaultTargets(t *testing.T) {
	t.Parallel()

	targets := New().DefaultTargets()
	require.Len(t, targets, 50)
	for _, tg := range targets {
		require.Equal(t, model.SourceHomepath, tg.Source)
		require.Equal(t, 1, tg.Page)
		require.Len(t, tg.State, 2)
	}
}

func TestExpandSkipsAndPaginates(t *testing.T) {
	t.Parallel()

	exp, err := New().Expand(crawl.SearchRequest{Source: model.SourceHomepath, State: "TX", Page: 1}, searchBody(t, 1, 3), 10)
	require.NoError(t, err)

	require.Len(t, exp.Listings, 2)
	ids := make([]string, 0, 2)
	for _, p := range exp.Listings {
		require.Equal(t, RoutingKeyListing, p.RoutingKey)
		require.Equal(t, model.SourceHomepath, p.Message.Source)
		f, err := crawl.DecodeFields(p.Message.Data)
		require.NoError(t, err)
		ids = append(ids, f.String("listingId"))
	}
	require.Equal(t, []string{"ABC1", "ABC2"}, ids)

	require.Equal(t, []crawl.Publication[crawl.SearchRequest]{{
		RoutingKey: RoutingKeyResults,
		Message:    crawl.SearchRequest{Source: model.SourceHomepath, State: "TX", Page: 2},
	}}, exp.Requests)
}

func TestExpandLastPage(t *testing.T) {
	t.Parallel()

	exp, err := New().Expand(crawl.SearchRequest{State: "TX", Page: 3}, searchBody(t, 3, 3), 10)
	require.NoError(t, err)
	require.Empty(t, exp.Requests)
	require.Len(t, exp.Listings, 2)
}

func TestExpandExtractsFragment(t *testing.T) {
	t.Parallel()

	exp, err := New().Expand(crawl.SearchRequest{State: "TX"}, searchBody(t, 1, 1), 10)
	require.NoError(t, err)
	require.NotEmpty(t, exp.Listings)

	f, err := crawl.DecodeFields(exp.Listings[0].Message.Data)
	require.NoError(t, err)
	frag := f.String(FragmentField)
	require.Contains(t, frag, `href="/listing/ABC1"`)
	require.Contains(t, frag, "Pending Sale")
	require.NotContains(t, frag, "ABC2")
	require.Regexp(t, `^<tr>`, frag)
}

func TestExpandMalformed(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`<html></html>`, `{"numberOfPages": 2}`, `{"results": [1]}`} {
		_, err := New().Expand(crawl.SearchRequest{State: "TX"}, []byte(body), 10)
		require.ErrorIs(t, err, crawl.ErrMalformedResponse, body)
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	exp, err := New().Expand(crawl.SearchRequest{State: "TX"}, searchBody(t, 1, 1), 10)
	require.NoError(t, err)
	require.Len(t, exp.Listings, 2)

	msg := exp.Listings[0].Message
	msg.Token = model.Token{1, 2, 3}
	l, err := New().Parse(msg)
	require.NoError(t, err)
	fl, ok := l.(*model.ForeclosureListing)
	require.True(t, ok)

	require.Equal(t, model.SourceHomepath, fl.Source)
	require.Equal(t, "ABC1", fl.ExternalID)
	require.Equal(t, "1 Main St", fl.Title)
	require.Equal(t, "1 Main St", fl.Street)
	require.Equal(t, "Austin", fl.City)
	require.Equal(t, "TX", fl.State)
	require.Equal(t, "Single Family", fl.PropertyType)
	require.Equal(t, "https://www.homepath.com/listing/ABC1", fl.URL)
	require.Equal(t, time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), fl.PostedDate)
	require.Equal(t, orb.Point{-97.7, 30.2}, fl.Location)
	require.Equal(t, 3, *fl.Beds)
	require.Equal(t, "2.5", fl.Baths.String())
	require.Equal(t, "125000", fl.Price.String())
	require.Equal(t, "pending sale", fl.Status)
	require.Equal(t, "https://img.example/1.jpg", fl.ImageURL)
	require.Equal(t, msg.Token, fl.Token)

	l, err = New().Parse(exp.Listings[1].Message)
	require.NoError(t, err)
	fl = l.(*model.ForeclosureListing)
	require.Equal(t, "sold", fl.Status)
	require.Nil(t, fl.Beds)
	require.Nil(t, fl.Baths)
	require.Empty(t, fl.ImageURL)
	require.Equal(t, "5", fl.Price.String())
	require.Equal(t, time.Date(2015, 1, 2, 0, 0, 0, 0, time.UTC), fl.PostedDate)
}

func TestParseIncomplete(t *testing.T) {
	t.Parallel()

	base := `"listingId": "X", "lat": 1, "lng": 2, "price": "$1", "entryDate": 1, "street": "s"`
	cases := map[string]string{
		"missing street": `{"listingId": "X", "lat": 1, "lng": 2, "price": "$1", "entryDate": 1}`,
		"bad price":      `{"listingId": "X", "lat": 1, "lng": 2, "price": "call", "entryDate": 1, "street": "s"}`,
		"missing date":   `{"listingId": "X", "lat": 1, "lng": 2, "price": "$1", "street": "s"}`,
		"missing id":     `{"lat": 1, "lng": 2, "price": "$1", "entryDate": 1, "street": "s"}`,
	}
	for name, data := range cases {
		_, err := New().Parse(crawl.ListingMessage{Data: json.RawMessage(data)})
		require.ErrorIs(t, err, crawl.ErrIncompleteListing, name)
	}

	_, err := New().Parse(crawl.ListingMessage{Data: json.RawMessage(fmt.Sprintf("{%s}", base))})
	require.NoError(t, err)
}
