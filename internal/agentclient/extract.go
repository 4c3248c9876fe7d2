package agentclient

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

const noResultsText = "에 대한 검색결과가 없습니다"

var (
	rankParam         = regexp.MustCompile(`rank=(\d+)`)
	productIDPath     = regexp.MustCompile(`/vp/products/(\d+)`)
	itemIDParam       = regexp.MustCompile(`itemId=(\d+)`)
	vendorItemIDParam = regexp.MustCompile(`vendorItemId=(\d+)`)
	digits            = regexp.MustCompile(`[\d,]+`)
	decimal           = regexp.MustCompile(`(\d+\.?\d*)`)
	integer           = regexp.MustCompile(`(\d+)`)
)

// Listing is one organic product on a search page.
type Listing struct {
	ProductID    string
	ItemID       string
	VendorItemID string
	// Rank is the site's own rank parameter, falling back to RealRank.
	Rank int
	// RealRank is the position among organic listings across pages.
	RealRank    int
	Page        int
	Name        string
	Price       int64
	Thumbnail   string
	Rating      float64
	ReviewCount int
}

// Matches reports whether code names this listing by product, item or vendor item id.
func (l Listing) Matches(code string) bool {
	return code != "" && (l.ProductID == code || l.ItemID == code || l.VendorItemID == code)
}

// Result converts the listing into the payload reported to the hub.
func (l Listing) Result() fleet.RankResult {
	return fleet.RankResult{
		Rank:     l.Rank,
		RealRank: l.RealRank,
		Page:     l.Page,
		Product: &fleet.Product{
			Name:        l.Name,
			Price:       l.Price,
			Thumbnail:   l.Thumbnail,
			Rating:      l.Rating,
			ReviewCount: l.ReviewCount,
		},
	}
}

// SearchPage is what one rendered results page yields.
type SearchPage struct {
	Listings  []Listing
	NoResults bool
	HasNext   bool
}

// ParseSearchPage extracts organic listings from a rendered results page. Sponsored entries are
// skipped and do not consume a rank.
func ParseSearchPage(r io.Reader, page, pageSize int) (SearchPage, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return SearchPage{}, fmt.Errorf("parse search page: %w", err)
	}

	var out SearchPage
	out.NoResults = doc.Find(`[class^="no-result_magnifier"]`).Length() > 0 ||
		strings.Contains(doc.Find("body").Text(), noResultsText)

	next := doc.Find(".btn-next").First()
	out.HasNext = next.Length() > 0 && !next.HasClass("disabled")

	offset := (page - 1) * pageSize
	doc.Find("#product-list > li[data-id]").Each(func(_ int, item *goquery.Selection) {
		href, _ := item.Find("a").First().Attr("href")
		if item.Find(`[class*="AdMark"]`).Length() > 0 || strings.Contains(href, "sourceType=srp_product_ads") {
			return
		}
		realRank := offset + len(out.Listings) + 1
		img := item.Find("img").First()
		listing := Listing{
			ProductID:    submatch(productIDPath, href),
			ItemID:       submatch(itemIDParam, href),
			VendorItemID: submatch(vendorItemIDParam, href),
			Rank:         realRank,
			RealRank:     realRank,
			Page:         page,
			Name:         img.AttrOr("alt", "Unknown"),
			Thumbnail:    img.AttrOr("src", ""),
		}
		if n, err := strconv.Atoi(submatch(rankParam, href)); err == nil && n > 0 {
			listing.Rank = n
		}
		if raw := digits.FindString(item.Find(`[class*="Price_priceValue__"]`).First().Text()); raw != "" {
			listing.Price, _ = strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
		}
		rating := item.Find(`[class*="ProductRating_productRating__"]`).First()
		if v := submatch(decimal, rating.Find(`[class*="ProductRating_rating__"]`).Text()); v != "" {
			listing.Rating, _ = strconv.ParseFloat(v, 64)
		}
		if v := submatch(integer, rating.Find(`[class*="ProductRating_ratingCount__"]`).Text()); v != "" {
			listing.ReviewCount, _ = strconv.Atoi(v)
		}
		out.Listings = append(out.Listings, listing)
	})
	return out, nil
}

func submatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func encodeRank(rank fleet.RankResult) (json.RawMessage, error) {
	data, err := json.Marshal(rank)
	if err != nil {
		return nil, fmt.Errorf("encode rank: %w", err)
	}
	return data, nil
}
