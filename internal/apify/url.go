package apify

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

const adLibraryURL = "https://www.facebook.com/ads/library/"

var periods = map[string]string{
	"LAST_24_HOURS": "last24h",
	"LAST_7_DAYS":   "last7d",
	"LAST_14_DAYS":  "last14d",
	"LAST_30_DAYS":  "last30d",
	// The actor has no longer windows; both widen to the 30 day maximum.
	"LAST_90_DAYS": "last30d",
	"LAST_YEAR":    "last30d",
}

var timeRanges = map[string]string{
	"LAST_24_HOURS": "last_1_day",
	"LAST_7_DAYS":   "last_7_days",
	"LAST_14_DAYS":  "last_14_days",
	"LAST_30_DAYS":  "last_30_days",
	"LAST_90_DAYS":  "last_90_days",
	"LAST_YEAR":     "last_1_year",
}

// ConvertPeriod maps a date range filter onto the actor's period input.
// ALL and unknown ranges yield "".
func ConvertPeriod(dateRange string) string {
	return periods[strings.ToUpper(dateRange)]
}

// BuildSearchURL renders the public Ad Library search URL for one keyword.
func BuildSearchURL(keyword string, f ads.SearchFilters) string {
	q := url.Values{}
	q.Set("active_status", valueOr(strings.ToLower(f.Status), "active"))
	q.Set("ad_type", valueOr(strings.ToLower(f.AdType), "all"))
	q.Set("country", valueOr(strings.ToUpper(f.Region), "ALL"))
	q.Set("q", keyword)
	q.Set("search_type", "keyword_unordered")

	media := strings.ToLower(f.MediaType)
	if media == "" || media == "all" {
		media = "all"
	}
	q.Set("media_type", media)

	switch lang := strings.TrimSpace(f.Language); strings.ToLower(lang) {
	case "", "auto", "all":
	default:
		q.Set("content_languages[0]", lang)
	}

	if dr := strings.ToUpper(f.DateRange); dr != "" && dr != "ALL" {
		tr, ok := timeRanges[dr]
		if !ok {
			tr = "last_30_days"
		}
		q.Set("time_range", tr)
	}

	for i, p := range f.Platforms {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			q.Set("publisher_platforms["+strconv.Itoa(i)+"]", p)
		}
	}
	return adLibraryURL + "?" + q.Encode()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
