// Package normalize maps raw scraping API items onto the canonical ads.Ad record.
// Every field is resolved through an ordered fallback chain ending in a fixed
// default, so malformed payloads degrade to defaults instead of failing a run.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

// Default literals used when no source field is present.
const (
	NoCopy            = "[no copy]"
	UnknownAdvertiser = "Unknown Advertiser"
	DefaultCTA        = "Learn More"
	DefaultDisplay    = "WWW.FACEBOOK.COM"
	DefaultPlatform   = "Facebook"
	GeneratedIDPrefix = "generated-"
	adLibraryBaseURL  = "https://www.facebook.com/ads/library/?id="
)

var (
	idChain         = []string{"ad_archive_id", "ad_id", "id"}
	advertiserChain = []string{"snapshot.page_name", "page_name"}
	copyChain       = []string{
		"snapshot.body.text",
		"snapshot.title",
		"ad_creative_body",
		"text",
		"message",
		"description",
	}
	ctaChain   = []string{"snapshot.cta_text", "cta_text"}
	reachChain = []string{
		"snapshot.eu_total_reach",
		"snapshot.impressions.lower_bound",
		"eu_total_reach",
		"impressions.lower_bound",
	}
	searchURLChain = []string{"url", "inputUrl", "input_url", "search_url"}
)

// Normalize converts one raw item into an ads.Ad. index is the item's position
// in its response and seeds the synthetic ID when the source has none.
func Normalize(raw ads.RawItem, index int) ads.Ad {
	return NormalizeWithID(raw, GeneratedIDPrefix+strconv.Itoa(index))
}

// NormalizeWithID is Normalize with an explicit ID for items that carry none.
func NormalizeWithID(raw ads.RawItem, fallbackID string) ads.Ad {
	id := firstString(raw, idChain...)
	if id == "" {
		id = fallbackID
	}
	advertiser := firstString(raw, advertiserChain...)
	if advertiser == "" {
		advertiser = UnknownAdvertiser
	}
	adCopy := firstString(raw, copyChain...)
	if adCopy == "" {
		adCopy = NoCopy
	}
	cta := firstString(raw, ctaChain...)
	if cta == "" {
		cta = DefaultCTA
	}
	display := firstString(raw, "snapshot.caption")
	if display == "" {
		display = DefaultDisplay
	}
	headline := firstString(raw, "snapshot.title")
	if headline == "" {
		headline = advertiser
	}
	libraryURL := firstString(raw, "ad_library_url")
	if libraryURL == "" {
		libraryURL = adLibraryBaseURL + url.QueryEscape(id)
	}
	count := 1
	if n, ok := toInt64(lookup(raw, "ads_count")); ok && n > 0 {
		count = int(n)
	}
	mediaType, mediaURL := resolveMedia(raw)
	active, _ := lookup(raw, "is_active").(bool)

	return ads.Ad{
		ID:             id,
		AdvertiserName: advertiser,
		AdCopy:         adCopy,
		CTAText:        cta,
		DisplayLink:    display,
		Headline:       headline,
		Platform:       resolvePlatforms(lookup(raw, "publisher_platform")),
		IsActive:       active,
		StartDate:      firstString(raw, "start_date"),
		EndDate:        firstString(raw, "end_date"),
		Reach:          resolveReach(raw),
		MediaType:      mediaType,
		MediaURL:       mediaURL,
		AdLibraryURL:   libraryURL,
		Count:          count,
	}
}

// Attribute picks which of the sub-batch keywords most likely produced raw.
// It looks for the query-encoded keyword inside the item's search URL and
// falls back to the first keyword. Overlapping keywords can match spuriously,
// so the result is best-effort only.
func Attribute(raw ads.RawItem, keywords []string) string {
	if len(keywords) == 0 {
		return ""
	}
	searchURL := strings.ToLower(firstString(raw, searchURLChain...))
	if searchURL != "" {
		for _, kw := range keywords {
			if enc := strings.ToLower(url.QueryEscape(kw)); enc != "" && strings.Contains(searchURL, enc) {
				return kw
			}
		}
	}
	return keywords[0]
}

// resolveMedia reports VIDEO whenever the snapshot carries videos; the preview
// URL prefers a still image over a video poster.
func resolveMedia(raw ads.RawItem) (ads.MediaType, string) {
	mediaType := ads.MediaImage
	videos := toSlice(lookup(raw, "snapshot.videos"))
	if len(videos) > 0 {
		mediaType = ads.MediaVideo
	}
	if images := toSlice(lookup(raw, "snapshot.images")); len(images) > 0 {
		first, _ := images[0].(map[string]any)
		return mediaType, firstString(first, "original_image_url", "resized_image_url")
	}
	if len(videos) > 0 {
		first, _ := videos[0].(map[string]any)
		return mediaType, firstString(first, "video_preview_image_url")
	}
	if images := toSlice(lookup(raw, "images")); len(images) > 0 {
		return mediaType, asString(images[0])
	}
	return mediaType, ""
}

func resolvePlatforms(v any) []string {
	var out []string
	switch p := v.(type) {
	case string:
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	case []string:
		for _, s := range p {
			if s = strings.TrimSpace(s); s != "" {
				out = appendUnique(out, s)
			}
		}
	case []any:
		for _, item := range p {
			if s := asString(item); s != "" {
				out = appendUnique(out, s)
			}
		}
	}
	if len(out) == 0 {
		return []string{DefaultPlatform}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}

func resolveReach(raw ads.RawItem) *int64 {
	for _, path := range reachChain {
		if n, ok := parseReach(lookup(raw, path)); ok {
			return &n
		}
	}
	return nil
}

// parseReach accepts numbers as-is and strings with their non-digits stripped.
// Zero is treated as absent so the chain moves on.
func parseReach(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
		if digits == "" {
			return 0, false
		}
		n, err := strconv.ParseInt(digits, 10, 64)
		if err != nil || n == 0 {
			return 0, false
		}
		return n, true
	}
	n, ok := toInt64(v)
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

// lookup walks a dotted path through nested maps.
func lookup(m map[string]any, path string) any {
	if m == nil {
		return nil
	}
	var cur any = m
	for _, key := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = obj[key]; !ok {
			return nil
		}
	}
	return cur
}

func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		if s := asString(lookup(m, p)); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return ""
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return ""
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		f, err := t.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int64(f), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

func toSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
