// Package analytics derives summary statistics from a set of normalized ads.
package analytics

import (
	"sort"
	"strings"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

// TopAdvertisers bounds Report.Advertisers.
const TopAdvertisers = 10

// Bucket is a named count.
type Bucket struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// Relevance splits ads by how often the keyword is mentioned.
type Relevance struct {
	High   int `json:"high" yaml:"high"`
	Medium int `json:"medium" yaml:"medium"`
	Low    int `json:"low" yaml:"low"`
}

// Report is the analytics view of one result set.
type Report struct {
	Keyword     string     `json:"keyword" yaml:"keyword"`
	Total       int        `json:"total" yaml:"total"`
	Platforms   []Bucket   `json:"platforms" yaml:"platforms"`
	Advertisers []Bucket   `json:"advertisers" yaml:"advertisers"`
	Relevance   *Relevance `json:"relevance,omitempty" yaml:"relevance,omitempty"`
	Active      int        `json:"active" yaml:"active"`
	Inactive    int        `json:"inactive" yaml:"inactive"`
	Media       []Bucket   `json:"media" yaml:"media"`
	TotalReach  int64      `json:"total_reach" yaml:"total_reach"`
}

// Compute builds a Report. Relevance is omitted when keyword is blank.
func Compute(list []ads.Ad, keyword string) Report {
	platforms := map[string]int{}
	advertisers := map[string]int{}
	media := map[string]int{}
	rep := Report{Keyword: keyword, Total: len(list)}

	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw != "" {
		rep.Relevance = &Relevance{}
	}
	for _, ad := range list {
		for _, p := range ad.Platform {
			platforms[p]++
		}
		advertisers[ad.AdvertiserName]++
		media[string(ad.MediaType)]++
		if ad.IsActive {
			rep.Active++
		} else {
			rep.Inactive++
		}
		if ad.Reach != nil {
			rep.TotalReach += *ad.Reach
		}
		if rep.Relevance != nil {
			switch n := strings.Count(strings.ToLower(ad.AdCopy+ad.AdvertiserName), kw); {
			case n >= 2:
				rep.Relevance.High++
			case n == 1:
				rep.Relevance.Medium++
			default:
				rep.Relevance.Low++
			}
		}
	}
	rep.Platforms = ranked(platforms, 0)
	rep.Advertisers = ranked(advertisers, TopAdvertisers)
	rep.Media = ranked(media, 0)
	return rep
}

// ranked orders counts descending, then by name; limit<=0 keeps all.
func ranked(counts map[string]int, limit int) []Bucket {
	out := make([]Bucket, 0, len(counts))
	for name, n := range counts {
		out = append(out, Bucket{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
