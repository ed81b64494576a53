// Package ads defines the core types shared across the batch search subsystems.
package ads

import "time"

// MediaType describes the primary creative format of an ad.
type MediaType string

// Supported media types.
const (
	MediaImage MediaType = "IMAGE"
	MediaVideo MediaType = "VIDEO"
)

// DefaultSubBatchSize is the number of keywords sent in one external search call.
const DefaultSubBatchSize = 10

// SearchFilters is passed through unchanged to the external search collaborator.
type SearchFilters struct {
	DateRange string   `json:"date_range" mapstructure:"date_range" yaml:"date_range"`
	AdType    string   `json:"ad_type" mapstructure:"ad_type" yaml:"ad_type"`
	Region    string   `json:"region" mapstructure:"region" yaml:"region"`
	Language  string   `json:"language,omitempty" mapstructure:"language" yaml:"language,omitempty"`
	MediaType string   `json:"media_type,omitempty" mapstructure:"media_type" yaml:"media_type,omitempty"`
	Status    string   `json:"status,omitempty" mapstructure:"status" yaml:"status,omitempty"`
	Platforms []string `json:"platforms,omitempty" mapstructure:"platforms" yaml:"platforms,omitempty"`
}

// IsZero reports whether no filter was set.
func (f SearchFilters) IsZero() bool {
	return f.DateRange == "" && f.AdType == "" && f.Region == "" && f.Language == "" &&
		f.MediaType == "" && f.Status == "" && len(f.Platforms) == 0
}

// BatchRequest is the input to one orchestration run.
type BatchRequest struct {
	RawInput    string        `json:"raw_input"`
	GroupSize   int           `json:"group_size"`
	StartGroup  int           `json:"start_group"`
	GroupCount  int           `json:"group_count"`
	Concurrency int           `json:"concurrency"`
	Filters     SearchFilters `json:"filters"`
}

// SubBatch is a contiguous slice of target keywords sent in one external call.
type SubBatch struct {
	Index    int      `json:"index"`
	Keywords []string `json:"keywords"`
}

// Outcome records the result for a single dispatched keyword.
type Outcome struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// Failed reports whether the keyword's sub-batch errored.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// RawItem is one loosely-typed record returned by the scraping API.
type RawItem map[string]any

// Ad is the canonical, normalized ad record. ID is the deduplication key.
type Ad struct {
	ID              string    `json:"id" yaml:"id"`
	AdvertiserName  string    `json:"advertiser_name" yaml:"advertiser_name"`
	AdCopy          string    `json:"ad_copy" yaml:"ad_copy"`
	CTAText         string    `json:"cta_text" yaml:"cta_text"`
	DisplayLink     string    `json:"display_link" yaml:"display_link"`
	Headline        string    `json:"headline" yaml:"headline"`
	Platform        []string  `json:"platform" yaml:"platform"`
	IsActive        bool      `json:"is_active" yaml:"is_active"`
	StartDate       string    `json:"start_date" yaml:"start_date"`
	EndDate         string    `json:"end_date,omitempty" yaml:"end_date,omitempty"`
	Reach           *int64    `json:"reach,omitempty" yaml:"reach,omitempty"`
	MediaType       MediaType `json:"media_type" yaml:"media_type"`
	MediaURL        string    `json:"media_url,omitempty" yaml:"media_url,omitempty"`
	AdLibraryURL    string    `json:"ad_library_url" yaml:"ad_library_url"`
	Count           int       `json:"count" yaml:"count"`
	OriginalKeyword string    `json:"original_keyword" yaml:"original_keyword"`
	TranslatedCopy  string    `json:"translated_copy,omitempty" yaml:"translated_copy,omitempty"`
}

// Result is handed back to the caller once a run completes or aborts.
type Result struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Ads         []Ad      `json:"ads" yaml:"ads"`
	Outcomes    []Outcome `json:"outcomes" yaml:"outcomes"`
	Dispatched  int       `json:"dispatched" yaml:"dispatched"`
	Total       int       `json:"total" yaml:"total"`
	Fatal       bool      `json:"fatal" yaml:"fatal"`
	FatalReason string    `json:"fatal_reason,omitempty" yaml:"fatal_reason,omitempty"`
	Started     time.Time `json:"started_at" yaml:"started_at"`
	Finished    time.Time `json:"finished_at" yaml:"finished_at"`
}

// FailedKeywords counts outcomes that carry an error.
func (r Result) FailedKeywords() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}
