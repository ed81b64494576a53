// Package keywords turns free-text keyword input into ordered dispatch units.
package keywords

import (
	"math"
	"strings"
	"unicode"

	"github.com/JakeFAU/adlibrary-insight/internal/ads"
)

// Parse splits raw input on runs of whitespace and commas (ASCII or full-width),
// trims each token and drops empty ones. Duplicates and input order are kept.
func Parse(raw string) []string {
	fields := strings.FieldsFunc(raw, isSeparator)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if t := strings.TrimSpace(f); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func isSeparator(r rune) bool {
	return r == ',' || r == '，' || r == '、' || unicode.IsSpace(r)
}

// Window selects a contiguous group range from a parsed keyword list.
type Window struct {
	GroupSize  int
	StartGroup int
	GroupCount int
}

// Offset is the zero-based index of the first targeted keyword. It saturates
// at math.MaxInt instead of overflowing.
func (w Window) Offset() int {
	if w.GroupSize < 1 || w.StartGroup < 1 {
		return 0
	}
	if w.StartGroup-1 > math.MaxInt/w.GroupSize {
		return math.MaxInt
	}
	return (w.StartGroup - 1) * w.GroupSize
}

// span returns the [start, end) slice bounds the window selects from n
// keywords. ok is false when nothing is selected. Large groupings are clamped
// without multiplying past n.
func (w Window) span(n int) (start, end int, ok bool) {
	if n <= 0 || w.GroupSize < 1 || w.StartGroup < 1 || w.GroupCount < 1 {
		return 0, 0, false
	}
	if w.StartGroup-1 > (n-1)/w.GroupSize {
		return 0, 0, false
	}
	start = (w.StartGroup - 1) * w.GroupSize
	remaining := n - start
	if w.GroupCount > (remaining-1)/w.GroupSize {
		return start, n, true
	}
	return start, start + w.GroupSize*w.GroupCount, true
}

// Targets returns parsed[offset : offset+GroupSize*GroupCount], clipped to the
// available length. A start past the end yields an empty slice.
func (w Window) Targets(parsed []string) []string {
	start, end, ok := w.span(len(parsed))
	if !ok {
		return []string{}
	}
	out := make([]string, end-start)
	copy(out, parsed[start:end])
	return out
}

// Range returns the 1-based inclusive keyword positions covered by the window.
// last < first when the window selects nothing.
func (w Window) Range(total int) (first, last int) {
	start, end, ok := w.span(total)
	if !ok {
		return 1, 0
	}
	return start + 1, end
}

// TotalGroups is the number of groups of groupSize needed to cover n keywords.
func TotalGroups(n, groupSize int) int {
	if n <= 0 || groupSize < 1 {
		return 0
	}
	return (n-1)/groupSize + 1
}

// Chunk slices targets into contiguous sub-batches of at most size keywords.
func Chunk(targets []string, size int) []ads.SubBatch {
	if size < 1 {
		size = 1
	}
	batches := make([]ads.SubBatch, 0, TotalGroups(len(targets), size))
	for i := 0; i < len(targets); i += size {
		end := len(targets)
		if size < end-i {
			end = i + size
		}
		kw := make([]string, end-i)
		copy(kw, targets[i:end])
		batches = append(batches, ads.SubBatch{Index: len(batches), Keywords: kw})
	}
	return batches
}
