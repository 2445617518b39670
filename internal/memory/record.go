// Package memory implements the on-device long-term memory: fact records with
// embeddings persisted in SQLite, similarity search over them, and the Manager
// that ties extraction, embedding and storage together.
package memory

import (
	"strings"
	"time"
)

// Category classifies an extracted fact.
type Category string

const (
	CategoryPersonal   Category = "personal"
	CategoryTechnical  Category = "technical"
	CategoryPreference Category = "preference"
	CategoryContext    Category = "context"
	CategoryOther      Category = "other"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryPersonal,
	CategoryTechnical,
	CategoryPreference,
	CategoryContext,
	CategoryOther,
}

// ParseCategory maps free text onto the closed category set.
// Anything unrecognized becomes CategoryOther.
func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryPersonal:
		return CategoryPersonal
	case CategoryTechnical:
		return CategoryTechnical
	case CategoryPreference:
		return CategoryPreference
	case CategoryContext:
		return CategoryContext
	default:
		return CategoryOther
	}
}

// Record is a single extracted fact with its embedding and provenance.
// Records are immutable once stored; they can only be deleted.
type Record struct {
	ID               string
	OwnerID          int64 // conversation that produced the fact
	Content          string
	OriginalContext  string
	Embedding        []float32
	RelevanceScore   float64 // extraction-time confidence in [0,1]
	ExtractedAt      int64   // epoch millis
	SourceMessageIDs []int64
	Category         Category
}

// ExtractedTime returns ExtractedAt as a time.Time.
func (r *Record) ExtractedTime() time.Time {
	return time.UnixMilli(r.ExtractedAt)
}

// Stats aggregates the contents of a Store.
type Stats struct {
	Total           int
	ByCategory      map[Category]int
	ByOwner         map[int64]int
	OldestTimestamp int64 // epoch millis, 0 when empty
	NewestTimestamp int64 // epoch millis, 0 when empty
	Dimension       int   // 0 until the first write
}

// SearchResult pairs a record with its query-time similarity.
type SearchResult struct {
	Record     *Record
	Similarity float64
}
