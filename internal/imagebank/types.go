package imagebank

import (
	"time"

	"github.com/kalambet/imagebank/internal/provider"
)

// Accuracy is a reviewer's judgement of how well an entry's metadata
// describes the image.
type Accuracy string

const (
	Accurate Accuracy = "accurate"
	Partial  Accuracy = "partial"
	Wrong    Accuracy = "wrong"
)

// Valid reports whether a is one of the known ratings.
func (a Accuracy) Valid() bool {
	switch a {
	case Accurate, Partial, Wrong:
		return true
	}
	return false
}

// Status is the review state of an entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusFlagged  Status = "flagged"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusFlagged:
		return true
	}
	return false
}

// ImageMetadata is what the vision model extracts from an image.
type ImageMetadata struct {
	Caption     string   `json:"caption"`
	Subjects    []string `json:"subjects"`
	Colors      []string `json:"colors"`
	Style       string   `json:"style"`
	Composition string   `json:"composition"`
	Lighting    string   `json:"lighting"`
	Mood        string   `json:"mood"`
	Context     string   `json:"context"`
}

// EntryVectors records which index slots belong to an entry. Caption is the
// slot of the caption embedding; Queries and Expansions are reserved for
// additional embeddings and are carried through persistence untouched.
type EntryVectors struct {
	Caption    int   `json:"caption"`
	Queries    []int `json:"queries,omitempty"`
	Expansions []int `json:"expansions,omitempty"`
}

// SearchTest records whether a query found the entry when a reviewer tried it.
type SearchTest struct {
	Query    string    `json:"query"`
	Found    bool      `json:"found"`
	Rank     *int      `json:"rank"`
	TestedAt time.Time `json:"testedAt"`
}

// Review is the human feedback attached to an entry.
type Review struct {
	Accuracy    *Accuracy    `json:"accuracy"`
	AccuracyAt  *time.Time   `json:"accuracyAt,omitempty"`
	SearchTests []SearchTest `json:"searchTests"`
	Status      Status       `json:"status"`
	Notes       string       `json:"notes,omitempty"`
}

// NewReview returns an empty pending review.
func NewReview() *Review {
	return &Review{Status: StatusPending, SearchTests: []SearchTest{}}
}

// Entry is one cached stock image. ID is "{provider}:{providerId}" and,
// like Provider and ProviderID, never changes after creation.
type Entry struct {
	ID          string                `json:"id"`
	Provider    string                `json:"provider"`
	ProviderID  string                `json:"providerId"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Width       int                   `json:"width"`
	Height      int                   `json:"height"`
	PreviewURL  string                `json:"previewUrl"`
	DisplayURL  string                `json:"displayUrl"`
	PreviewKey  string                `json:"previewKey,omitempty"`
	DisplayKey  string                `json:"displayKey,omitempty"`
	Attribution *provider.Attribution `json:"attribution,omitempty"`
	Metadata    ImageMetadata         `json:"metadata"`
	Vectors     *EntryVectors         `json:"vectors,omitempty"`
	Query       string                `json:"query,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	Review      *Review               `json:"review,omitempty"`
	Blacklisted bool                  `json:"blacklisted,omitempty"`
}

// Orientation classifies the entry by its pixel dimensions.
func (e *Entry) Orientation() provider.Orientation {
	switch {
	case e.Width == 0 || e.Height == 0:
		return provider.Any
	case e.Width*10 > e.Height*11:
		return provider.Horizontal
	case e.Height*10 > e.Width*11:
		return provider.Vertical
	}
	return provider.Square
}

// ReviewStatus returns the entry's status, "pending" when never reviewed.
func (e *Entry) ReviewStatus() Status {
	if e.Review == nil || e.Review.Status == "" {
		return StatusPending
	}
	return e.Review.Status
}

// clone returns a deep copy so callers never share mutable state with the store.
func (e *Entry) clone() Entry {
	c := *e
	if e.Attribution != nil {
		a := *e.Attribution
		c.Attribution = &a
	}
	if e.Vectors != nil {
		v := *e.Vectors
		v.Queries = append([]int(nil), e.Vectors.Queries...)
		v.Expansions = append([]int(nil), e.Vectors.Expansions...)
		c.Vectors = &v
	}
	c.Metadata.Subjects = append([]string(nil), e.Metadata.Subjects...)
	c.Metadata.Colors = append([]string(nil), e.Metadata.Colors...)
	if e.Review != nil {
		r := *e.Review
		if e.Review.Accuracy != nil {
			a := *e.Review.Accuracy
			r.Accuracy = &a
		}
		if e.Review.AccuracyAt != nil {
			t := *e.Review.AccuracyAt
			r.AccuracyAt = &t
		}
		r.SearchTests = make([]SearchTest, len(e.Review.SearchTests))
		for i, st := range e.Review.SearchTests {
			if st.Rank != nil {
				rank := *st.Rank
				st.Rank = &rank
			}
			r.SearchTests[i] = st
		}
		c.Review = &r
	}
	return c
}

// SearchOptions tunes a bank search. Zero values use the store defaults.
type SearchOptions struct {
	Limit    int
	MinScore float32
	// IncludeBlacklisted keeps blacklisted entries in the results.
	IncludeBlacklisted bool
}

// Match is an entry returned from a search with its similarity score.
type Match struct {
	Entry Entry   `json:"entry"`
	Score float32 `json:"score"`
}

// SearchResult is the outcome of a bank search. TopScore is the score of
// the first result, or 0 when there are none.
type SearchResult struct {
	Results  []Match `json:"results"`
	TopScore float32 `json:"topScore"`
}

// bankFile is the persisted layout of bank.json.
type bankFile struct {
	Entries []*Entry `json:"entries"`
}
