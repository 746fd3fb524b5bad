// Package review applies human feedback to bank entries: accuracy ratings,
// search tests, status, notes and the blacklist. Every change schedules a
// bank sync through a Dispatcher.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/imagebank/internal/imagebank"
)

// SearchTestLimit is how many bank results a search test looks through.
const SearchTestLimit = 10

var (
	ErrInvalidAccuracy = errors.New("invalid accuracy")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrEmptyQuery      = errors.New("search test query is empty")
)

// Bank is the part of the image bank the review workflow reads and writes.
type Bank interface {
	Get(id string) (imagebank.Entry, error)
	Entries() ([]imagebank.Entry, error)
	Update(id string, fn func(*imagebank.Entry) error) (imagebank.Entry, error)
	Search(ctx context.Context, query string, opts imagebank.SearchOptions) (imagebank.SearchResult, error)
}

// Dispatcher schedules a bank sync without waiting for it.
type Dispatcher interface {
	RequestSync(ctx context.Context) error
}

// Service applies review changes to the bank.
type Service struct {
	bank   Bank
	sync   Dispatcher
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a Service. sync may be nil, in which case changes stay
// in memory until the next sync.
func NewService(bank Bank, sync Dispatcher) *Service {
	return &Service{
		bank:   bank,
		sync:   sync,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

// Rating is a partial review update. Nil fields are left alone, except
// Accuracy: a nil Accuracy with ClearAccuracy set removes the rating.
type Rating struct {
	Accuracy      *imagebank.Accuracy `json:"accuracy"`
	ClearAccuracy bool                `json:"-"`
	Status        *imagebank.Status   `json:"status,omitempty"`
	Notes         *string             `json:"notes,omitempty"`
}

// Rate records a reviewer's accuracy judgement. Rating an entry wrong flags
// it unless the caller sets a status explicitly.
func (s *Service) Rate(ctx context.Context, id string, r Rating) (imagebank.Entry, error) {
	if r.Accuracy != nil && !r.Accuracy.Valid() {
		return imagebank.Entry{}, fmt.Errorf("%w: %q", ErrInvalidAccuracy, *r.Accuracy)
	}
	if r.Status != nil && !r.Status.Valid() {
		return imagebank.Entry{}, fmt.Errorf("%w: %q", ErrInvalidStatus, *r.Status)
	}

	return s.update(ctx, id, func(rv *imagebank.Review) {
		switch {
		case r.Accuracy != nil:
			a := *r.Accuracy
			at := s.now()
			rv.Accuracy, rv.AccuracyAt = &a, &at
			if a == imagebank.Wrong && r.Status == nil {
				rv.Status = imagebank.StatusFlagged
			}
		case r.ClearAccuracy:
			rv.Accuracy, rv.AccuracyAt = nil, nil
		}
		if r.Status != nil {
			rv.Status = *r.Status
		}
		if r.Notes != nil {
			rv.Notes = *r.Notes
		}
	}, nil)
}

// SetStatus changes the review status.
func (s *Service) SetStatus(ctx context.Context, id string, status imagebank.Status) (imagebank.Entry, error) {
	return s.Rate(ctx, id, Rating{Status: &status})
}

// SetNotes replaces the reviewer notes.
func (s *Service) SetNotes(ctx context.Context, id, notes string) (imagebank.Entry, error) {
	return s.Rate(ctx, id, Rating{Notes: &notes})
}

// SetBlacklisted hides or restores an entry in bank search results.
func (s *Service) SetBlacklisted(ctx context.Context, id string, blacklisted bool) (imagebank.Entry, error) {
	return s.update(ctx, id, nil, func(e *imagebank.Entry) { e.Blacklisted = blacklisted })
}

// SearchTest runs query against the bank and records whether, and at which
// 1-indexed rank, the entry came back. Blacklisted entries take part in the
// ranking so a hidden entry can still be tested.
func (s *Service) SearchTest(ctx context.Context, id, query string) (imagebank.SearchTest, error) {
	if query == "" {
		return imagebank.SearchTest{}, ErrEmptyQuery
	}
	if _, err := s.bank.Get(id); err != nil {
		return imagebank.SearchTest{}, err
	}

	res, err := s.bank.Search(ctx, query, imagebank.SearchOptions{Limit: SearchTestLimit, IncludeBlacklisted: true})
	if err != nil {
		return imagebank.SearchTest{}, fmt.Errorf("running search test: %w", err)
	}
	test := imagebank.SearchTest{Query: query, TestedAt: s.now()}
	for i, m := range res.Results {
		if m.Entry.ID == id {
			rank := i + 1
			test.Found, test.Rank = true, &rank
			break
		}
	}

	_, err = s.update(ctx, id, func(rv *imagebank.Review) {
		rv.SearchTests = append(rv.SearchTests, test)
	}, nil)
	if err != nil {
		return imagebank.SearchTest{}, err
	}
	return test, nil
}

// Filter selects entries for List. Zero fields match everything.
type Filter struct {
	Status      imagebank.Status
	Accuracy    imagebank.Accuracy
	Unrated     bool
	Blacklisted *bool
	Provider    string
}

func (f Filter) match(e *imagebank.Entry) bool {
	if f.Status != "" && e.ReviewStatus() != f.Status {
		return false
	}
	var acc *imagebank.Accuracy
	if e.Review != nil {
		acc = e.Review.Accuracy
	}
	if f.Unrated && acc != nil {
		return false
	}
	if f.Accuracy != "" && (acc == nil || *acc != f.Accuracy) {
		return false
	}
	if f.Blacklisted != nil && e.Blacklisted != *f.Blacklisted {
		return false
	}
	if f.Provider != "" && e.Provider != f.Provider {
		return false
	}
	return true
}

// List returns entries matching f in insertion order.
func (s *Service) List(f Filter) ([]imagebank.Entry, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	if f.Accuracy != "" && !f.Accuracy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccuracy, f.Accuracy)
	}
	all, err := s.bank.Entries()
	if err != nil {
		return nil, err
	}
	out := make([]imagebank.Entry, 0, len(all))
	for i := range all {
		if f.match(&all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// update applies the review and entry mutations, then requests a sync. A
// failed sync request is logged; the change itself has been made.
func (s *Service) update(ctx context.Context, id string, review func(*imagebank.Review), entry func(*imagebank.Entry)) (imagebank.Entry, error) {
	e, err := s.bank.Update(id, func(e *imagebank.Entry) error {
		if review != nil {
			if e.Review == nil {
				e.Review = imagebank.NewReview()
			}
			review(e.Review)
		}
		if entry != nil {
			entry(e)
		}
		return nil
	})
	if err != nil {
		return imagebank.Entry{}, err
	}

	if s.sync != nil {
		if err := s.sync.RequestSync(ctx); err != nil {
			s.logger.Warn("requesting bank sync after review failed", "id", id, "error", err)
		}
	}
	return e, nil
}
