package normalize

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/imagebank/internal/ollama"
)

type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []ollama.Message, jsonSchema *ollama.Schema) (string, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func TestEnforceRules_Golden(t *testing.T) {
	got := EnforceRules(Intent{
		Phrases: []string{"sushi restaurant", "sushi restaurant", "coffee shop"},
		Terms:   []string{"warm", "warm", "cozy"},
	})
	want := Intent{
		Phrases: []string{"coffee shop", "sushi restaurant"},
		Terms:   []string{"cozy", "warm"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("EnforceRules() = %+v, want %+v", got, want)
	}
	if q := BuildQueryString(got); q != "coffee shop, sushi restaurant, cozy, warm" {
		t.Errorf("BuildQueryString() = %q", q)
	}
}

func TestEnforceRules_Idempotent(t *testing.T) {
	inputs := []Intent{
		{Phrases: []string{"  Outdoor  Patio ", "BRUNCH table"}, Terms: []string{"Sunny", "the", "green", "Photo"}},
		{Terms: []string{"z", "y", "x", "w", "v", "u", "t", "s", "r", "q"}},
		{},
	}
	for _, in := range inputs {
		once := EnforceRules(in)
		twice := EnforceRules(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("not idempotent: %+v then %+v", once, twice)
		}
		if BuildQueryString(once) != BuildQueryString(twice) {
			t.Errorf("query string changed between runs for %+v", in)
		}
	}
}

func TestEnforceRules_Lowercases(t *testing.T) {
	got := EnforceRules(Intent{Phrases: []string{"Wine  Bar"}, Terms: []string{"Moody", " "}})
	want := Intent{Phrases: []string{"wine bar"}, Terms: []string{"moody"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EnforceRules() = %+v, want %+v", got, want)
	}
}

func TestEnforceRules_DropsStopwordTerms(t *testing.T) {
	for w := range stopwords {
		got := EnforceRules(Intent{Terms: []string{w, "Rustic"}})
		for _, term := range got.Terms {
			if term == w {
				t.Errorf("stopword %q survived", w)
			}
		}
		if len(got.Terms) != 1 || got.Terms[0] != "rustic" {
			t.Errorf("terms = %v, want [rustic]", got.Terms)
		}
	}
}

func TestEnforceRules_Caps(t *testing.T) {
	got := EnforceRules(Intent{
		Phrases: []string{"c d", "a b", "e f"},
		Terms:   []string{"nine", "eight", "seven", "six", "five", "four", "three", "two", "one"},
	})
	if len(got.Phrases) != MaxPhrases {
		t.Errorf("len(phrases) = %d, want %d", len(got.Phrases), MaxPhrases)
	}
	if len(got.Terms) != MaxTerms {
		t.Errorf("len(terms) = %d, want %d", len(got.Terms), MaxTerms)
	}
	if got.Phrases[0] != "a b" || got.Phrases[1] != "c d" {
		t.Errorf("phrases = %v, want sorted before truncation", got.Phrases)
	}
}

func TestBuildQueryString_PhrasesFirst(t *testing.T) {
	q := BuildQueryString(Intent{Phrases: []string{"zen garden"}, Terms: []string{"alpine"}})
	if q != "zen garden, alpine" {
		t.Errorf("got %q", q)
	}
	if BuildQueryString(Intent{}) != "" {
		t.Error("empty intent should produce empty query")
	}
}

func TestNormalize_UsesModel(t *testing.T) {
	mock := &mockChatter{response: `{"phrases":["Coffee Shop"],"terms":["warm","photo","cozy"]}`}
	n := New(mock, "llama3.2")

	in, q := n.Normalize(context.Background(), "a warm cozy coffee shop photo")
	want := Intent{Phrases: []string{"coffee shop"}, Terms: []string{"cozy", "warm"}}
	if !reflect.DeepEqual(in, want) {
		t.Errorf("intent = %+v, want %+v", in, want)
	}
	if q != "coffee shop, cozy, warm" {
		t.Errorf("query = %q", q)
	}
}

func TestNormalize_Memoizes(t *testing.T) {
	mock := &mockChatter{response: `{"phrases":[],"terms":["beach"]}`}
	n := New(mock, "llama3.2")

	n.Normalize(context.Background(), "beach")
	n.Normalize(context.Background(), "  beach ")
	if mock.calls != 1 {
		t.Errorf("chat called %d times, want 1", mock.calls)
	}
}

func TestNormalize_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		mock *mockChatter
	}{
		{"chat error", &mockChatter{err: errors.New("connection refused")}},
		{"empty response", &mockChatter{response: ""}},
		{"malformed json", &mockChatter{response: `not json`}},
		{"only stopwords", &mockChatter{response: `{"phrases":[],"terms":["photo","the"]}`}},
		{"timeout", &mockChatter{response: `{"terms":["x"]}`, delay: 5 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(tt.mock, "llama3.2")
			in, q := n.Normalize(context.Background(), "  Dim Sum Brunch ")
			want := Intent{Terms: []string{"dim sum brunch"}}
			if !reflect.DeepEqual(in, want) {
				t.Errorf("intent = %+v, want %+v", in, want)
			}
			if q != "dim sum brunch" {
				t.Errorf("query = %q", q)
			}
		})
	}
}

func TestNormalize_Empty(t *testing.T) {
	mock := &mockChatter{}
	in, q := New(mock, "m").Normalize(context.Background(), "   ")
	if !in.IsEmpty() || q != "" {
		t.Errorf("got %+v %q, want empty", in, q)
	}
	if mock.calls != 0 {
		t.Errorf("chat called %d times for empty input", mock.calls)
	}
}
