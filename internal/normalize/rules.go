package normalize

import (
	"slices"
	"strings"
)

const (
	MaxPhrases = 2
	MaxTerms   = 8
)

// Intent is the canonical form of an image request: a few multi-word
// phrases plus single-word visual terms.
type Intent struct {
	Phrases []string `json:"phrases"`
	Terms   []string `json:"terms"`
}

// IsEmpty reports whether the intent carries neither phrases nor terms.
func (in Intent) IsEmpty() bool {
	return len(in.Phrases) == 0 && len(in.Terms) == 0
}

// stopwords never survive as terms. Phrases are left alone: "hero shot of
// a bakery" is the model's call, "photo" on its own is noise.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "this": {}, "that": {}, "these": {}, "those": {},
	"and": {}, "or": {}, "but": {}, "nor": {},
	"of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "to": {},
	"from": {}, "by": {}, "into": {}, "over": {}, "under": {}, "about": {},
	"some": {}, "any": {}, "my": {}, "our": {}, "your": {},
	"photo": {}, "photos": {}, "photograph": {}, "photography": {},
	"image": {}, "images": {}, "picture": {}, "pictures": {}, "pic": {},
	"hero": {}, "background": {}, "backgrounds": {}, "banner": {},
	"stock": {}, "shot": {}, "shots": {}, "header": {}, "section": {},
	"website": {}, "page": {},
}

// IsStopword reports whether w is dropped from term lists.
func IsStopword(w string) bool {
	_, ok := stopwords[strings.ToLower(strings.TrimSpace(w))]
	return ok
}

// EnforceRules canonicalizes an intent: lowercase, trim, dedupe, strip
// stopword terms, sort, and cap. It is pure and idempotent.
func EnforceRules(in Intent) Intent {
	return Intent{
		Phrases: clean(in.Phrases, MaxPhrases, false),
		Terms:   clean(in.Terms, MaxTerms, true),
	}
}

func clean(values []string, limit int, dropStopwords bool) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.Join(strings.Fields(strings.ToLower(v)), " ")
		if v == "" {
			continue
		}
		if dropStopwords {
			if _, stop := stopwords[v]; stop {
				continue
			}
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// BuildQueryString joins phrases then terms with ", ".
func BuildQueryString(in Intent) string {
	parts := make([]string, 0, len(in.Phrases)+len(in.Terms))
	parts = append(parts, in.Phrases...)
	parts = append(parts, in.Terms...)
	return strings.Join(parts, ", ")
}
