package retrieval

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/fieldkit/internal/storage"
)

const day = 24 * time.Hour

// Filter narrows a past-visit search. Zero fields do not filter.
type Filter struct {
	FieldID string    `json:"field_id,omitempty"`
	Since   time.Time `json:"since,omitzero"`
	Crop    string    `json:"crop,omitempty"`
	Issue   string    `json:"issue,omitempty"`
}

// Days is the length of the Since window in whole days relative to now,
// or 0 when there is none.
func (f Filter) Days(now time.Time) int {
	if f.Since.IsZero() {
		return 0
	}
	return int(now.Sub(f.Since).Round(day) / day)
}

var (
	fieldRe      = regexp.MustCompile(`(?i)\b(?:field|paddock|potrero|campo|lote|f)[\s_#-]*(\d+)\b`)
	lastUnitRe   = regexp.MustCompile(`\b(?:last|past|previous)\s+(\d+)\s+(day|week|month|year)s?\b`)
	lastPeriodRe = regexp.MustCompile(`\b(?:last|past|this)\s+(week|month|year)\b`)
)

var periodLength = map[string]time.Duration{
	"day":   day,
	"week":  7 * day,
	"month": 30 * day,
	"year":  365 * day,
}

type keyword struct{ word, canonical string }

// Ordered so that the first match wins deterministically.
var cropKeywords = []keyword{
	{"maize", "corn"}, {"maíz", "corn"}, {"corn", "corn"},
	{"wheat", "wheat"}, {"trigo", "wheat"},
	{"soybean", "soybean"}, {"soja", "soybean"}, {"soy", "soybean"},
	{"rice", "rice"}, {"arroz", "rice"},
	{"cotton", "cotton"}, {"algodón", "cotton"},
}

var issueKeywords = []keyword{
	{"aphid", "aphids"}, {"áfido", "aphids"},
	{"pest", "pests"}, {"plaga", "pests"},
	{"disease", "disease"}, {"enfermedad", "disease"},
	{"weed", "weeds"}, {"maleza", "weeds"},
	{"drought", "drought"}, {"sequía", "drought"},
}

var historicalKeywords = []string{
	"history", "historical", "past", "previous", "last", "record", "before", "earlier", "yesterday",
	"historial", "pasado", "anterior", "último", "registro",
	"month", "week", "year", "days", "mes", "semana", "año", "días",
}

// ParseQuery extracts the field, time window, crop and issue a question
// refers to.
func ParseQuery(query string, now time.Time) Filter {
	var f Filter
	lower := strings.ToLower(query)

	if m := fieldRe.FindStringSubmatch(query); m != nil {
		f.FieldID = digits(m[1])
	}

	if m := lastUnitRe.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			f.Since = now.Add(-time.Duration(n) * periodLength[m[2]])
		}
	} else if m := lastPeriodRe.FindStringSubmatch(lower); m != nil {
		f.Since = now.Add(-periodLength[m[1]])
	} else if strings.Contains(lower, "yesterday") {
		f.Since = now.Add(-2 * day)
	}

	f.Crop = firstKeyword(lower, cropKeywords)
	f.Issue = firstKeyword(lower, issueKeywords)
	return f
}

func firstKeyword(lower string, kws []keyword) string {
	for _, kw := range kws {
		if strings.Contains(lower, kw.word) {
			return kw.canonical
		}
	}
	return ""
}

// IsHistorical reports whether query asks about earlier visits.
func IsHistorical(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range historicalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Match reports whether rec satisfies f. A record without a crop or issue
// field is kept by those filters; its text may still mention them.
func (f Filter) Match(rec storage.Record) bool {
	if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
		return false
	}
	if f.FieldID != "" && digits(rec.Fields["field_id"]) != f.FieldID {
		return false
	}
	if f.Crop != "" {
		if c := rec.Fields["crop"]; c != "" && firstKeyword(strings.ToLower(c), cropKeywords) != f.Crop {
			return false
		}
	}
	if f.Issue != "" {
		if i := rec.Fields["issue"]; i != "" && firstKeyword(strings.ToLower(i), issueKeywords) != f.Issue {
			return false
		}
	}
	return true
}

// digits reduces a field id to its number, so "F-014" and "14" name the
// same field.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := strings.TrimLeft(b.String(), "0")
	if d == "" && b.Len() > 0 {
		return "0"
	}
	return d
}
