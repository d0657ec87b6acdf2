package llm

import (
	"fmt"
	"strings"
	"time"
)

const basePrompt = `You are an expert agricultural field visit assistant. Help farmers and agricultural professionals with:
- field visit data capture and organization
- crop identification and management advice
- pest and disease detection and treatment recommendations
- GPS location-based agricultural insights

Be concise and practical. Always analyze photos when they are provided and combine them with the visit context below.`

// Observation is the visit the user is currently looking at.
type Observation struct {
	Lat      *float64
	Lon      *float64
	Accuracy *float64
	Note     string
	HasPhoto bool
}

// VisitContext is the record context attached to a question.
type VisitContext struct {
	Current *Observation
	// Latest holds the task fields of the most recent record (field_id,
	// crop, issue, ...).
	Latest map[string]string
	// Records is the number of records the context spans.
	Records int
	// History holds past visits found for the question, if searched.
	History *History
}

// History is the past-visit search result attached to a question.
type History struct {
	// Historical marks a question about earlier visits; the section is
	// titled and filtered accordingly.
	Historical bool
	FieldID    string
	Days       int
	Visits     []PastVisit
	// Unavailable is set when the search failed.
	Unavailable string
}

// PastVisit is one earlier record shown to the model.
type PastVisit struct {
	Date    time.Time
	Snippet string
	FieldID string
	Crop    string
	Issue   string
}

// latestKeys are the task fields reported from the latest visit, in order.
var latestKeys = []string{"field_id", "crop", "issue", "severity"}

// BuildSystemPrompt renders vc into the system prompt.
func BuildSystemPrompt(vc VisitContext) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if cur := vc.Current; cur != nil {
		if cur.Lat != nil && cur.Lon != nil {
			fmt.Fprintf(&b, "\n\nCurrent location: %.6f, %.6f", *cur.Lat, *cur.Lon)
			if cur.Accuracy != nil {
				fmt.Fprintf(&b, " (accuracy: %.0fm)", *cur.Accuracy)
			}
		}
		if cur.Note != "" {
			fmt.Fprintf(&b, "\n\nCurrent note: %q", cur.Note)
		}
		if cur.HasPhoto {
			b.WriteString("\n\nPhoto available: yes (attached)")
		}
	}

	var parts []string
	for _, k := range latestKeys {
		if v := vc.Latest[k]; v != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", k, v))
		}
	}
	if len(parts) > 0 {
		b.WriteString("\n\nLatest visit: ")
		b.WriteString(strings.Join(parts, ", "))
	}

	if vc.Records > 0 {
		fmt.Fprintf(&b, "\n\nRecords in context: %d", vc.Records)
	}
	writeHistory(&b, vc.History)
	return b.String()
}

func writeHistory(b *strings.Builder, h *History) {
	if h == nil {
		return
	}
	if h.Unavailable != "" {
		fmt.Fprintf(b, "\n\nNote: past-visit search unavailable (%s). Using only current visit context.", h.Unavailable)
		return
	}
	if len(h.Visits) == 0 {
		return
	}
	if h.Historical {
		b.WriteString("\n\nHistorical visits:")
		if h.FieldID != "" {
			fmt.Fprintf(b, "\nFiltered by: field %s", h.FieldID)
		}
		if h.Days > 0 {
			fmt.Fprintf(b, "\nTime range: last %d days", h.Days)
		}
	} else {
		b.WriteString("\n\nRelevant past visits:")
	}
	for _, v := range h.Visits {
		fmt.Fprintf(b, "\n- [%s] %s", v.Date.Format("2006-01-02"), v.Snippet)
		if v.FieldID != "" {
			fmt.Fprintf(b, " (field: %s)", v.FieldID)
		}
		if v.Crop != "" {
			fmt.Fprintf(b, " (crop: %s)", v.Crop)
		}
		if v.Issue != "" {
			fmt.Fprintf(b, " (issue: %s)", v.Issue)
		}
	}
}

// ModelOption is a user-facing model choice.
type ModelOption string

const (
	ModelAuto       ModelOption = "auto"
	ModelLocal      ModelOption = "local"
	ModelCloud      ModelOption = "cloud"
	ModelGPT4oMini  ModelOption = "gpt-4o-mini"
	ModelClaude     ModelOption = "claude"
	ModelLlamaSmall ModelOption = "llama-small"
)

// Resolve maps a model option to a backend preference and, for cloud
// models, a provider.
func (m ModelOption) Resolve() (Preference, Provider, error) {
	switch m {
	case "", ModelAuto:
		return PreferAuto, "", nil
	case ModelLocal, ModelLlamaSmall:
		return PreferLocal, "", nil
	case ModelCloud:
		return PreferCloud, "", nil
	case ModelGPT4oMini:
		return PreferCloud, ProviderOpenAI, nil
	case ModelClaude:
		return PreferCloud, ProviderAnthropic, nil
	}
	return "", "", fmt.Errorf("unknown model option %q", m)
}

// Input is a question together with its context.
type Input struct {
	Text     string
	Images   []Image
	Location *Location
	Model    ModelOption
	Context  VisitContext
}

// NewRequest turns in into a Request with the system prompt, preference and
// complexity filled in.
func NewRequest(in Input) (Request, error) {
	pref, provider, err := in.Model.Resolve()
	if err != nil {
		return Request{}, err
	}
	return Request{
		Text:         in.Text,
		SystemPrompt: BuildSystemPrompt(in.Context),
		Images:       in.Images,
		Location:     in.Location,
		Preference:   pref,
		Complexity:   ClassifyComplexity(len(in.Images), in.Context.Records),
		Provider:     provider,
	}, nil
}
