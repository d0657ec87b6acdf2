package retrieval

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/fieldkit/internal/storage"
)

const (
	historicalLimit = 10
	relevantLimit   = 3
	// embedTimeout bounds the query embedding so a slow engine cannot hold
	// up an answer.
	embedTimeout = 3 * time.Second
	// recentScan is how many recent records the fallback search filters.
	recentScan = 200
)

// Visit is a past record matched by a search.
type Visit struct {
	Record storage.Record `json:"-"`
	Score  float32        `json:"score"`
}

// Result is the outcome of a Search.
type Result struct {
	Filter     Filter `json:"filter"`
	Historical bool   `json:"historical"`
	// Semantic is false when the visits come from the recency fallback.
	Semantic bool    `json:"semantic"`
	Visits   []Visit `json:"-"`
}

// Options tunes a Search.
type Options struct {
	// Limit caps the visits returned; 0 picks 10 for historical questions
	// and 3 otherwise.
	Limit int
	// Exclude lists record ids never returned (the current visit).
	Exclude []string
}

// Searcher finds past visits relevant to a question.
type Searcher struct {
	store    Store
	embedder *Embedder
	now      func() time.Time
	logger   *slog.Logger
}

func NewSearcher(store Store, embedder *Embedder, logger *slog.Logger) *Searcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Searcher{store: store, embedder: embedder, now: time.Now, logger: logger.With("component", "retrieval")}
}

// Search parses query for filters and returns the best matching past
// visits. Visits are ranked by embedding similarity when the engine can
// embed the query and by recency otherwise.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) (Result, error) {
	res := Result{
		Filter:     ParseQuery(query, s.now()),
		Historical: IsHistorical(query),
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = relevantLimit
		if res.Historical {
			limit = historicalLimit
		}
	}
	keep := func(rec storage.Record) bool {
		return !slices.Contains(opts.Exclude, rec.ID) && res.Filter.Match(rec)
	}

	if s.embedder != nil && strings.TrimSpace(query) != "" {
		visits, err := s.semantic(ctx, query, res.Filter.Since, limit, keep)
		if err != nil && ctx.Err() != nil {
			return res, err
		}
		if err != nil {
			s.logger.Debug("semantic search unavailable, using recent records", "error", err)
		}
		if len(visits) > 0 {
			res.Semantic = true
			res.Visits = visits
			return res, nil
		}
	}

	recent, err := s.store.RecordsSince(ctx, res.Filter.Since, recentScan)
	if err != nil {
		return res, err
	}
	for _, rec := range recent {
		if len(res.Visits) == limit {
			break
		}
		if keep(rec) {
			res.Visits = append(res.Visits, Visit{Record: rec})
		}
	}
	return res, nil
}

func (s *Searcher) semantic(ctx context.Context, query string, since time.Time, limit int, keep func(storage.Record) bool) ([]Visit, error) {
	ectx, cancel := context.WithTimeout(ctx, embedTimeout)
	vec, err := s.embedder.Embed(ectx, query)
	cancel()
	if err != nil {
		return nil, err
	}
	qnorm := norm(vec)
	if qnorm == 0 {
		return nil, nil
	}

	// Filters other than time need the record, so over-fetch candidates.
	h := &idScoreHeap{}
	size := max(limit*5, 20)
	err = s.store.ScanRecordVectors(ctx, s.embedder.Model(), since, func(id string, emb []float32) error {
		score := cosine(vec, emb, qnorm)
		if h.Len() < size {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ranked := make([]idScore, h.Len())
	for i := len(ranked) - 1; i >= 0; i-- {
		ranked[i] = heap.Pop(h).(idScore)
	}

	var visits []Visit
	for _, c := range ranked {
		if len(visits) == limit {
			break
		}
		rec, err := s.store.GetRecord(ctx, c.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			visits = append(visits, Visit{Record: rec, Score: c.Score})
		}
	}
	return visits, nil
}

// Snippet is a one-line excerpt of rec for prompts and listings.
func Snippet(rec storage.Record, maxRunes int) string {
	var parts []string
	for _, t := range []string{rec.Note, rec.PhotoCaption, rec.AudioSummary, rec.AudioTranscript} {
		if t = strings.Join(strings.Fields(t), " "); t != "" {
			parts = append(parts, t)
		}
	}
	s := strings.Join(parts, " | ")
	if r := []rune(s); maxRunes > 0 && len(r) > maxRunes {
		return string(r[:maxRunes]) + "..."
	}
	return s
}

type idScore struct {
	ID    string
	Score float32
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine is the cosine similarity of a and b given a's precomputed norm.
// Vectors of different length score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bNormSq)))
}
