package retrieval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kalambet/fieldkit/internal/storage"
)

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		query string
		want  Filter
	}{
		{"What did we see in field 14 last month?", Filter{FieldID: "14", Since: now.Add(-30 * day)}},
		{"F-07 aphids over the past 3 months", Filter{FieldID: "7", Since: now.Add(-90 * day), Issue: "aphids"}},
		{"soybean visits in the last 10 days", Filter{Since: now.Add(-10 * day), Crop: "soybean"}},
		{"corn this week", Filter{Since: now.Add(-7 * day), Crop: "corn"}},
		{"paddock_22 last year, any drought?", Filter{FieldID: "22", Since: now.Add(-365 * day), Issue: "drought"}},
		{"potrero 3 ayer maleza", Filter{FieldID: "3", Issue: "weeds"}},
		{"half of 3 rows look yellow", Filter{}},
		{"Is this leaf healthy?", Filter{}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseQuery(tt.query, now))
		})
	}
}

func TestIsHistorical(t *testing.T) {
	assert.True(t, IsHistorical("show the history of field 4"))
	assert.True(t, IsHistorical("what happened last week"))
	assert.True(t, IsHistorical("visitas del mes"))
	assert.False(t, IsHistorical("what is on this leaf?"))
}

func TestFilterDays(t *testing.T) {
	assert.Equal(t, 0, Filter{}.Days(now))
	assert.Equal(t, 30, ParseQuery("past month", now).Days(now))
}

func TestFilterMatch(t *testing.T) {
	rec := storage.Record{
		CreatedAt: now.Add(-5 * day),
		Fields:    map[string]string{"field_id": "F-014", "crop": "Maize"},
	}
	assert.True(t, Filter{FieldID: "14"}.Match(rec))
	assert.False(t, Filter{FieldID: "4"}.Match(rec))
	assert.True(t, Filter{Crop: "corn"}.Match(rec))
	assert.False(t, Filter{Crop: "wheat"}.Match(rec))
	assert.True(t, Filter{Issue: "aphids"}.Match(rec), "no issue field recorded")
	assert.True(t, Filter{Since: now.Add(-7 * day)}.Match(rec))
	assert.False(t, Filter{Since: now.Add(-2 * day)}.Match(rec))
}
