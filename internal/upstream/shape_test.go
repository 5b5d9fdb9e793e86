package upstream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

// Recorded add-trip response shapes from the provider
func TestClassifyCartResponse(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		tripID string
		want   Shape
	}{
		{
			name:   "cart envelope with items",
			raw:    `{"cart":{"id":"cart_B","status":"active","items":[{"trip_id":"trip_2"}]}}`,
			tripID: "trip_2",
			want:   ShapeCartObject,
		},
		{
			name:   "bare cart with charges",
			raw:    `{"id":"8842","charges":{"total":2500}}`,
			tripID: "trip_2",
			want:   ShapeCartObject,
		},
		{
			name:   "trip token echoed as id",
			raw:    `{"id":"trip_2","status":"added"}`,
			tripID: "trip_2",
			want:   ShapeTripToken,
		},
		{
			name:   "departure token prefix",
			raw:    `{"id":"dep_1f2e3d","items":[]}`,
			tripID: "trip_2",
			want:   ShapeTripToken,
		},
		{
			name:   "long opaque token",
			raw:    `{"id":"` + strings.Repeat("a1", 40) + `","status":"ok"}`,
			tripID: "trip_2",
			want:   ShapeTripToken,
		},
		{
			name:   "id without cart fields",
			raw:    `{"id":"cart_B"}`,
			tripID: "trip_2",
			want:   ShapeUnknown,
		},
		{
			name:   "no id",
			raw:    `{"status":"active","items":[]}`,
			tripID: "trip_2",
			want:   ShapeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyCartResponse(decode(t, tt.raw), tt.tripID))
		})
	}
}

func TestAdoptCartID(t *testing.T) {
	tests := []struct {
		name        string
		current     string
		raw         string
		wantID      string
		wantAdopted bool
	}{
		{"new cart id is adopted", "cart_A", `{"cart":{"id":"cart_B","items":[]}}`, "cart_B", true},
		{"same id is kept", "cart_A", `{"cart":{"id":"cart_A","items":[]}}`, "cart_A", false},
		{"trip token is ignored", "cart_A", `{"id":"trip_2","items":[]}`, "cart_A", false},
		{"unknown shape is ignored", "cart_A", `{"ok":true}`, "cart_A", false},
		{"numeric id", "cart_A", `{"data":{"id":9001,"status":"active"}}`, "9001", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, adopted := AdoptCartID(tt.current, "trip_2", decode(t, tt.raw))
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantAdopted, adopted)
		})
	}
}

func TestExtractionRules(t *testing.T) {
	payload := decode(t, `{
		"metadata": {"links": {"poll": "/searches/s1?page=2"}, "interval": "1500"},
		"charges": {"total": 2500, "subtotal": "2300", "items": [{"id": "li_1", "amount": 1200}]},
		"price": "25.00"
	}`)

	link, ok := FirstString(payload, Paths("links.poll", "metadata.links.poll"))
	assert.True(t, ok)
	assert.Equal(t, "/searches/s1?page=2", link)

	interval, ok := FirstInt(payload, pollIntervalRules)
	assert.True(t, ok)
	assert.Equal(t, int64(1500), interval)

	total, ok := FirstInt(payload, Paths("total", "charges.total"))
	assert.True(t, ok)
	assert.Equal(t, int64(2500), total)

	_, ok = FirstInt(payload, Paths("price"))
	assert.False(t, ok, "decimal strings are not minor units")

	items, ok := FirstList(payload, Paths("items", "charges.items"))
	assert.True(t, ok)
	assert.Len(t, items, 1)

	item, ok := FirstObject(payload, Paths("charges.items.0"))
	assert.True(t, ok)
	assert.Equal(t, "li_1", item["id"])

	_, ok = FirstString(payload, Paths("charges.items.5.id", "missing"))
	assert.False(t, ok)
}
