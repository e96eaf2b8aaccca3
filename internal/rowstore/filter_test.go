package rowstore

import (
	"encoding/json"
	"net/url"
	"testing"
)

func TestFilterMatch(t *testing.T) {
	row := Row{Table: "tokens", ID: "t1", Data: json.RawMessage(`{"map_id":"m1","active":true,"round_number":2}`)}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", nil, true},
		{"string", Filter{"map_id": "m1"}, true},
		{"string mismatch", Filter{"map_id": "m2"}, false},
		{"bool", Filter{"active": "true"}, true},
		{"number", Filter{"round_number": "2"}, true},
		{"missing field", Filter{"campaign_id": "c1"}, false},
		{"all conditions", Filter{"map_id": "m1", "active": "false"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(row); got != tt.want {
				t.Fatalf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilterValuesRoundTrip(t *testing.T) {
	f := Filter{"map_id": "m1", "campaign_id": "c1"}
	got := FilterFromValues(f.Values())
	if got.String() != "campaign_id=c1,map_id=m1" {
		t.Fatalf("String() = %q", got.String())
	}
	if len(FilterFromValues(url.Values{})) != 0 {
		t.Fatal("expected empty filter")
	}
}
