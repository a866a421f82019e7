package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/transit-tools/transit-live/internal/metrics"
)

func jsonServer(body string, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func TestCollectOutagesPartialSuccess(t *testing.T) {
	current := jsonServer(`{"outages": [
		{"id": "o1", "station": "14 St-Union Sq", "stop_id": "635N", "equipment_id": "EL101",
		 "equipment_type": "elevator", "lines": ["4", "6"], "reason": "maintenance",
		 "outage_start": 1700000000, "outage_end": 1700003600}
	]}`, http.StatusOK)
	defer current.Close()
	broken := jsonServer("upstream exploded", http.StatusInternalServerError)
	defer broken.Close()

	a := newTestAggregator(metrics.NewSink(nil))
	p, status := a.CollectOutages(context.Background(), OutageSources{
		CurrentURL:   current.URL,
		UpcomingURL:  broken.URL,
		EquipmentURL: broken.URL,
	}, testDirectory())

	if status != http.StatusOK || !p.OK {
		t.Fatalf("status=%d payload=%+v, want partial success", status, p)
	}
	if len(p.Current) != 1 {
		t.Fatalf("current = %+v, want 1 record", p.Current)
	}
	// Failed subsets come back as empty lists, not nulls.
	if p.Upcoming == nil || len(p.Upcoming) != 0 || p.Equipment == nil || len(p.Equipment) != 0 {
		t.Fatalf("upcoming=%v equipment=%v, want empty lists", p.Upcoming, p.Equipment)
	}

	got := p.Current[0]
	if got.ID != "o1" || got.EquipmentID != "EL101" || got.EquipmentType != "elevator" {
		t.Errorf("record = %+v", got)
	}
	if got.StopID != "635" || got.StationName != "14 St-Union Sq" {
		t.Errorf("stop resolution: stopID=%q stationName=%q", got.StopID, got.StationName)
	}
	if !reflect.DeepEqual(got.Lines, []string{"4", "6"}) {
		t.Errorf("lines = %v", got.Lines)
	}
	if got.Start != 1_700_000_000_000 || got.End != 1_700_003_600_000 {
		t.Errorf("start=%d end=%d, want seconds scaled to millis", got.Start, got.End)
	}
}

func TestCollectOutagesTotalFailure(t *testing.T) {
	broken := jsonServer("nope", http.StatusInternalServerError)
	defer broken.Close()

	a := newTestAggregator(metrics.NewSink(nil))
	p, status := a.CollectOutages(context.Background(), OutageSources{
		CurrentURL:   broken.URL,
		UpcomingURL:  broken.URL,
		EquipmentURL: broken.URL,
	}, testDirectory())

	if status != http.StatusBadGateway || p.OK {
		t.Fatalf("status=%d payload=%+v, want 502", status, p)
	}
	if p.Error != "Feed fetch failed" {
		t.Errorf("error = %q", p.Error)
	}
}

func TestCollectOutagesAlertForm(t *testing.T) {
	current := jsonServer(`{"header": {"timestamp": 1700000000}, "entity": [
		{"id": "a1", "alert": {
			"informedEntity": [{"stopId": "640", "routeId": "6"}],
			"activePeriod": [{"start": 1700000000, "end": 1700007200}],
			"headerText": {"translation": [{"text": "Elevator out of service", "language": "en"}]},
			"effect": "NO_SERVICE"
		}}
	]}`, http.StatusOK)
	defer current.Close()

	a := newTestAggregator(metrics.NewSink(nil))
	p, status := a.CollectOutages(context.Background(), OutageSources{CurrentURL: current.URL}, testDirectory())
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if p.FeedTimestamp != 1_700_000_000_000 {
		t.Errorf("feedTimestamp = %d", p.FeedTimestamp)
	}
	if len(p.Current) != 1 {
		t.Fatalf("current = %+v", p.Current)
	}
	got := p.Current[0]
	if got.ID != "a1" || got.StopID != "640" || got.StationName != "Brooklyn Bridge" {
		t.Errorf("record = %+v", got)
	}
	if got.Status != "NO_SERVICE" || got.Description != "Elevator out of service" {
		t.Errorf("status=%q description=%q", got.Status, got.Description)
	}
	if got.Start != 1_700_000_000_000 || got.End != 1_700_007_200_000 {
		t.Errorf("start=%d end=%d", got.Start, got.End)
	}
	if !reflect.DeepEqual(got.Lines, []string{"6"}) {
		t.Errorf("lines = %v", got.Lines)
	}
}

func TestCollectOutagesBareArrayAndIDFallback(t *testing.T) {
	equipment := jsonServer(`[
		{"station": "Somewhere", "equipment": "escalator"},
		{"station": "Elsewhere", "equipment": "elevator"}
	]`, http.StatusOK)
	defer equipment.Close()

	a := newTestAggregator(metrics.NewSink(nil))
	p, status := a.CollectOutages(context.Background(), OutageSources{EquipmentURL: equipment.URL}, testDirectory())
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if len(p.Equipment) != 2 {
		t.Fatalf("equipment = %+v", p.Equipment)
	}
	if p.Equipment[0].ID != "equipment-0" || p.Equipment[1].ID != "equipment-1" {
		t.Errorf("ids = %q, %q, want positional fallbacks", p.Equipment[0].ID, p.Equipment[1].ID)
	}
	if p.Equipment[0].EquipmentType != "escalator" {
		t.Errorf("equipmentType = %q", p.Equipment[0].EquipmentType)
	}
}

func TestCollectOutagesSendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.Write([]byte(`{"outages": []}`))
	}))
	defer srv.Close()

	a := newTestAggregator(metrics.NewSink(nil))
	a.CollectOutages(context.Background(), OutageSources{CurrentURL: srv.URL, APIKey: "secret"}, testDirectory())
	if gotKey != "secret" {
		t.Errorf("upstream saw x-api-key %q, want secret", gotKey)
	}
}

func TestAsTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want int64
	}{
		{"nil", nil, 0},
		{"seconds", float64(1_700_000_000), 1_700_000_000_000},
		{"millis passthrough", float64(1_700_000_000_000), 1_700_000_000_000},
		{"rfc3339", "2023-11-14T22:13:20Z", 1_700_000_000_000},
		{"numeric string", "1700000000", 1_700_000_000_000},
		{"garbage", "soon", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := asTimestamp(tt.in); got != tt.want {
				t.Errorf("asTimestamp(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseLines(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"list", []any{"4", "5", "6"}, []string{"4", "5", "6"}},
		{"comma string", "4,5,6", []string{"4", "5", "6"}},
		{"slash string", "4/5/6", []string{"4", "5", "6"}},
		{"spaced", "4, 5 / 6", []string{"4", "5", "6"}},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLines(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseLines(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
