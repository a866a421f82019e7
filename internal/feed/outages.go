package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/transit-tools/transit-live/internal/gtfs"
)

// OutageRecord is one normalized elevator/escalator outage. Upstream formats
// vary (alert-shaped protobuf-as-JSON and flat equipment records), so field
// extraction is alias-tolerant.
type OutageRecord struct {
	ID            string   `json:"id"`
	StationName   string   `json:"stationName,omitempty"`
	Location      string   `json:"location,omitempty"`
	StopID        string   `json:"stopId,omitempty"`
	EquipmentID   string   `json:"equipmentId,omitempty"`
	EquipmentType string   `json:"equipmentType,omitempty"`
	EquipmentName string   `json:"equipmentName,omitempty"`
	Lines         []string `json:"lines,omitempty"`
	Direction     string   `json:"direction,omitempty"`
	Borough       string   `json:"borough,omitempty"`
	Status        string   `json:"status,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Description   string   `json:"description,omitempty"`
	Start         int64    `json:"start,omitempty"`
	End           int64    `json:"end,omitempty"`
}

type OutagesPayload struct {
	OK            bool           `json:"ok"`
	UpdatedAt     int64          `json:"updatedAt"`
	FeedTimestamp int64          `json:"feedTimestamp,omitempty"`
	Current       []OutageRecord `json:"current"`
	Upcoming      []OutageRecord `json:"upcoming"`
	Equipment     []OutageRecord `json:"equipment"`
	Error         string         `json:"error,omitempty"`
}

// OutageSources configures the three independent outage feeds plus the
// upstream API key sent as x-api-key.
type OutageSources struct {
	CurrentURL   string
	UpcomingURL  string
	EquipmentURL string
	APIKey       string
}

// CollectOutages merges the current/upcoming/equipment feeds with
// partial-success tolerance: each feed fails independently and a failed
// subset is reported as an empty list. Only total failure across all three
// yields a 502. This is the opposite policy from Collect, which is
// all-or-nothing for the primary transit feeds.
func (a *Aggregator) CollectOutages(ctx context.Context, src OutageSources, dir *gtfs.Directory) (OutagesPayload, int) {
	nowMS := a.now().UnixMilli()

	urls := []string{src.CurrentURL, src.UpcomingURL, src.EquipmentURL}
	var header http.Header
	if src.APIKey != "" {
		header = http.Header{"X-Api-Key": []string{src.APIKey}}
	}

	datas := make([]any, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		if url == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := fetchWithRetry(ctx, a.client, url, header, a.attempts, a.backoff)
			if err != nil {
				a.log.Warn("outage feed failed", zap.String("url", url), zap.Error(err))
				return
			}
			var data any
			if err := json.Unmarshal(body, &data); err != nil {
				a.log.Warn("outage feed decode failed", zap.String("url", url), zap.Error(err))
				return
			}
			datas[i] = data
		}()
	}
	wg.Wait()

	if datas[0] == nil && datas[1] == nil && datas[2] == nil {
		return OutagesPayload{
			OK: false, UpdatedAt: nowMS,
			Current: []OutageRecord{}, Upcoming: []OutageRecord{}, Equipment: []OutageRecord{},
			Error: "Feed fetch failed",
		}, http.StatusBadGateway
	}

	sources := []string{"current", "upcoming", "equipment"}
	parsed := make([][]OutageRecord, len(urls))
	var feedTS int64
	for i, data := range datas {
		items, ts := parseOutageFeed(data, sources[i], dir)
		parsed[i] = items
		if ts > feedTS {
			feedTS = ts
		}
	}

	return OutagesPayload{
		OK:            true,
		UpdatedAt:     nowMS,
		FeedTimestamp: feedTS,
		Current:       parsed[0],
		Upcoming:      parsed[1],
		Equipment:     parsed[2],
	}, http.StatusOK
}

func parseOutageFeed(data any, source string, dir *gtfs.Directory) ([]OutageRecord, int64) {
	items := []OutageRecord{}
	if data == nil {
		return items, 0
	}
	var feedTS int64
	if obj, ok := data.(map[string]any); ok {
		if header, ok := obj["header"].(map[string]any); ok {
			feedTS = asTimestamp(header["timestamp"])
		}
	}
	for i, raw := range extractRecords(data) {
		record, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if alert, ok := record["alert"].(map[string]any); ok {
			items = append(items, normalizeOutageAlert(record, alert, source, i, dir))
			continue
		}
		items = append(items, normalizeOutageRecord(record, source, i, dir))
	}
	return items, feedTS
}

// extractRecords accepts the various envelope shapes the outage endpoints
// use: GTFS-RT-as-JSON ({entity: []}), equipment lists, or a bare array.
func extractRecords(data any) []any {
	if list, ok := data.([]any); ok {
		return list
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"entity", "outages", "equipments", "equipment", "data"} {
		if list, ok := obj[key].([]any); ok {
			return list
		}
	}
	return nil
}

func normalizeOutageAlert(entity, alert map[string]any, source string, index int, dir *gtfs.Directory) OutageRecord {
	var informed map[string]any
	if list, ok := alert["informedEntity"].([]any); ok && len(list) > 0 {
		informed, _ = list[0].(map[string]any)
	}
	rawStopID := pickString(informed, "stopId", "stop_id")
	stopID, stationName, stopLines := resolveOutageStop(rawStopID, dir)

	facility, _ := alert["facility"].(map[string]any)
	if informed != nil {
		if f, ok := informed["facility"].(map[string]any); ok {
			facility = f
		}
	}

	equipmentID := firstNonEmpty(
		pickString(facility, "equipmentId", "equipment_id", "id"),
		pickString(alert, "equipmentId", "equipment_id"),
		pickString(entity, "equipmentId", "equipment_id"),
	)

	var start, end int64
	if list, ok := alert["activePeriod"].([]any); ok && len(list) > 0 {
		if period, ok := list[0].(map[string]any); ok {
			start = asTimestamp(pickAny(period, "start", "startTime"))
			end = asTimestamp(pickAny(period, "end", "endTime"))
		}
	}
	if start == 0 {
		start = asTimestamp(alert["start"])
	}
	if end == 0 {
		end = asTimestamp(alert["end"])
	}

	lines := stopLines
	if len(lines) == 0 {
		lines = parseLines(informed["routeId"])
	}

	id := pickString(entity, "id")
	if id == "" {
		id = equipmentID
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d", source, index)
	}

	return OutageRecord{
		ID:            id,
		StationName:   stationName,
		Location:      firstNonEmpty(pickString(alert, "location", "station", "stop_name"), stationName),
		StopID:        stopID,
		EquipmentID:   equipmentID,
		EquipmentType: firstNonEmpty(pickString(facility, "equipmentType", "equipment_type", "type"), pickString(alert, "equipmentType", "equipment_type", "type")),
		EquipmentName: firstNonEmpty(pickString(facility, "equipmentName", "equipment_name", "name", "description"), pickString(alert, "equipmentName", "equipment_name")),
		Lines:         lines,
		Direction:     firstNonEmpty(pickString(facility, "direction"), pickString(informed, "direction")),
		Borough:       pickString(alert, "borough"),
		Status:        pickString(alert, "effect", "transitEffect", "status"),
		Reason:        pickString(alert, "cause", "reason"),
		Description:   firstNonEmpty(translationText(alert["descriptionText"]), translationText(alert["headerText"])),
		Start:         start,
		End:           end,
	}
}

func normalizeOutageRecord(record map[string]any, source string, index int, dir *gtfs.Directory) OutageRecord {
	rawStopID := pickString(record, "stopId", "stop_id", "station_id", "stationId", "gtfs_stop_id")
	stopID, stationName, stopLines := resolveOutageStop(rawStopID, dir)

	equipmentID := pickString(record, "equipmentId", "equipment_id", "asset_id", "facility_id", "id")
	lines := parseLines(pickAny(record, "lines", "line", "route", "routes", "serving", "serves", "line_id"))
	if len(lines) == 0 {
		lines = stopLines
	}

	id := pickString(record, "id")
	if id == "" {
		id = equipmentID
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d", source, index)
	}

	return OutageRecord{
		ID:            id,
		StationName:   stationName,
		Location:      firstNonEmpty(pickString(record, "station", "station_name", "stop_name", "location", "name"), stationName),
		StopID:        stopID,
		EquipmentID:   equipmentID,
		EquipmentType: pickString(record, "equipmentType", "equipment_type", "type", "equipment"),
		EquipmentName: pickString(record, "equipmentName", "equipment_name", "name", "description"),
		Lines:         lines,
		Direction:     pickString(record, "direction", "dir"),
		Borough:       pickString(record, "borough"),
		Status:        pickString(record, "status", "outage_status", "availability", "operationalStatus", "state"),
		Reason:        pickString(record, "reason", "cause", "remarks", "comment"),
		Description:   pickString(record, "description", "details", "notes", "text"),
		Start:         asTimestamp(pickAny(record, "outage_start", "start_time", "start", "effective_date", "start_date")),
		End:           asTimestamp(pickAny(record, "outage_end", "end_time", "end", "estimated_return_to_service", "end_date")),
	}
}

func resolveOutageStop(rawStopID string, dir *gtfs.Directory) (stopID, stationName string, lines []string) {
	if rawStopID == "" {
		return "", "", nil
	}
	id, rec := dir.Resolve(rawStopID)
	if rec == nil {
		return id, "", nil
	}
	return id, rec.Name, rec.Lines
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func pickString(obj map[string]any, keys ...string) string {
	if obj == nil {
		return ""
	}
	for _, key := range keys {
		if v := asString(obj[key]); v != "" {
			return v
		}
	}
	return ""
}

func pickAny(obj map[string]any, keys ...string) any {
	if obj == nil {
		return nil
	}
	for _, key := range keys {
		if v, ok := obj[key]; ok && v != nil {
			return v
		}
	}
	return nil
}

// asTimestamp interprets numbers as unix seconds or milliseconds (threshold
// 1e12) and strings as RFC dates or numerics. Returns milliseconds, 0 when
// unparseable.
func asTimestamp(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return scaleEpoch(int64(t))
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli()
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return ts.UnixMilli()
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return scaleEpoch(int64(n))
		}
		return 0
	default:
		return 0
	}
}

func scaleEpoch(n int64) int64 {
	if n > 1_000_000_000_000 {
		return n
	}
	return n * 1000
}

func parseLines(v any) []string {
	switch t := v.(type) {
	case []any:
		var out []string
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.FieldsFunc(t, func(r rune) bool {
			return r == ',' || r == '/' || r == ' ' || r == '\t'
		}) {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

// translationText flattens a GTFS-RT TranslatedString rendered as JSON, or
// passes a plain string through.
func translationText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		list, ok := t["translation"].([]any)
		if !ok {
			return ""
		}
		var parts []string
		for _, entry := range list {
			if m, ok := entry.(map[string]any); ok {
				if text := asString(m["text"]); text != "" {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
