package feed

import (
	"context"
	"net/http"
	"strings"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertSummary is one normalized service alert.
type AlertSummary struct {
	ID            string         `json:"id"`
	Header        string         `json:"header"`
	Description   string         `json:"description"`
	Cause         string         `json:"cause,omitempty"`
	Effect        string         `json:"effect,omitempty"`
	URL           string         `json:"url,omitempty"`
	Routes        []string       `json:"routes"`
	ActivePeriods []ActivePeriod `json:"activePeriods"`
}

// ActivePeriod bounds when an alert applies, in unix milliseconds; either end
// may be open.
type ActivePeriod struct {
	Start int64 `json:"start,omitempty"`
	End   int64 `json:"end,omitempty"`
}

type AlertsPayload struct {
	OK        bool           `json:"ok"`
	UpdatedAt int64          `json:"updatedAt"`
	Alerts    []AlertSummary `json:"alerts"`
	Error     string         `json:"error,omitempty"`
}

// CollectAlerts fetches and normalizes the service-alerts feed. Independent
// of the transit aggregation: separate feed type, separate cache key.
func (a *Aggregator) CollectAlerts(ctx context.Context, url string) (AlertsPayload, int) {
	nowMS := a.now().UnixMilli()
	if url == "" {
		return AlertsPayload{OK: false, UpdatedAt: nowMS, Alerts: []AlertSummary{}, Error: "no alerts URL configured"}, http.StatusInternalServerError
	}

	fm, err := fetchFeedMessage(ctx, a.client, url, a.attempts, a.backoff)
	if err != nil {
		a.log.Warn("alerts feed failed", zap.Error(err))
		return AlertsPayload{OK: false, UpdatedAt: a.now().UnixMilli(), Alerts: []AlertSummary{}, Error: "Alerts feed fetch failed"}, http.StatusBadGateway
	}

	alerts := []AlertSummary{}
	for _, e := range fm.GetEntity() {
		alert := e.GetAlert()
		if alert == nil {
			continue
		}

		var routes []string
		seenRoutes := map[string]struct{}{}
		for _, ent := range alert.GetInformedEntity() {
			id := ent.GetRouteId()
			if id == "" {
				continue
			}
			if _, dup := seenRoutes[id]; dup {
				continue
			}
			seenRoutes[id] = struct{}{}
			routes = append(routes, id)
		}

		periods := make([]ActivePeriod, 0, len(alert.GetActivePeriod()))
		for _, p := range alert.GetActivePeriod() {
			var ap ActivePeriod
			if p.Start != nil {
				ap.Start = int64(p.GetStart()) * 1000
			}
			if p.End != nil {
				ap.End = int64(p.GetEnd()) * 1000
			}
			periods = append(periods, ap)
		}

		id := e.GetId()
		if id == "" {
			id = uuid.NewString()
		}

		var cause, effect string
		if alert.Cause != nil {
			cause = gtfsrt.Alert_Cause_name[int32(alert.GetCause())]
		}
		if alert.Effect != nil {
			effect = gtfsrt.Alert_Effect_name[int32(alert.GetEffect())]
		}

		alerts = append(alerts, AlertSummary{
			ID:            id,
			Header:        pickTranslation(alert.GetHeaderText()),
			Description:   pickTranslation(alert.GetDescriptionText()),
			Cause:         cause,
			Effect:        effect,
			URL:           pickTranslation(alert.GetUrl()),
			Routes:        routes,
			ActivePeriods: periods,
		})
	}

	return AlertsPayload{OK: true, UpdatedAt: a.now().UnixMilli(), Alerts: alerts}, http.StatusOK
}

// pickTranslation prefers the English translation, else the first one.
func pickTranslation(ts *gtfsrt.TranslatedString) string {
	translations := ts.GetTranslation()
	if len(translations) == 0 {
		return ""
	}
	for _, t := range translations {
		if strings.EqualFold(t.GetLanguage(), "en") {
			return strings.TrimSpace(t.GetText())
		}
	}
	return strings.TrimSpace(translations[0].GetText())
}
