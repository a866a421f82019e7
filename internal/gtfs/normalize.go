package gtfs

import (
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// Status is the canonical train state derived from a feed entity.
type Status string

const (
	StatusArriving  Status = "arriving"
	StatusStopped   Status = "stopped"
	StatusInTransit Status = "in_transit"
)

// ActiveStop is the normalized state of one vehicle at one instant. Coords is
// always present: an entity with no resolvable coordinate is discarded rather
// than emitted with a zero position. All timestamps are unix milliseconds.
type ActiveStop struct {
	LineID          string     `json:"lineId"`
	TrainID         string     `json:"trainId"`
	StopID          string     `json:"stopId,omitempty"`
	StationName     string     `json:"stationName,omitempty"`
	Coords          [2]float64 `json:"coords"`
	UpdatedAt       int64      `json:"updatedAt"`
	Status          Status     `json:"status"`
	DirectionID     *int       `json:"directionId,omitempty"`
	NextStopID      string     `json:"nextStopId,omitempty"`
	NextStationName string     `json:"nextStationName,omitempty"`
	ArrivalTime     int64      `json:"arrivalTime,omitempty"`
}

// NormalizeOptions holds the presence heuristics. DwellSlack pads the window
// during which a predicted arrival/departure counts as "at the stop";
// ArrivingSoon is the horizon at which an in-transit vehicle flips to
// arriving. Both are empirically chosen, not derived.
type NormalizeOptions struct {
	DwellSlack   time.Duration
	ArrivingSoon time.Duration
}

func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{DwellSlack: 60 * time.Second, ArrivingSoon: 120 * time.Second}
}

// Normalize reconciles one raw feed entity's GPS position, stop-status enum,
// and predicted stop-time windows into a single ActiveStop. It returns
// ok=false when the entity cannot be placed anywhere. Pure function: no side
// effects, result is never mutated afterwards.
func Normalize(e *gtfsrt.FeedEntity, dir *Directory, now time.Time, opts NormalizeOptions) (ActiveStop, bool) {
	if e == nil {
		return ActiveStop{}, false
	}

	trip := e.GetTripUpdate().GetTrip()
	if trip == nil {
		trip = e.GetVehicle().GetTrip()
	}

	lineID := trip.GetRouteId()
	if lineID == "" {
		lineID = "Unknown"
	}

	var directionID *int
	if trip != nil && trip.DirectionId != nil {
		d := int(trip.GetDirectionId())
		directionID = &d
	}

	trainID := firstNonEmpty(
		e.GetVehicle().GetVehicle().GetId(),
		e.GetTripUpdate().GetVehicle().GetId(),
		e.GetId(),
		trip.GetTripId(),
	)
	if trainID == "" {
		trainID = lineID + "-unknown"
	}

	nowMS := now.UnixMilli()

	var coords *[2]float64
	if pos := e.GetVehicle().GetPosition(); pos != nil && pos.Latitude != nil && pos.Longitude != nil {
		coords = &[2]float64{float64(pos.GetLatitude()), float64(pos.GetLongitude())}
	}

	status := StatusInTransit
	var stopID, nextStopID string
	var arrivalTime int64

	if v := e.GetVehicle(); v != nil && v.GetStopId() != "" {
		switch v.GetCurrentStatus() {
		case gtfsrt.VehiclePosition_STOPPED_AT:
			stopID = v.GetStopId()
			status = StatusStopped
		case gtfsrt.VehiclePosition_INCOMING_AT:
			stopID = v.GetStopId()
			status = StatusArriving
		case gtfsrt.VehiclePosition_IN_TRANSIT_TO:
			nextStopID = v.GetStopId()
		}
	}

	slackMS := opts.DwellSlack.Milliseconds()
	soonMS := opts.ArrivingSoon.Milliseconds()
	for _, stu := range e.GetTripUpdate().GetStopTimeUpdate() {
		if stu.GetStopId() == "" {
			continue
		}
		var arrival, departure int64
		if t := stu.GetArrival(); t != nil && t.Time != nil {
			arrival = t.GetTime() * 1000
		}
		if t := stu.GetDeparture(); t != nil && t.Time != nil {
			departure = t.GetTime() * 1000
		}

		if status == StatusInTransit && stopID == "" {
			windowStart := arrival
			if windowStart == 0 && departure != 0 {
				windowStart = departure - slackMS
			}
			windowEnd := departure
			if windowEnd == 0 && arrival != 0 {
				windowEnd = arrival + slackMS
			}
			if windowStart != 0 && windowEnd != 0 {
				if nowMS >= windowStart && nowMS <= windowEnd {
					stopID = stu.GetStopId()
					status = StatusStopped
					break
				}
				if arrival != 0 && nowMS < arrival && arrival-nowMS < soonMS {
					stopID = stu.GetStopId()
					status = StatusArriving
					arrivalTime = arrival
					break
				}
			}
		}

		if status == StatusInTransit && nextStopID == "" && arrival != 0 && arrival > nowMS {
			nextStopID = stu.GetStopId()
			arrivalTime = arrival
			break
		}
	}

	var stop, nextStop *StopRecord
	var stationName, nextStationName string
	if dir.Len() > 0 {
		if stopID != "" {
			stopID, stop = dir.Resolve(stopID)
		}
		if nextStopID != "" {
			nextStopID, nextStop = dir.Resolve(nextStopID)
			if nextStop != nil {
				nextStationName = nextStop.Name
			}
		}
	}

	// Coordinate priority: raw GPS, then the resolved current stop, then (only
	// while in transit) the resolved next stop.
	if coords == nil && stop != nil {
		c := stop.Coords
		coords = &c
	}
	if coords == nil && status == StatusInTransit && nextStop != nil {
		c := nextStop.Coords
		coords = &c
	}

	if lineID == "Unknown" {
		if stop != nil && len(stop.Lines) > 0 {
			lineID = stop.Lines[0]
		} else if nextStop != nil && len(nextStop.Lines) > 0 {
			lineID = nextStop.Lines[0]
		}
	}

	if coords == nil {
		return ActiveStop{}, false
	}
	if stop != nil {
		stationName = stop.Name
	}

	return ActiveStop{
		LineID:          lineID,
		TrainID:         trainID,
		StopID:          stopID,
		StationName:     stationName,
		Coords:          *coords,
		UpdatedAt:       nowMS,
		Status:          status,
		DirectionID:     directionID,
		NextStopID:      nextStopID,
		NextStationName: nextStationName,
		ArrivalTime:     arrivalTime,
	}, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
