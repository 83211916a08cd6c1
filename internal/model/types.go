package model

import "time"

// Core domain types shared by the optimizer, the store and the API.

type Stop struct {
	ID       string  `json:"id" yaml:"id" validate:"required"`
	Name     string  `json:"name" yaml:"name"`
	Lat      float64 `json:"lat" yaml:"lat"`
	Lng      float64 `json:"lng" yaml:"lng"`
	Category string  `json:"category,omitempty" yaml:"category"`
}

// Request is one rider's booking as handed to an optimization run.
type Request struct {
	ID           string `json:"id" yaml:"id" validate:"required"`
	RiderID      string `json:"riderId" yaml:"riderId"`
	OriginStopID string `json:"originStopId" yaml:"origin" validate:"required"`
	DestStopID   string `json:"destStopId" yaml:"destination" validate:"required,nefield=OriginStopID"`
	ETA          Clock  `json:"eta" yaml:"eta"`
	BoardingTime Clock  `json:"boardingTime" yaml:"boardingTime"`
	EarlyTol     int    `json:"earlyTol" yaml:"earlyTol" validate:"gte=0"`
	LateTol      int    `json:"lateTol" yaml:"lateTol" validate:"gte=0"`
}

// Window returns the accepted alighting interval [ETA-early, ETA+late].
func (r Request) Window() (Clock, Clock) {
	return r.ETA.Add(-r.EarlyTol), r.ETA.Add(r.LateTol)
}

type Trip struct {
	ID              string   `json:"id"`
	VehicleID       string   `json:"vehicleId"`
	StartTime       Clock    `json:"startTime"`
	EndTime         Clock    `json:"endTime"`
	StartStopID     string   `json:"startStopId"`
	EndStopID       string   `json:"endStopId"`
	DurationMinutes int      `json:"durationMinutes"`
	PassengerCount  int      `json:"passengerCount"`
	Route           []string `json:"route"`
}

type Assignment struct {
	RequestID       string `json:"requestId"`
	TripID          string `json:"tripId"`
	BoardingStopID  string `json:"boardingStopId"`
	AlightingStopID string `json:"alightingStopId"`
	PromisedETA     Clock  `json:"promisedEta"`
	ActualArrival   Clock  `json:"actualArrival"`
	BoardingTime    Clock  `json:"boardingTime"`
	AlightingTime   Clock  `json:"alightingTime"`
}

// Booking is a stored intake record. A run snapshots bookings into Requests.
type Booking struct {
	Request
	CreatedAt time.Time `json:"createdAt"`
}

// BookingIn is the intake payload.
type BookingIn struct {
	RiderID         string `json:"uid" validate:"required"`
	Origin          string `json:"origin" validate:"required"`
	Destination     string `json:"destination" validate:"required,nefield=Origin"`
	EarliestArrival string `json:"earliest_arrival" validate:"required"`
	LatestArrival   string `json:"latest_arrival" validate:"required"`
}

// Run is the persisted outcome of one optimization run.
type Run struct {
	ID          string       `json:"id"`
	ServiceDate string       `json:"serviceDate"`
	Status      string       `json:"status"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
	Seed        int64        `json:"seed"`
	Fitness     float64      `json:"fitness"`
	Requests    int          `json:"requests"`
	Trips       []Trip       `json:"trips,omitempty"`
	Assignments []Assignment `json:"assignments,omitempty"`
	Error       string       `json:"error,omitempty"`
}

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunSummary is the list/lookup form of a Run.
type RunSummary struct {
	ID          string     `json:"id"`
	ServiceDate string     `json:"serviceDate"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	Fitness     float64    `json:"fitness"`
	Requests    int        `json:"requests"`
	Trips       int        `json:"trips"`
	Assigned    int        `json:"assigned"`
}

func (r Run) Summary() RunSummary {
	return RunSummary{
		ID: r.ID, ServiceDate: r.ServiceDate, Status: r.Status,
		StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, Fitness: r.Fitness,
		Requests: r.Requests, Trips: len(r.Trips), Assigned: len(r.Assignments),
	}
}

// BookingResult is one row of a rider's result lookup.
type BookingResult struct {
	RequestID   string       `json:"requestId"`
	Origin      string       `json:"origin"`
	Destination string       `json:"destination"`
	CreatedAt   time.Time    `json:"created_at"`
	Matched     bool         `json:"matched"`
	PickupTime  *Clock       `json:"pickup_time,omitempty"`
	ArriveTime  *Clock       `json:"arrive_time,omitempty"`
	Shuttle     *ShuttleInfo `json:"shuttle_info,omitempty"`
}

type ShuttleInfo struct {
	TripID          string   `json:"trip_id"`
	VehicleID       string   `json:"vehicle_id"`
	StartStop       string   `json:"start_stop"`
	EndStop         string   `json:"end_stop"`
	RouteSequence   []string `json:"route_sequence"`
	PassengerCount  int      `json:"passenger_count"`
	DurationMinutes int      `json:"duration_minutes"`
	StartTime       Clock    `json:"shuttle_start_time"`
	EndTime         Clock    `json:"shuttle_end_time"`
}

func ShuttleInfoFor(t Trip) *ShuttleInfo {
	return &ShuttleInfo{
		TripID: t.ID, VehicleID: t.VehicleID, StartStop: t.StartStopID, EndStop: t.EndStopID,
		RouteSequence: append([]string(nil), t.Route...), PassengerCount: t.PassengerCount,
		DurationMinutes: t.DurationMinutes, StartTime: t.StartTime, EndTime: t.EndTime,
	}
}

// TravelTime is one directed entry of the stop-to-stop table.
type TravelTime struct {
	From    string `json:"from" yaml:"from" validate:"required"`
	To      string `json:"to" yaml:"to" validate:"required"`
	Minutes int    `json:"minutes" yaml:"minutes" validate:"gte=0"`
}
