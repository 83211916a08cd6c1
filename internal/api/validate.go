package api

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"shuttlematch/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report payload field names rather than Go names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bookingError is an intake rejection: Title is the problem title, Code
// the machine-readable reason.
type bookingError struct {
	Title  string
	Code   string
	Detail string
}

func (e *bookingError) Error() string { return e.Code + ": " + e.Detail }

// parseBooking checks an intake payload and returns the arrival window.
func parseBooking(in model.BookingIn) (earliest, latest model.Clock, err error) {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return 0, 0, &bookingError{Title: "Invalid request", Code: "invalid_request", Detail: err.Error()}
		}
		var missing []string
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				missing = append(missing, fe.Field())
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return 0, 0, &bookingError{Title: "Missing fields", Code: "missing_fields", Detail: strings.Join(missing, ", ")}
		}
		return 0, 0, &bookingError{Title: "Same location", Code: "same_location", Detail: "origin and destination must differ"}
	}
	earliest, err = model.ParseClock(in.EarliestArrival)
	if err != nil {
		return 0, 0, &bookingError{Title: "Invalid time format", Code: "invalid_time_format", Detail: err.Error()}
	}
	latest, err = model.ParseClock(in.LatestArrival)
	if err != nil {
		return 0, 0, &bookingError{Title: "Invalid time format", Code: "invalid_time_format", Detail: err.Error()}
	}
	if earliest > latest {
		return 0, 0, &bookingError{Title: "Invalid time range", Code: "invalid_time_range", Detail: "earliest_arrival is after latest_arrival"}
	}
	return earliest, latest, nil
}
