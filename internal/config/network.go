package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"shuttlematch/internal/model"
	"shuttlematch/internal/opt"
)

// Network is the stop table and travel times of a service area as read from
// a YAML file. Travel times are given either as directed pairs or as a dense
// matrix whose rows and columns follow Stops.
type Network struct {
	Stops       []model.Stop       `yaml:"stops" validate:"required,min=1,dive"`
	TravelTimes []model.TravelTime `yaml:"travelTimes" validate:"dive"`
	Matrix      [][]int            `yaml:"matrix"`
	// Symmetric mirrors every pair that has no explicit reverse entry.
	Symmetric bool `yaml:"symmetric"`
}

func LoadNetwork(path string) (Network, error) {
	var n Network
	if err := readYAML(path, &n); err != nil {
		return Network{}, err
	}
	if err := validate.Struct(n); err != nil {
		return Network{}, fmt.Errorf("%w: network %s: %v", ErrInvalidConfig, path, err)
	}
	seen := make(map[string]struct{}, len(n.Stops))
	for _, s := range n.Stops {
		if _, dup := seen[s.ID]; dup {
			return Network{}, fmt.Errorf("%w: network %s: duplicate stop %q", ErrInvalidConfig, path, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	if len(n.Matrix) > 0 && len(n.TravelTimes) > 0 {
		return Network{}, fmt.Errorf("%w: network %s: give travelTimes or matrix, not both", ErrInvalidConfig, path)
	}
	return n, nil
}

// Pairs flattens the network into directed travel-time entries, the form
// the store persists.
func (n Network) Pairs() []model.TravelTime {
	if len(n.Matrix) > 0 {
		var out []model.TravelTime
		for i, row := range n.Matrix {
			if i >= len(n.Stops) {
				break
			}
			for j, mins := range row {
				if j >= len(n.Stops) || i == j || mins < 0 {
					continue
				}
				out = append(out, model.TravelTime{From: n.Stops[i].ID, To: n.Stops[j].ID, Minutes: mins})
			}
		}
		return out
	}
	out := append([]model.TravelTime(nil), n.TravelTimes...)
	if !n.Symmetric {
		return out
	}
	have := make(map[[2]string]struct{}, len(out))
	for _, tt := range out {
		have[[2]string{tt.From, tt.To}] = struct{}{}
	}
	for _, tt := range n.TravelTimes {
		if _, ok := have[[2]string{tt.To, tt.From}]; ok {
			continue
		}
		out = append(out, model.TravelTime{From: tt.To, To: tt.From, Minutes: tt.Minutes})
		have[[2]string{tt.To, tt.From}] = struct{}{}
	}
	return out
}

// TravelMatrix builds the optimizer's lookup table.
func (n Network) TravelMatrix(defaultMinutes int) (*opt.Matrix, error) {
	if len(n.Matrix) > 0 {
		return opt.NewMatrix(n.Stops, n.Matrix, defaultMinutes)
	}
	return opt.NewMatrixFromPairs(n.Stops, n.Pairs(), defaultMinutes)
}

type requestFile struct {
	Requests []model.Request `yaml:"requests" validate:"dive"`
}

// boardingKeys mirrors requestFile to tell an omitted boardingTime from an
// explicit "00:00".
type boardingKeys struct {
	Requests []struct {
		BoardingTime *string `yaml:"boardingTime"`
	} `yaml:"requests"`
}

// LoadRequests reads a request list for offline runs. Requests without a
// boardingTime key get ETA minus the given travel time.
func LoadRequests(path string, tt *opt.Matrix) ([]model.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f requestFile
	if err := decodeYAML(path, data, &f); err != nil {
		return nil, err
	}
	var keys boardingKeys
	if err := decodeYAML(path, data, &keys); err != nil {
		return nil, err
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: requests %s: %v", ErrInvalidConfig, path, err)
	}
	ids := make(map[string]struct{}, len(f.Requests))
	for i := range f.Requests {
		r := &f.Requests[i]
		if _, dup := ids[r.ID]; dup {
			return nil, fmt.Errorf("%w: requests %s: duplicate id %q", ErrInvalidConfig, path, r.ID)
		}
		ids[r.ID] = struct{}{}
		if tt != nil && (!tt.HasStop(r.OriginStopID) || !tt.HasStop(r.DestStopID)) {
			return nil, fmt.Errorf("%w: request %s: unknown stop", ErrInvalidConfig, r.ID)
		}
		if tt != nil && i < len(keys.Requests) && keys.Requests[i].BoardingTime == nil {
			r.BoardingTime = r.ETA.Add(-tt.Minutes(r.OriginStopID, r.DestStopID))
		}
	}
	return f.Requests, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return decodeYAML(path, data, out)
}

func decodeYAML(path string, data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}
