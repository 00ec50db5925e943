package domain

import "time"

// EntityType names one of the four loader tables.
type EntityType string

const (
	EntityCountry     EntityType = "country"
	EntityCity        EntityType = "city"
	EntityLocation    EntityType = "location"
	EntityMeasurement EntityType = "measurement"
)

// Country is keyed by its ISO 3166-1 alpha-2 code.
type Country struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// City is keyed by a hash of its country code and folded name.
type City struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
}

// Location is a monitoring site.
type Location struct {
	Key       string  `json:"key"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	CityKey   string  `json:"city_key"`
}

// Measurement is a single reading of one parameter at one location.
type Measurement struct {
	LocationKey string    `json:"location_key"`
	Parameter   string    `json:"parameter"`
	MeasuredAt  time.Time `json:"measured_at"`
	Value       float64   `json:"value"`
	Unit        string    `json:"unit"`
}

// MeasurementKey is the composite natural key of a measurement.
type MeasurementKey struct {
	LocationKey string
	Parameter   string
	MeasuredAt  int64 // unix microseconds, UTC
}

// Key returns the measurement's composite key.
func (m Measurement) Key() MeasurementKey {
	return MeasurementKey{
		LocationKey: m.LocationKey,
		Parameter:   m.Parameter,
		MeasuredAt:  m.MeasuredAt.UTC().UnixMicro(),
	}
}

func (k MeasurementKey) String() string {
	return k.LocationKey + "|" + k.Parameter + "|" + time.UnixMicro(k.MeasuredAt).UTC().Format(time.RFC3339Nano)
}

// Entities is the resolved tuple for one normalized row.
type Entities struct {
	Country     Country
	City        City
	Location    Location
	Measurement Measurement
}

// EntityCounts tallies something per entity type.
type EntityCounts struct {
	Countries    int `json:"countries"`
	Cities       int `json:"cities"`
	Locations    int `json:"locations"`
	Measurements int `json:"measurements"`
}

// Total sums all four counts.
func (c EntityCounts) Total() int {
	return c.Countries + c.Cities + c.Locations + c.Measurements
}

// TimeWindow is an inclusive range of measurement timestamps.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// IsZero reports whether the window covers nothing.
func (w TimeWindow) IsZero() bool {
	return w.From.IsZero() && w.To.IsZero()
}

// WindowOf returns the smallest window covering every measurement in the batch.
func WindowOf(batch []Entities) TimeWindow {
	var w TimeWindow
	for i, e := range batch {
		t := e.Measurement.MeasuredAt
		if i == 0 || t.Before(w.From) {
			w.From = t
		}
		if i == 0 || t.After(w.To) {
			w.To = t
		}
	}
	return w
}
