package domain

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultDiscardSamples caps how many discarded records are kept for diagnostics.
const DefaultDiscardSamples = 10

var (
	timestampPaths = []string{"lastUpdated", "date.utc", "timestamp"}
	latitudePaths  = []string{"coordinates.latitude", "latitude"}
	longitudePaths = []string{"coordinates.longitude", "longitude"}
	locationIDPath = []string{"locationId", "location_id"}

	// Layouts tried after RFC 3339. Zone-less values are taken as UTC.
	timestampLayouts = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
	}
)

// Discard is one dropped record kept as a diagnostic sample.
type Discard struct {
	Index  int           `json:"index"`
	Source string        `json:"source,omitempty"`
	Reason DiscardReason `json:"reason"`
	Error  string        `json:"error"`
}

// Discards tallies records dropped by the normalizer.
type Discards struct {
	Total    int                   `json:"total"`
	ByReason map[DiscardReason]int `json:"by_reason,omitempty"`
	Samples  []Discard             `json:"samples,omitempty"`
}

func (d *Discards) add(index int, source string, err *MalformedRecordError, sampleSize int) {
	d.Total++
	if d.ByReason == nil {
		d.ByReason = make(map[DiscardReason]int)
	}
	d.ByReason[err.Reason]++
	if len(d.Samples) < sampleSize {
		d.Samples = append(d.Samples, Discard{Index: index, Source: source, Reason: err.Reason, Error: err.Error()})
	}
}

// Normalize converts raw records into typed rows. Records that fail are
// counted in the returned Discards; at most sampleSize of them are kept as
// samples. len(rows)+discards.Total always equals len(records).
func Normalize(records []RawRecord, sampleSize int) ([]Row, Discards) {
	rows := make([]Row, 0, len(records))
	var discards Discards
	for i, rec := range records {
		row, err := NormalizeRecord(rec.Value)
		if err != nil {
			discards.add(i, rec.Source, err, sampleSize)
			continue
		}
		rows = append(rows, row)
	}
	return rows, discards
}

// NormalizeRecord parses one JSON payload into a Row.
func NormalizeRecord(payload []byte) (Row, *MalformedRecordError) {
	if !gjson.ValidBytes(payload) {
		return Row{}, &MalformedRecordError{Reason: ReasonMalformedJSON, Field: "record", Detail: "invalid JSON"}
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return Row{}, &MalformedRecordError{Reason: ReasonMalformedJSON, Field: "record", Detail: "not a JSON object"}
	}

	var row Row
	var err *MalformedRecordError

	if row.CountryCode, err = requiredString(doc, "country"); err != nil {
		return Row{}, err
	}
	row.CountryCode = strings.ToUpper(row.CountryCode)
	row.CountryName = strings.TrimSpace(doc.Get("countryName").String())

	if row.City, err = requiredString(doc, "city"); err != nil {
		return Row{}, err
	}
	if row.Location, err = requiredString(doc, "location"); err != nil {
		return Row{}, err
	}
	row.LocationID = optionalID(doc, locationIDPath)

	if row.Latitude, row.Longitude, err = coordinates(doc); err != nil {
		return Row{}, err
	}

	if row.Parameter, err = requiredString(doc, "parameter"); err != nil {
		return Row{}, err
	}
	row.Parameter = strings.ToLower(row.Parameter)

	value := doc.Get("value")
	if !value.Exists() || value.Type == gjson.Null {
		return Row{}, missing("value")
	}
	v, ok := finiteFloat(value)
	if !ok {
		return Row{}, &MalformedRecordError{Reason: ReasonInvalidValue, Field: "value", Detail: value.Raw}
	}
	row.Value = v

	if row.Unit, err = requiredString(doc, "unit"); err != nil {
		return Row{}, err
	}

	if row.MeasuredAt, err = timestamp(doc); err != nil {
		return Row{}, err
	}

	return row, nil
}

func missing(field string) *MalformedRecordError {
	return &MalformedRecordError{Reason: ReasonMissingField, Field: field}
}

func requiredString(doc gjson.Result, path string) (string, *MalformedRecordError) {
	v := doc.Get(path)
	if v.Type != gjson.String && v.Type != gjson.Number {
		return "", missing(path)
	}
	s := strings.TrimSpace(v.String())
	if s == "" {
		return "", missing(path)
	}
	return s, nil
}

func optionalID(doc gjson.Result, paths []string) string {
	for _, p := range paths {
		v := doc.Get(p)
		switch v.Type {
		case gjson.Number:
			return v.Raw
		case gjson.String:
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstExisting(doc gjson.Result, paths []string) (gjson.Result, string) {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && v.Type != gjson.Null {
			return v, p
		}
	}
	return gjson.Result{}, paths[0]
}

func coordinates(doc gjson.Result) (float64, float64, *MalformedRecordError) {
	latRes, latPath := firstExisting(doc, latitudePaths)
	lonRes, lonPath := firstExisting(doc, longitudePaths)
	if !latRes.Exists() {
		return 0, 0, missing(latPath)
	}
	if !lonRes.Exists() {
		return 0, 0, missing(lonPath)
	}

	lat, ok := finiteFloat(latRes)
	if !ok || lat < -90 || lat > 90 {
		return 0, 0, &MalformedRecordError{Reason: ReasonInvalidCoordinates, Field: latPath, Detail: latRes.Raw}
	}
	lon, ok := finiteFloat(lonRes)
	if !ok || lon < -180 || lon > 180 {
		return 0, 0, &MalformedRecordError{Reason: ReasonInvalidCoordinates, Field: lonPath, Detail: lonRes.Raw}
	}
	return lat, lon, nil
}

// finiteFloat accepts JSON numbers and numeric strings that are neither NaN nor infinite.
func finiteFloat(v gjson.Result) (float64, bool) {
	var f float64
	switch v.Type {
	case gjson.Number:
		parsed, err := strconv.ParseFloat(v.Raw, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case gjson.String:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func timestamp(doc gjson.Result) (time.Time, *MalformedRecordError) {
	v, path := firstExisting(doc, timestampPaths)
	if !v.Exists() {
		return time.Time{}, missing(path)
	}
	if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
		return time.Time{}, &MalformedRecordError{Reason: ReasonInvalidTimestamp, Field: path, Detail: v.Raw}
	}
	t, ok := parseTimestamp(v.Str)
	if !ok {
		return time.Time{}, &MalformedRecordError{Reason: ReasonInvalidTimestamp, Field: path, Detail: v.Str}
	}
	return t, nil
}

// parseTimestamp returns the canonical UTC instant at microsecond precision,
// the finest resolution every supported store round-trips exactly.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return canonical(t), true
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return canonical(t), true
		}
	}
	return time.Time{}, false
}

func canonical(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
