package domain

import (
	"context"
	"time"
)

// RawRecord is one loosely-typed measurement payload as handed over by the
// upstream client or read from the source topic.
type RawRecord struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Source    string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// Row is a normalized record: every field is present and typed.
type Row struct {
	CountryCode string
	CountryName string
	City        string
	LocationID  string // upstream identifier, may be empty
	Location    string
	Latitude    float64
	Longitude   float64
	Parameter   string
	Value       float64
	Unit        string
	MeasuredAt  time.Time
}
