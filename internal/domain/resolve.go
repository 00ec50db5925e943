package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"golang.org/x/text/unicode/norm"
)

// ResolveAll resolves every row in order.
func ResolveAll(rows []Row) []Entities {
	out := make([]Entities, 0, len(rows))
	for _, row := range rows {
		out = append(out, Resolve(row))
	}
	return out
}

// Resolve derives the four entities a normalized row describes. It is a pure
// function of the row: the same row always yields the same keys.
func Resolve(row Row) Entities {
	countryCode := CountryKey(row.CountryCode)
	cityKey := CityKey(countryCode, row.City)
	locationKey := LocationKey(row)

	return Entities{
		Country: Country{
			Code: countryCode,
			Name: countryName(countryCode, row.CountryName),
		},
		City: City{
			Key:         cityKey,
			Name:        strings.TrimSpace(row.City),
			CountryCode: countryCode,
		},
		Location: Location{
			Key:       locationKey,
			Name:      strings.TrimSpace(row.Location),
			Latitude:  row.Latitude,
			Longitude: row.Longitude,
			CityKey:   cityKey,
		},
		Measurement: Measurement{
			LocationKey: locationKey,
			Parameter:   strings.ToLower(strings.TrimSpace(row.Parameter)),
			MeasuredAt:  canonical(row.MeasuredAt),
			Value:       row.Value,
			Unit:        strings.TrimSpace(row.Unit),
		},
	}
}

// CountryKey canonicalizes an ISO 3166-1 alpha-2 code.
func CountryKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CityKey derives a city key unique within its country.
func CityKey(countryCode, city string) string {
	return "city-" + shortHash(CountryKey(countryCode), fold(city))
}

// LocationKey prefers the upstream location id; without one it hashes the
// identifying attributes of the site.
func LocationKey(row Row) string {
	if id := strings.TrimSpace(row.LocationID); id != "" {
		return "openaq-" + id
	}
	return "loc-" + shortHash(
		CountryKey(row.CountryCode),
		fold(row.City),
		fold(row.Location),
		fmt.Sprintf("%.4f", row.Latitude),
		fmt.Sprintf("%.4f", row.Longitude),
	)
}

func shortHash(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:8])
}

// fold makes names comparable: NFC, case folding, collapsed whitespace.
func fold(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// countryName returns the English display name for an ISO region code,
// falling back to the name supplied upstream and then to the code itself.
func countryName(code, fallback string) string {
	if region, err := language.ParseRegion(code); err == nil && region.IsCountry() {
		if name := display.English.Regions().Name(region); name != "" {
			return name
		}
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return code
}
