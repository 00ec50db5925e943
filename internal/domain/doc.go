// Package domain models OpenAQ air-quality readings and the pure stages of
// the incremental loader: normalization, entity resolution, and delta
// detection. Nothing in this package performs I/O.
//
// # Data Source
//
// Records originate from the OpenAQ "latest" endpoint. The upstream client
// fetches result pages on a schedule and hands the loader one flat JSON
// object per reported measurement:
//
//	{
//	  "locationId": 2178,
//	  "location": "London Westminster",
//	  "city": "London",
//	  "country": "GB",
//	  "coordinates": {"latitude": 51.4946, "longitude": -0.1319},
//	  "parameter": "pm25",
//	  "value": 12.5,
//	  "unit": "µg/m³",
//	  "lastUpdated": "2024-04-26T15:00:00+00:00"
//	}
//
// Field aliases accepted by the normalizer:
//
//	timestamp:   lastUpdated | date.utc | timestamp
//	coordinates: coordinates.latitude/longitude | latitude/longitude
//	location id: locationId | location_id
//
// Values may arrive as JSON numbers or numeric strings. NaN, ±Inf,
// booleans and objects are rejected.
//
// # Key Derivation
//
// Keys are natural keys built only from record content, so the same
// real-world entity resolves to the same key on every run:
//
//	country:     upper-cased ISO 3166-1 alpha-2 code, e.g. "GB"
//	city:        "city-" + sha256(country|fold(city))[:8] hex
//	location:    "openaq-<locationId>" when the upstream id is present,
//	             otherwise "loc-" + sha256(country|fold(city)|fold(name)|lat|lon)[:8] hex
//	measurement: (location key, lower-cased parameter, UTC timestamp)
//
// fold applies Unicode NFC normalization, case folding, and whitespace
// collapsing, so "São Paulo", "SÃO  PAULO" and a decomposed "São Paulo"
// share one city key. Coordinates are rounded to four decimal places
// (about 11 m) before hashing.
//
// # Conflicts
//
// A measurement whose key already exists with a different value or unit is
// an upstream correction. [ConflictReject] keeps the stored reading and
// counts the conflict; [ConflictOverwrite] replaces it.
package domain
