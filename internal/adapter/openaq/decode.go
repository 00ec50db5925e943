// Package openaq turns OpenAQ "latest" payloads into raw records for the loader.
package openaq

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/couchcryptid/air-quality-etl/internal/domain"
)

// ErrUnrecognizedPayload is returned when input is neither a results page,
// a JSON array, nor newline-delimited JSON.
var ErrUnrecognizedPayload = errors.New("unrecognized openaq payload")

const maxLine = 4 << 20

// Decode accepts an API results page ({"results": [...]}), a bare JSON
// array of results, or newline-delimited JSON, and returns one record per
// measurement. Results carrying a nested "measurements" array are flattened
// so each record holds the location fields plus a single reading.
func Decode(data []byte, source string) ([]domain.RawRecord, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if gjson.ValidBytes(data) {
		doc := gjson.ParseBytes(data)
		switch {
		case doc.IsArray():
			return flattenAll(doc.Array(), source)
		case doc.IsObject() && doc.Get("results").IsArray():
			return flattenAll(doc.Get("results").Array(), source)
		case doc.IsObject():
			return flatten(doc, source, 0)
		}
		return nil, fmt.Errorf("%w: top-level %s", ErrUnrecognizedPayload, doc.Type)
	}

	return decodeLines(data, source)
}

// DecodeFile reads and decodes a payload file.
func DecodeFile(path string) ([]domain.RawRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Decode(data, path)
}

// decodeLines treats data as NDJSON. Lines that fail to parse are kept
// verbatim so the normalizer reports them as malformed.
func decodeLines(data []byte, source string) ([]domain.RawRecord, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		out   []domain.RawRecord
		valid int
		line  int
	)
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		src := source + ":" + strconv.Itoa(line)
		if !gjson.ValidBytes(b) {
			out = append(out, domain.RawRecord{Value: bytes.Clone(b), Source: src})
			continue
		}
		valid++
		recs, err := flatten(gjson.ParseBytes(b), src, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scan %s: %w", source, err)
	}
	if valid == 0 {
		return nil, ErrUnrecognizedPayload
	}
	return out, nil
}

func flattenAll(results []gjson.Result, source string) ([]domain.RawRecord, error) {
	out := make([]domain.RawRecord, 0, len(results))
	for _, r := range results {
		recs, err := flatten(r, source, len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// flatten expands one result. Results without a measurements array pass
// through untouched; an empty measurements array yields nothing.
func flatten(result gjson.Result, source string, offset int) ([]domain.RawRecord, error) {
	ms := result.Get("measurements")
	if !result.IsObject() || !ms.IsArray() {
		return []domain.RawRecord{record(result.Raw, source, offset)}, nil
	}

	base, err := sjson.Delete(result.Raw, "measurements")
	if err != nil {
		return nil, fmt.Errorf("flatten result: %w", err)
	}

	readings := ms.Array()
	out := make([]domain.RawRecord, 0, len(readings))
	for _, m := range readings {
		merged := base
		if m.IsObject() {
			var setErr error
			m.ForEach(func(k, v gjson.Result) bool {
				merged, setErr = sjson.SetRaw(merged, escapeKey(k.String()), v.Raw)
				return setErr == nil
			})
			if setErr != nil {
				return nil, fmt.Errorf("flatten measurement: %w", setErr)
			}
		} else {
			// Keep the malformed reading in place so it is discarded downstream.
			merged, err = sjson.SetRaw(merged, "measurement", m.Raw)
			if err != nil {
				return nil, fmt.Errorf("flatten measurement: %w", err)
			}
		}
		out = append(out, record(merged, source, offset+len(out)))
	}
	return out, nil
}

func record(raw, source string, index int) domain.RawRecord {
	return domain.RawRecord{
		Value:   []byte(raw),
		Source:  source,
		Offset:  int64(index),
		Headers: map[string]string{"format": "openaq"},
	}
}

// escapeKey protects path metacharacters in object keys.
func escapeKey(k string) string {
	var b []byte
	for i := 0; i < len(k); i++ {
		switch k[i] {
		case '.', '*', '?', '\\':
			b = append(b, '\\')
		}
		b = append(b, k[i])
	}
	return string(b)
}
