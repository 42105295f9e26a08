// Package signals reads trade-signal records produced by the upstream
// strategy pipeline.
//
// The pipeline is an external collaborator: it writes a JSON document and
// this package only consumes the parsed fields (symbol, action, confidence,
// timestamp). Conditions depend on the Source interface, never on files.
package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Record is one trade signal.
type Record struct {
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Source yields the most recent signal for a symbol.
// ok is false when the source has no record for it.
type Source interface {
	Latest(ctx context.Context, symbol string) (rec Record, ok bool, err error)
}

// FileSource reads a JSON document on every call, so a rewritten file is
// picked up without restarting.
//
// Accepted shapes:
//
//	[{"symbol":"AAPL","action":"BUY","confidence":0.87,"timestamp":"2024-03-06T10:45:00Z"}, ...]
//	{"AAPL": {"action":"BUY","confidence":0.87,"timestamp":"2024-03-06 10:45:00"}, ...}
//
// Timestamps may be RFC 3339, "YYYY-MM-DD HH:MM:SS" (interpreted in Location)
// or unix seconds.
type FileSource struct {
	Path     string
	Location *time.Location // nil means time.Local
}

var _ Source = (*FileSource)(nil)

func (s *FileSource) Latest(ctx context.Context, symbol string) (Record, bool, error) {
	recs, err := s.All(ctx)
	if err != nil {
		return Record{}, false, err
	}
	var (
		best  Record
		found bool
	)
	for _, r := range recs {
		if !strings.EqualFold(r.Symbol, symbol) {
			continue
		}
		if !found || r.Timestamp.After(best.Timestamp) {
			best, found = r, true
		}
	}
	return best, found, nil
}

// All returns every record, sorted by symbol then time.
func (s *FileSource) All(ctx context.Context) ([]Record, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read signals: %w", err)
	}
	recs, err := Decode(b, s.Location)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return recs, nil
}

// Symbols lists the distinct symbols present in the file.
func (s *FileSource) Symbols(ctx context.Context) ([]string, error) {
	recs, err := s.All(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(recs))
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		k := strings.ToUpper(r.Symbol)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r.Symbol)
	}
	return out, nil
}

type rawRecord struct {
	Symbol     string          `json:"symbol"`
	Action     string          `json:"action"`
	Confidence json.RawMessage `json:"confidence"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// Decode parses either accepted document shape.
func Decode(b []byte, loc *time.Location) ([]Record, error) {
	if loc == nil {
		loc = time.Local
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, nil
	}

	var raws []rawRecord
	switch b[0] {
	case '[':
		if err := json.Unmarshal(b, &raws); err != nil {
			return nil, fmt.Errorf("decode signal list: %w", err)
		}
	case '{':
		var m map[string]rawRecord
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode signal map: %w", err)
		}
		for k, r := range m {
			if strings.TrimSpace(r.Symbol) == "" {
				r.Symbol = k
			}
			raws = append(raws, r)
		}
	default:
		return nil, fmt.Errorf("signals: unexpected document start %q", b[0])
	}

	out := make([]Record, 0, len(raws))
	for i, r := range raws {
		sym := strings.TrimSpace(r.Symbol)
		if sym == "" {
			return nil, fmt.Errorf("record %d: missing symbol", i)
		}
		ts, err := parseTimestamp(r.Timestamp, loc)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, sym, err)
		}
		conf, err := parseConfidence(r.Confidence)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, sym, err)
		}
		out = append(out, Record{
			Symbol:     sym,
			Action:     strings.TrimSpace(r.Action),
			Confidence: conf,
			Timestamp:  ts,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

var naiveLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04",
}

func parseTimestamp(raw json.RawMessage, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if s[0] != '"' {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %s", s)
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)), nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Time{}, err
	}
	str = strings.TrimSpace(str)
	if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
		return t, nil
	}
	for _, l := range naiveLayouts {
		if t, err := time.ParseInLocation(l, str, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", str)
}

func parseConfidence(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, err
		}
		s = strings.TrimSuffix(strings.TrimSpace(str), "%")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid confidence %s", string(raw))
	}
	return f, nil
}
