package wave

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrUnreadableBase reports a fan-in whose base array could not be read and
// no fallback array was usable either.
var ErrUnreadableBase = eris.New("wave: base array unreadable")

// MergeSpec describes a fan-in node. Records from each overlay key are
// matched to base records by identifier and their fields copied over, later
// overlay keys winning on conflicting field names. A missing or unparseable
// overlay degrades to a no-op for that overlay's fields. An unreadable base
// falls back to the most complete array among FallbackKeys instead of
// emitting nothing.
type MergeSpec struct {
	Name         string
	BaseKey      string
	OverlayKeys  []string
	FallbackKeys []string
	OutputKey    string
	IDField      string
}

func (m MergeSpec) idField() string {
	if m.IDField == "" {
		return "id"
	}
	return m.IDField
}

func (e *Executor) runMerge(idx int, m MergeSpec, scope *Scope) error {
	records, err := baseRecords(m, scope)
	if err != nil {
		return &StageError{Stage: m.Name, Wave: idx, Err: err}
	}

	idField := m.idField()
	for _, key := range m.OverlayKeys {
		raw, ok := scope.Get(key)
		if !ok {
			zap.L().Warn("wave: merge overlay missing, base values kept",
				zap.String("merge", m.Name),
				zap.String("overlay", key),
			)
			continue
		}
		overlay, err := parseEntityArray(raw)
		if err != nil {
			zap.L().Warn("wave: merge overlay unparseable, base values kept",
				zap.String("merge", m.Name),
				zap.String("overlay", key),
				zap.Error(err),
			)
			continue
		}
		overlayRecords(records, overlay, idField)
	}

	out, err := json.Marshal(records)
	if err != nil {
		return &StageError{Stage: m.Name, Wave: idx, Err: eris.Wrap(err, "wave: marshal merged records")}
	}
	scope.Set(m.OutputKey, string(out))
	return nil
}

func baseRecords(m MergeSpec, scope *Scope) ([]map[string]any, error) {
	if raw, ok := scope.Get(m.BaseKey); ok {
		records, err := parseEntityArray(raw)
		if err == nil {
			return records, nil
		}
		zap.L().Warn("wave: merge base unreadable, falling back to most complete prior array",
			zap.String("merge", m.Name),
			zap.String("base", m.BaseKey),
			zap.Error(err),
		)
	} else {
		zap.L().Warn("wave: merge base missing, falling back to most complete prior array",
			zap.String("merge", m.Name),
			zap.String("base", m.BaseKey),
		)
	}

	var best []map[string]any
	found := false
	for _, key := range m.FallbackKeys {
		raw, ok := scope.Get(key)
		if !ok {
			continue
		}
		records, err := parseEntityArray(raw)
		if err != nil {
			continue
		}
		if !found || len(records) > len(best) {
			best = records
			found = true
		}
	}
	if !found {
		return nil, ErrUnreadableBase
	}
	return best, nil
}

func parseEntityArray(raw string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, eris.New("empty value")
	}
	var records []map[string]any
	if err := json.Unmarshal([]byte(trimmed), &records); err == nil {
		return records, nil
	}
	// A single-field envelope around the array is accepted too.
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && len(envelope) == 1 {
		for _, v := range envelope {
			if err := json.Unmarshal(v, &records); err == nil {
				return records, nil
			}
		}
	}
	return nil, eris.New("not a JSON array of records")
}

// A field present in an overlay record replaces the base value, explicit
// nulls included; absent fields keep base values. Overlay records whose
// identifier matches no base record are dropped, fan-in enriches entities,
// it never adds them.
func overlayRecords(base, overlay []map[string]any, idField string) {
	byID := make(map[string]map[string]any, len(overlay))
	for _, rec := range overlay {
		key, ok := idKey(rec[idField])
		if !ok {
			continue
		}
		byID[key] = rec
	}
	for _, rec := range base {
		key, ok := idKey(rec[idField])
		if !ok {
			continue
		}
		enrich, ok := byID[key]
		if !ok {
			continue
		}
		for field, value := range enrich {
			if field == idField {
				continue
			}
			rec[field] = value
		}
	}
}

// idKey normalizes a JSON identifier for matching. Numbers compare by
// integer value so 2 and 2.0 match.
func idKey(v any) (string, bool) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case float64:
		return strconv.FormatInt(int64(id), 10), true
	case json.Number:
		return id.String(), true
	default:
		return "", false
	}
}
