package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// AuditEntry is one immutable event in a correction's history.
type AuditEntry struct {
	Seq          int              `json:"seq"`
	CorrectionID string           `json:"correction_id"`
	Action       Action           `json:"action"`
	FromStatus   CorrectionStatus `json:"from_status"`
	ToStatus     CorrectionStatus `json:"to_status"`
	Actor        string           `json:"actor"`
	Reason       string           `json:"reason,omitempty"`
	Changes      []FieldChange    `json:"changes"`
	At           time.Time        `json:"at"`
}

// FieldChange is a single dotted-path difference between two snapshots.
type FieldChange struct {
	Field string `json:"field"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// bookkeeping fields change on every write and are left out of diffs.
var diffIgnored = map[string]bool{
	"version":    true,
	"updated_at": true,
}

// Diff compares the JSON forms of two corrections field by field. A nil
// before yields every populated field as new.
func Diff(before, after *Correction) ([]FieldChange, error) {
	a, err := flattenCorrection(before)
	if err != nil {
		return nil, err
	}
	b, err := flattenCorrection(after)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	var out []FieldChange
	for k := range keys {
		if diffIgnored[k] {
			continue
		}
		ov, nv := a[k], b[k]
		if reflect.DeepEqual(ov, nv) {
			continue
		}
		out = append(out, FieldChange{Field: k, Old: ov, New: nv})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out, nil
}

func flattenCorrection(c *Correction) (map[string]any, error) {
	flat := map[string]any{}
	if c == nil {
		return flat, nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal correction: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal correction: %w", err)
	}
	flatten("", tree, flat)
	return flat, nil
}

// Money objects are collapsed to their amount string so diffs read
// "payload.net_overpayment: 381.75" instead of two nested keys.
func flatten(prefix string, v any, out map[string]any) {
	m, ok := v.(map[string]any)
	if !ok {
		out[prefix] = v
		return
	}
	if amt, ok := m["amount"]; ok && len(m) == 2 {
		if _, ok := m["currency"]; ok {
			out[prefix] = amt
			return
		}
	}
	for k, child := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flatten(key, child, out)
	}
}
