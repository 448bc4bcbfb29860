package models

import (
	"fmt"
	"strconv"

	"github.com/mmdatafocus/measurement_backend/utils"
)

// AttributedTrigger is one ledger entry of the flexible reporting engine: a
// trigger already processed against a source, with the value it contributed
// to its trigger-data group.
type AttributedTrigger struct {
	TriggerID   string
	Priority    int64
	TriggerData uint64
	Value       int64
	TriggerTime int64
	DedupKey    *string
}

type attributedTriggerJSON struct {
	TriggerID   string  `json:"trigger_id"`
	Priority    int64   `json:"priority"`
	TriggerData string  `json:"trigger_data"`
	Value       int64   `json:"value"`
	TriggerTime int64   `json:"trigger_time"`
	DedupKey    *string `json:"dedup_key,omitempty"`
}

// ParseAttributedTriggers decodes the serialized ledger. Trigger data rides as
// a decimal string to survive unsigned 64-bit values.
func ParseAttributedTriggers(encoded string) ([]AttributedTrigger, error) {
	if encoded == "" {
		return nil, nil
	}
	var raw []attributedTriggerJSON
	if err := utils.UnmarshalFromJSON([]byte(encoded), &raw); err != nil {
		return nil, fmt.Errorf("parse attributed triggers: %w", err)
	}
	entries := make([]AttributedTrigger, 0, len(raw))
	for i, r := range raw {
		data, err := strconv.ParseUint(r.TriggerData, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("attributed trigger %d: trigger_data: %w", i, err)
		}
		entries = append(entries, AttributedTrigger{
			TriggerID:   r.TriggerID,
			Priority:    r.Priority,
			TriggerData: data,
			Value:       r.Value,
			TriggerTime: r.TriggerTime,
			DedupKey:    r.DedupKey,
		})
	}
	return entries, nil
}

// EncodeAttributedTriggers serializes the ledger back to the wire form.
func EncodeAttributedTriggers(entries []AttributedTrigger) (string, error) {
	raw := make([]attributedTriggerJSON, 0, len(entries))
	for _, e := range entries {
		raw = append(raw, attributedTriggerJSON{
			TriggerID:   e.TriggerID,
			Priority:    e.Priority,
			TriggerData: strconv.FormatUint(e.TriggerData, 10),
			Value:       e.Value,
			TriggerTime: e.TriggerTime,
			DedupKey:    e.DedupKey,
		})
	}
	return utils.MarshalToJSON(raw)
}
