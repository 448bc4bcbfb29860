package models

import (
	"fmt"
	"math"
	"sort"

	"github.com/mmdatafocus/measurement_backend/config"
)

// ReportSpec is the flexible event reporting engine for one source: ordered
// trigger specs, the global report cap, and the attributed-trigger ledger.
//
// Attributed values are plain value sums per trigger-data group. COUNT
// operator groups count because report construction forces their trigger
// value to 1 before the engine sees it.
type ReportSpec struct {
	TriggerSpecs       []TriggerSpec
	MaxReports         int
	AttributedTriggers []AttributedTrigger
}

// NewReportSpec parses and validates a serialized spec. Violations of the
// uniqueness or cardinality ceilings fail construction, never silently clamp.
func NewReportSpec(specsJSON string, maxReports int, attributedJSON string, params config.MeasurementParams) (*ReportSpec, error) {
	specs, err := ParseTriggerSpecs(specsJSON)
	if err != nil {
		return nil, err
	}
	if maxReports <= 0 {
		return nil, fmt.Errorf("max reports must be positive, got %d", maxReports)
	}
	if maxReports > params.FlexMaxConfigurableReports {
		return nil, fmt.Errorf("max reports %d exceeds ceiling %d", maxReports, params.FlexMaxConfigurableReports)
	}

	seen := make(map[uint64]struct{})
	stateCardinality := 0
	for _, spec := range specs {
		for _, data := range spec.TriggerData {
			if _, dup := seen[data]; dup {
				return nil, fmt.Errorf("duplicate trigger data %d across specs", data)
			}
			seen[data] = struct{}{}
		}
		stateCardinality += len(spec.TriggerData) * len(spec.SummaryBuckets)
	}
	if len(seen) > params.FlexMaxTriggerDataCardinality {
		return nil, fmt.Errorf("trigger data cardinality %d exceeds ceiling %d", len(seen), params.FlexMaxTriggerDataCardinality)
	}
	if stateCardinality > params.FlexMaxReportStateCardinality {
		return nil, fmt.Errorf("report state cardinality %d exceeds ceiling %d", stateCardinality, params.FlexMaxReportStateCardinality)
	}

	attributed, err := ParseAttributedTriggers(attributedJSON)
	if err != nil {
		return nil, err
	}

	return &ReportSpec{
		TriggerSpecs:       specs,
		MaxReports:         maxReports,
		AttributedTriggers: attributed,
	}, nil
}

func (rs *ReportSpec) specForTriggerData(triggerData uint64) *TriggerSpec {
	for i := range rs.TriggerSpecs {
		for _, data := range rs.TriggerSpecs[i].TriggerData {
			if data == triggerData {
				return &rs.TriggerSpecs[i]
			}
		}
	}
	return nil
}

// ContainsTriggerData reports whether any spec governs the value.
func (rs *ReportSpec) ContainsTriggerData(triggerData uint64) bool {
	return rs.specForTriggerData(triggerData) != nil
}

// OperatorForTriggerData returns the summary operator of the governing spec.
func (rs *ReportSpec) OperatorForTriggerData(triggerData uint64) (SummaryOperator, bool) {
	spec := rs.specForTriggerData(triggerData)
	if spec == nil {
		return "", false
	}
	return spec.SummaryWindowOperator, true
}

// AttributedValue is the ledger's accumulated value for one trigger-data group.
func (rs *ReportSpec) AttributedValue(triggerData uint64) int64 {
	return rs.attributedValue(triggerData)
}

func (rs *ReportSpec) attributedValue(triggerData uint64) int64 {
	var total int64
	for _, entry := range rs.AttributedTriggers {
		if entry.TriggerData == triggerData {
			total += entry.Value
		}
	}
	return total
}

// CountBucketIncrements returns how many summary-bucket boundaries the
// incoming report's value newly crosses for its trigger-data group. This is
// the number of additional reports the trigger is entitled to generate.
func (rs *ReportSpec) CountBucketIncrements(report *EventReport) int {
	spec := rs.specForTriggerData(report.TriggerData)
	if spec == nil {
		return 0
	}
	current := rs.attributedValue(report.TriggerData)
	incoming := report.TriggerValue

	count := 0
	for _, boundary := range spec.SummaryBuckets {
		if current < boundary && boundary <= current+incoming {
			count++
		}
	}
	return count
}

// NumDecrementingBuckets is the inverse of CountBucketIncrements: the number
// of boundaries vacated if the report's own contribution were removed from
// the current total.
func (rs *ReportSpec) NumDecrementingBuckets(report *EventReport) int {
	spec := rs.specForTriggerData(report.TriggerData)
	if spec == nil {
		return 0
	}
	current := rs.attributedValue(report.TriggerData)
	own := report.TriggerValue

	count := 0
	for _, boundary := range spec.SummaryBuckets {
		if current-own < boundary && boundary <= current {
			count++
		}
	}
	return count
}

// InsertAttributedTrigger appends the report's trigger to the ledger.
func (rs *ReportSpec) InsertAttributedTrigger(report *EventReport) {
	triggerID := ""
	if report.TriggerID != nil {
		triggerID = *report.TriggerID
	}
	rs.AttributedTriggers = append(rs.AttributedTriggers, AttributedTrigger{
		TriggerID:   triggerID,
		Priority:    report.TriggerPriority,
		TriggerData: report.TriggerData,
		Value:       report.TriggerValue,
		TriggerTime: report.TriggerTime,
		DedupKey:    report.TriggerDedupKey,
	})
}

// DeleteFromAttributedValue removes the ledger entry matching the report's
// trigger id. Returns false when no entry matches.
func (rs *ReportSpec) DeleteFromAttributedValue(report *EventReport) bool {
	if report.TriggerID == nil {
		return false
	}
	for i, entry := range rs.AttributedTriggers {
		if entry.TriggerID == *report.TriggerID {
			rs.AttributedTriggers = append(rs.AttributedTriggers[:i], rs.AttributedTriggers[i+1:]...)
			return true
		}
	}
	return false
}

// effectivePriority is a report's priority lifted by the highest attributed
// priority of its trigger-data group, and by the incoming priority when the
// report shares the incoming report's trigger data.
func (rs *ReportSpec) effectivePriority(report *EventReport, incoming *EventReport) int64 {
	priority := report.TriggerPriority
	for _, entry := range rs.AttributedTriggers {
		if entry.TriggerData == report.TriggerData && entry.Priority > priority {
			priority = entry.Priority
		}
	}
	if report.TriggerData == incoming.TriggerData && incoming.TriggerPriority > priority {
		priority = incoming.TriggerPriority
	}
	return priority
}

// ProcessIncomingReport decides which existing reports must be deleted and how
// many of the entitled report slots are granted, never letting the total
// exceed MaxReports. Survivor ordering: earliest report time first, then
// highest effective priority, then earliest trigger time. Deleted existing
// reports are returned in their original list order.
func (rs *ReportSpec) ProcessIncomingReport(incrementCount int, incoming *EventReport, existing []*EventReport) ([]*EventReport, int) {
	if incrementCount <= 0 {
		return nil, 0
	}
	if len(existing)+incrementCount <= rs.MaxReports {
		return nil, incrementCount
	}

	type candidate struct {
		report     *EventReport
		isIncoming bool
	}
	candidates := make([]candidate, 0, len(existing)+incrementCount)
	for _, r := range existing {
		candidates = append(candidates, candidate{report: r})
	}
	for i := 0; i < incrementCount; i++ {
		candidates = append(candidates, candidate{report: incoming, isIncoming: true})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].report, candidates[j].report
		if a.ReportTime != b.ReportTime {
			return a.ReportTime < b.ReportTime
		}
		pa, pb := rs.effectivePriority(a, incoming), rs.effectivePriority(b, incoming)
		if pa != pb {
			return pa > pb
		}
		return a.TriggerTime < b.TriggerTime
	})

	kept := make(map[*EventReport]int)
	granted := 0
	for i := 0; i < rs.MaxReports && i < len(candidates); i++ {
		if candidates[i].isIncoming {
			granted++
		} else {
			kept[candidates[i].report]++
		}
	}

	var deleted []*EventReport
	for _, r := range existing {
		if kept[r] > 0 {
			kept[r]--
			continue
		}
		deleted = append(deleted, r)
	}
	return deleted, granted
}

// GetFlexEventReportingTime finds the report delivery time for a trigger under
// the governing spec's windows: -1 when the trigger precedes the source or
// the window start, or falls past the last window end.
func (rs *ReportSpec) GetFlexEventReportingTime(sourceTime, triggerTime int64, triggerData uint64, params config.MeasurementParams) int64 {
	if triggerTime < sourceTime {
		return -1
	}
	spec := rs.specForTriggerData(triggerData)
	if spec == nil {
		return -1
	}
	delta := triggerTime - sourceTime
	if delta < spec.EventReportWindows.StartTime {
		return -1
	}
	endTimes := spec.EventReportWindows.EndTimes
	if delta >= endTimes[len(endTimes)-1] {
		return -1
	}
	for _, end := range endTimes {
		if end > delta {
			// Minimum delay keeps same-instant delivery off the table.
			return sourceTime + end + params.FlexMinReportDelayMillis
		}
	}
	return -1
}

// GetTriggerDataValue indexes the concatenated trigger-data space of all specs.
func (rs *ReportSpec) GetTriggerDataValue(index int) (uint64, error) {
	for _, spec := range rs.TriggerSpecs {
		if index < len(spec.TriggerData) {
			return spec.TriggerData[index], nil
		}
		index -= len(spec.TriggerData)
	}
	return 0, fmt.Errorf("trigger data index %d out of range", index)
}

// GetWindowEndTime returns the windowIndex-th window end of the spec governing
// the triggerDataIndex-th trigger-data value.
func (rs *ReportSpec) GetWindowEndTime(triggerDataIndex, windowIndex int) (int64, error) {
	for _, spec := range rs.TriggerSpecs {
		if triggerDataIndex < len(spec.TriggerData) {
			if windowIndex >= len(spec.EventReportWindows.EndTimes) {
				return 0, fmt.Errorf("window index %d out of range", windowIndex)
			}
			return spec.EventReportWindows.EndTimes[windowIndex], nil
		}
		triggerDataIndex -= len(spec.TriggerData)
	}
	return 0, fmt.Errorf("trigger data index %d out of range", triggerDataIndex)
}

// SummaryBucketForIndex resolves the "lo,hi" range of one summary bucket; the
// last bucket is open-ended.
func (rs *ReportSpec) SummaryBucketForIndex(triggerData uint64, bucketIndex int) (string, error) {
	spec := rs.specForTriggerData(triggerData)
	if spec == nil {
		return "", fmt.Errorf("no spec governs trigger data %d", triggerData)
	}
	if bucketIndex < 0 || bucketIndex >= len(spec.SummaryBuckets) {
		return "", fmt.Errorf("bucket index %d out of range", bucketIndex)
	}
	lo := spec.SummaryBuckets[bucketIndex]
	hi := int64(math.MaxInt64)
	if bucketIndex+1 < len(spec.SummaryBuckets) {
		hi = spec.SummaryBuckets[bucketIndex+1] - 1
	}
	return SummaryBucket(lo, hi), nil
}

// BucketIndexForValue returns the highest bucket index whose lower bound the
// accumulated value has reached, or -1 below the first boundary.
func (rs *ReportSpec) BucketIndexForValue(triggerData uint64, value int64) int {
	spec := rs.specForTriggerData(triggerData)
	if spec == nil {
		return -1
	}
	index := -1
	for i, boundary := range spec.SummaryBuckets {
		if value >= boundary {
			index = i
		}
	}
	return index
}

// EncodeTriggerSpecsToJSON serializes the spec list.
func (rs *ReportSpec) EncodeTriggerSpecsToJSON() (string, error) {
	return EncodeTriggerSpecs(rs.TriggerSpecs)
}

// EncodeTriggerStatusToJSON serializes the attributed-trigger ledger.
func (rs *ReportSpec) EncodeTriggerStatusToJSON() (string, error) {
	return EncodeAttributedTriggers(rs.AttributedTriggers)
}
