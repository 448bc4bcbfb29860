package workflow

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/mmdatafocus/measurement_backend/config"
	"github.com/mmdatafocus/measurement_backend/models"
	"github.com/mmdatafocus/measurement_backend/utils"
	"github.com/sirupsen/logrus"
)

// AttributionJobHandler matches pending triggers against active sources and
// materializes event reports. One invocation processes the whole pending
// backlog in a single transaction; any store failure rolls the batch back.
type AttributionJobHandler struct {
	Transactions TransactionRunner
	Params       config.MeasurementParams
	Logger       *logrus.Logger
}

// PerformPendingAttributions snapshots the pending trigger ids up front, then
// attributes each one. Triggers enqueued mid-run wait for the next invocation.
func (h *AttributionJobHandler) PerformPendingAttributions(ctx context.Context) error {
	err := h.Transactions.RunTransaction(ctx, func(store Store) error {
		triggerIDs, err := store.GetPendingTriggerIDs()
		if err != nil {
			return err
		}
		for _, triggerID := range triggerIDs {
			if err := h.performAttribution(store, triggerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(h.Logger, "AttributionJobHandler.go", "PerformPendingAttributions", "AttributeBatch", nil, err)
	}
	return err
}

func (h *AttributionJobHandler) performAttribution(store Store, triggerID string) error {
	trigger, err := store.GetTrigger(triggerID)
	if err != nil {
		return err
	}
	if trigger.Status != models.TriggerStatusPending {
		return nil
	}

	source, err := h.selectSourceToAttribute(store, trigger)
	if err != nil {
		return err
	}
	if source == nil {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	// Noised sources already produced their reports at registration time; a
	// truthful report here would reveal the real trigger.
	if source.AttributionMode != models.AttributionModeTruthfully {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	if trigger.DedupKey != nil && source.HasDedupKey(*trigger.DedupKey) {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	withinLimit, err := h.hasAttributionQuota(store, source, trigger)
	if err != nil {
		return err
	}
	if !withinLimit {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	if source.HasFlexSpec() {
		return h.generateFlexEventReports(store, source, trigger)
	}
	return h.generateEventReport(store, source, trigger)
}

// selectSourceToAttribute picks the attribution winner among matching active
// sources (highest priority, then earliest event time) and deactivates the
// losers so they never compete again.
func (h *AttributionJobHandler) selectSourceToAttribute(store Store, trigger *models.Trigger) (*models.Source, error) {
	sources, err := store.GetMatchingActiveSources(trigger)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}

	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].Priority != sources[j].Priority {
			return sources[i].Priority > sources[j].Priority
		}
		return sources[i].EventTime < sources[j].EventTime
	})

	winner := sources[0]
	if len(sources) > 1 {
		loserIDs := make([]string, 0, len(sources)-1)
		for _, loser := range sources[1:] {
			loserIDs = append(loserIDs, loser.ID)
		}
		if err := store.UpdateSourceStatus(loserIDs, models.SourceStatusIgnored); err != nil {
			return nil, err
		}
	}
	return winner, nil
}

func (h *AttributionJobHandler) hasAttributionQuota(store Store, source *models.Source, trigger *models.Trigger) (bool, error) {
	count, err := store.GetAttributionsPerRateLimitWindow(source, trigger, h.Params)
	if err != nil {
		return false, err
	}
	return count < h.Params.MaxAttributionsPerRateLimitWindow, nil
}

// generateEventReport runs the classic fixed-window model: one report per
// attributed trigger, competing on priority for the per-source report cap.
func (h *AttributionJobHandler) generateEventReport(store Store, source *models.Source, trigger *models.Trigger) error {
	maxReports := source.MaxReportCount(trigger.DestinationType, h.Params)

	deliveredCount, err := store.CountSourceEventReports(source, models.EventReportStatusDelivered)
	if err != nil {
		return err
	}
	// Delivered reports are final; once the cap is spent no trigger can claim
	// another slot regardless of priority.
	if deliveredCount >= int64(maxReports) {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	report := models.NewEventReport(source, trigger, h.Params)

	pendingCount, err := store.CountSourceEventReports(source, models.EventReportStatusPending)
	if err != nil {
		return err
	}
	if pendingCount+deliveredCount >= int64(maxReports) {
		evicted, err := h.evictLowerPriorityReport(store, source, report)
		if err != nil {
			return err
		}
		if !evicted {
			return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
		}
	}

	if err := h.finalizeAttribution(store, source, trigger); err != nil {
		return err
	}
	return store.InsertEventReport(report)
}

// evictLowerPriorityReport deletes the lowest-priority pending report in the
// incoming report's delivery slot when it ranks strictly below the incoming
// trigger; equal priority favors the holder. Reports scheduled for other
// slots are never contested. The evicted report's dedup key is reopened so a
// re-sent trigger is not dropped against a report that no longer exists.
func (h *AttributionJobHandler) evictLowerPriorityReport(store Store, source *models.Source, incoming *models.EventReport) (bool, error) {
	reports, err := store.GetSourceEventReports(source)
	if err != nil {
		return false, err
	}

	candidates := make([]*models.EventReport, 0, len(reports))
	for _, report := range reports {
		if report.Status != models.EventReportStatusPending {
			continue
		}
		if report.ReportTime != incoming.ReportTime {
			continue
		}
		candidates = append(candidates, report)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].TriggerPriority != candidates[j].TriggerPriority {
			return candidates[i].TriggerPriority < candidates[j].TriggerPriority
		}
		return candidates[i].TriggerTime > candidates[j].TriggerTime
	})

	lowest := candidates[0]
	if lowest.TriggerPriority >= incoming.TriggerPriority {
		return false, nil
	}

	if lowest.TriggerDedupKey != nil {
		if err := source.RemoveDedupKey(*lowest.TriggerDedupKey); err != nil {
			return false, err
		}
		if err := store.UpdateSourceDedupKeys(source); err != nil {
			return false, err
		}
	}
	if err := store.DeleteEventReport(lowest.ID); err != nil {
		return false, err
	}
	return true, nil
}

// generateFlexEventReports runs the flexible model: the trigger's value is
// accumulated in the source ledger and reports are minted only for newly
// crossed summary-bucket boundaries, subject to the spec's global report cap.
func (h *AttributionJobHandler) generateFlexEventReports(store Store, source *models.Source, trigger *models.Trigger) error {
	spec, err := source.FlexEventReportSpec(h.Params)
	if err != nil {
		return err
	}

	triggerData := utils.DereferencePtr(trigger.TriggerData)
	if !spec.ContainsTriggerData(triggerData) {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	reportTime := spec.GetFlexEventReportingTime(source.EventTime, trigger.TriggerTime, triggerData, h.Params)
	if reportTime < 0 {
		return store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusIgnored)
	}

	report := models.NewEventReport(source, trigger, h.Params)
	report.TriggerData = triggerData
	report.ReportTime = reportTime
	if operator, ok := spec.OperatorForTriggerData(triggerData); ok && operator == models.SummaryOperatorCount {
		// COUNT groups contribute occurrences, not magnitudes.
		report.TriggerValue = 1
	}

	incrementCount := spec.CountBucketIncrements(report)
	if incrementCount > 0 {
		if err := h.mintFlexReports(store, source, spec, report, incrementCount); err != nil {
			return err
		}
	}

	spec.InsertAttributedTrigger(report)
	ledger, err := spec.EncodeTriggerStatusToJSON()
	if err != nil {
		return err
	}
	source.AttributedTriggers = ledger
	if err := store.UpdateSourceAttributedTriggers(source); err != nil {
		return err
	}

	return h.finalizeAttribution(store, source, trigger)
}

// mintFlexReports resolves the report-cap contention and inserts one report per
// granted increment, each covering the next summary bucket in sequence.
func (h *AttributionJobHandler) mintFlexReports(store Store, source *models.Source, spec *models.ReportSpec, incoming *models.EventReport, incrementCount int) error {
	reports, err := store.GetSourceEventReports(source)
	if err != nil {
		return err
	}
	pending := make([]*models.EventReport, 0, len(reports))
	for _, report := range reports {
		if report.Status == models.EventReportStatusPending {
			pending = append(pending, report)
		}
	}

	// Bucket indexes are anchored to the pre-trigger accumulated value.
	currentValue := spec.AttributedValue(incoming.TriggerData)
	startIndex := spec.BucketIndexForValue(incoming.TriggerData, currentValue)

	deleted, granted := spec.ProcessIncomingReport(incrementCount, incoming, pending)
	for _, report := range deleted {
		if err := store.DeleteEventReport(report.ID); err != nil {
			return err
		}
	}

	var lastMinted *models.EventReport
	for i := 0; i < granted; i++ {
		bucket, err := spec.SummaryBucketForIndex(incoming.TriggerData, startIndex+1+i)
		if err != nil {
			return err
		}
		minted := *incoming
		minted.ID = uuid.NewString()
		minted.TriggerSummaryBucket = bucket
		if err := store.InsertEventReport(&minted); err != nil {
			return err
		}
		lastMinted = &minted
	}

	// When the cap truncated the entitlement, the last granted report absorbs
	// the remaining crossed buckets so the covered range stays contiguous.
	if lastMinted != nil && granted < incrementCount {
		lo, _, err := models.ParseSummaryBucket(lastMinted.TriggerSummaryBucket)
		if err != nil {
			return err
		}
		lastBucket, err := spec.SummaryBucketForIndex(incoming.TriggerData, startIndex+incrementCount)
		if err != nil {
			return err
		}
		_, hi, err := models.ParseSummaryBucket(lastBucket)
		if err != nil {
			return err
		}
		if err := store.UpdateEventReportSummaryBucket(lastMinted.ID, models.SummaryBucket(lo, hi)); err != nil {
			return err
		}
	}
	return nil
}

// finalizeAttribution applies the shared success bookkeeping: dedup key,
// trigger status, and the rate-limit ledger charge.
func (h *AttributionJobHandler) finalizeAttribution(store Store, source *models.Source, trigger *models.Trigger) error {
	if trigger.DedupKey != nil {
		if err := source.AppendDedupKey(*trigger.DedupKey); err != nil {
			return err
		}
		if err := store.UpdateSourceDedupKeys(source); err != nil {
			return err
		}
	}
	if err := store.UpdateTriggerStatus(trigger.ID, models.TriggerStatusAttributed); err != nil {
		return err
	}
	return store.InsertAttribution(models.NewAttribution(source, trigger))
}
