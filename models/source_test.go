package models

import (
	"math/rand"
	"testing"

	"github.com/mmdatafocus/measurement_backend/config"
)

func navigationSource() *Source {
	return &Source{
		ID:              "s-1",
		SourceType:      SourceTypeNavigation,
		EventTime:       1_000_000,
		ExpiryTime:      1_000_000 + 30*24*3600*1000,
		AppDestinations: `["android-app://com.example.shop"]`,
	}
}

func TestReportingTimePicksFirstWindowAfterTrigger(t *testing.T) {
	params := config.GetMeasurementParams()
	source := navigationSource()

	day := int64(24 * 3600 * 1000)
	hour := int64(3600 * 1000)

	for _, tc := range []struct {
		name        string
		triggerTime int64
		want        int64
	}{
		{"before source", source.EventTime - 1, -1},
		{"inside first window", source.EventTime + day, source.EventTime + 2*day + hour},
		{"inside second window", source.EventTime + 3*day, source.EventTime + 7*day + hour},
		{"after early windows", source.EventTime + 10*day, source.ExpiryTime + hour},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := source.ReportingTime(tc.triggerTime, DestinationTypeApp, params)
			if got != tc.want {
				t.Fatalf("ReportingTime = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestEventSourceReportsAtExpiryOnly(t *testing.T) {
	params := config.GetMeasurementParams()
	source := navigationSource()
	source.SourceType = SourceTypeEvent

	hour := int64(3600 * 1000)
	got := source.ReportingTime(source.EventTime+1000, DestinationTypeApp, params)
	if got != source.ExpiryTime+hour {
		t.Fatalf("event source must report at expiry, got %d", got)
	}
}

func TestEarlyWindowsPastExpiryAreDropped(t *testing.T) {
	params := config.GetMeasurementParams()
	source := navigationSource()
	// Expiry inside the first early window: both early windows collapse away.
	source.ExpiryTime = source.EventTime + 24*3600*1000

	hour := int64(3600 * 1000)
	got := source.ReportingTime(source.EventTime+1000, DestinationTypeApp, params)
	if got != source.ExpiryTime+hour {
		t.Fatalf("short-lived source must report at expiry, got %d", got)
	}
}

func TestMaxReportCount(t *testing.T) {
	params := config.GetMeasurementParams()

	source := navigationSource()
	if got := source.MaxReportCount(DestinationTypeApp, params); got != 3 {
		t.Fatalf("navigation max reports = %d, want 3", got)
	}

	source.SourceType = SourceTypeEvent
	if got := source.MaxReportCount(DestinationTypeApp, params); got != 1 {
		t.Fatalf("event max reports = %d, want 1", got)
	}

	source.IsInstallAttributed = true
	if got := source.MaxReportCount(DestinationTypeApp, params); got != 2 {
		t.Fatalf("install-attributed event max reports = %d, want 2", got)
	}
	// Install attribution only lifts the cap for the app surface.
	if got := source.MaxReportCount(DestinationTypeWeb, params); got != 1 {
		t.Fatalf("web surface must ignore install attribution, got %d", got)
	}
}

func TestDedupKeys(t *testing.T) {
	source := navigationSource()
	if source.HasDedupKey("k-1") {
		t.Fatalf("empty list must not match")
	}
	if err := source.AppendDedupKey("k-1"); err != nil {
		t.Fatalf("AppendDedupKey: %v", err)
	}
	if err := source.AppendDedupKey("k-2"); err != nil {
		t.Fatalf("AppendDedupKey: %v", err)
	}
	if !source.HasDedupKey("k-1") || !source.HasDedupKey("k-2") {
		t.Fatalf("appended keys must match, got %s", source.DedupKeys)
	}
	if source.HasDedupKey("k-3") {
		t.Fatalf("unknown key must not match")
	}
	if err := source.RemoveDedupKey("k-1"); err != nil {
		t.Fatalf("RemoveDedupKey: %v", err)
	}
	if source.HasDedupKey("k-1") || !source.HasDedupKey("k-2") {
		t.Fatalf("removal must drop only the named key, got %s", source.DedupKeys)
	}
	if err := source.RemoveDedupKey("k-9"); err != nil {
		t.Fatalf("removing an absent key must be a no-op, got %v", err)
	}
}

func TestAssignAttributionModeTruthfulWhenDiceMiss(t *testing.T) {
	params := config.GetMeasurementParams()
	source := navigationSource()
	// Probability zero: the dice can never hit.
	params.NavigationNoiseProbability = 0

	fakes := source.AssignAttributionModeAndGenerateFakeReports(params, rand.New(rand.NewSource(1)))
	if source.AttributionMode != AttributionModeTruthfully {
		t.Fatalf("expected TRUTHFULLY, got %s", source.AttributionMode)
	}
	if len(fakes) != 0 {
		t.Fatalf("truthful source must not fake reports, got %d", len(fakes))
	}
}

func TestAssignAttributionModeAlwaysNoisedAtProbabilityOne(t *testing.T) {
	params := config.GetMeasurementParams()
	params.NavigationNoiseProbability = 1.0

	for seed := int64(0); seed < 20; seed++ {
		source := navigationSource()
		fakes := source.AssignAttributionModeAndGenerateFakeReports(params, rand.New(rand.NewSource(seed)))

		switch source.AttributionMode {
		case AttributionModeFalsely:
			if len(fakes) == 0 {
				t.Fatalf("seed %d: FALSELY requires fake reports", seed)
			}
			if len(fakes) > params.NavigationMaxReports {
				t.Fatalf("seed %d: %d fakes exceed the report cap", seed, len(fakes))
			}
			for _, fake := range fakes {
				if fake.TriggerData >= uint64(params.NavigationTriggerDataCardinality) {
					t.Fatalf("seed %d: fake trigger data %d outside cardinality", seed, fake.TriggerData)
				}
				if fake.ReportingTime <= source.EventTime {
					t.Fatalf("seed %d: fake reporting time %d not after event time", seed, fake.ReportingTime)
				}
				if fake.DestinationType != DestinationTypeApp {
					t.Fatalf("seed %d: app-only source faked %s destination", seed, fake.DestinationType)
				}
			}
		case AttributionModeNever:
			if len(fakes) != 0 {
				t.Fatalf("seed %d: NEVER must not fake reports", seed)
			}
		default:
			t.Fatalf("seed %d: probability 1.0 produced %s", seed, source.AttributionMode)
		}
	}
}

func TestRandomAttributionProbabilitySelection(t *testing.T) {
	params := config.GetMeasurementParams()

	source := navigationSource()
	if got := source.RandomAttributionProbability(params); got != params.NavigationNoiseProbability {
		t.Fatalf("single-destination navigation probability mismatch: %v", got)
	}

	source.WebDestinations = `["https://shop.example"]`
	if got := source.RandomAttributionProbability(params); got != params.DualDestinationNavigationNoiseProbability {
		t.Fatalf("dual-destination navigation probability mismatch: %v", got)
	}

	source.SourceType = SourceTypeEvent
	if got := source.RandomAttributionProbability(params); got != params.DualDestinationEventNoiseProbability {
		t.Fatalf("dual-destination event probability mismatch: %v", got)
	}
}

func TestTruncatedTriggerData(t *testing.T) {
	data := uint64(11)
	trigger := &Trigger{TriggerData: &data}

	if got := trigger.TruncatedTriggerData(8); got != 3 {
		t.Fatalf("11 mod 8 = %d, want 3", got)
	}
	if got := trigger.TruncatedTriggerData(2); got != 1 {
		t.Fatalf("11 mod 2 = %d, want 1", got)
	}

	trigger.TriggerData = nil
	if got := trigger.TruncatedTriggerData(8); got != 0 {
		t.Fatalf("nil trigger data must truncate to 0, got %d", got)
	}
}
