package models

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/measurement_backend/utils"
)

// ReportWindows bounds when a trigger-data group may produce reports, as
// offsets from the source event time.
type ReportWindows struct {
	StartTime int64
	EndTimes  []int64
}

// TriggerSpec configures one trigger-data group of the flexible event
// reporting model: which trigger-data values it governs, its report windows,
// and the summary buckets whose boundary crossings entitle reports.
type TriggerSpec struct {
	TriggerData           []uint64
	EventReportWindows    ReportWindows
	SummaryWindowOperator SummaryOperator
	SummaryBuckets        []int64
}

type reportWindowsJSON struct {
	StartTime int64   `json:"start_time"`
	EndTimes  []int64 `json:"end_times"`
}

type triggerSpecJSON struct {
	TriggerData           []uint64          `json:"trigger_data"`
	EventReportWindows    reportWindowsJSON `json:"event_report_windows"`
	SummaryWindowOperator string            `json:"summary_window_operator"`
	SummaryBuckets        []int64           `json:"summary_buckets"`
}

// ParseTriggerSpecs decodes and structurally validates a serialized trigger
// spec list. Malformed input fails here, never at first use.
func ParseTriggerSpecs(encoded string) ([]TriggerSpec, error) {
	if encoded == "" {
		return nil, nil
	}
	var raw []triggerSpecJSON
	if err := utils.UnmarshalFromJSON([]byte(encoded), &raw); err != nil {
		return nil, fmt.Errorf("parse trigger specs: %w", err)
	}

	specs := make([]TriggerSpec, 0, len(raw))
	for i, r := range raw {
		if len(r.TriggerData) == 0 {
			return nil, fmt.Errorf("trigger spec %d: empty trigger_data", i)
		}
		if len(r.EventReportWindows.EndTimes) == 0 {
			return nil, fmt.Errorf("trigger spec %d: no report window end_times", i)
		}
		if err := requireAscending(r.EventReportWindows.EndTimes); err != nil {
			return nil, fmt.Errorf("trigger spec %d: end_times %w", i, err)
		}
		if r.EventReportWindows.StartTime < 0 {
			return nil, fmt.Errorf("trigger spec %d: negative start_time", i)
		}
		if r.EventReportWindows.EndTimes[0] <= r.EventReportWindows.StartTime {
			return nil, fmt.Errorf("trigger spec %d: first end_time precedes start_time", i)
		}
		if len(r.SummaryBuckets) == 0 {
			return nil, fmt.Errorf("trigger spec %d: empty summary_buckets", i)
		}
		if err := requireAscending(r.SummaryBuckets); err != nil {
			return nil, fmt.Errorf("trigger spec %d: summary_buckets %w", i, err)
		}
		operator, err := ParseSummaryOperator(r.SummaryWindowOperator)
		if err != nil {
			return nil, fmt.Errorf("trigger spec %d: %w", i, err)
		}
		specs = append(specs, TriggerSpec{
			TriggerData: r.TriggerData,
			EventReportWindows: ReportWindows{
				StartTime: r.EventReportWindows.StartTime,
				EndTimes:  r.EventReportWindows.EndTimes,
			},
			SummaryWindowOperator: operator,
			SummaryBuckets:        r.SummaryBuckets,
		})
	}
	return specs, nil
}

// EncodeTriggerSpecs serializes trigger specs back to the wire form.
func EncodeTriggerSpecs(specs []TriggerSpec) (string, error) {
	raw := make([]triggerSpecJSON, 0, len(specs))
	for _, s := range specs {
		raw = append(raw, triggerSpecJSON{
			TriggerData: s.TriggerData,
			EventReportWindows: reportWindowsJSON{
				StartTime: s.EventReportWindows.StartTime,
				EndTimes:  s.EventReportWindows.EndTimes,
			},
			SummaryWindowOperator: string(s.SummaryWindowOperator),
			SummaryBuckets:        s.SummaryBuckets,
		})
	}
	return utils.MarshalToJSON(raw)
}

func requireAscending(values []int64) error {
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			return errors.New("must be strictly ascending")
		}
	}
	return nil
}
