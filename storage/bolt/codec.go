package bolt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/evertask/evertask/schedule"
	"github.com/evertask/evertask/storage"
)

// record is the on-disk shape of a PersistedTask. ScheduleDescriptor is an
// interface, so recurring tasks additionally carry a tagged envelope
// (kind + JSON params) that encodeDescriptor/decodeDescriptor translate
// to and from the concrete schedule.* types. Only the descriptors this
// package knows about can round-trip; callers registering custom
// descriptors must extend this codec.
type record struct {
	ID                    string     `json:"id"`
	Type                  string     `json:"type"`
	HandlerType           string     `json:"handler_type"`
	Payload               []byte     `json:"payload"`
	Status                string     `json:"status"`
	QueueName             string     `json:"queue_name"`
	ScheduledExecutionUTC *time.Time `json:"scheduled_execution_utc,omitempty"`
	LastExecutionUTC      *time.Time `json:"last_execution_utc,omitempty"`
	CurrentRunCount       int        `json:"current_run_count"`
	MaxRuns               *int       `json:"max_runs,omitempty"`
	RunUntilUTC           *time.Time `json:"run_until_utc,omitempty"`
	TaskKey               string     `json:"task_key"`
	AuditLevel            string     `json:"audit_level"`
	CreatedAtUTC          time.Time  `json:"created_at_utc"`
	Exception             string     `json:"exception"`

	RecurringKind   string          `json:"recurring_kind,omitempty"`
	RecurringParams json.RawMessage `json:"recurring_params,omitempty"`
}

func toRecord(t *storage.PersistedTask) (*record, error) {
	r := &record{
		ID: t.ID, Type: t.Type, HandlerType: t.HandlerType, Payload: t.Payload,
		Status: string(t.Status), QueueName: t.QueueName,
		ScheduledExecutionUTC: t.ScheduledExecutionUTC, LastExecutionUTC: t.LastExecutionUTC,
		CurrentRunCount: t.CurrentRunCount, MaxRuns: t.MaxRuns, RunUntilUTC: t.RunUntilUTC,
		TaskKey: t.TaskKey, AuditLevel: string(t.AuditLevel), CreatedAtUTC: t.CreatedAtUTC,
		Exception: t.Exception,
	}
	if t.RecurringInfo != nil {
		kind, params, err := encodeDescriptor(t.RecurringInfo)
		if err != nil {
			return nil, err
		}
		r.RecurringKind = kind
		r.RecurringParams = params
	}
	return r, nil
}

func (r *record) toTask() (*storage.PersistedTask, error) {
	t := &storage.PersistedTask{
		ID: r.ID, Type: r.Type, HandlerType: r.HandlerType, Payload: r.Payload,
		Status: storage.Status(r.Status), QueueName: r.QueueName,
		ScheduledExecutionUTC: r.ScheduledExecutionUTC, LastExecutionUTC: r.LastExecutionUTC,
		CurrentRunCount: r.CurrentRunCount, MaxRuns: r.MaxRuns, RunUntilUTC: r.RunUntilUTC,
		TaskKey: r.TaskKey, AuditLevel: storage.AuditLevel(r.AuditLevel), CreatedAtUTC: r.CreatedAtUTC,
		Exception: r.Exception,
	}
	if r.RecurringKind != "" {
		d, err := decodeDescriptor(r.RecurringKind, r.RecurringParams)
		if err != nil {
			return nil, err
		}
		t.RecurringInfo = d
	}
	return t, nil
}

func encodeDescriptor(d schedule.Descriptor) (kind string, params json.RawMessage, err error) {
	switch v := d.(type) {
	case *schedule.CronDescriptor:
		loc := ""
		if v.Location != nil {
			loc = v.Location.String()
		}
		params, err = json.Marshal(struct {
			Expression string `json:"expression"`
			Location   string `json:"location,omitempty"`
		}{v.Expression, loc})
		return "cron", params, err

	case *schedule.EverySecondsDescriptor:
		params, err = json.Marshal(v)
		return "every_seconds", params, err

	case *schedule.EveryMinutesDescriptor:
		params, err = json.Marshal(v)
		return "every_minutes", params, err

	case *schedule.EveryHoursDescriptor:
		params, err = json.Marshal(v)
		return "every_hours", params, err

	case *schedule.EveryDaysDescriptor:
		params, err = json.Marshal(v)
		return "every_days", params, err

	case *schedule.EveryWeeksDescriptor:
		params, err = json.Marshal(v)
		return "every_weeks", params, err

	case *schedule.EveryMonthsDescriptor:
		params, err = json.Marshal(v)
		return "every_months", params, err

	case *schedule.OnSpecificDaysOfWeekDescriptor:
		params, err = json.Marshal(v)
		return "on_specific_days_of_week", params, err

	case *schedule.OnSpecificMonthsDescriptor:
		params, err = json.Marshal(v)
		return "on_specific_months", params, err

	default:
		return "", nil, fmt.Errorf("bolt: no codec registered for descriptor type %T", d)
	}
}

func decodeDescriptor(kind string, params json.RawMessage) (schedule.Descriptor, error) {
	switch kind {
	case "cron":
		var p struct {
			Expression string `json:"expression"`
			Location   string `json:"location,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		var loc *time.Location
		if p.Location != "" {
			l, err := time.LoadLocation(p.Location)
			if err != nil {
				return nil, err
			}
			loc = l
		}
		return schedule.NewCron(p.Expression, loc)

	case "every_seconds":
		var v schedule.EverySecondsDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "every_minutes":
		var v schedule.EveryMinutesDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "every_hours":
		var v schedule.EveryHoursDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "every_days":
		var v schedule.EveryDaysDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "every_weeks":
		var v schedule.EveryWeeksDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "every_months":
		var v schedule.EveryMonthsDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "on_specific_days_of_week":
		var v schedule.OnSpecificDaysOfWeekDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	case "on_specific_months":
		var v schedule.OnSpecificMonthsDescriptor
		if err := json.Unmarshal(params, &v); err != nil {
			return nil, err
		}
		return &v, nil

	default:
		return nil, fmt.Errorf("bolt: unknown recurring descriptor kind %q", kind)
	}
}
