package clustercore

import (
	"fmt"
	"strings"
	"time"
)

// Module identifies the kind of job a trigger schedules.  The integer encoding is persisted, so
// values must never be renumbered.
type Module int

const (
	ModuleReport Module = iota
	ModuleAlert
	ModuleDerivedStream
	ModuleQueryRecommendation
)

var moduleNames = map[Module]string{
	ModuleReport:              "report",
	ModuleAlert:               "alert",
	ModuleDerivedStream:       "derived_stream",
	ModuleQueryRecommendation: "query_recommendation",
}

// Int returns the storage encoding of the module.
func (m Module) Int() int {
	return int(m)
}

func (m Module) String() string {
	if name, ok := moduleNames[m]; ok {
		return name
	}
	return fmt.Sprintf("module(%d)", int(m))
}

// ModuleFromInt decodes the storage encoding of a module.
func ModuleFromInt(i int) (Module, error) {
	m := Module(i)
	if _, ok := moduleNames[m]; !ok {
		return 0, fmt.Errorf("unknown module %d", i)
	}
	return m, nil
}

// ParseModule parses the display form of a module.
func ParseModule(s string) (Module, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range moduleNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown module %q", s)
}

// TriggerStatus is the state of a trigger.  The integer encoding is persisted.
type TriggerStatus int

const (
	TriggerWaiting TriggerStatus = iota
	TriggerProcessing
	TriggerCompleted
)

var triggerStatusNames = map[TriggerStatus]string{
	TriggerWaiting:    "waiting",
	TriggerProcessing: "processing",
	TriggerCompleted:  "completed",
}

// Int returns the storage encoding of the status.
func (s TriggerStatus) Int() int {
	return int(s)
}

func (s TriggerStatus) String() string {
	if name, ok := triggerStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// TriggerStatusFromInt decodes the storage encoding of a status.
func TriggerStatusFromInt(i int) (TriggerStatus, error) {
	s := TriggerStatus(i)
	if _, ok := triggerStatusNames[s]; !ok {
		return 0, fmt.Errorf("unknown trigger status %d", i)
	}
	return s, nil
}

// ParseTriggerStatus parses the display form of a status.
func ParseTriggerStatus(str string) (TriggerStatus, error) {
	str = strings.ToLower(strings.TrimSpace(str))
	for s, name := range triggerStatusNames {
		if name == str {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown trigger status %q", str)
}

// TriggerKey is the natural key of a trigger.
type TriggerKey struct {
	Org       string `json:"org"`
	Module    Module `json:"module"`
	ModuleKey string `json:"module_key"`
}

func (k TriggerKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Module, k.Org, k.ModuleKey)
}

// Trigger is a persisted deferred or periodic job.
type Trigger struct {
	ID         int64         `json:"id"`
	Org        string        `json:"org"`
	Module     Module        `json:"module"`
	ModuleKey  string        `json:"module_key"`
	IsRealtime bool          `json:"is_realtime"`
	IsSilenced bool          `json:"is_silenced"`
	Status     TriggerStatus `json:"status"`
	StartTime  Micros        `json:"start_time"`
	EndTime    Micros        `json:"end_time"`
	Retries    int           `json:"retries"`
	NextRunAt  Micros        `json:"next_run_at"`
	CreatedAt  Micros        `json:"created_at"`
	Data       string        `json:"data"`
}

// Key returns the natural key of the trigger.
func (t *Trigger) Key() TriggerKey {
	return TriggerKey{Org: t.Org, Module: t.Module, ModuleKey: t.ModuleKey}
}

// IsRealtimeAlert returns true for triggers whose changes must be announced to realtime alert evaluators.
func (t *Trigger) IsRealtimeAlert() bool {
	return t.Module == ModuleAlert && t.IsRealtime
}

// TriggerStatusUpdate is a status-only change of a trigger.  A nil Data leaves the payload unchanged.
type TriggerStatusUpdate struct {
	Key     TriggerKey    `json:"key"`
	Status  TriggerStatus `json:"status"`
	Retries int           `json:"retries"`
	Data    *string       `json:"data,omitempty"`
}

// ToMicros converts a time.Time to Micros.
func ToMicros(t time.Time) Micros {
	return Micros(t.UnixNano() / int64(time.Microsecond))
}

// Time converts Micros back to a time.Time.
func (m Micros) Time() time.Time {
	return time.Unix(0, int64(m)*int64(time.Microsecond))
}

// Add returns m shifted by d.
func (m Micros) Add(d time.Duration) Micros {
	return m + Micros(d/time.Microsecond)
}
