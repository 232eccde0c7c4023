package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Record is one time step of a breath as read from the tabular source.
type Record struct {
	ID       string   `json:"id"`
	BreathID string   `json:"breath_id"`
	R        float64  `json:"R"`
	C        float64  `json:"C"`
	TimeStep float64  `json:"time_step"`
	UIn      float64  `json:"u_in"`
	UOut     float64  `json:"u_out"`
	Pressure *float64 `json:"pressure,omitempty"`
}

// ReferencePressure reports the measured pressure when the source carried one.
func (r Record) ReferencePressure() (float64, bool) {
	if r.Pressure == nil {
		return 0, false
	}
	return *r.Pressure, true
}

// BreathCycle is a contiguous, non-empty run of records sharing one breath id.
type BreathCycle struct {
	BreathID string   `json:"breath_id"`
	Records  []Record `json:"records"`
}

func (c BreathCycle) Len() int { return len(c.Records) }

// HasReference is true when every record of the cycle carries a reference pressure.
func (c BreathCycle) HasReference() bool {
	if len(c.Records) == 0 {
		return false
	}
	for _, rec := range c.Records {
		if rec.Pressure == nil {
			return false
		}
	}
	return true
}

type DatasetSummary struct {
	Source       string            `json:"source"`
	TotalRecords int               `json:"total_records"`
	TotalBreaths int               `json:"total_breaths"`
	SkippedRows  int               `json:"skipped_rows"`
	Fields       []string          `json:"fields"`
	Sample       map[string]string `json:"sample,omitempty"`
}

type Dataset struct {
	Summary DatasetSummary `json:"summary"`
	Cycles  []BreathCycle  `json:"cycles"`
}

func (d Dataset) CycleCount() int { return len(d.Cycles) }

// Records flattens the dataset back into source order.
func (d Dataset) Records() []Record {
	out := make([]Record, 0, d.Summary.TotalRecords)
	for _, cycle := range d.Cycles {
		out = append(out, cycle.Records...)
	}
	return out
}

type Metrics struct {
	MAE     float64 `json:"mae"`
	RMSE    float64 `json:"rmse"`
	Samples int     `json:"samples"`
}

// Observation is one time step of the cycle shown for a tick.
type Observation struct {
	TimeStep  float64  `json:"time_step"`
	UIn       float64  `json:"u_in"`
	UOut      float64  `json:"u_out"`
	R         float64  `json:"R"`
	C         float64  `json:"C"`
	Actual    *float64 `json:"actual_pressure,omitempty"`
	Predicted float64  `json:"predicted_pressure"`
	Error     *float64 `json:"error,omitempty"`
}

type RunKind string

const (
	RunKindTraining RunKind = "training"
	RunKindTesting  RunKind = "testing"
)

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is the persisted outcome of one training or testing run.
type RunRecord struct {
	VersionedRecord
	ID           string        `json:"id"`
	Kind         RunKind       `json:"kind"`
	Status       RunStatus     `json:"status"`
	Source       string        `json:"source,omitempty"`
	CreatedAtUTC string        `json:"created_at_utc"`
	Ticks        int           `json:"ticks"`
	Cycles       int           `json:"cycles"`
	Final        Metrics       `json:"final"`
	History      []Metrics     `json:"history,omitempty"`
	LastFrame    []Observation `json:"last_frame,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ModelSnapshot is the persisted state of the collaborator service baseline model.
type ModelSnapshot struct {
	VersionedRecord
	ID           string  `json:"id"`
	ModelType    string  `json:"model_type"`
	Gain         float64 `json:"gain"`
	Offset       float64 `json:"offset"`
	Samples      int     `json:"samples"`
	Breaths      int     `json:"breaths"`
	MAE          float64 `json:"mae"`
	TrainedAtUTC string  `json:"trained_at_utc"`
}
