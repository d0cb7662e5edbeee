package types

import "io"

// ARCHITECTURAL DISCOVERY: Event type constants keep the wire names the dashboard
// already understands, so observers never need to know Go type names
const (
	EventInit            = "init"
	EventUpload          = "upload"
	EventPair            = "pair"
	EventPresenceChanged = "phone_status"
)

// DefaultAltitude is used when a capture arrives without an altitude reading.
const DefaultAltitude = "50"

// Event is anything the hub can fan out to observers.
type Event interface {
	EventType() string
}

// CaptureRecord describes one ingested frame
// FUNCTIONAL DISCOVERY: Record is immutable after creation; history replays it verbatim
// to dashboards that attach later
type CaptureRecord struct {
	Project             string  `json:"project"`
	Filename            string  `json:"filename"`
	Azimuth             float64 `json:"azimuth"`
	Altitude            float64 `json:"altitude"`
	Focus               float64 `json:"focus"`
	Sector              int     `json:"sector"`
	LensIndex           int     `json:"lens_idx"`
	LensCalibrated      bool    `json:"lens_calibrated"`
	TotalCount          int     `json:"total_count"`
	ClientReportedCount int     `json:"client_reported_count"`
}

// InitEvent is the full snapshot sent to a newly attached observer and
// re-broadcast whenever the active session changes.
type InitEvent struct {
	Type    string          `json:"type"`
	Project string          `json:"project"`
	Sectors []int           `json:"sectors"`
	History []CaptureRecord `json:"history"`
	Total   int             `json:"total"`
	Focus   float64         `json:"focus"`
	Lenses  []int           `json:"lenses"`
	Paired  bool            `json:"paired"`
}

func (e *InitEvent) EventType() string { return e.Type }

// UploadEvent announces a capture that has been persisted and counted.
type UploadEvent struct {
	Type string `json:"type"`
	CaptureRecord
}

func (e *UploadEvent) EventType() string { return e.Type }

// PairEvent announces an explicit pairing request from a mobile client.
type PairEvent struct {
	Type       string `json:"type"`
	Host       string `json:"host"`
	TotalCount int    `json:"total_count"`
}

func (e *PairEvent) EventType() string { return e.Type }

// PresenceEvent reports a presence transition of the mobile client.
type PresenceEvent struct {
	Type       string `json:"type"`
	Paired     bool   `json:"paired"`
	TotalCount int    `json:"total_count"`
}

func (e *PresenceEvent) EventType() string { return e.Type }

// NewUploadEvent wraps a record for broadcast.
func NewUploadEvent(record CaptureRecord) *UploadEvent {
	return &UploadEvent{Type: EventUpload, CaptureRecord: record}
}

// NewPairEvent builds a pair broadcast.
func NewPairEvent(host string, total int) *PairEvent {
	return &PairEvent{Type: EventPair, Host: host, TotalCount: total}
}

// NewPresenceEvent builds a presence transition broadcast.
func NewPresenceEvent(paired bool, total int) *PresenceEvent {
	return &PresenceEvent{Type: EventPresenceChanged, Paired: paired, TotalCount: total}
}

// CaptureRequest carries one upload as received by the boundary layer
// FUNCTIONAL DISCOVERY: Numeric readings stay as raw strings so that parse failures
// happen after the image is safely on disk, never before
type CaptureRequest struct {
	Filename    string
	Body        io.Reader
	Azimuth     string
	Diopter     string
	Altitude    string
	LensIndex   int
	Calibrated  bool
	ClientCount int
}

// Ingest statuses reported back to the uploading client.
const (
	IngestStatusSuccess = "success"
	IngestStatusPartial = "partial"
)

// IngestResult is the outcome of a capture whose file reached disk.
type IngestResult struct {
	Status      string         `json:"status"`
	ServerTotal int            `json:"server_total"`
	Record      *CaptureRecord `json:"record,omitempty"`
	Warning     string         `json:"warning,omitempty"`
}

// PresenceAck answers heartbeat and pairing calls.
type PresenceAck struct {
	Paired     bool `json:"paired"`
	TotalCount int  `json:"total_count"`
}
