package models

// Track identifies one of the two independent extraction flows.
type Track string

const (
	TrackFields   Track = "fields"
	TrackProducts Track = "products"
)

// TrackStatus represents the state of an extraction track.
type TrackStatus string

const (
	TrackStatusIdle       TrackStatus = "idle"
	TrackStatusRequesting TrackStatus = "requesting"
	TrackStatusCompleted  TrackStatus = "completed"
	TrackStatusFailed     TrackStatus = "failed"
)

// Snapshot is the read-only view of an upload session handed to the
// presentation layer after every transition.
type Snapshot struct {
	SessionID        string          `json:"sessionId" msgpack:"sessionId"`
	Revision         uint64          `json:"revision" msgpack:"revision"`
	SelectedFile     *FileInfo       `json:"selectedFile" msgpack:"selectedFile"`
	Error            *string         `json:"error" msgpack:"error"`
	FieldsResult     *FieldsResult   `json:"fieldsResult" msgpack:"fieldsResult"`
	ProductsResult   *ProductsResult `json:"productsResult" msgpack:"productsResult"`
	FieldsStatus     TrackStatus     `json:"fieldsStatus" msgpack:"fieldsStatus"`
	ProductsStatus   TrackStatus     `json:"productsStatus" msgpack:"productsStatus"`
	FieldsBusy       bool            `json:"fieldsBusy" msgpack:"fieldsBusy"`
	ProductsBusy     bool            `json:"productsBusy" msgpack:"productsBusy"`
	IsBusy           bool            `json:"isBusy" msgpack:"isBusy"`
	ExpandedProducts []string        `json:"expandedProducts" msgpack:"expandedProducts"`
}

// Severity classifies a notification for the alert collaborator.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Notification is a transient alert emitted when an extraction finishes.
type Notification struct {
	SessionID string   `json:"sessionId"`
	Title     string   `json:"title"`
	Subtitle  string   `json:"subtitle"`
	Severity  Severity `json:"severity"`
}
