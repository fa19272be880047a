// Package staging provides the import and staging-record domain model for
// the ingestion pipeline, plus the storage contracts the loops consume.
//
// The package defines interfaces for what the pipeline needs from storage
// without depending on concrete implementations; PostgreSQL and in-memory
// implementations live in internal/storage.
package staging

import (
	"encoding/json"
	"time"
)

// AdapterType identifies how a data source receives data.
type AdapterType string

// Supported adapter types.
const (
	AdapterHTTP   AdapterType = "http"
	AdapterManual AdapterType = "manual"
	AdapterOther  AdapterType = "other"
)

// DataSource owns a lineage of imports and, when active, a processing loop
// and (for HTTP adapters) a poller loop.
type DataSource struct {
	ID          string          `json:"id"`
	ContainerID string          `json:"containerId"`
	Name        string          `json:"name"`
	AdapterType AdapterType     `json:"adapterType"`
	Config      json.RawMessage `json:"config,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// HTTPConfig is the adapter-specific configuration for http data sources.
// Username, Password, and Token are stored RSA-encrypted (base64) and must
// pass through the credentials collaborator before use.
type HTTPConfig struct {
	Endpoint     string `json:"endpoint"`
	AuthMethod   string `json:"authMethod"` // "basic", "token", or "none"
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	Token        string `json:"token,omitempty"`
	PollInterval string `json:"pollInterval,omitempty"` // duration string, e.g. "30s"
}

// Import is one logical ingestion batch for a data source. Imports for one
// source are processed strictly in creation order.
type Import struct {
	ID            string       `json:"id"`
	DataSourceID  string       `json:"dataSourceId"`
	Status        ImportStatus `json:"status"`
	StatusMessage string       `json:"statusMessage,omitempty"`
	// Reference is the opaque cursor token handed back by the source on the
	// last poll, forwarded on the next request.
	Reference  string     `json:"reference,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

// Record is one raw payload awaiting mapping and/or processing.
//
// MappingID nil means unmapped; ProcessedAt set means processed. MappingID
// is immutable once assigned unless the record is deleted.
type Record struct {
	ID           string     `json:"id"`
	DataSourceID string     `json:"dataSourceId"`
	ImportID     string     `json:"importId"`
	RawData      any        `json:"data"`
	MappingID    *string    `json:"mappingId,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	Errors       []string   `json:"errors,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// RecordState is the staging record's position in the pipeline.
type RecordState string

// Record states. Errored is orthogonal bookkeeping: a record with errors
// does not advance state and is retried on the next loop iteration after
// external correction.
const (
	RecordUnmapped  RecordState = "unmapped"
	RecordMapped    RecordState = "mapped"
	RecordProcessed RecordState = "processed"
)

// State derives the record's pipeline state from its fields.
func (r *Record) State() RecordState {
	switch {
	case r.ProcessedAt != nil:
		return RecordProcessed
	case r.MappingID != nil:
		return RecordMapped
	default:
		return RecordUnmapped
	}
}

// Errored reports whether the record carries processing errors.
func (r *Record) Errored() bool {
	return len(r.Errors) > 0
}
