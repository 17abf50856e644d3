// Package report delivers execution status reports of fragment instances to
// the coordinator.
//
// Reports are handed to a [Reporter] without blocking the caller and are
// delivered asynchronously by a dedicated pool of workers. At most one report
// per fragment instance is in flight at a time; a pending progress report is
// replaced by a newer one, and a final report is never replaced.
package report

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qiyongbo/starrocks/pkg/exec/status"
)

// Report is a snapshot of the execution state of one fragment instance.
type Report struct {
	QueryID      string           `json:"query_id"`
	InstanceID   string           `json:"fragment_instance_id"`
	BackendID    int64            `json:"backend_id"`
	StatusCode   string           `json:"status_code"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Done         bool             `json:"done"`
	Profile      map[string]int64 `json:"profile,omitempty"`
	Seq          uint64           `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Code returns the status code of the report.
func (r Report) Code() status.Code { return status.ParseCode(r.StatusCode) }

// Snapshotter is the source of a report.
type Snapshotter interface {
	QueryID() string
	InstanceID() ulid.ULID

	// Profile returns a copy of the runtime counters of the fragment.
	Profile() map[string]int64
}

// Cleaner releases the resources of a fragment instance once its final
// report has been handled.
type Cleaner interface {
	Unregister(id ulid.ULID)
}
