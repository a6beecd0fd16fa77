// Package domain holds the shared data model types (spec.md §3) that cross
// package boundaries: Heartbeat, ServiceCheck, CheckResult, and Rollup. They
// are plain structs with no behavior beyond what the data model itself
// specifies, so every component can depend on them without creating import
// cycles between heartbeat, scheduler, store, probe, and metrics.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/Gioppix/uptime-monitor/internal/region"
)

// Heartbeat is one liveness row published per (worker, minute).
type Heartbeat struct {
	ProcessID         uuid.UUID
	Position          int
	Region            region.Region
	SocketAddress     string
	Timestamp         time.Time
	TimeBucketMinutes int64
}

// Method is an HTTP method a check may use.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodHead   Method = "HEAD"
)

// ServiceCheck is one user-defined HTTP health check, stored once per
// region it is active in.
type ServiceCheck struct {
	CheckID              uuid.UUID
	Region               region.Region
	CheckName            string
	URL                  string
	HTTPMethod           Method
	CheckFrequencySeconds int
	TimeoutSeconds       int
	ExpectedStatusCode   int
	RequestHeaders       map[string]string
	RequestBody          *string
	IsEnabled            bool
	CreatedAt            time.Time
}

// CheckResult is one completed probe execution.
type CheckResult struct {
	ResultID             uuid.UUID
	CheckID              uuid.UUID
	Region               region.Region
	Day                  time.Time // UTC midnight of check_started_at's date
	CheckStartedAt       time.Time
	ResponseTimeMicros   int64
	StatusCode           *int
	MatchesExpected      bool
	ResponseBodyFetched  bool
	ResponseBody         *string
}

// Granularity is the bucket width for graph metrics.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// Duration returns the wall-clock width of one bucket at this granularity.
func (g Granularity) Duration() time.Duration {
	if g == GranularityDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Rollup is a pre-aggregated metrics summary for one (check, region,
// period_start) bucket, at either hourly or daily granularity.
type Rollup struct {
	CheckID            uuid.UUID
	Region             region.Region
	PeriodStart        time.Time
	Successful         int
	Failed             int
	AvgResponseMicros  float64
	MinResponseMicros  int64
	MaxResponseMicros  int64
	P50ResponseMicros  float64
	P95ResponseMicros  float64
	P99ResponseMicros  float64
	UptimePercent      float64
	ComputedAt         time.Time
}

// MessageKind discriminates an InterNodeMessage's variant.
type MessageKind string

const (
	MessageServiceCheckMutation MessageKind = "ServiceCheckMutation"
	MessageShuttingDown         MessageKind = "ShuttingDown"
)

// InterNodeMessage is the tagged-union wire type exchanged over POST
// /internal (spec.md §6).
type InterNodeMessage struct {
	Kind      MessageKind
	CheckID   uuid.UUID // set when Kind == MessageServiceCheckMutation
	ProcessID uuid.UUID // set when Kind == MessageShuttingDown
}

// Bucket computes the ring bucket a check falls into for a given
// bucket_version: check_id treated as a 128-bit integer, mod ring_size.
func Bucket(checkID uuid.UUID, ringSize int) int {
	if ringSize <= 0 {
		return 0
	}
	// uuid.UUID is a [16]byte big-endian value; reduce it mod ringSize by
	// folding bytes through a running remainder, equivalent to treating the
	// UUID as one large unsigned integer mod ringSize without needing a
	// big.Int import for a single modulo.
	rem := 0
	for _, b := range checkID {
		rem = (rem*256 + int(b)) % ringSize
	}
	return rem
}
