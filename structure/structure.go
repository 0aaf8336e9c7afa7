// Package structure defines the molecular-structure work item and the
// catalog store contract the scheduler runs against. The catalog is the
// durable side of the system: leases, results, and the global minimum all
// live there, while processor identity stays in memory.
package structure

import "time"

// Structure is one file to process. A nil Result means the item is still
// open; once Result is set the item is terminal and never reassigned.
type Structure struct {
	// Filename is the unique key of the structure file.
	Filename string `json:"filename" bson:"filename"`

	// BytesCount is the measured file size. Nil until the ingestion
	// pipeline has sized the file; the mode balancer only counts sized
	// structures.
	BytesCount *int64 `json:"bytesCount" bson:"bytesCount"`

	// Result is the scalar reported by a processor. Nil while open.
	Result *float64 `json:"result" bson:"result"`

	// ProcessingTime is the processor-reported computation time in
	// milliseconds.
	ProcessingTime *int64 `json:"processingTime" bson:"processingTime"`

	// DistributedAt is when the current (or last) lease was handed out.
	DistributedAt *time.Time `json:"distributedAt,omitempty" bson:"distributedAt"`

	// LastPing is the lease liveness timestamp; a lease whose ping is older
	// than the redistribution interval is reclaimable.
	LastPing *time.Time `json:"lastPing,omitempty" bson:"lastPing"`

	// FinishedAt is when the result was recorded.
	FinishedAt *time.Time `json:"finishedAt,omitempty" bson:"finishedAt"`

	// TotalTime is FinishedAt minus DistributedAt, in milliseconds: the
	// wall-clock cost of the lease including transfer overhead.
	TotalTime *int64 `json:"totalTime" bson:"totalTime"`
}

// Terminal reports whether the structure has a recorded result.
func (s *Structure) Terminal() bool {
	return s.Result != nil
}

// SizeClass selects a backlog size class for claim and count queries.
type SizeClass string

const (
	// ClassAny applies no size restriction.
	ClassAny SizeClass = ""
	// ClassSmall selects structures with BytesCount at or below the
	// configured threshold: MULTI_FILES work.
	ClassSmall SizeClass = "small"
	// ClassLarge selects structures with BytesCount above the threshold:
	// SINGLE_FILE work.
	ClassLarge SizeClass = "large"
)

// Stats is the aggregate view served by the count endpoint and read by the
// mode balancer.
type Stats struct {
	// Count is the total number of catalogued structures.
	Count int64 `json:"count"`
	// Pending counts structures without a result.
	Pending int64 `json:"pending"`
	// Processing counts pending structures distributed within the
	// redistribution interval, i.e. under a live lease.
	Processing int64 `json:"processing"`
	// Processed is Count minus Pending.
	Processed int64 `json:"processed"`
}
