package domain

import "time"

// HealthStatus bands the 0-100 health score.
type HealthStatus int

const (
	StatusHealthy   HealthStatus = iota // score >= 80
	StatusDegraded                      // 50-79
	StatusUnhealthy                     // < 50
)

// String returns a human-readable representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthSnapshot is a derived view of cache health, recomputed on
// demand and never persisted.
type HealthSnapshot struct {
	Utilization    float64         // Fraction of the size budget in use, 0-1
	HitRate        float64         // Cache hits / lookups, 0-1
	ErrorRate      float64         // Failed operations / operations, 0-1
	AvgSyncLatency time.Duration   // Mean delivery latency of acknowledged items
	Integrity      IntegrityReport // Most recent integrity scan
	Score          int             // Weighted 0-100 health score
	Status         HealthStatus    // Score band
	GeneratedAt    time.Time
}

// IntegrityReport is the read-only result of a full store scan.
// Producing a report never mutates state; remediation is explicit
// via the store's RemoveCorrupted.
type IntegrityReport struct {
	EntriesScanned     int   // Entries examined
	CorruptedEntries   int   // Entries failing integrity validation
	CorruptedDates     []Date
	OrphanedQueueItems int   // Queue items referencing an unknown content ID
	QueueLen           int   // Pending queue items
	DeadLetters        int   // Dead-lettered items
	RecordedSize       int64 // Size accounting as persisted
	ActualSize         int64 // Size accounting recomputed from entries
}

// SizeDrift returns the gap between recorded and actual size accounting.
func (r IntegrityReport) SizeDrift() int64 {
	drift := r.RecordedSize - r.ActualSize
	if drift < 0 {
		return -drift
	}
	return drift
}

// Clean reports whether the scan found nothing wrong.
func (r IntegrityReport) Clean() bool {
	return r.CorruptedEntries == 0 && r.OrphanedQueueItems == 0 && r.SizeDrift() == 0
}
