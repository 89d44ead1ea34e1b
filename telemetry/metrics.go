package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// FlushBuckets for target-database flush round trips
	FlushBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// FetchBuckets for channel fetch waits, bounded by the fetch timeout
	FetchBuckets = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 3}

	// WindowSizeBuckets for record counts per fetched window
	WindowSizeBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
)

// Write path metrics
var (
	// RecordsAppliedTotal counts records applied to the target by operation
	// (insert, update, delete)
	RecordsAppliedTotal CounterVec = noopCounterVec{}

	// RecordsMergedTotal counts records folded away or cancelled by merging
	RecordsMergedTotal Counter = NoopStat{}

	// RecordsFilteredTotal counts records dropped by the table filter
	RecordsFilteredTotal Counter = NoopStat{}

	// FlushDurationSeconds measures one bucket flush, commit included
	FlushDurationSeconds Histogram = NoopStat{}

	// FlushRetriesTotal counts flush attempts beyond the first
	FlushRetriesTotal Counter = NoopStat{}

	// FlushFailuresTotal counts flushes abandoned after the retry budget
	FlushFailuresTotal Counter = NoopStat{}

	// WindowSize measures records per fetched window before merging
	WindowSize Histogram = NoopStat{}

	// FetchDurationSeconds measures time spent waiting on the channel
	FetchDurationSeconds Histogram = NoopStat{}
)

// Runtime metrics
var (
	// ImportersRunning tracks importers currently in the running state
	ImportersRunning Gauge = NoopStat{}

	// ChannelInFlight tracks records fetched but not yet acked
	ChannelInFlight Gauge = NoopStat{}

	// RateLimitWaitSeconds measures time blocked in the rate limiter by operation
	RateLimitWaitSeconds HistogramVec = noopHistogramVec{}
)

func initMetrics() {
	RecordsAppliedTotal = NewCounterVec("records_applied_total", "Records applied to the target by operation", []string{"operation"})
	RecordsMergedTotal = NewCounter("records_merged_total", "Records folded away or cancelled by merging")
	RecordsFilteredTotal = NewCounter("records_filtered_total", "Records dropped by the table filter")
	FlushDurationSeconds = NewHistogramWithBuckets("flush_duration_seconds", "Bucket flush latency including commit", FlushBuckets)
	FlushRetriesTotal = NewCounter("flush_retries_total", "Flush attempts beyond the first")
	FlushFailuresTotal = NewCounter("flush_failures_total", "Flushes abandoned after the retry budget")
	WindowSize = NewHistogramWithBuckets("window_size_records", "Records per fetched window before merging", WindowSizeBuckets)
	FetchDurationSeconds = NewHistogramWithBuckets("fetch_duration_seconds", "Time spent waiting on the channel", FetchBuckets)
	ImportersRunning = NewGauge("importers_running", "Importers currently in the running state")
	ChannelInFlight = NewGauge("channel_in_flight_records", "Records fetched but not yet acked")
	RateLimitWaitSeconds = NewHistogramVec("rate_limit_wait_seconds", "Time blocked in the rate limiter by operation", []string{"operation"}, FlushBuckets)
}
