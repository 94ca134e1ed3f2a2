// ABOUTME: Metric names and help strings
// ABOUTME: Shared by the collector and its tests
package metrics

const (
	SyncRoundsN = "timesync_sync_rounds_total"
	SyncRoundsH = "The total number of synchronization rounds started"

	OffsetChangesN = "timesync_offset_changes_total"
	OffsetChangesH = "The total number of applied offset changes"

	SyncErrorsN = "timesync_sync_errors_total"
	SyncErrorsH = "The total number of errors reported by automatic synchronization"

	OffsetN = "timesync_offset_milliseconds"
	OffsetH = "The current correction applied to the local clock in milliseconds"

	SamplesN = "timesync_samples_total"
	SamplesH = "The total number of samples per peer and outcome"

	OutliersN = "timesync_outliers_rejected_total"
	OutliersH = "The total number of samples rejected for their round trip time per peer"

	RoundtripN = "timesync_roundtrip_milliseconds"
	RoundtripH = "Round trip time of successful samples in milliseconds"

	ReferenceDriftN = "timesync_reference_drift_milliseconds"
	ReferenceDriftH = "Difference between the corrected clock and the NTP reference in milliseconds"

	BuildInfoN = "timesync_build_info"
	BuildInfoH = "A metric with a constant '1' value labeled by product and version"
)
