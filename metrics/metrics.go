package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons. Typically,
// they will not be used programmatically outside of defining the collectors.

// Keys for frame transport metrics.
const (
	FramesAddedTotalKey            = "framepipe_frames_added_total"
	FramesReadTotalKey             = "framepipe_frames_read_total"
	FramesMovedTotalKey            = "framepipe_frames_moved_total"
	FramesDeletedTotalKey          = "framepipe_frames_deleted_total"
	FramePayloadBytesTotalKey      = "framepipe_frame_payload_bytes_total"
	StoreTxnConflictsTotalKey      = "framepipe_store_txn_conflicts_total"
	QueueEmptyTotalKey             = "framepipe_queue_empty_total"
	TransportOpSecondsKey          = "framepipe_transport_op_seconds"
	StageUnitsTotalKey             = "framepipe_stage_units_total"
	DiskCacheBytesKey              = "framepipe_disk_cache_bytes"
	DiskCacheImagesTotalKey        = "framepipe_disk_cache_images_total"
	DiskCacheDroppedTotalKey       = "framepipe_disk_cache_dropped_total"
	DiskCacheCapacityBytesKey      = "framepipe_disk_cache_capacity_bytes"
	DiskCacheWriteFailuresTotalKey = "framepipe_disk_cache_write_failure_total"

	Fail = "fail"
	Ok   = "ok"
)

// Collectors for frame transport metrics.
var (
	FramesAddedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FramesAddedTotalKey,
		Help: "Cumulative number of frames added to a stage.",
	}, []string{"stage", "status"})
	FramesReadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FramesReadTotalKey,
		Help: "Cumulative number of frames read from a stage.",
	}, []string{"stage", "status"})
	FramesMovedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FramesMovedTotalKey,
		Help: "Cumulative number of frames moved into a stage.",
	}, []string{"stage", "status"})
	FramesDeletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FramesDeletedTotalKey,
		Help: "Cumulative number of frames explicitly deleted from a stage.",
	}, []string{"stage"})
	FramePayloadBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: FramePayloadBytesTotalKey,
		Help: "Cumulative number of (possibly compressed) payload bytes written to the store.",
	}, []string{"codec"})
	StoreTxnConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: StoreTxnConflictsTotalKey,
		Help: "Cumulative number of store transactions retried due to a concurrent modification.",
	}, []string{"operation"})
	QueueEmptyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: QueueEmptyTotalKey,
		Help: "Cumulative number of queue pops which timed out without a frame.",
	}, []string{"stage"})
	TransportOpSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: TransportOpSecondsKey,
		Help: "Latency of frame transport operations.",
	}, []string{"operation"})
	StageUnitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: StageUnitsTotalKey,
		Help: "Cumulative number of frames processed by a pipeline stage worker.",
	}, []string{"stage", "status"})
)

// FramepipeCollectors lists collectors of the frame transport engine and
// pipeline stage workers.
func FramepipeCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		FramesAddedTotal,
		FramesReadTotal,
		FramesMovedTotal,
		FramesDeletedTotal,
		FramePayloadBytesTotal,
		StoreTxnConflictsTotal,
		QueueEmptyTotal,
		TransportOpSeconds,
		StageUnitsTotal,
	}
}

// Collectors for the local disk cache.
var (
	DiskCacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: DiskCacheBytesKey,
		Help: "Number of bytes currently accounted to the local disk cache.",
	})
	DiskCacheCapacityBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: DiskCacheCapacityBytesKey,
		Help: "Configured capacity of the local disk cache.",
	})
	DiskCacheImagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: DiskCacheImagesTotalKey,
		Help: "Cumulative number of images written to the local disk cache.",
	})
	DiskCacheDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: DiskCacheDroppedTotalKey,
		Help: "Cumulative number of images dropped because the local disk cache was full.",
	})
	DiskCacheWriteFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: DiskCacheWriteFailuresTotalKey,
		Help: "Cumulative number of local disk cache writes which failed.",
	})
)

// DiskCacheCollectors lists collectors of the local disk cache.
func DiskCacheCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		DiskCacheBytes,
		DiskCacheCapacityBytes,
		DiskCacheImagesTotal,
		DiskCacheDroppedTotal,
		DiskCacheWriteFailuresTotal,
	}
}
