package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdapterLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "adapter_load_duration_seconds",
		Help: "Duration of per-layer-type adapter weight loading",
	})

	AdapterTensorsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adapter_tensors_fetched_total",
		Help: "Total number of adapter tensors fetched from the weight store",
	})

	AdapterFetchDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "adapter_fetch_duration_seconds",
		Help: "Duration of remote adapter tensor fetches",
	})

	UnusedAdapterWeights = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adapter_unused_weights_total",
		Help: "Tensors present in adapter checkpoints but never consumed",
	})

	KernelSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_kernel_selections_total",
		Help: "Kernel family chosen per batch aggregation",
	}, []string{"kernel"})

	BatchSegments = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adapter_batch_segments",
		Help:    "Number of batch segments per aggregation",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	RankGroups = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adapter_rank_groups",
		Help:    "Number of distinct rank groups per aggregation",
		Buckets: []float64{1, 2, 3, 4, 6, 8},
	})
)

func RecordFetch(tensors int, duration time.Duration) {
	AdapterTensorsFetched.Add(float64(tensors))
	AdapterFetchDuration.Observe(duration.Seconds())
}

func RecordUnusedWeights(n int) {
	UnusedAdapterWeights.Add(float64(n))
}
