package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	InferenceBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clubench_inference_batches_total",
		Help: "The total number of batches run through the engine",
	}, []string{"phase"})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "clubench_inference_duration_seconds",
		Help: "Duration of engine forward passes",
	})

	TokenizeDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "clubench_tokenize_duration_seconds",
		Help: "Duration of batch conversion (tokenize, pad, stack)",
	})

	BatchSequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clubench_batch_sequence_length",
		Help:    "Distribution of padded batch sequence lengths",
		Buckets: []float64{8, 16, 32, 64, 96, 128, 192, 256, 384, 512},
	})
)

// Serve exposes the /metrics endpoint in the background. Failures are logged,
// not fatal: monitoring never takes the benchmark down.
func Serve(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
		}
	}()
}
