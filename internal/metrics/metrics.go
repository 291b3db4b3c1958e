// Package metrics exposes training and collective metrics to Prometheus and
// writes the kubeflow progression file.
package metrics

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/headlands-org/go-finetune/internal/logger"
)

var (
	// Collective RPCs served by rank 0
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finetune_collective_requests_total",
		Help: "Total number of collective gRPC requests",
	}, []string{"method", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finetune_collective_request_duration_seconds",
		Help:    "Duration of collective gRPC requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// Client-side latency of each collective, including waiting for peers
	CollectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finetune_collective_duration_seconds",
		Help:    "Time spent in collective operations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"op"})

	Steps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finetune_optimizer_steps_total",
		Help: "Optimizer steps taken",
	})

	Tokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finetune_train_tokens_total",
		Help: "Non-padding tokens processed by this rank",
	})

	TrainLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finetune_train_loss",
		Help: "Mean training loss of the last epoch across ranks",
	})

	EvalLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finetune_eval_loss",
		Help: "Validation loss of the last evaluation",
	})

	LearningRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finetune_learning_rate",
		Help: "Current learning rate",
	})

	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finetune_epoch",
		Help: "Current epoch",
	})
)

// gRPC interceptor (used for automatic metric collection)
func MetricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	method := info.FullMethod

	resp, err := handler(ctx, req)

	duration := time.Since(start).Seconds()
	status := "success"
	if err != nil {
		status = "error"
	}

	RequestsTotal.WithLabelValues(method, status).Inc()
	RequestDuration.WithLabelValues(method).Observe(duration)

	return resp, err
}

// ObserveCollective records the latency of one collective call.
func ObserveCollective(op string, start time.Time) {
	CollectiveDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// PushMetricsToGateway pushes the training collectors every interval until ctx
// is done, then pushes once more.
func PushMetricsToGateway(ctx context.Context, pushgatewayUrl, jobName string, rank int, interval time.Duration) {
	if pushgatewayUrl == "" {
		logger.Logger.Debug("Pushgateway URL not set, skipping metrics push")
		return
	}

	pusher := push.New(pushgatewayUrl, jobName).
		Collector(Steps).
		Collector(Tokens).
		Collector(TrainLoss).
		Collector(EvalLoss).
		Collector(LearningRate).
		Collector(Epoch).
		Collector(CollectiveDuration).
		Grouping("instance", getHostname()).
		Grouping("rank", strconv.Itoa(rank))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := pusher.Push(); err != nil {
				logger.Logger.Error("Error pushing metrics", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := pusher.Push(); err != nil {
				logger.Logger.Error("Error pushing metrics", zap.Error(err))
			}
		}
	}
}

func getHostname() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}

	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}

	if hostname := os.Getenv("HOST"); hostname != "" {
		return hostname
	}

	return "unknown"
}
