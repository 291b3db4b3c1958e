package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"k8s.io/utils/ptr"
)

func TestMetricsInterceptor(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Service/TestMethod"}
	ok := func(ctx context.Context, req interface{}) (interface{}, error) { return "test response", nil }
	fail := func(ctx context.Context, req interface{}) (interface{}, error) { return nil, errors.New("boom") }

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues(info.FullMethod, "success"))
	resp, err := MetricsInterceptor(context.Background(), "req", info, ok)
	require.NoError(t, err)
	assert.Equal(t, "test response", resp)
	assert.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues(info.FullMethod, "success")))

	_, err = MetricsInterceptor(context.Background(), "req", info, fail)
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(RequestsTotal.WithLabelValues(info.FullMethod, "error")))
}

func TestGetProgressionFilePath(t *testing.T) {
	t.Setenv(ProgressionStatusFilePathEnv, "")
	assert.Equal(t, ProgressionStatusFilePath, GetProgressionFilePath())
	t.Setenv(ProgressionStatusFilePathEnv, "/custom/progress.json")
	assert.Equal(t, "/custom/progress.json", GetProgressionFilePath())
}

func TestWriteProgression(t *testing.T) {
	start := time.Unix(1700000000, 0)
	now := start.Add(time.Minute)
	p := Progress{
		Step: 12, TotalSteps: 120,
		Epoch: 1, TotalEpochs: 30,
		Start:        start,
		Message:      "epoch 1 | train loss = 2.5",
		TrainLoss:    ptr.To(2.5),
		EvalLoss:     ptr.To(2.75),
		LearningRate: 1e-5,
	}
	path := filepath.Join(t.TempDir(), "nested", "training_progression.json")
	require.NoError(t, WriteProgression(path, p.Progression(now)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got ProgressionFileFormat
	require.NoError(t, json.Unmarshal(data, &got))

	want := ProgressionFileFormat{
		CurrentStep:     ptr.To[int64](12),
		TotalSteps:      ptr.To[int64](120),
		CurrentEpoch:    ptr.To[int64](1),
		TotalEpochs:     ptr.To[int64](30),
		Message:         "epoch 1 | train loss = 2.5",
		TrainingMetrics: map[string]interface{}{"loss": 2.5, "learning_rate": 1e-5},
		Metrics:         map[string]interface{}{"eval_loss": 2.75},
		Timestamp:       now.Unix(),
		StartTime:       ptr.To(start.Unix()),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("progression mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must be gone")
}

func TestPushMetricsToGateway(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		PushMetricsToGateway(ctx, srv.URL, "finetune", 3, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.True(t, strings.HasPrefix(paths[0], "PUT /metrics/job/finetune/"), paths[0])
	assert.Contains(t, paths[0], "/rank/3")
}

func TestHandler(t *testing.T) {
	Steps.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "finetune_optimizer_steps_total")
}
