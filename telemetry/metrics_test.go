package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("catalog_sync_http_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("catalog_sync_http_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("catalog_sync_http_request_duration_seconds")
	require.NoError(t, err)

	requestsByEndpointTotal, err := meter.Int64Counter("catalog_sync_http_requests_by_endpoint_total")
	require.NoError(t, err)

	syncRunsTotal, err := meter.Int64Counter("catalog_sync_runs_total")
	require.NoError(t, err)

	syncRunDuration, err := meter.Float64Histogram("catalog_sync_run_duration_seconds")
	require.NoError(t, err)

	dbReplacementsTotal, err := meter.Int64Counter("catalog_sync_db_replacements_total")
	require.NoError(t, err)

	downloadsTotal, err := meter.Int64Counter("catalog_sync_image_downloads_total")
	require.NoError(t, err)

	downloadDuration, err := meter.Float64Histogram("catalog_sync_image_download_duration_seconds")
	require.NoError(t, err)

	downloadBytesTotal, err := meter.Int64Counter("catalog_sync_image_download_bytes_total")
	require.NoError(t, err)

	reconcileRemovedTotal, err := meter.Int64Counter("catalog_sync_reconcile_removed_total")
	require.NoError(t, err)

	reconcileKeptTotal, err := meter.Int64Counter("catalog_sync_reconcile_kept_total")
	require.NoError(t, err)

	reconcileDuration, err := meter.Float64Histogram("catalog_sync_reconcile_duration_seconds")
	require.NoError(t, err)

	indexMatchesTotal, err := meter.Int64Counter("catalog_sync_index_matches_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:           requestsTotal,
		responseBytesTotal:      responseBytesTotal,
		requestDuration:         requestDuration,
		requestsByEndpointTotal: requestsByEndpointTotal,
		syncRunsTotal:           syncRunsTotal,
		syncRunDuration:         syncRunDuration,
		dbReplacementsTotal:     dbReplacementsTotal,
		downloadsTotal:          downloadsTotal,
		downloadDuration:        downloadDuration,
		downloadBytesTotal:      downloadBytesTotal,
		reconcileRemovedTotal:   reconcileRemovedTotal,
		reconcileKeptTotal:      reconcileKeptTotal,
		reconcileDuration:       reconcileDuration,
		indexMatchesTotal:       indexMatchesTotal,
		meterProvider:           mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/images/products/a.jpg", nil)
	r = InjectTags(r)
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "catalog_sync_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "catalog_sync_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "catalog_sync_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_EndpointDetail(t *testing.T) {
	reader := setupTestMetrics(t)

	r := newTaggedRequest()
	SetEndpoint(r, "sync")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "catalog_sync_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "sync"))
}

func TestRecordHTTP_NoEndpointNoDetail(t *testing.T) {
	reader := setupTestMetrics(t)

	r := newTaggedRequest()
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)

	rm := collectMetrics(t, reader)
	require.Empty(t, findCounter(rm, "catalog_sync_http_requests_by_endpoint_total"))
}

func TestRecordSyncRun(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordSyncRun(ctx, "completed", 2*time.Second)
	RecordSyncRun(ctx, "failed", time.Second)
	RecordSyncRun(ctx, "completed", time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "catalog_sync_runs_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "completed") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", "failed"))
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordDownload(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordDownload(ctx, "success", 100*time.Millisecond, 2048)
	RecordDownload(ctx, "error", 50*time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "catalog_sync_image_downloads_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "catalog_sync_image_download_bytes_total")
	require.Len(t, bytesDps, 1)
	require.True(t, hasAttr(bytesDps[0].Attributes, "outcome", "success"))
	require.EqualValues(t, 2048, bytesDps[0].Value)
}

func TestRecordReconcileCycle(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReconcileCycle(context.Background(), 3, 17, 20*time.Millisecond)

	rm := collectMetrics(t, reader)

	removed := findCounter(rm, "catalog_sync_reconcile_removed_total")
	require.Len(t, removed, 1)
	require.EqualValues(t, 3, removed[0].Value)

	kept := findCounter(rm, "catalog_sync_reconcile_kept_total")
	require.Len(t, kept, 1)
	require.EqualValues(t, 17, kept[0].Value)
}

func TestRecordIndexMatch(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordIndexMatch(ctx, true)
	RecordIndexMatch(ctx, true)
	RecordIndexMatch(ctx, false)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "catalog_sync_index_matches_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "outcome", "matched") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.EqualValues(t, 1, dp.Value)
		}
	}
}

func TestRecordHelpers_NoopWhenUninitialized(t *testing.T) {
	require.Nil(t, globalMetrics)

	ctx := context.Background()
	r := newTaggedRequest()

	// None of these should panic without InitMetrics.
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordSyncRun(ctx, "completed", time.Second)
	RecordDBReplacement(ctx, "installed")
	RecordDownload(ctx, "success", time.Millisecond, 10)
	RecordImageWrite(ctx, 10, true)
	RecordReconcileCycle(ctx, 0, 0, time.Millisecond)
	RecordIndexMatch(ctx, false)
	RecordBackendOp(ctx, "images", "write", "success", time.Millisecond, 10)
	RecordUpstreamFetch(ctx, "manifest", time.Millisecond, 10, "success")
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(http.StatusOK))
	require.Equal(t, "3xx", StatusClass(http.StatusNotModified))
	require.Equal(t, "4xx", StatusClass(http.StatusNotFound))
	require.Equal(t, "5xx", StatusClass(http.StatusBadGateway))
	require.Equal(t, "unknown", StatusClass(100))
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	require.Nil(t, globalMetrics)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
