package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64
	RequestsThrottled  uint64
	UploadsPermitted   uint64
	UploadsFailed      uint64
	Promotions         uint64
	Quarantines        uint64
	StartTime          time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

func IncrementRequests()    { atomic.AddUint64(&globalMetrics.RequestsTotal, 1) }
func IncrementInProgress()  { atomic.AddUint64(&globalMetrics.RequestsInProgress, 1) }
func DecrementInProgress()  { atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0)) }
func IncrementSuccess()     { atomic.AddUint64(&globalMetrics.RequestsSuccess, 1) }
func IncrementFailed()      { atomic.AddUint64(&globalMetrics.RequestsFailed, 1) }
func IncrementThrottled()   { atomic.AddUint64(&globalMetrics.RequestsThrottled, 1) }
func IncrementPermitted()   { atomic.AddUint64(&globalMetrics.UploadsPermitted, 1) }
func IncrementUploadFails() { atomic.AddUint64(&globalMetrics.UploadsFailed, 1) }
func IncrementPromotions()  { atomic.AddUint64(&globalMetrics.Promotions, 1) }
func IncrementQuarantines() { atomic.AddUint64(&globalMetrics.Quarantines, 1) }

// Gauges returns extra point-in-time values for the metrics document.
type Gauges func() map[string]any

// GetMetrics returns current metrics
func GetMetrics() map[string]any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"requests_total":       atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress": atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":     atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":      atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"requests_throttled":   atomic.LoadUint64(&globalMetrics.RequestsThrottled),
		"uploads_permitted":    atomic.LoadUint64(&globalMetrics.UploadsPermitted),
		"uploads_failed":       atomic.LoadUint64(&globalMetrics.UploadsFailed),
		"promotions":           atomic.LoadUint64(&globalMetrics.Promotions),
		"quarantines":          atomic.LoadUint64(&globalMetrics.Quarantines),
		"uptime_seconds":       time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]any{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON, merged with gauges when given.
func MetricsHandler(gauges Gauges) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := GetMetrics()
		if gauges != nil {
			for k, v := range gauges() {
				out[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}
