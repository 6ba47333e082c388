// admission.go adapts the teacher's internal/proxy/queue.go WithQueue into a
// worker-pool admission control gating every engine: requests first queue
// (bounded by queueSize), then race to acquire one of worker_threads active
// slots, rejected with 429 if the queue is full and with 503 if they time out
// waiting for a slot. Config field names changed (WorkerThreads replaces
// MaxConcurrent) but the channel-based queue/slot bookkeeping is kept as-is.
package dispatch

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"bifrostbridge/internal/httperr"
	"bifrostbridge/internal/metrics"
)

const defaultEnqueueTimeout = 5 * time.Second

// withAdmissionControl wraps next with a bounded waiting queue (size
// queueSize) and a bounded pool of workerThreads active slots. A
// workerThreads <= 0 disables admission control entirely (next is returned
// unwrapped), since an unconfigured worker pool must not silently serialize
// every request behind a single slot.
func withAdmissionControl(next http.Handler, workerThreads, queueSize int) http.Handler {
	if workerThreads <= 0 {
		return next
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	queueWaitCh := make(chan struct{}, queueSize)
	activeSlotsCh := make(chan struct{}, workerThreads)
	var depth int64

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enqueueStart := time.Now()

		select {
		case queueWaitCh <- struct{}{}:
		default:
			metrics.IncQueueRejected()
			httperr.Write(w, http.StatusTooManyRequests, httperr.ClassRateLimit, "admission queue full", false)
			return
		}

		stillQueued := true
		metrics.SetQueueDepth(atomic.AddInt64(&depth, 1))
		defer func() {
			if stillQueued {
				<-queueWaitCh
				metrics.SetQueueDepth(atomic.AddInt64(&depth, -1))
			}
		}()

		reqCtx := r.Context()
		acquireCtx, cancelAcquire := context.WithCancel(reqCtx)
		defer cancelAcquire()

		granted := make(chan struct{}, 1)
		go func() {
			select {
			case activeSlotsCh <- struct{}{}:
				granted <- struct{}{}
			case <-acquireCtx.Done():
			}
		}()

		timer := time.NewTimer(defaultEnqueueTimeout)
		defer timer.Stop()

		select {
		case <-reqCtx.Done():
			cancelAcquire()
			metrics.ObserveQueueWait(time.Since(enqueueStart))
			httperr.Write(w, http.StatusServiceUnavailable, httperr.ClassInternal, "request cancelled while queued", false)
			return
		case <-timer.C:
			cancelAcquire()
			metrics.IncQueueTimeout()
			metrics.ObserveQueueWait(time.Since(enqueueStart))
			httperr.Write(w, http.StatusServiceUnavailable, httperr.ClassInternal, "timed out waiting for a worker", false)
			return
		case <-granted:
		}

		<-queueWaitCh
		metrics.SetQueueDepth(atomic.AddInt64(&depth, -1))
		stillQueued = false
		defer func() { <-activeSlotsCh }()

		metrics.ObserveQueueWait(time.Since(enqueueStart))
		next.ServeHTTP(w, r)
	})
}
