package server

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/phpx-sh/phpxd/internal/engine"
	"github.com/phpx-sh/phpxd/internal/model"
	"github.com/phpx-sh/phpxd/internal/pool"
)

// Retry-After bounds for 503 responses.
const (
	retryAfterMin = time.Second
	retryAfterMax = 30 * time.Second
)

// handleDispatch executes one application request on a pool worker.
// Exactly one outcome is reported to the pool per acquired worker.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		requestsTotal.WithLabelValues(model.OutcomeMalformed).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	worker, err := s.pool.Acquire(ctx)
	if err != nil {
		s.rejectUnavailable(w, err)
		return
	}

	requestID := middleware.GetReqID(r.Context())
	env := engine.RequestEnv{
		RequestID:  requestID,
		Method:     r.Method,
		URI:        r.URL.RequestURI(),
		Query:      r.URL.RawQuery,
		Proto:      r.Proto,
		Headers:    r.Header,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	}

	start := time.Now()
	res, err := worker.Run(ctx, s.cfg.Entrypoint, env)
	switch {
	case err == nil:
		s.pool.Release(worker, model.OutcomeOK)
		s.observeRun(time.Since(start))
		requestsTotal.WithLabelValues(model.OutcomeOK).Inc()
		s.writeResult(w, requestID, res)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// The engine may still be executing the script; the worker is
		// killed and replaced rather than reused in an unknown state.
		s.pool.Release(worker, model.OutcomeTimeout)
		requestsTotal.WithLabelValues(model.OutcomeTimeout).Inc()
		s.logger.Warn("request timed out",
			"request_id", requestID,
			"worker_id", worker.ID(),
			"elapsed", time.Since(start),
		)
		s.writeError(w, http.StatusGatewayTimeout, "script execution timed out")

	default:
		s.pool.Release(worker, model.OutcomeCrash)
		requestsTotal.WithLabelValues(model.OutcomeCrash).Inc()
		s.logger.Error("worker crashed mid-request",
			"request_id", requestID,
			"worker_id", worker.ID(),
			"error", err,
		)
		s.writeError(w, http.StatusInternalServerError, "script engine crashed")
	}
}

// readBody reads the request body under the configured size bound.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errors.New("request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes")
		}
		return nil, errors.New("malformed request body")
	}
	return body, nil
}

// rejectUnavailable maps admission failures to 503s. The Retry-After hint
// is derived from the observed average run duration.
func (s *Server) rejectUnavailable(w http.ResponseWriter, err error) {
	requestsTotal.WithLabelValues(model.OutcomeOverloaded).Inc()

	w.Header().Set("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
	if errors.Is(err, pool.ErrClosed) {
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	s.writeError(w, http.StatusServiceUnavailable, "server is at capacity")
}

// writeResult relays the engine's response. A nonzero engine exit code
// means the script itself failed after producing output; the client gets a
// 500 rather than a partial success.
func (s *Server) writeResult(w http.ResponseWriter, requestID string, res engine.Result) {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Request-Id", requestID)

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	if res.ExitCode != 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.Debug("write response body", "request_id", requestID, "error", err)
	}
}

// observeRun folds a successful run duration into the moving average
// behind the Retry-After hint.
func (s *Server) observeRun(d time.Duration) {
	runDuration.Observe(d.Seconds())

	old := s.avgRunNanos.Load()
	if old == 0 {
		s.avgRunNanos.Store(int64(d))
		return
	}
	s.avgRunNanos.Store(old + (int64(d)-old)/8)
}

func (s *Server) retryAfterSeconds() int {
	avg := time.Duration(s.avgRunNanos.Load())
	if avg < retryAfterMin {
		avg = retryAfterMin
	}
	if avg > retryAfterMax {
		avg = retryAfterMax
	}
	return int(math.Ceil(avg.Seconds()))
}
