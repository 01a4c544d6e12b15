// Package proxy serves cached media to HTTP players. Incoming Range requests
// are translated into loading requests on the resource's coordinator, so a
// player sees one origin while the bytes come from the disk cache whenever
// they are present.
//
// Routes:
//
//	GET|HEAD /stream?url=<origin url>   ranged media access
//	POST     /preload?url=<origin url>  start a preload (when enabled)
//	GET      /health                    JSON status with a metrics snapshot
//	GET      /metrics                   Prometheus exposition
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/streamcache/pkg/fetch"
	"github.com/Sternrassler/streamcache/pkg/loader"
	"github.com/Sternrassler/streamcache/pkg/logging"
	"github.com/Sternrassler/streamcache/pkg/metrics"
	"github.com/Sternrassler/streamcache/pkg/preload"
)

// Server is the range proxy.
type Server struct {
	registry  *loader.Registry
	preloader *preload.Preloader
	logger    zerolog.Logger
	mux       *http.ServeMux
	started   time.Time
}

// New creates a proxy over registry. preloader may be nil, which disables
// the preload route.
func New(registry *loader.Registry, preloader *preload.Preloader) *Server {
	s := &Server{
		registry:  registry,
		preloader: preloader,
		logger:    logging.NewLogger(logging.ComponentProxy),
		mux:       http.NewServeMux(),
		started:   time.Now(),
	}

	s.mux.Handle("GET /stream", s.instrument("stream", s.handleStream))
	if preloader != nil {
		s.mux.Handle("POST /preload", s.instrument("preload", s.handlePreload))
	}
	s.mux.Handle("GET /health", s.instrument("health", s.handleHealth))
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	c, release, err := s.registry.Acquire(rawURL)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid url: %v", err), http.StatusBadRequest)
		return
	}
	defer release()

	ctx := r.Context()
	res, err := load(ctx, c, loader.ContentInfo())
	if err != nil {
		s.writeLoadError(w, c.URL(), err)
		return
	}
	info := res.Info
	length := info.ContentLength

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	if info.ContentType != "" {
		header.Set("Content-Type", info.ContentType)
	}

	rng := byteRange{Start: 0, End: length - 1}
	if length < 0 {
		rng.End = -1
	}
	partial := false
	if value := r.Header.Get("Range"); value != "" {
		rng, err = parseRange(value, length)
		if err != nil {
			if length >= 0 {
				header.Set("Content-Range", "bytes */"+strconv.FormatInt(length, 10))
			}
			http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
			return
		}
		partial = true
	}

	// Without a known length a ranged answer covers one loaded window.
	if partial && length < 0 {
		s.serveUnknownLength(w, r, c, rng.Start)
		return
	}

	status := http.StatusOK
	if partial {
		status = http.StatusPartialContent
		header.Set("Content-Range", contentRange(rng, length))
	}
	if rng.End >= 0 {
		header.Set("Content-Length", strconv.FormatInt(rng.End-rng.Start+1, 10))
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || length == 0 {
		return
	}

	written, err := copyRange(ctx, w, c, rng)
	ProxyBytesServed.Add(float64(written))
	if err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("url", c.URL()).Int64("offset", rng.Start+written).Msg("Stream interrupted")
	}
}

func (s *Server) serveUnknownLength(w http.ResponseWriter, r *http.Request, c *loader.Coordinator, start int64) {
	res, err := load(r.Context(), c, loader.Data(start, 0))
	var te *fetch.TransportError
	if errors.As(err, &te) && te.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// Only the origin knows where a resource of unknown length ends.
		http.Error(w, errUnsatisfiable.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if err != nil {
		s.writeLoadError(w, c.URL(), err)
		return
	}
	if len(res.Data) == 0 {
		http.Error(w, errUnsatisfiable.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	rng := byteRange{Start: start, End: start + int64(len(res.Data)) - 1}
	w.Header().Set("Content-Range", contentRange(rng, -1))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	n, _ := w.Write(res.Data)
	ProxyBytesServed.Add(float64(n))
}

// copyRange streams rng window by window. An open range ends at the first
// empty window.
func copyRange(ctx context.Context, w http.ResponseWriter, c *loader.Coordinator, rng byteRange) (int64, error) {
	flusher, _ := w.(http.Flusher)
	offset := rng.Start
	var written int64

	for rng.End < 0 || offset <= rng.End {
		length := int64(0)
		if rng.End >= 0 {
			length = rng.End - offset + 1
		}
		res, err := load(ctx, c, loader.Data(offset, length))
		if err != nil {
			return written, err
		}
		data := res.Data
		if len(data) == 0 {
			if rng.End >= 0 {
				return written, fmt.Errorf("resource ended at offset %d before %d", offset, rng.End)
			}
			return written, nil
		}
		if rng.End >= 0 && int64(len(data)) > rng.End-offset+1 {
			data = data[:rng.End-offset+1]
		}

		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flusher != nil {
			flusher.Flush()
		}
		offset += int64(n)
	}
	return written, nil
}

// load submits spec and waits for it. A request abandoned because ctx ended
// is cancelled on the coordinator.
func load(ctx context.Context, c *loader.Coordinator, spec loader.Spec) (loader.Result, error) {
	req := c.Submit(spec)
	res, err := req.Wait(ctx)
	if err != nil {
		c.Cancel(req)
		return loader.Result{}, err
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// writeLoadError maps a loading failure to a status. Origin client errors
// such as 404 pass through; anything else is a bad gateway.
func (s *Server) writeLoadError(w http.ResponseWriter, rawURL string, err error) {
	status := http.StatusBadGateway
	var te *fetch.TransportError
	switch {
	case errors.As(err, &te) && te.Class == fetch.ErrorClassClient && te.StatusCode != http.StatusRequestedRangeNotSatisfiable:
		status = te.StatusCode
	case errors.Is(err, context.Canceled), errors.Is(err, loader.ErrCancelled):
		// Client went away; nothing useful can be written.
		return
	case errors.Is(err, loader.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	s.logger.Warn().Err(err).Str("url", rawURL).Int("status", status).Msg("Loading request failed")
	http.Error(w, err.Error(), status)
}

// preloadResponse is the JSON body of the preload route.
type preloadResponse struct {
	URL    string `json:"url"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) handlePreload(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	t := s.preloader.Preload(rawURL)
	resp := preloadResponse{URL: t.URL(), State: string(t.State()), Reason: t.Reason()}
	status := http.StatusAccepted
	if err := t.Err(); err != nil {
		resp.Error = err.Error()
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// healthResponse is the JSON body of the health route.
type healthResponse struct {
	Status         string             `json:"status"`
	Uptime         string             `json:"uptime"`
	Coordinators   int                `json:"coordinators"`
	ActivePreloads int                `json:"active_preloads"`
	Metrics        map[string]float64 `json:"metrics,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:       "ok",
		Uptime:       time.Since(s.started).Round(time.Second).String(),
		Coordinators: s.registry.Len(),
	}
	if s.preloader != nil {
		resp.ActivePreloads = s.preloader.Active()
	}
	snapshot, err := metrics.Snapshot("streamcache_")
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to gather metrics snapshot")
	} else {
		resp.Metrics = snapshot
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument records the route outcome.
func (s *Server) instrument(route string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)

		ProxyRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Str("range", r.Header.Get("Range")).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
