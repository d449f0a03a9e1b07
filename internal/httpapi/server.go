package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vqvdb/internal/container"
	"vqvdb/internal/grid"
	"vqvdb/pkg/types"
)

const (
	contentTypeContainer = "application/vnd.vqvdb"
	contentTypeDump      = "application/msgpack"
)

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if len(corsAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	// Token streams are already compressed; only JSON is worth gzipping.
	r.Use(middleware.Compress(5, "application/json"))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/encode", encodeHandler(svc))
		r.Post("/decode", decodeHandler(svc))
		r.Post("/inspect", inspectHandler)
		r.Get("/backends", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, svc.Backends())
		})
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, svc.Status())
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// selectorFrom reads backend, model and batch_size from the query string.
func selectorFrom(r *http.Request) (Selector, error) {
	q := r.URL.Query()
	sel := Selector{Backend: q.Get("backend"), Model: q.Get("model")}
	if v := q.Get("batch_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return sel, errors.New("batch_size must be a positive integer")
		}
		sel.BatchSize = n
	}
	return sel, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err == nil {
		observeBody(routeLabel(r), "in", len(data))
	}
	return data, err
}

func encodeHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sel, err := selectorFrom(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error(), "")
			logCall(r, "encode", http.StatusBadRequest, start, err)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			logCall(r, "encode", writeError(w, err), start, err)
			return
		}
		g, err := grid.ReadDump(bytes.NewReader(body))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid grid dump: "+err.Error(), "")
			logCall(r, "encode", http.StatusBadRequest, start, err)
			return
		}
		logDebug(r).Str("backend", sel.Backend).Str("model", sel.Model).
			Int("active_voxels", g.ActiveCount()).Msg("encode start")

		ctx, cancel := requestContext(r)
		defer cancel()
		data, err := svc.Encode(ctx, g, sel)
		if err != nil {
			// Client went away or the server is shutting down.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			logCall(r, "encode", writeError(w, err), start, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeContainer)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		observeBody(routeLabel(r), "out", len(data))
		logCall(r, "encode", http.StatusOK, start, nil)
	}
}

func decodeHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sel, err := selectorFrom(r)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error(), "")
			logCall(r, "decode", http.StatusBadRequest, start, err)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			logCall(r, "decode", writeError(w, err), start, err)
			return
		}
		logDebug(r).Str("backend", sel.Backend).Str("model", sel.Model).
			Int("bytes", len(body)).Msg("decode start")

		ctx, cancel := requestContext(r)
		defer cancel()
		g, err := svc.Decode(ctx, body, sel)
		if err != nil {
			// Client went away or the server is shutting down.
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			logCall(r, "decode", writeError(w, err), start, err)
			return
		}
		var buf bytes.Buffer
		if err := grid.WriteDump(&buf, g); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode grid dump", "")
			logCall(r, "decode", http.StatusInternalServerError, start, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeDump)
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
		observeBody(routeLabel(r), "out", buf.Len())
		logCall(r, "decode", http.StatusOK, start, nil)
	}
}

// inspectHandler reports a container's header without a codec.
func inspectHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := readBody(w, r)
	if err != nil {
		logCall(r, "inspect", writeError(w, err), start, err)
		return
	}
	info, err := container.ReadHeader(body)
	if err != nil {
		logCall(r, "inspect", writeError(w, err), start, err)
		return
	}
	writeJSON(w, ContainerInfo(info))
	logCall(r, "inspect", http.StatusOK, start, nil)
}

// ContainerInfo converts parsed header statistics into the API payload.
func ContainerInfo(info *container.Info) types.ContainerInfo {
	out := types.ContainerInfo{
		Version:      int(info.Version),
		ModelID:      info.ModelID,
		PatchSize:    info.PatchSize,
		TokenLength:  info.TokenLength,
		AlphabetSize: info.AlphabetSize,
		Channels:     info.Channels,
		GridName:     info.Meta.Name,
		GridClass:    info.Meta.Class.String(),
		VoxelSize:    info.Meta.VoxelSize,
		Background:   info.Meta.Background,
		PatchCount:   info.PatchCount,
		Compression:  info.Compression.String(),
		TokenWidth:   info.TokenWidth,
		StoredBytes:  info.StoredBytes,
		RawBytes:     info.RawBytes,
		FileBytes:    info.FileBytes,
		Ratio:        info.Ratio(),
	}
	if info.Region != nil {
		out.ActiveVoxels = info.Region.ActiveVoxels()
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response", "")
	}
}
