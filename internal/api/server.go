// Package api provides the HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/Error-code22/Spotilark-sub001/internal/auth"
	"github.com/Error-code22/Spotilark-sub001/internal/logging"
	"github.com/Error-code22/Spotilark-sub001/internal/metrics"
	"github.com/Error-code22/Spotilark-sub001/internal/resolver"
)

const defaultContentType = "audio/mpeg"

// Package-level compiled regex for identifier validation. Relay file ids,
// drive file ids and video ids are all URL-safe base64 alphabets; anything
// else is a malformed input, never forwarded upstream.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Cache-Control per source class. Relay files can be re-uploaded under the
// same ID; resolved video URLs are immutable signed links.
const (
	relayCacheControl = "public, max-age=3600"
	videoCacheControl = "public, max-age=31536000, immutable"
	driveCacheControl = "private, max-age=3600"
)

// Server is the HTTP server.
type Server struct {
	resolvers map[resolver.Kind]resolver.Resolver
	telegram  *resolver.TelegramClient
	auth      *auth.Auth
	upstream  *http.Client
}

// NewServer creates a new server. The upstream client is used for all
// proxied fetches; nil selects a client with no overall timeout (streams
// can outlive any fixed deadline, cancellation comes from the request
// context).
func NewServer(resolvers []resolver.Resolver, telegram *resolver.TelegramClient, authHandler *auth.Auth, upstream *http.Client) *Server {
	if upstream == nil {
		upstream = &http.Client{}
	}
	byKind := make(map[resolver.Kind]resolver.Resolver, len(resolvers))
	for _, r := range resolvers {
		byKind[r.Kind()] = r
	}
	return &Server{
		resolvers: byKind,
		telegram:  telegram,
		auth:      authHandler,
		upstream:  upstream,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stream/relay", s.handleStreamRelay)
	mux.HandleFunc("GET /relay/proxy", s.handleStreamRelay) // legacy alias
	mux.HandleFunc("GET /stream/video", s.handleStreamVideo)
	mux.HandleFunc("POST /storage/upload", s.handleUpload)

	// Cloud drive endpoints require a bearer token
	protected := http.NewServeMux()
	protected.HandleFunc("GET /cloud/{service}/stream/{fileId}", s.handleCloudStream)
	mux.Handle("/cloud/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(corsMiddleware(mux)))
}

// corsMiddleware allows browser players on any origin and answers
// preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Range")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Stream routes ──────────────────────────────────────────────────────────

func (s *Server) handleStreamRelay(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("file_id")
	if fileID == "" {
		fileID = r.URL.Query().Get("fileId")
	}
	if fileID == "" {
		s.sendError(w, http.StatusBadRequest, "file_id required")
		return
	}
	if !idPattern.MatchString(fileID) {
		s.sendError(w, http.StatusBadRequest, "malformed file_id")
		return
	}
	if s.telegram == nil || !s.telegram.Configured() {
		s.sendError(w, http.StatusBadRequest, "relay bot token not configured")
		return
	}

	s.stream(w, r, resolver.FileRef{Kind: resolver.KindRelay, ID: fileID}, relayCacheControl)
}

func (s *Server) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	videoID := r.URL.Query().Get("v")
	if videoID == "" {
		s.sendError(w, http.StatusBadRequest, "v required")
		return
	}
	if !idPattern.MatchString(videoID) {
		s.sendError(w, http.StatusBadRequest, "malformed video id")
		return
	}

	ref := resolver.FileRef{
		Kind:    resolver.KindVideo,
		ID:      videoID,
		Quality: r.URL.Query().Get("q"),
	}
	s.stream(w, r, ref, videoCacheControl)
}

func (s *Server) handleCloudStream(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	fileID := r.PathValue("fileId")
	if fileID == "" {
		s.sendError(w, http.StatusBadRequest, "fileId required")
		return
	}
	if !idPattern.MatchString(fileID) {
		s.sendError(w, http.StatusBadRequest, "malformed fileId")
		return
	}

	claims := auth.GetClaims(r.Context())
	if claims == nil {
		s.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	ref := resolver.FileRef{
		Kind:    resolver.KindDrive,
		ID:      fileID,
		UserID:  claims.UserID,
		Service: service,
	}
	s.stream(w, r, ref, driveCacheControl)
}

// stream resolves a file reference and relays the upstream bytes to the
// client, mirroring the upstream 200/206 status.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, ref resolver.FileRef, cacheControl string) {
	backend := string(ref.Kind)

	res, err := s.resolve(r.Context(), ref)
	if err != nil {
		s.sendResolveError(w, backend, err)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, res.URL, nil)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "build upstream request: "+err.Error())
		return
	}
	// Forward the byte range verbatim; the upstream decides 200 vs 206.
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	for k, v := range res.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.upstream.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away before the upstream answered.
			return
		}
		metrics.RecordUpstreamFailure(backend)
		s.sendError(w, http.StatusInternalServerError, "upstream fetch failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		metrics.RecordUpstreamFailure(backend)
		logging.Warn("upstream returned unexpected status",
			zap.String("backend", backend),
			zap.Int("status", resp.StatusCode))
		s.sendError(w, http.StatusInternalServerError,
			fmt.Sprintf("upstream returned status %d", resp.StatusCode))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Cache-Control", cacheControl)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		w.Header().Set("Content-Range", cr)
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil && r.Context().Err() == nil {
		logging.Warn("stream interrupted",
			zap.String("backend", backend),
			zap.Int64("bytes", written),
			zap.Error(err))
	}
	metrics.RecordStream(backend, written, err == nil)
	logging.Debug("stream completed",
		zap.String("backend", backend),
		zap.String("id", ref.ID),
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes", written))
}

func (s *Server) resolve(ctx context.Context, ref resolver.FileRef) (*resolver.Resolved, error) {
	r, ok := s.resolvers[ref.Kind]
	if !ok {
		return nil, fmt.Errorf("backend %q not configured", ref.Kind)
	}
	return r.Resolve(ctx, ref)
}

// sendResolveError maps resolver errors to HTTP statuses: unknown or
// disconnected files are 404, expired credentials 401, everything else 500.
func (s *Server) sendResolveError(w http.ResponseWriter, backend string, err error) {
	switch {
	case errors.Is(err, resolver.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, resolver.ErrNotConnected):
		s.sendError(w, http.StatusNotFound, "service not connected")
	case errors.Is(err, resolver.ErrCredentialExpired):
		s.sendError(w, http.StatusUnauthorized, "credential expired, reconnect the service")
	case errors.Is(err, resolver.ErrNoPlayableSource):
		s.sendError(w, http.StatusInternalServerError, "no playable source found")
	default:
		logging.Error("resolution failed", zap.String("backend", backend), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "resolution failed")
	}
}

// ─── Upload ─────────────────────────────────────────────────────────────────

const maxUploadSize = 2 << 30 // Telegram bot uploads cap out at 2 GiB

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.telegram == nil || !s.telegram.Configured() {
		s.sendError(w, http.StatusInternalServerError, "relay credentials not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "multipart field \"file\" required")
		return
	}
	defer file.Close()

	start := time.Now()
	result, err := s.telegram.SendAudio(r.Context(), header.Filename, file)
	if err != nil {
		metrics.RecordUpload(0, false)
		logging.Error("relay upload failed",
			zap.String("name", header.Filename),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "upload failed: "+err.Error())
		return
	}

	metrics.RecordUpload(result.Size, true)
	logging.Info("relay upload complete",
		zap.String("name", result.Name),
		zap.String("file_id", result.FileID),
		zap.Int64("size", result.Size),
		zap.Duration("took", time.Since(start)))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// ─── Errors ─────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Error: message,
		Code:  code,
	})
}
