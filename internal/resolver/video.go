package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Error-code22/Spotilark-sub001/internal/logging"
	"github.com/Error-code22/Spotilark-sub001/internal/metrics"
)

// VideoResolver extracts a playable audio URL for a video identifier by
// asking candidate extraction endpoints in a fixed priority order. The first
// candidate that yields an audio stream wins; one pass, no retries across
// candidates. Extracted URLs are signed and expire within minutes, so
// results are never memoized.
type VideoResolver struct {
	endpoints []string
	http      *http.Client
}

// NewVideoResolver creates a video-audio resolver over candidate extraction
// endpoints (Piped-compatible /streams API).
func NewVideoResolver(endpoints []string, httpClient *http.Client) *VideoResolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &VideoResolver{endpoints: endpoints, http: httpClient}
}

func (r *VideoResolver) Kind() Kind { return KindVideo }

// streamsResponse is the subset of the extractor payload we read.
type streamsResponse struct {
	AudioStreams []audioStream `json:"audioStreams"`
}

type audioStream struct {
	URL      string `json:"url"`
	Bitrate  int    `json:"bitrate"`
	MimeType string `json:"mimeType"`
}

// Resolve tries each candidate endpoint in order and returns the first
// playable audio URL. Quality "high" (the default) picks the highest
// bitrate, anything else the lowest.
func (r *VideoResolver) Resolve(ctx context.Context, ref FileRef) (*Resolved, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("video id is empty")
	}

	quality := ref.Quality
	if quality == "" {
		quality = "high"
	}

	start := time.Now()
	var failures []string
	for _, endpoint := range r.endpoints {
		url, err := r.extract(ctx, endpoint, ref.ID, quality)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", endpoint, err))
			continue
		}
		metrics.RecordResolve(string(KindVideo), time.Since(start), true)
		logging.Debug("video audio extracted",
			zap.String("video_id", ref.ID),
			zap.String("endpoint", endpoint),
			zap.String("quality", quality))
		return &Resolved{URL: url, TTL: 0}, nil
	}

	metrics.RecordResolve(string(KindVideo), time.Since(start), false)
	if len(failures) == 0 {
		return nil, fmt.Errorf("no extraction endpoints configured: %w", ErrNoPlayableSource)
	}
	return nil, fmt.Errorf("%s: %w", strings.Join(failures, "; "), ErrNoPlayableSource)
}

func (r *VideoResolver) extract(ctx context.Context, endpoint, videoID, quality string) (string, error) {
	u := fmt.Sprintf("%s/streams/%s", strings.TrimRight(endpoint, "/"), url.PathEscape(videoID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch streams: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &UpstreamError{Backend: KindVideo, Status: resp.StatusCode}
	}

	var streams streamsResponse
	if err := json.NewDecoder(resp.Body).Decode(&streams); err != nil {
		return "", fmt.Errorf("decode streams: %w", err)
	}

	best := pickAudioStream(streams.AudioStreams, quality)
	if best == nil {
		return "", fmt.Errorf("no audio streams in response")
	}
	return best.URL, nil
}

// pickAudioStream selects by bitrate: highest for "high", lowest otherwise.
func pickAudioStream(streams []audioStream, quality string) *audioStream {
	var best *audioStream
	for i := range streams {
		s := &streams[i]
		if s.URL == "" {
			continue
		}
		if best == nil {
			best = s
			continue
		}
		if quality == "high" {
			if s.Bitrate > best.Bitrate {
				best = s
			}
		} else if s.Bitrate < best.Bitrate {
			best = s
		}
	}
	return best
}
