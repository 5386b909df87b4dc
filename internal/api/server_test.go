package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/Error-code22/Spotilark-sub001/internal/auth"
	"github.com/Error-code22/Spotilark-sub001/internal/credentials"
	"github.com/Error-code22/Spotilark-sub001/internal/logging"
	"github.com/Error-code22/Spotilark-sub001/internal/memo"
	"github.com/Error-code22/Spotilark-sub001/internal/resolver"
)

const botToken = "123:abc"

var trackBytes = makeTrack(4096)

func makeTrack(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestMain(m *testing.M) {
	logging.InitDefault()
	os.Exit(m.Run())
}

// testEnv hosts a fake Telegram Bot API (getFile + file download with real
// range semantics), a fake extractor endpoint with its CDN, and the API
// server under test.
type testEnv struct {
	server       *httptest.Server
	auth         *auth.Auth
	getFileCalls int32
}

// emptyCredentials has nothing stored; every cloud lookup is not-connected.
type emptyCredentials struct{}

func (emptyCredentials) Get(ctx context.Context, userID int, service string) (*credentials.Credential, error) {
	return nil, credentials.ErrNoCredential
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}

	// Telegram fake: getFile, sendAudio and the file host on one listener.
	telegramMux := http.NewServeMux()
	telegramMux.HandleFunc("/bot"+botToken+"/getFile", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&env.getFileCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("file_id") {
		case "track-1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": true, "result": map[string]string{"file_path": "music/track-1.mp3"},
			})
		case "broken":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": true, "result": map[string]string{"file_path": "music/broken.mp3"},
			})
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ok": false, "error_code": 400, "description": "Bad Request: invalid file_id",
			})
		}
	})
	telegramMux.HandleFunc("/bot"+botToken+"/sendAudio", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		size, _ := io.Copy(io.Discard, file)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": true,
			"result": map[string]interface{}{
				"audio": map[string]interface{}{
					"file_id":        "uploaded-id",
					"file_unique_id": "uploaded-uid",
					"duration":       200,
					"file_size":      size,
					"file_name":      header.Filename,
				},
			},
		})
	})
	telegramMux.HandleFunc("/file/bot"+botToken+"/music/track-1.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		http.ServeContent(w, r, "", time.Unix(1700000000, 0), bytes.NewReader(trackBytes))
	})
	telegramMux.HandleFunc("/file/bot"+botToken+"/music/broken.mp3", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage backend unavailable", http.StatusInternalServerError)
	})
	telegramSrv := httptest.NewServer(telegramMux)
	t.Cleanup(telegramSrv.Close)

	// Extractor fake and its CDN.
	var cdnURL string
	sourceMux := http.NewServeMux()
	sourceMux.HandleFunc("/streams/vid1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"audioStreams": []map[string]interface{}{
				{"url": cdnURL + "/audio/vid1", "bitrate": 128000, "mimeType": "audio/webm"},
			},
		})
	})
	sourceMux.HandleFunc("/audio/vid1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/webm")
		http.ServeContent(w, r, "", time.Unix(1700000000, 0), bytes.NewReader(trackBytes))
	})
	sourceSrv := httptest.NewServer(sourceMux)
	t.Cleanup(sourceSrv.Close)
	cdnURL = sourceSrv.URL

	telegram := resolver.NewTelegramClient(telegramSrv.URL, botToken, "-100777", telegramSrv.Client())
	oauthCfg := &oauth2.Config{
		ClientID: "id", ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{TokenURL: "http://127.0.0.1:0/token"},
	}
	resolvers := []resolver.Resolver{
		resolver.NewRelayResolver(telegram, memo.New(), 30*time.Minute),
		resolver.NewVideoResolver([]string{sourceSrv.URL}, sourceSrv.Client()),
		resolver.NewDriveResolver(emptyCredentials{}, oauthCfg, memo.New(), time.Minute),
	}

	env.auth = auth.New("test-secret")
	srv := NewServer(resolvers, telegram, env.auth, nil)
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) get(t *testing.T, path string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestRelayStreamFull(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/relay?file_id=track-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := readBody(t, resp); !bytes.Equal(got, trackBytes) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(got), len(trackBytes))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("Content-Type = %q, want audio/mpeg", ct)
	}
	if ar := resp.Header.Get("Accept-Ranges"); ar != "bytes" {
		t.Fatalf("Accept-Ranges = %q, want bytes", ar)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if cl := resp.Header.Get("Content-Length"); cl != fmt.Sprint(len(trackBytes)) {
		t.Fatalf("Content-Length = %q, want %d", cl, len(trackBytes))
	}
	if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", ao)
	}
}

func TestRelayStreamRange(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/relay?file_id=track-1", map[string]string{"Range": "bytes=100-"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	wantRange := fmt.Sprintf("bytes 100-%d/%d", len(trackBytes)-1, len(trackBytes))
	if cr := resp.Header.Get("Content-Range"); cr != wantRange {
		t.Fatalf("Content-Range = %q, want %q", cr, wantRange)
	}
	if got := readBody(t, resp); !bytes.Equal(got, trackBytes[100:]) {
		t.Fatalf("range body mismatch: got %d bytes, want %d", len(got), len(trackBytes)-100)
	}
}

func TestRelayStreamBoundedRange(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/relay?file_id=track-1", map[string]string{"Range": "bytes=0-99"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	wantRange := fmt.Sprintf("bytes 0-99/%d", len(trackBytes))
	if cr := resp.Header.Get("Content-Range"); cr != wantRange {
		t.Fatalf("Content-Range = %q, want %q", cr, wantRange)
	}
	if got := readBody(t, resp); !bytes.Equal(got, trackBytes[:100]) {
		t.Fatal("range body mismatch")
	}
}

func TestRelayStreamMissingID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/relay", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRelayStreamMalformedID(t *testing.T) {
	env := newTestEnv(t)

	// A space is not part of any file id alphabet; a "&" or "=" could smuggle
	// extra query parameters into the authenticated bot-API call and resolve
	// a different file than the one the memo caches under.
	for _, raw := range []string{"a%20b", "track-1%26foo%3Dbar", "x%3Dy"} {
		resp := env.get(t, "/stream/relay?file_id="+raw, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("id %s: status = %d, want 400", raw, resp.StatusCode)
		}
	}
	if calls := atomic.LoadInt32(&env.getFileCalls); calls != 0 {
		t.Fatalf("getFile called %d times for malformed ids, want 0", calls)
	}
}

func TestVideoStreamMalformedID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/video?v=bad%20id", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCloudStreamMalformedID(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.auth.IssueToken(42, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	resp := env.get(t, "/cloud/google/stream/file%209",
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRelayStreamWithoutBotToken(t *testing.T) {
	telegram := resolver.NewTelegramClient("https://api.telegram.example", "", "", nil)
	srv := NewServer([]resolver.Resolver{
		resolver.NewRelayResolver(telegram, memo.New(), 30*time.Minute),
	}, telegram, auth.New("test-secret"), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/relay/proxy?fileId=track-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a bot token", resp.StatusCode)
	}
}

func TestRelayLegacyAlias(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/relay/proxy?fileId=track-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := readBody(t, resp); !bytes.Equal(got, trackBytes) {
		t.Fatal("legacy alias body mismatch")
	}
}

func TestRelayStreamNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/relay?file_id=unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRelayUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/relay?file_id=broken", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.Error, "500") {
		t.Fatalf("error detail %q should carry the upstream status", body.Error)
	}
}

func TestRelayResolutionMemoized(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		resp := env.get(t, "/stream/relay?file_id=track-1", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
		readBody(t, resp)
	}
	if calls := atomic.LoadInt32(&env.getFileCalls); calls != 1 {
		t.Fatalf("getFile called %d times for repeated streams, want 1", calls)
	}
}

func TestVideoStream(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/video?v=vid1&q=high", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := readBody(t, resp); !bytes.Equal(got, trackBytes) {
		t.Fatal("video body mismatch")
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=31536000, immutable" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/webm" {
		t.Fatalf("Content-Type = %q, want audio/webm", ct)
	}
}

func TestVideoStreamRange(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/video?v=vid1", map[string]string{"Range": "bytes=2048-"})
	if resp.StatusCode != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", resp.StatusCode)
	}
	if got := readBody(t, resp); !bytes.Equal(got, trackBytes[2048:]) {
		t.Fatal("video range body mismatch")
	}
}

func TestVideoStreamNoSource(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/video?v=missing", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body.Error, "no playable source") {
		t.Fatalf("error = %q, want no-playable-source", body.Error)
	}
}

func TestVideoStreamMissingID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/stream/video", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCloudStreamUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/cloud/google/stream/file-9", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestCloudStreamNotConnected(t *testing.T) {
	env := newTestEnv(t)

	token, err := env.auth.IssueToken(42, "tester", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	resp := env.get(t, "/cloud/google/stream/file-9",
		map[string]string{"Authorization": "Bearer " + token})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unconnected service", resp.StatusCode)
	}
}

func TestCloudStreamBadToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/cloud/google/stream/file-9",
		map[string]string{"Authorization": "Bearer not-a-jwt"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "song.mp3")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(trackBytes)
	mw.Close()

	resp, err := env.server.Client().Post(
		env.server.URL+"/storage/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var result resolver.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.FileID != "uploaded-id" {
		t.Fatalf("file_id = %q, want uploaded-id", result.FileID)
	}
	if result.Size != int64(len(trackBytes)) {
		t.Fatalf("size = %d, want %d", result.Size, len(trackBytes))
	}
	if result.Name != "song.mp3" {
		t.Fatalf("name = %q, want song.mp3", result.Name)
	}
}

func TestUploadMissingFile(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no file here")
	mw.Close()

	resp, err := env.server.Client().Post(
		env.server.URL+"/storage/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/stream/relay", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if ao := resp.Header.Get("Access-Control-Allow-Origin"); ao != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", ao)
	}
}
