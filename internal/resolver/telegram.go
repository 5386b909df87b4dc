package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Error-code22/Spotilark-sub001/internal/logging"
	"github.com/Error-code22/Spotilark-sub001/internal/memo"
	"github.com/Error-code22/Spotilark-sub001/internal/metrics"
)

// RelayPathTTL is how long a resolved relay download URL stays usable.
// Telegram file paths are valid for at least an hour; 30 minutes leaves
// headroom for a full track to finish streaming.
const RelayPathTTL = 30 * time.Minute

// TelegramClient is a minimal Telegram Bot API binding for file storage.
// It is constructed once at startup and passed in; it holds no lazy state.
type TelegramClient struct {
	apiBase string
	token   string
	channel string
	http    *http.Client
}

// NewTelegramClient creates a client against apiBase (normally
// https://api.telegram.org, overridable for tests).
func NewTelegramClient(apiBase, token, channel string, httpClient *http.Client) *TelegramClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &TelegramClient{
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		channel: channel,
		http:    httpClient,
	}
}

// Configured reports whether a bot token is present.
func (c *TelegramClient) Configured() bool {
	return c.token != ""
}

// apiResponse is the Bot API envelope shared by every method.
type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type fileResult struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileSize     int64  `json:"file_size"`
	FilePath     string `json:"file_path"`
}

// GetFilePath calls getFile and returns the server-relative file path.
func (c *TelegramClient) GetFilePath(ctx context.Context, fileID string) (string, error) {
	u := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", c.apiBase, c.token, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build getFile request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call getFile: %w", err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return "", fmt.Errorf("decode getFile response: %w", err)
	}
	if !env.OK {
		return "", telegramError(env)
	}

	var f fileResult
	if err := json.Unmarshal(env.Result, &f); err != nil {
		return "", fmt.Errorf("decode getFile result: %w", err)
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("getFile returned empty file_path: %w", ErrNotFound)
	}
	return f.FilePath, nil
}

// FileURL composes the direct download URL for a file path from GetFilePath.
func (c *TelegramClient) FileURL(filePath string) string {
	return fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, filePath)
}

// UploadResult describes a file stored in the relay channel.
type UploadResult struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Duration     int    `json:"duration"`
	Size         int64  `json:"size"`
	Name         string `json:"name"`
}

// sendAudioResult is the message returned by sendAudio. Telegram stores
// non-audio payloads as documents, so both shapes are accepted.
type sendAudioResult struct {
	Audio *struct {
		FileID       string `json:"file_id"`
		FileUniqueID string `json:"file_unique_id"`
		Duration     int    `json:"duration"`
		FileSize     int64  `json:"file_size"`
		FileName     string `json:"file_name"`
	} `json:"audio"`
	Document *struct {
		FileID       string `json:"file_id"`
		FileUniqueID string `json:"file_unique_id"`
		FileSize     int64  `json:"file_size"`
		FileName     string `json:"file_name"`
	} `json:"document"`
}

// SendAudio uploads an audio file to the configured relay channel.
// Content is streamed through a pipe, never buffered whole.
func (c *TelegramClient) SendAudio(ctx context.Context, name string, content io.Reader) (*UploadResult, error) {
	if c.channel == "" {
		return nil, fmt.Errorf("relay channel not configured")
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()

		if err = mw.WriteField("chat_id", c.channel); err != nil {
			return
		}
		var part io.Writer
		if part, err = mw.CreateFormFile("audio", name); err != nil {
			return
		}
		if _, err = io.Copy(part, content); err != nil {
			return
		}
		err = mw.Close()
	}()

	u := fmt.Sprintf("%s/bot%s/sendAudio", c.apiBase, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, pr)
	if err != nil {
		return nil, fmt.Errorf("build sendAudio request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call sendAudio: %w", err)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode sendAudio response: %w", err)
	}
	if !env.OK {
		return nil, telegramError(env)
	}

	var msg sendAudioResult
	if err := json.Unmarshal(env.Result, &msg); err != nil {
		return nil, fmt.Errorf("decode sendAudio result: %w", err)
	}

	switch {
	case msg.Audio != nil:
		return &UploadResult{
			FileID:       msg.Audio.FileID,
			FileUniqueID: msg.Audio.FileUniqueID,
			Duration:     msg.Audio.Duration,
			Size:         msg.Audio.FileSize,
			Name:         nameOr(msg.Audio.FileName, name),
		}, nil
	case msg.Document != nil:
		return &UploadResult{
			FileID:       msg.Document.FileID,
			FileUniqueID: msg.Document.FileUniqueID,
			Size:         msg.Document.FileSize,
			Name:         nameOr(msg.Document.FileName, name),
		}, nil
	default:
		return nil, fmt.Errorf("sendAudio result carried no audio or document")
	}
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// telegramError maps a Bot API failure envelope to a typed error. A 400 that
// complains about the file id means the identifier is stale or invalid; the
// rest surfaces as an upstream failure.
func telegramError(env apiResponse) error {
	desc := strings.ToLower(env.Description)
	if env.ErrorCode == 400 && (strings.Contains(desc, "file") || strings.Contains(desc, "not found")) {
		return fmt.Errorf("%s: %w", env.Description, ErrNotFound)
	}
	return &UpstreamError{Backend: KindRelay, Status: env.ErrorCode, Detail: env.Description}
}

// RelayResolver resolves relay-store file identifiers through the Telegram
// Bot API, memoizing resolved paths so a player issuing dozens of range
// reads for one track triggers exactly one getFile call.
type RelayResolver struct {
	client *TelegramClient
	memo   *memo.Memo
	ttl    time.Duration
}

// NewRelayResolver creates a relay resolver backed by client and paths memo.
func NewRelayResolver(client *TelegramClient, paths *memo.Memo, ttl time.Duration) *RelayResolver {
	if ttl <= 0 {
		ttl = RelayPathTTL
	}
	return &RelayResolver{client: client, memo: paths, ttl: ttl}
}

func (r *RelayResolver) Kind() Kind { return KindRelay }

// Resolve returns a direct download URL for the relay file identifier.
func (r *RelayResolver) Resolve(ctx context.Context, ref FileRef) (*Resolved, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("relay file id is empty")
	}

	key := "relay:" + ref.ID
	url, err := r.memo.Resolve(ctx, key, r.ttl, func(ctx context.Context) (string, error) {
		start := time.Now()
		path, err := r.client.GetFilePath(ctx, ref.ID)
		metrics.RecordResolve(string(KindRelay), time.Since(start), err == nil)
		if err != nil {
			return "", err
		}
		logging.Debug("relay path resolved",
			zap.String("file_id", ref.ID),
			zap.Duration("took", time.Since(start)))
		return r.client.FileURL(path), nil
	})
	if err != nil {
		return nil, err
	}

	return &Resolved{URL: url, TTL: r.ttl}, nil
}
