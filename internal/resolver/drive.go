package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/Error-code22/Spotilark-sub001/internal/credentials"
	"github.com/Error-code22/Spotilark-sub001/internal/memo"
	"github.com/Error-code22/Spotilark-sub001/internal/metrics"
)

// GoogleTokenURL is the token endpoint Drive refresh tokens are exchanged
// against. Overridable through the oauth2 config for tests.
const GoogleTokenURL = "https://oauth2.googleapis.com/token"

// DefaultDriveAPIBase is the Drive v3 media endpoint base.
const DefaultDriveAPIBase = "https://www.googleapis.com/drive/v3"

// DefaultTokenTTL keeps cached access tokens comfortably inside Google's
// one-hour token lifetime.
const DefaultTokenTTL = 45 * time.Minute

// CredentialSource yields stored refresh credentials.
// *credentials.Store satisfies it; tests supply fakes.
type CredentialSource interface {
	Get(ctx context.Context, userID int, service string) (*credentials.Credential, error)
}

// DriveResolver resolves cloud-drive file identifiers into authenticated
// alt=media URLs. Resolution and fetch are collapsed in the sense that no
// second round trip happens per request: the access token is exchanged once
// and cached in its own short-TTL memo, and the returned URL is fetched
// directly with a bearer header.
type DriveResolver struct {
	creds    CredentialSource
	oauth    *oauth2.Config
	tokens   *memo.Memo
	tokenTTL time.Duration
	apiBase  string
}

// NewDriveResolver creates a drive resolver. The oauth config carries the
// client id/secret and token endpoint; tokens is the access-token sub-cache.
func NewDriveResolver(creds CredentialSource, oauth *oauth2.Config, tokens *memo.Memo, tokenTTL time.Duration) *DriveResolver {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &DriveResolver{
		creds:    creds,
		oauth:    oauth,
		tokens:   tokens,
		tokenTTL: tokenTTL,
		apiBase:  DefaultDriveAPIBase,
	}
}

// SetAPIBase overrides the Drive API base URL. Tests point it at a fake.
func (r *DriveResolver) SetAPIBase(base string) { r.apiBase = base }

func (r *DriveResolver) Kind() Kind { return KindDrive }

// Resolve exchanges the caller's stored refresh credential for an access
// token and returns the media download URL with a bearer header. The result
// is never memoized in the path memo (TTL 0); only the token sub-cache
// persists across requests.
func (r *DriveResolver) Resolve(ctx context.Context, ref FileRef) (*Resolved, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("drive file id is empty")
	}

	tokenKey := fmt.Sprintf("drive-token:%d:%s", ref.UserID, ref.Service)
	token, err := r.tokens.Resolve(ctx, tokenKey, r.tokenTTL, func(ctx context.Context) (string, error) {
		start := time.Now()
		tok, err := r.exchange(ctx, ref.UserID, ref.Service)
		metrics.RecordResolve(string(KindDrive), time.Since(start), err == nil)
		return tok, err
	})
	if err != nil {
		return nil, err
	}

	return &Resolved{
		URL:     fmt.Sprintf("%s/files/%s?alt=media", r.apiBase, url.PathEscape(ref.ID)),
		Headers: map[string]string{"Authorization": "Bearer " + token},
		TTL:     0,
	}, nil
}

func (r *DriveResolver) exchange(ctx context.Context, userID int, service string) (string, error) {
	cred, err := r.creds.Get(ctx, userID, service)
	if errors.Is(err, credentials.ErrNoCredential) {
		return "", fmt.Errorf("%s for user %d: %w", service, userID, ErrNotConnected)
	}
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}

	ts := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return "", fmt.Errorf("token exchange rejected (%d): %w", re.Response.StatusCode, ErrCredentialExpired)
		}
		return "", fmt.Errorf("token exchange: %w", err)
	}
	return tok.AccessToken, nil
}
