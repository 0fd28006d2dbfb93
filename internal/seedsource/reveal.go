package seedsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrCommitmentMismatch is returned when a revealed seed does not hash to its commitment.
var ErrCommitmentMismatch = errors.New("revealed seed does not match commitment")

// RevealOptions parameterise the reveal fetcher.
type RevealOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// RevealFetcher looks up server seeds revealed after rotation. The reference
// is the hex SHA-256 commitment published before play.
type RevealFetcher struct {
	opts    RevealOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewRevealFetcher constructs a fetcher.
func NewRevealFetcher(opts RevealOptions, logger zerolog.Logger) *RevealFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RevealFetcher{
		opts:    opts,
		logger:  logger.With().Str("component", "reveal_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

type revealResponse struct {
	ServerSeed       string `json:"serverSeed"`
	HashedServerSeed string `json:"hashedServerSeed"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CommittedSeed fetches the seed revealed for commitment and checks it.
func (f *RevealFetcher) CommittedSeed(ctx context.Context, commitment string) (string, error) {
	if f.baseURL == "" {
		return "", errors.New("reveal base url not configured")
	}
	commitment = strings.ToLower(strings.TrimSpace(commitment))
	if commitment == "" {
		return "", errors.New("commitment required")
	}

	endpoint := f.baseURL + "/reveals/" + url.PathEscape(commitment)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fairwatch/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseHTTPError(resp.StatusCode, body)
	}

	var out revealResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode reveal: %w", err)
	}
	if out.ServerSeed == "" {
		return "", errors.New("reveal carried no server seed")
	}

	sum := sha256.Sum256([]byte(out.ServerSeed))
	if hex.EncodeToString(sum[:]) != commitment {
		f.logger.Warn().Str("commitment", commitment).Msg("revealed seed does not hash to its commitment")
		return "", ErrCommitmentMismatch
	}
	return out.ServerSeed, nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("reveal api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("reveal api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("reveal api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("reveal api error (%d)", status)
}

var _ Source = (*RevealFetcher)(nil)
