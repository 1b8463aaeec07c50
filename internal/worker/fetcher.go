package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"

	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
)

const (
	fetchUserAgent = "lifestream-fetcher/1.0"

	defaultBodyCap = 4 << 20

	// defaultTextCap bounds extracted text so content.fetched and the
	// enrich command it feeds stay well under the bus message cap.
	defaultTextCap = 200_000
)

// FetcherOptions configures a Fetcher. Zero values fall back to defaults.
type FetcherOptions struct {
	// Client is the HTTP client used for fetches. Redirect following is the
	// client's default behavior.
	Client *http.Client

	// HostInterval is the minimum spacing between requests to one hostname.
	HostInterval time.Duration

	// BodyCap bounds how many response bytes are read.
	BodyCap int64

	// TextCap bounds the extracted text length in runes.
	TextCap int
}

// Fetcher downloads a link and extracts its readable content.
//
// Not every fetch outcome is a failure: an unreachable page (4xx other than
// 429) or a page with nothing readable completes with a fetch_error recorded
// in content.fetched, and the pipeline stops there for that subject. Only
// outcomes worth another attempt, transport errors, timeouts, 5xx and 429,
// are reported as failures.
type Fetcher struct {
	client  *http.Client
	hosts   *HostLimiter
	bodyCap int64
	textCap int
	logger  *slog.Logger
}

// NewFetcher creates the fetch stage handler. The fetcher owns its host
// limiter; call Close when done with it.
func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	bodyCap := opts.BodyCap
	if bodyCap <= 0 {
		bodyCap = defaultBodyCap
	}

	textCap := opts.TextCap
	if textCap <= 0 {
		textCap = defaultTextCap
	}

	return &Fetcher{
		client:  client,
		hosts:   NewHostLimiter(opts.HostInterval),
		bodyCap: bodyCap,
		textCap: textCap,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Close stops the host limiter's cleanup goroutine.
func (f *Fetcher) Close() {
	f.hosts.Close()
}

// Handle fetches the command's URL and returns a ContentFetched payload.
func (f *Fetcher) Handle(ctx context.Context, work event.WorkCommand) (any, error) {
	payload, err := event.DecodeFetchPayload(work)
	if err != nil {
		return nil, err
	}

	if payload.URL == "" {
		return nil, errors.New("fetch payload has no url")
	}

	parsed, err := url.Parse(payload.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", payload.URL, err)
	}

	if err := f.hosts.Wait(ctx, parsed.Hostname()); err != nil {
		return nil, fmt.Errorf("host pacing wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, payload.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", payload.URL, err)
	}

	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		// Transport errors and timeouts are worth another attempt.
		return nil, fmt.Errorf("fetch %s: %w", payload.URL, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	finalURL := resp.Request.URL.String()

	if retryableStatus(resp.StatusCode) {
		return nil, fmt.Errorf("fetch %s: HTTP %s", payload.URL, resp.Status)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		f.logger.Info("fetch ended without content",
			slog.String("subject_id", work.SubjectID),
			slog.String("url", payload.URL),
			slog.String("status", resp.Status),
		)

		return event.ContentFetched{FinalURL: finalURL, FetchError: "HTTP " + resp.Status}, nil
	}

	return f.extract(resp, finalURL), nil
}

// extract runs readability over the response body. Extraction problems are
// partial successes: the response was valid, the page just is not an
// article.
func (f *Fetcher) extract(resp *http.Response, finalURL string) event.ContentFetched {
	body := io.LimitReader(resp.Body, f.bodyCap)

	article, err := readability.FromReader(body, resp.Request.URL)
	if err != nil {
		return event.ContentFetched{
			FinalURL:   finalURL,
			FetchError: fmt.Sprintf("extraction failed: %v", err),
		}
	}

	title := strings.TrimSpace(article.Title)

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return event.ContentFetched{
			FinalURL:   finalURL,
			Title:      title,
			FetchError: "no readable text extracted",
		}
	}

	return event.ContentFetched{
		FinalURL:    finalURL,
		Title:       title,
		TextContent: truncateRunes(text, f.textCap),
	}
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// truncateRunes clamps s to max runes without splitting a character.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)

	return string(runes[:max])
}

// FetchStage binds a fetcher into the shared runner.
func FetchStage(f *Fetcher, timeout time.Duration) Stage {
	return Stage{
		WorkType:   event.WorkFetchLink,
		Agent:      AgentFetcher,
		Completion: event.TypeContentFetched,
		Timeout:    timeout,
		Handler:    f,
	}
}
