package youtubeapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"

	"github.com/onnwee/livebell/live"
)

const defaultSiteBase = "https://www.youtube.com"

// Prober checks whether a channel is broadcasting by loading its /live page.
// A live channel's /live page canonicalizes to the broadcast's watch URL and
// carries isLiveBroadcast metadata without an endDate.
type Prober struct {
	HTTPClient *http.Client
	BaseURL    string // defaults to https://www.youtube.com
	Attempts   uint   // per-probe attempts, default 3
	Delay      time.Duration
}

func (p *Prober) base() string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	return defaultSiteBase
}

// Probe returns the broadcast when ch is live. Transient failures are retried
// with backoff; a final failure is returned so callers never read a failed
// probe as offline.
func (p *Prober) Probe(ctx context.Context, ch Channel) (live.YouTubeBroadcast, bool, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := p.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	var (
		b      live.YouTubeBroadcast
		isLive bool
	)
	err := retry.Do(
		func() error {
			var err error
			b, isLive, err = p.probeOnce(ctx, ch)
			return err
		},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			slog.Debug("retrying youtube live probe", slog.String("component", "youtube_probe"),
				slog.String("channel", ch.ID), slog.Uint64("attempt", uint64(n)), slog.Any("err", err))
		}),
		retry.RetryIf(func(err error) bool {
			return live.Classify(err) != live.ErrorClassFatal
		}),
	)
	if err != nil {
		return live.YouTubeBroadcast{}, false, fmt.Errorf("probe %s: %w", ch.ID, err)
	}
	return b, isLive, nil
}

func (p *Prober) probeOnce(ctx context.Context, ch Channel) (live.YouTubeBroadcast, bool, error) {
	u := p.base() + "/channel/" + url.PathEscape(ch.ID) + "/live"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return live.YouTubeBroadcast{}, false, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Skip the EU consent interstitial.
	req.AddCookie(&http.Cookie{Name: "CONSENT", Value: "YES+1"})
	hc := p.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return live.YouTubeBroadcast{}, false, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return live.YouTubeBroadcast{}, false, nil
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return live.YouTubeBroadcast{}, false, live.NewStatusError(resp, b, time.Now())
	}
	b, isLive, err := parseLivePage(resp.Body, ch)
	if err != nil {
		return live.YouTubeBroadcast{}, false, retry.Unrecoverable(&live.ProtocolError{Platform: live.YouTube, Msg: "parse live page", Err: err})
	}
	return b, isLive, nil
}

// parseLivePage extracts the broadcast from a /live page.
func parseLivePage(r io.Reader, ch Channel) (live.YouTubeBroadcast, bool, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return live.YouTubeBroadcast{}, false, err
	}
	canonical, _ := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	videoID := watchID(canonical)
	if videoID == "" {
		return live.YouTubeBroadcast{}, false, nil
	}
	isLive := strings.EqualFold(metaItemprop(doc, "isLiveBroadcast"), "true")
	if !isLive || metaItemprop(doc, "endDate") != "" {
		return live.YouTubeBroadcast{}, false, nil
	}
	started := time.Now().UTC()
	if s := metaItemprop(doc, "startDate"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			if t.After(time.Now().Add(time.Minute)) {
				// Scheduled premiere: the page is live-flagged but not started.
				return live.YouTubeBroadcast{}, false, nil
			}
			started = t.UTC()
		}
	}
	title := metaProperty(doc, "og:title")
	if title == "" {
		title = metaItemprop(doc, "name")
	}
	return live.YouTubeBroadcast{
		ChannelID:    ch.ID,
		ChannelTitle: ch.Title,
		VideoID:      videoID,
		Title:        title,
		ThumbnailURL: metaProperty(doc, "og:image"),
		StartedAt:    started,
		Category:     metaItemprop(doc, "genre"),
	}, true, nil
}

func metaItemprop(doc *goquery.Document, prop string) string {
	v, _ := doc.Find(`meta[itemprop="` + prop + `"]`).First().Attr("content")
	return strings.TrimSpace(v)
}

func metaProperty(doc *goquery.Document, prop string) string {
	v, _ := doc.Find(`meta[property="` + prop + `"]`).First().Attr("content")
	return strings.TrimSpace(v)
}

// watchID returns the v= parameter of a watch URL, or "".
func watchID(href string) string {
	u, err := url.Parse(href)
	if err != nil || !strings.HasSuffix(u.Path, "/watch") {
		return ""
	}
	return u.Query().Get("v")
}
