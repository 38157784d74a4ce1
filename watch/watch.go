// Package watch is an observer client for the notification push stream. It
// reconnects with exponential backoff and, on every connect, fetches the
// retained log so notifications published while disconnected are not lost.
package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/livebell/live"
	"github.com/onnwee/livebell/notify"
)

const (
	seenCapacity = 1000
	catchUpLimit = 500
	// catch-up overlaps the last delivered timestamp; duplicates are dropped by id
	catchUpOverlap = time.Second
	// three missed server heartbeats at the default 15s interval
	defaultIdleTimeout = 45 * time.Second
)

var errIdle = errors.New("no frame or heartbeat within idle timeout")

// Handler receives each notification once, in arrival order.
type Handler func(n notify.Notification)

// Client follows one server's notification stream.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// Since bounds the first catch-up fetch; zero asks for everything retained.
	Since time.Time
	// InitialBackoff and MaxBackoff shape reconnect delays.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// IdleTimeout ends a session that receives nothing, heartbeats included,
	// for this long. Set it to two or three server heartbeat intervals; zero
	// disables the check.
	IdleTimeout time.Duration

	seen *seenSet
	last time.Time
	hint time.Duration // server's retry hint
}

// New returns a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HTTPClient:     &http.Client{},
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		IdleTimeout:    defaultIdleTimeout,
	}
}

// Run delivers notifications to h until ctx ends or the server rejects the
// client with a non-retryable status.
func (c *Client) Run(ctx context.Context, h Handler) error {
	if c.seen == nil {
		c.seen = newSeenSet(seenCapacity)
	}
	if c.last.IsZero() {
		c.last = c.Since
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialBackoff
	b.MaxInterval = c.MaxBackoff
	b.Reset()

	logger := slog.Default().With(slog.String("component", "watch"))
	for {
		connected, err := c.session(ctx, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if live.Classify(err) == live.ErrorClassFatal {
			return err
		}
		if connected {
			if c.hint > 0 {
				b.InitialInterval = c.hint
			}
			b.Reset()
		}
		wait := b.NextBackOff()
		logger.Info("stream disconnected, reconnecting", slog.Any("err", err), slog.Duration("in", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session opens the stream, catches up from the log and then follows the
// stream until it ends. connected reports whether the stream was opened.
func (c *Client) session(ctx context.Context, h Handler) (connected bool, err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// A half-open connection never errors; the watchdog cuts it once the
	// server's heartbeats stop arriving.
	touch := func() {}
	if c.IdleTimeout > 0 {
		idle := time.AfterFunc(c.IdleTimeout, func() { cancel(errIdle) })
		defer idle.Stop()
		touch = func() { idle.Reset(c.IdleTimeout) }
	}
	streamErr := func(err error) error {
		if errors.Is(context.Cause(ctx), errIdle) {
			err = errIdle
		}
		return &live.TransportError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/notifications/stream", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, streamErr(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return false, live.NewStatusError(resp, body, time.Now())
	}

	events := newEventReader(resp.Body)
	events.touch = touch
	// The server subscribes before its first frame, so anything published
	// after that frame arrives on the stream and the catch-up covers the rest.
	ev, err := events.next()
	if err != nil {
		return false, streamErr(err)
	}
	if ev.retry > 0 {
		c.hint = ev.retry
	}
	if err := c.catchUp(ctx, h); err != nil {
		if errors.Is(context.Cause(ctx), errIdle) {
			return true, streamErr(err)
		}
		return true, err
	}
	touch()
	for {
		if ev.data != "" {
			var n notify.Notification
			if err := json.Unmarshal([]byte(ev.data), &n); err != nil {
				slog.Warn("skipping malformed event", slog.String("component", "watch"), slog.String("id", ev.id), slog.Any("err", err))
			} else {
				c.deliver(h, n)
			}
		}
		ev, err = events.next()
		if err != nil {
			return true, streamErr(err)
		}
	}
}

func (c *Client) catchUp(ctx context.Context, h Handler) error {
	q := url.Values{"limit": {strconv.Itoa(catchUpLimit)}}
	if !c.last.IsZero() {
		q.Set("since", c.last.Add(-catchUpOverlap).UTC().Format(time.RFC3339))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/notifications?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &live.TransportError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return live.NewStatusError(resp, body, time.Now())
	}
	var page struct {
		Notifications []notify.Notification `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decode notifications: %w", err)
	}
	// newest first on the wire
	for i := len(page.Notifications) - 1; i >= 0; i-- {
		c.deliver(h, page.Notifications[i])
	}
	return nil
}

func (c *Client) deliver(h Handler, n notify.Notification) {
	if !c.seen.add(n.ID) {
		return
	}
	if n.Timestamp.After(c.last) {
		c.last = n.Timestamp
	}
	h(n)
}

type event struct {
	id    string
	data  string
	retry time.Duration
}

type eventReader struct {
	sc *bufio.Scanner
	// touch is called for every line read, comments included.
	touch func()
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &eventReader{sc: sc, touch: func() {}}
}

// next returns the next dispatched event. Comment lines and unknown fields
// are skipped; an event with neither data nor retry is not dispatched.
func (er *eventReader) next() (event, error) {
	var (
		ev   event
		data []string
	)
	for er.sc.Scan() {
		er.touch()
		line := er.sc.Text()
		if line == "" {
			if len(data) > 0 || ev.retry > 0 {
				ev.data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id = value
		case "data":
			data = append(data, value)
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
				ev.retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
	if err := er.sc.Err(); err != nil {
		return event{}, err
	}
	return event{}, fmt.Errorf("stream closed: %w", io.EOF)
}

// seenSet remembers the most recent ids, evicting the oldest first.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	pos  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), ring: make([]string, capacity)}
}

// add reports false when id was already present.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.pos]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.pos] = id
	s.pos = (s.pos + 1) % len(s.ring)
	s.ids[id] = struct{}{}
	return true
}

