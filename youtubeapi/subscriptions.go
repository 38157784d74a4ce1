package youtubeapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/livebell/live"
)

const subscriptionsPageSize = 50

// Channel is a subscribed channel.
type Channel struct {
	ID        string
	Title     string
	Thumbnail string
}

// DataClient lists the authorized user's subscriptions.
type DataClient struct {
	HTTPClient *http.Client // base transport; the bearer token is added per call
	Endpoint   string       // optional API base override (tests)
}

// SubscriptionsPage returns one page of the user's subscriptions and the next
// page token, empty on the last page.
func (c *DataClient) SubscriptionsPage(ctx context.Context, token, pageToken string) ([]Channel, string, error) {
	base := c.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	opts := []option.ClientOption{option.WithHTTPClient(hc)}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	svc, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, "", err
	}
	call := svc.Subscriptions.List([]string{"snippet"}).Mine(true).MaxResults(subscriptionsPageSize).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, "", mapAPIError(err)
	}
	out := make([]Channel, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Snippet == nil || item.Snippet.ResourceId == nil || item.Snippet.ResourceId.ChannelId == "" {
			return nil, "", &live.ProtocolError{Platform: live.YouTube, Msg: "subscription without channel id"}
		}
		ch := Channel{ID: item.Snippet.ResourceId.ChannelId, Title: item.Snippet.Title}
		if th := item.Snippet.Thumbnails; th != nil {
			switch {
			case th.High != nil:
				ch.Thumbnail = th.High.Url
			case th.Default != nil:
				ch.Thumbnail = th.Default.Url
			}
		}
		out = append(out, ch)
	}
	return out, res.NextPageToken, nil
}

// mapAPIError turns googleapi errors into *live.StatusError. Quota and rate
// limit 403s are reported as 429 so the adapter backs off instead of failing.
func mapAPIError(err error) error {
	var ge *googleapi.Error
	if !errors.As(err, &ge) {
		return err
	}
	se := &live.StatusError{Code: ge.Code, Body: ge.Message}
	if ge.Header != nil {
		se.RetryAfter = live.ParseRetryAfter(ge.Header, time.Now())
	}
	if ge.Code == http.StatusForbidden {
		for _, item := range ge.Errors {
			switch item.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
				se.Code = http.StatusTooManyRequests
			}
		}
	}
	return se
}
