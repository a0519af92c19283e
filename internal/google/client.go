package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/dukerupert/calsync/internal/reconcile"
)

const defaultPageSize = 250

// Client talks to the Google Calendar API with a caller-supplied access
// token per request.
type Client struct {
	endpoint string
	base     http.RoundTripper
	pageSize int64
}

type Option func(*Client)

// WithEndpoint overrides the API base URL.
func WithEndpoint(url string) Option { return func(c *Client) { c.endpoint = url } }

// WithTransport sets the transport under the bearer-token layer.
func WithTransport(rt http.RoundTripper) Option { return func(c *Client) { c.base = rt } }

func WithPageSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{base: http.DefaultTransport, pageSize: defaultPageSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) service(ctx context.Context, accessToken string) (*calendar.Service, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.base,
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}

// ListEvents fetches one page of the calendar's events. Deleted events are
// included so incremental syncs see cancellations.
func (c *Client) ListEvents(ctx context.Context, accessToken string, req reconcile.ListRequest) (*reconcile.Page, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(req.CalendarID).
		ShowDeleted(true).
		SingleEvents(false).
		MaxResults(c.pageSize).
		Context(ctx)
	if req.SyncToken != "" {
		call = call.SyncToken(req.SyncToken)
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify("list events", err)
	}

	page := &reconcile.Page{
		Items:         make([]reconcile.RawEvent, 0, len(resp.Items)),
		NextPageToken: resp.NextPageToken,
		NextSyncToken: resp.NextSyncToken,
	}
	for _, item := range resp.Items {
		page.Items = append(page.Items, toRaw(item))
	}
	return page, nil
}

// Channel is a push notification channel registered with the provider.
type Channel struct {
	ID         string
	ResourceID string
	Token      string
	ExpiresAt  *time.Time
}

// Watch registers a web_hook channel for the calendar's events.
func (c *Client) Watch(ctx context.Context, accessToken, calendarID, channelID, address, channelToken string) (*Channel, error) {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Events.Watch(calendarID, &calendar.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: address,
		Token:   channelToken,
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("watch events", err)
	}

	ch := &Channel{ID: resp.Id, ResourceID: resp.ResourceId, Token: channelToken}
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration).UTC()
		ch.ExpiresAt = &exp
	}
	return ch, nil
}

// Stop tears down a push channel. A channel the provider no longer knows
// about counts as stopped.
func (c *Client) Stop(ctx context.Context, accessToken, channelID, resourceID string) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return classify("stop channel", err)
	}
	return nil
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%s: %w: %v", op, reconcile.ErrUnauthorized, err)
		case http.StatusGone:
			return fmt.Errorf("%s: %w: %v", op, reconcile.ErrCursorGone, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toRaw(item *calendar.Event) reconcile.RawEvent {
	return reconcile.RawEvent{
		ID:          item.Id,
		Status:      item.Status,
		Summary:     item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       toTime(item.Start),
		End:         toTime(item.End),
		Recurrence:  item.Recurrence,
	}
}

func toTime(t *calendar.EventDateTime) *reconcile.EventTime {
	if t == nil {
		return nil
	}
	return &reconcile.EventTime{DateTime: t.DateTime, Date: t.Date, TimeZone: t.TimeZone}
}
