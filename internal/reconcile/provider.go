package reconcile

import "context"

// EventTime is one side of a provider event. Exactly one of DateTime
// (RFC 3339) or Date (YYYY-MM-DD, all-day) is normally set.
type EventTime struct {
	DateTime string
	Date     string
	TimeZone string
}

// RawEvent is a provider item before normalization.
type RawEvent struct {
	ID          string
	Status      string
	Summary     string
	Description string
	Location    string
	Start       *EventTime
	End         *EventTime
	Recurrence  []string
}

// StatusCancelled is the status of a deleted provider item.
const StatusCancelled = "cancelled"

// ListRequest asks for one page. An empty SyncToken means a full fetch.
type ListRequest struct {
	CalendarID string
	SyncToken  string
	PageToken  string
}

// Page is one provider response. NextSyncToken is normally only present on
// the last page.
type Page struct {
	Items         []RawEvent
	NextPageToken string
	NextSyncToken string
}

// Provider lists calendar events. Implementations return ErrUnauthorized
// for 401/403 and ErrCursorGone for 410, possibly wrapped.
type Provider interface {
	ListEvents(ctx context.Context, accessToken string, req ListRequest) (*Page, error)
}
