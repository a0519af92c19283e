package webhook

import (
	"net/http"
)

// Push notification headers.
const (
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderResourceID    = "X-Goog-Resource-ID"
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderChannelToken  = "X-Goog-Channel-Token"
	HeaderMessageNumber = "X-Goog-Message-Number"
)

// Handler acknowledges every delivery with 200 before any sync work starts;
// the response never reflects the outcome.
func Handler(d *Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := Notification{
			ChannelID:     r.Header.Get(HeaderChannelID),
			ResourceID:    r.Header.Get(HeaderResourceID),
			ResourceState: r.Header.Get(HeaderResourceState),
			Token:         r.Header.Get(HeaderChannelToken),
			MessageNumber: r.Header.Get(HeaderMessageNumber),
		}

		w.WriteHeader(http.StatusOK)

		if n.ChannelID == "" {
			d.logger.Warn("notification without channel id", "remote", r.RemoteAddr)
			return
		}
		d.Handle(n)
	}
}
