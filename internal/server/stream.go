package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"flowline/internal/feed"
)

// registerStream exposes the change feed over server-sent events. Each
// connection gets its own subscription; the shared poll loop lives in the
// distributor, not here.
func registerStream(api huma.API, d *feed.Distributor, heartbeat time.Duration) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events/stream",
		Summary:     "Stream pipeline changes",
	}, map[string]any{
		feed.TypeItemAdded:           feed.ItemAdded{},
		feed.TypeItemMoved:           feed.ItemMoved{},
		feed.TypeItemUpdated:         feed.ItemUpdated{},
		feed.TypeItemDeleted:         feed.ItemDeleted{},
		feed.TypeLogEntryAdded:       feed.LogEntryAdded{},
		feed.TypeMissionPhaseChanged: feed.MissionPhaseChanged{},
		feed.TypeHeartbeat:           feed.Heartbeat{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sub := d.Subscribe()
		defer sub.Close()
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := send.Data(ev.Payload); err != nil {
					return
				}
			case t := <-ticker.C:
				if err := send.Data(feed.Heartbeat{TS: t.UTC().Format(time.RFC3339)}); err != nil {
					return
				}
			}
		}
	})
}
