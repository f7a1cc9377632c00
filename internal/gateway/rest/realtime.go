package rest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
)

// watchable lists the tables SubscribeTableChanges can follow.
var watchable = map[string]string{
	"routines":      "/rest/v1/routines",
	"task_logs":     "/rest/v1/task_logs",
	"daily_status":  "/rest/v1/daily_status",
	"notifications": "/rest/v1/notifications",
}

// SubscribeTableChanges follows a table by polling it. Every interval the
// filtered rows are fetched and compared with the previous response; a
// difference is reported as one ChangeEvent. The first fetch only records a
// baseline.
//
// The backend has no push channel, and the core treats realtime as an
// optional enhancement, so a poller gives the same contract with less
// machinery.
func (c *Client) SubscribeTableChanges(ctx context.Context, table string, filter gateway.Filter, handler func(gateway.ChangeEvent)) (func(), error) {
	path, ok := watchable[table]
	if !ok {
		return nil, apperror.ValidationFailed("table", fmt.Sprintf("table %q cannot be watched", table))
	}
	query := url.Values{}
	for k, v := range filter {
		query.Set(k, v)
	}

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() { once.Do(func() { close(stop) }) }

	c.wg.Add(1)
	go c.poll(ctx, table, path, query, handler, stop)

	return unsubscribe, nil
}

func (c *Client) poll(ctx context.Context, table, path string, query url.Values, handler func(gateway.ChangeEvent), stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var last []byte
	primed := false
	for {
		raw, err := c.roundTrip(ctx, http.MethodGet, path, query, nil)
		switch {
		case err != nil:
			// Keep the baseline; a transient failure is not a change.
			c.logger.Debug("realtime poll failed",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
		case !primed:
			last, primed = raw, true
		case !bytes.Equal(raw, last):
			last = raw
			handler(gateway.ChangeEvent{Table: table, At: time.Now()})
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
		}
	}
}
