package keeper

import (
	"context"
	"encoding/json"

	"golang.org/x/net/html"

	"github.com/hazyhaar/anchorkeep/bus"
	"github.com/hazyhaar/anchorkeep/mark"
)

// Attach keeps page in step with the bus until ctx is done: removals made
// elsewhere dissolve their markers, saves and refresh requests replay the
// stored anchors. Notifications for other pages are ignored. The returned
// channel is closed once the page is detached.
func (k *Keeper) Attach(ctx context.Context, page *Page) <-chan struct{} {
	msgs, cancel := k.bus.Subscribe(k.config.Bus.Buffer)
	done := make(chan struct{})
	pageID := page.ID()

	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				k.apply(ctx, page, pageID, m)
			}
		}
	}()
	return done
}

func (k *Keeper) apply(ctx context.Context, page *Page, pageID string, m bus.Message) {
	var ev Event
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			k.logger.WarnContext(ctx, "keeper: bad notification", "action", m.Action, "error", err)
			return
		}
	}
	if ev.PageID != "" && ev.PageID != pageID {
		return
	}

	switch m.Action {
	case bus.ActionAnchorRemoved:
		if ev.AnchorID == "" {
			return
		}
		page.Do(func(doc *html.Node) error {
			mark.Unwrap(doc, ev.AnchorID)
			return nil
		})
	case bus.ActionAnchorSaved, bus.ActionRefresh:
		if _, err := k.Restore(ctx, page); err != nil && ctx.Err() == nil {
			k.logger.WarnContext(ctx, "keeper: refresh failed", "page", pageID, "error", err)
		}
	}
}
