package keeper

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/anchorkeep/bus"
	"github.com/hazyhaar/anchorkeep/kit"
)

// RegisterBus registers the keeper's request handlers on b. New calls it on
// the keeper's own bus; call it again to serve another bus.
func (k *Keeper) RegisterBus(b *bus.Bus) {
	b.Handle(bus.ActionGetAnchors, busHandler[pageRequest](k.getAnchorsEndpoint()))
	b.Handle(bus.ActionSaveAnchor, busHandler[saveAnchorRequest](k.saveAnchorEndpoint()))
	b.Handle(bus.ActionRemoveAnchor, busHandler[anchorRequest](k.removeAnchorEndpoint()))
	b.Handle(bus.ActionUpdateAnchor, busHandler[updateRequest](k.updateAnchorEndpoint()))
	b.Handle(bus.ActionListPages, busHandler[listPagesRequest](k.listPagesEndpoint()))
}

// busHandler decodes the payload into a fresh T, runs ep and encodes its
// response.
func busHandler[T any](ep kit.Endpoint) bus.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var r T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &r); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
			}
		}
		resp, err := ep(kit.WithTransport(ctx, "bus"), &r)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}
