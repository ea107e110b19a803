package hub

import (
	"context"
	"log"

	"kioskqueue/pkg/interfaces"
	"kioskqueue/pkg/types"
)

// Notify publishes an invalidation event. Bus failures never fail the write that
// triggered them; subscribers catch up on their next fetch.
func Notify(ctx context.Context, bus interfaces.EventBus, table, op, id string) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, types.Event{Table: table, Op: op, ID: id}); err != nil {
		log.Printf("Warning: failed to publish event: table=%s op=%s id=%s err=%v", table, op, id, err)
	}
}
