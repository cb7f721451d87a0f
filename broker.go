package xmod

import (
	"context"
)

// MessageBroker is how a handler emits messages for other modules. Messages go to the
// module's outbox when one is registered and enabled; otherwise they are dispatched
// right away, through the AsyncDispatcher or the ModuleClient.
type MessageBroker struct {
	outbox     *OutboxBroker
	client     *ModuleClient
	dispatcher *AsyncDispatcher
	useAsync   bool
}

// Publish emits msgs, all owned by one module.
func (b *MessageBroker) Publish(ctx context.Context, msgs ...any) error {
	pending := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if !isNil(m) {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	module := b.client.registry.ModuleOf(pending[0])
	if ob, ok := b.outbox.outboxes.get(module); ok && ob.Enabled() {
		return ob.Save(ctx, pending...)
	}
	for _, m := range pending {
		var err error
		if b.useAsync {
			err = b.dispatcher.Publish(ctx, m)
		} else {
			err = b.client.Publish(ctx, m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
