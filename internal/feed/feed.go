// Package feed pulls killmails off zKillboard, either through the RedisQ
// long-poll endpoint or the killstream websocket. Both transports surface
// the same envelope so the poller does not care which is configured.
package feed

import (
	"context"

	"github.com/guarzo/eve-killwatch/internal/killmail"
)

// Source yields batches of killmails from the live feed. Next blocks until
// at least one item arrives, the transport's poll window lapses (an empty
// batch with a nil error), or ctx ends. Implementations are not safe for
// concurrent Next calls; the poller is the single consumer.
type Source interface {
	Next(ctx context.Context) ([]*killmail.Killmail, error)
	Close() error
}
