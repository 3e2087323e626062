package cache

import (
	"context"
	"encoding/json"
	"time"
)

// InvalidationSubject carries directory changes made outside this service.
const InvalidationSubject = "approvals.cache.invalidate"

// Invalidation is the message published on InvalidationSubject.
type Invalidation struct {
	Class string `json:"class"`
	Key   string `json:"key,omitempty"`
}

// Subscriber is the part of natsclient.Client the listener needs.
type Subscriber interface {
	Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error)
}

// Listen invalidates the cache for every message on InvalidationSubject until
// the returned func is called.
func (c *ReferenceCache) Listen(sub Subscriber) (func() error, error) {
	return sub.Subscribe(InvalidationSubject, func(_ string, data []byte) {
		var msg Invalidation
		if err := json.Unmarshal(data, &msg); err != nil || msg.Class == "" {
			c.log.Warn().Bytes("data", data).Msg("Ignoring malformed cache invalidation")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Invalidate(ctx, msg.Class, msg.Key); err != nil {
			c.log.Warn().Err(err).Str("class", msg.Class).Msg("Cache invalidation failed")
		}
	})
}
