package collection

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tidepooldb/tidepool/internal/types"
)

// JetStreamBridge republishes a collection's committed change batches to
// a NATS JetStream subject for out-of-process observers. It is never
// load-bearing for in-process correctness: a collection with no bridge
// attached behaves identically, and a publish failure here never
// affects local subscribers. Adapted from eventbus.Bus's
// SetJetStream/publishToJetStream fire-and-forget idiom.
type JetStreamBridge struct {
	js           nats.JetStreamContext
	subject      string
	collectionID string
	sub          *Subscription
}

// publishedChange is the wire shape written to JetStream, one per
// delivered ChangeEvent.
type publishedChange struct {
	CollectionID string    `json:"collection_id"`
	Type         string    `json:"type"`
	Key          types.Key `json:"key"`
	Value        types.Row `json:"value,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}

// AttachJetStream subscribes js to every change this collection emits,
// publishing each event to subject as JSON. Call Detach to stop.
func (c *Collection) AttachJetStream(js nats.JetStreamContext, subject string) *JetStreamBridge {
	b := &JetStreamBridge{js: js, subject: subject, collectionID: c.id}
	b.sub = c.Subscribe(b.publish, nil)
	return b
}

// Detach unsubscribes the bridge from its collection; no further
// changes are published after this returns.
func (b *JetStreamBridge) Detach() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
}

func (b *JetStreamBridge) publish(evs []types.ChangeEvent) {
	for _, ev := range evs {
		data, err := json.Marshal(publishedChange{
			CollectionID: b.collectionID,
			Type:         ev.Type.String(),
			Key:          ev.Key,
			Value:        ev.Value,
			PublishedAt:  time.Now().UTC(),
		})
		if err != nil {
			log.Printf("collection: failed to marshal change for JetStream: %v", err)
			continue
		}
		ack, err := b.js.Publish(b.subject, data)
		if err != nil {
			log.Printf("collection: JetStream publish to %s failed: %v", b.subject, err)
			continue
		}
		log.Printf("collection: JetStream published to %s (stream=%s seq=%d)", b.subject, ack.Stream, ack.Sequence)
	}
}
