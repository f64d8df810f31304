package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/engine"
)

// Relay publishes attempt events on Redis so that every gateway instance
// can serve watchers of an attempt, including proctors connected to an
// instance that does not own the session.
type Relay struct {
	hub *Hub
	rdb redis.UniversalClient
	log zerolog.Logger
}

// NewRelay creates a Relay delivering to hub.
func NewRelay(hub *Hub, rdb redis.UniversalClient, log zerolog.Logger) *Relay {
	return &Relay{
		hub: hub,
		rdb: rdb,
		log: log.With().Str("component", "ws_relay").Logger(),
	}
}

// Broadcast publishes ev. If Redis is unavailable the event is delivered
// to local clients only.
func (r *Relay) Broadcast(attemptID string, ev engine.Event) {
	data, err := json.Marshal(MessageFor(ev))
	if err != nil {
		r.log.Error().Err(err).Str("attempt_id", attemptID).Msg("Encode event failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, config.CacheKey.AttemptEventsChannel(attemptID), data).Err(); err != nil {
		r.log.Warn().Err(err).Str("attempt_id", attemptID).Msg("Publish failed, delivering locally")
		r.hub.Deliver(attemptID, data)
	}
}

// Run forwards published events to the local hub until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	pattern := config.CacheKey.AttemptEventsChannel("*")
	sub := r.rdb.PSubscribe(ctx, pattern)
	defer sub.Close()

	r.log.Info().Str("pattern", pattern).Msg("Event relay started")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Event relay stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if id := attemptFromChannel(msg.Channel); id != "" {
				r.hub.Deliver(id, []byte(msg.Payload))
			}
		}
	}
}

// attemptFromChannel extracts the id from "attempt:{id}:events".
func attemptFromChannel(channel string) string {
	id, ok := strings.CutPrefix(channel, "attempt:")
	if !ok {
		return ""
	}
	id, ok = strings.CutSuffix(id, ":events")
	if !ok {
		return ""
	}
	return id
}
