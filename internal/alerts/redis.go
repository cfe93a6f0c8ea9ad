package alerts

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisBus broadcasts over a redis pub/sub channel so that incidents raised
// on one API node reach dashboards streaming from another.
type RedisBus struct {
	rdb *redis.Client
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, alert IncidentAlert) error {
	body, err := json.Marshal(Envelope{Type: EventSafetyBreach, Data: alert})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, ChannelName, body).Err()
}

type redisSub struct {
	ps     *redis.PubSub
	ch     chan IncidentAlert
	cancel context.CancelFunc
}

func (s *redisSub) Events() <-chan IncidentAlert { return s.ch }

func (s *redisSub) Close() error {
	s.cancel()
	return s.ps.Close()
}

func (b *RedisBus) Subscribe(ctx context.Context, room string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, ChannelName)
	// force the SUBSCRIBE round-trip so a broken connection fails here
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{ps: ps, ch: make(chan IncidentAlert, 16), cancel: cancel}

	go func() {
		defer close(s.ch)
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					log.Printf("alerts: bad envelope on %s: %v", ChannelName, err)
					continue
				}
				if env.Type != EventSafetyBreach {
					continue
				}
				if !RoomMatches(room, env.Data.SessionID) {
					continue
				}
				select {
				case s.ch <- env.Data:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return s, nil
}
