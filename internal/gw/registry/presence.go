package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
)

const PRESENCE_DROPPED = "presence_dropped"

// Presence is what other gateway instances can see about a connected device.
type Presence struct {
	DeviceID   string    `json:"device_id"`
	Instance   string    `json:"instance"`
	ConnID     uint64    `json:"conn_id"`
	Ref        string    `json:"ref"`
	RemoteAddr string    `json:"remote_addr"`
	Protocol   string    `json:"protocol"`
	LastSeen   time.Time `json:"last_seen"`
}

type PresenceStore interface {
	Put(ctx context.Context, p Presence) error
	// Delete removes the record only if it still belongs to instance/cid.
	Delete(ctx context.Context, deviceID string, instance string, cid uint64) error
	Get(ctx context.Context, deviceID string) (Presence, bool, error)
}

type presenceOp struct {
	put    bool
	p      Presence
	device string
	cid    uint64
}

// mirror applies presence updates off the connection goroutines. Updates are
// dropped when the queue is full.
type mirror struct {
	store    PresenceStore
	instance string
	queue    chan presenceOp
	log      log.Logger
}

func newMirror(store PresenceStore, instance string, l log.Logger) *mirror {
	return &mirror{store: store, instance: instance, queue: make(chan presenceOp, 1024), log: l}
}

func (m *mirror) up(e Entry) {
	m.push(presenceOp{put: true, p: Presence{
		DeviceID:   e.DeviceID,
		Instance:   m.instance,
		ConnID:     e.ConnID,
		Ref:        e.Ref,
		RemoteAddr: e.RemoteAddr,
		Protocol:   e.Protocol,
		LastSeen:   e.LastSeen,
	}})
}

func (m *mirror) down(deviceID string, cid uint64) {
	m.push(presenceOp{device: deviceID, cid: cid})
}

func (m *mirror) push(op presenceOp) {
	select {
	case m.queue <- op:
	default:
		m.log.Warn().Str("event", PRESENCE_DROPPED).Msg("presence queue full")
	}
}

func (m *mirror) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.queue:
			c, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			if op.put {
				err = m.store.Put(c, op.p)
			} else {
				err = m.store.Delete(c, op.device, m.instance, op.cid)
			}
			cancel()
			if err != nil {
				m.log.Error().Err(err).Str("device_id", op.device+op.p.DeviceID).Msg("presence update failed")
			}
		}
	}
}

// RedisPresence keeps one hash per device with a TTL refreshed on every put.
type RedisPresence struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(rdb *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "trackgw:device:"
	}
	return &RedisPresence{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisPresence) key(deviceID string) string {
	return s.prefix + deviceID
}

func (s *RedisPresence) Put(ctx context.Context, p Presence) error {
	key := s.key(p.DeviceID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"instance":  p.Instance,
			"cid":       strconv.FormatUint(p.ConnID, 10),
			"ref":       p.Ref,
			"addr":      p.RemoteAddr,
			"protocol":  p.Protocol,
			"last_seen": p.LastSeen.UTC().Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// delIfOwner deletes KEYS[1] only while it still names ARGV[1]/ARGV[2], so a
// record written meanwhile by another instance survives.
var delIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "instance") == ARGV[1] and redis.call("HGET", KEYS[1], "cid") == ARGV[2] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (s *RedisPresence) Delete(ctx context.Context, deviceID string, instance string, cid uint64) error {
	return delIfOwner.Run(ctx, s.rdb, []string{s.key(deviceID)}, instance, strconv.FormatUint(cid, 10)).Err()
}

func (s *RedisPresence) Get(ctx context.Context, deviceID string) (Presence, bool, error) {
	m, err := s.rdb.HGetAll(ctx, s.key(deviceID)).Result()
	if err != nil {
		return Presence{}, false, err
	}
	if len(m) == 0 {
		return Presence{}, false, nil
	}
	p := Presence{DeviceID: deviceID, Instance: m["instance"], Ref: m["ref"], RemoteAddr: m["addr"], Protocol: m["protocol"]}
	p.ConnID, _ = strconv.ParseUint(m["cid"], 10, 64)
	p.LastSeen, _ = time.Parse(time.RFC3339Nano, m["last_seen"])
	return p, true, nil
}
