// Package registry maps device ids to the live connection able to reach them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phuslu/log"
	hashids "github.com/speps/go-hashids/v2"
	"nuha.dev/trackgw/internal/gw/protocol"
)

const DefaultCommandTimeout = 10 * time.Second

const (
	COMMAND_SENT    = "command_sent"
	COMMAND_FAILED  = "command_failed"
	DEVICE_IDENTIFY = "device_identified"
	ENTRY_EVICTED   = "entry_evicted"
)

var (
	ErrNotConnected   = errors.New("device not connected")
	ErrCommandTimeout = errors.New("command write timed out")
)

// Handle is the write side of a connection. The registry never closes it.
type Handle interface {
	Send(ctx context.Context, p []byte) error
	Closed() bool
}

type Entry struct {
	ConnID      uint64    `json:"conn_id"`
	Ref         string    `json:"ref"`
	DeviceID    string    `json:"device_id"`
	Protocol    string    `json:"protocol"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	handle      Handle
	mirrored    time.Time
}

func (e *Entry) MarshalObject(l *log.Entry) {
	l.Uint64("cid", e.ConnID).Str("device_id", e.DeviceID).Str("remote", e.RemoteAddr)
}

type Config struct {
	Delimiter      byte
	CommandTimeout time.Duration
	// MirrorEvery bounds how often Touch refreshes the shared presence store.
	MirrorEvery time.Duration
	RefSalt     string
}

type Registry struct {
	mu        sync.RWMutex
	by_conn   map[uint64]*Entry
	by_device map[string]map[uint64]*Entry
	config    Config
	refs      *hashids.HashID
	presence  *mirror
	now       func() time.Time
	log       log.Logger
}

func NewRegistry(config Config) *Registry {
	if config.Delimiter == 0 {
		config.Delimiter = protocol.EndMarker
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	if config.MirrorEvery <= 0 {
		config.MirrorEvery = 30 * time.Second
	}
	r := &Registry{
		by_conn:   make(map[uint64]*Entry),
		by_device: make(map[string]map[uint64]*Entry),
		config:    config,
		now:       time.Now,
	}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "conn-registry").Value()
	hd := hashids.NewData()
	hd.Salt = config.RefSalt
	hd.MinLength = 6
	refs, err := hashids.NewWithData(hd)
	if err != nil {
		r.log.Error().Err(err).Msg("hashids disabled")
	}
	r.refs = refs
	return r
}

// UsePresence mirrors registry changes into a shared store. Call before Run.
func (r *Registry) UsePresence(p PresenceStore, instance string) {
	r.presence = newMirror(p, instance, r.log)
}

// Run drives the presence mirror until ctx is done. It is a no-op without one.
func (r *Registry) Run(ctx context.Context) {
	if r.presence == nil {
		return
	}
	r.presence.run(ctx)
}

func (r *Registry) ref(cid uint64) string {
	if r.refs == nil {
		return ""
	}
	s, err := r.refs.EncodeInt64([]int64{int64(cid)})
	if err != nil {
		return ""
	}
	return s
}

// ConnID resolves a public ref produced by this registry.
func (r *Registry) ConnID(ref string) (uint64, bool) {
	if r.refs == nil {
		return 0, false
	}
	ids, err := r.refs.DecodeInt64WithError(ref)
	if err != nil || len(ids) != 1 || ids[0] < 0 {
		return 0, false
	}
	return uint64(ids[0]), true
}

func (r *Registry) Register(cid uint64, deviceID string, addr string, h Handle) {
	if deviceID == "" {
		deviceID = protocol.UnknownDevice
	}
	t := r.now()
	e := &Entry{ConnID: cid, Ref: r.ref(cid), DeviceID: deviceID, RemoteAddr: addr, ConnectedAt: t, LastSeen: t, handle: h, mirrored: t}
	r.mu.Lock()
	if old, ok := r.by_conn[cid]; ok {
		r.unindex(old)
	}
	r.by_conn[cid] = e
	r.index(e)
	snap := *e
	r.mu.Unlock()
	r.mirrorUp(snap)
}

// UpdateDeviceID rebinds cid once a message revealed the real device id.
// protocol may be empty to keep the current one.
func (r *Registry) UpdateDeviceID(cid uint64, deviceID string, proto string) bool {
	r.mu.Lock()
	e, ok := r.by_conn[cid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	old := e.DeviceID
	changed := old != deviceID
	if changed {
		r.unindex(e)
		e.DeviceID = deviceID
		r.index(e)
	}
	if proto != "" {
		e.Protocol = proto
	}
	e.LastSeen = r.now()
	e.mirrored = e.LastSeen
	snap := *e
	r.mu.Unlock()
	if changed {
		r.log.Info().Str("event", DEVICE_IDENTIFY).EmbedObject(&snap).Str("previous", old).Msg("")
		if r.presence != nil && old != protocol.UnknownDevice {
			r.presence.down(old, cid)
		}
	}
	r.mirrorUp(snap)
	return true
}

// Touch refreshes LastSeen. It reports false for unknown connections so the
// caller can register again after an eviction.
func (r *Registry) Touch(cid uint64) bool {
	r.mu.Lock()
	e, ok := r.by_conn[cid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.LastSeen = r.now()
	refresh := e.DeviceID != protocol.UnknownDevice && e.LastSeen.Sub(e.mirrored) >= r.config.MirrorEvery
	if refresh {
		e.mirrored = e.LastSeen
	}
	snap := *e
	r.mu.Unlock()
	if refresh {
		r.mirrorUp(snap)
	}
	return true
}

func (r *Registry) Remove(cid uint64) {
	r.mu.Lock()
	e, ok := r.by_conn[cid]
	if ok {
		delete(r.by_conn, cid)
		r.unindex(e)
	}
	r.mu.Unlock()
	if ok && r.presence != nil && e.DeviceID != protocol.UnknownDevice {
		r.presence.down(e.DeviceID, cid)
	}
}

// Lookup returns the handle of the most recently seen live connection of
// deviceID. Ties go to the newer connection.
func (r *Registry) Lookup(deviceID string) (Handle, bool) {
	e, ok := r.lookup(deviceID)
	if !ok {
		return nil, false
	}
	return e.handle, true
}

func (r *Registry) lookup(deviceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Entry
	for _, e := range r.by_device[deviceID] {
		if e.handle == nil || e.handle.Closed() {
			continue
		}
		if best == nil || e.LastSeen.After(best.LastSeen) || (e.LastSeen.Equal(best.LastSeen) && e.ConnID > best.ConnID) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Get returns a copy of the entry for deviceID chosen like Lookup.
func (r *Registry) Get(deviceID string) (Entry, bool) {
	return r.lookup(deviceID)
}

// Entries returns a snapshot ordered by connection id.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.by_conn))
	for _, e := range r.by_conn {
		out = append(out, *e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.by_conn)
}

// Send writes cmd to the device, appending the delimiter when missing. A
// failed write evicts the entry; the connection itself is left to its owner.
func (r *Registry) Send(ctx context.Context, deviceID string, cmd string) error {
	e, ok := r.lookup(deviceID)
	if !ok {
		return ErrNotConnected
	}
	p := []byte(cmd)
	if len(p) == 0 || p[len(p)-1] != r.config.Delimiter {
		p = append(p, r.config.Delimiter)
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.CommandTimeout)
	defer cancel()
	err := e.handle.Send(ctx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%s: %w", deviceID, ErrCommandTimeout)
		}
		r.log.Warn().Str("event", COMMAND_FAILED).EmbedObject(&e).Err(err).Msg("")
		r.Remove(e.ConnID)
		r.log.Info().Str("event", ENTRY_EVICTED).EmbedObject(&e).Msg("")
		return err
	}
	r.log.Info().Str("event", COMMAND_SENT).EmbedObject(&e).Str("command", protocol.Truncate(cmd, 80)).Msg("")
	return nil
}

func (r *Registry) SendCommand(ctx context.Context, deviceID string, cmd string) bool {
	return r.Send(ctx, deviceID, cmd) == nil
}

func (r *Registry) index(e *Entry) {
	m, ok := r.by_device[e.DeviceID]
	if !ok {
		m = make(map[uint64]*Entry, 1)
		r.by_device[e.DeviceID] = m
	}
	m[e.ConnID] = e
}

func (r *Registry) unindex(e *Entry) {
	m, ok := r.by_device[e.DeviceID]
	if !ok {
		return
	}
	delete(m, e.ConnID)
	if len(m) == 0 {
		delete(r.by_device, e.DeviceID)
	}
}

func (r *Registry) mirrorUp(e Entry) {
	if r.presence == nil || e.DeviceID == protocol.UnknownDevice {
		return
	}
	r.presence.up(e)
}
