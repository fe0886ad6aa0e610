package registry

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type memPresence struct {
	mu      sync.Mutex
	devices map[string]Presence
	puts    int
}

func (m *memPresence) Put(ctx context.Context, p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[p.DeviceID] = p
	m.puts++
	return nil
}

func (m *memPresence) Delete(ctx context.Context, deviceID string, instance string, cid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.devices[deviceID]; ok && p.Instance == instance && p.ConnID == cid {
		delete(m.devices, deviceID)
	}
	return nil
}

func (m *memPresence) Get(ctx context.Context, deviceID string) (Presence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.devices[deviceID]
	return p, ok, nil
}

func (m *memPresence) wait(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		ok := fn()
		m.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("presence store did not converge")
}

func TestPresenceMirror(t *testing.T) {
	store := &memPresence{devices: map[string]Presence{}}
	r := newTestRegistry()
	r.UsePresence(store, "gw-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Register(1, "", "10.0.0.1:1000", &fakeHandle{})
	r.UpdateDeviceID(1, "1234567890", "h02")
	store.wait(t, func() bool {
		p, ok := store.devices["1234567890"]
		return ok && p.Instance == "gw-1" && p.ConnID == 1 && p.Protocol == "h02" && p.Ref != ""
	})

	r.Remove(1)
	store.wait(t, func() bool {
		_, ok := store.devices["1234567890"]
		return !ok
	})
}

func TestPresenceDeleteKeepsNewerOwner(t *testing.T) {
	store := &memPresence{devices: map[string]Presence{}}
	r := newTestRegistry()
	r.UsePresence(store, "gw-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Register(1, "1234567890", "10.0.0.1:1000", &fakeHandle{})
	r.Register(2, "1234567890", "10.0.0.1:1001", &fakeHandle{})
	store.wait(t, func() bool { return store.puts == 2 })
	r.Remove(1)
	r.Register(3, "999999999", "10.0.0.2:1000", &fakeHandle{})
	store.wait(t, func() bool { return store.puts == 3 })

	p, ok, _ := store.Get(ctx, "1234567890")
	if !ok || p.ConnID != 2 {
		t.Error(p, ok)
	}
}

func TestTouchThrottlesMirror(t *testing.T) {
	store := &memPresence{devices: map[string]Presence{}}
	r := newTestRegistry()
	r.config.MirrorEvery = time.Hour
	r.UsePresence(store, "gw-1")
	r.Register(1, "1234567890", "10.0.0.1:1000", &fakeHandle{})
	for i := 0; i < 5; i++ {
		r.Touch(1)
	}
	if n := len(r.presence.queue); n != 1 {
		t.Error(n)
	}
}

func TestRenameClearsOldPresence(t *testing.T) {
	store := &memPresence{devices: map[string]Presence{}}
	r := newTestRegistry()
	r.UsePresence(store, "gw-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Register(1, "11111111", "10.0.0.1:1000", &fakeHandle{})
	store.wait(t, func() bool { return store.puts == 1 })
	r.UpdateDeviceID(1, "22222222", "sk")
	store.wait(t, func() bool {
		_, oldOK := store.devices["11111111"]
		p, newOK := store.devices["22222222"]
		return !oldOK && newOK && p.ConnID == 1
	})
}

// Needs a live server, e.g. TRACKGW_TEST_REDIS=localhost:6379.
func TestRedisDeleteOnlyOwner(t *testing.T) {
	addr := os.Getenv("TRACKGW_TEST_REDIS")
	if addr == "" {
		t.Skip("TRACKGW_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	s := NewRedisPresence(rdb, "trackgw:test:"+strconv.FormatInt(time.Now().UnixNano(), 10)+":", time.Minute)

	_ = s.Put(ctx, Presence{DeviceID: "dev", Instance: "gw-1", ConnID: 1, LastSeen: time.Now()})
	if err := s.Put(ctx, Presence{DeviceID: "dev", Instance: "gw-2", ConnID: 5, LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "dev", "gw-1", 1); err != nil {
		t.Fatal(err)
	}
	p, ok, err := s.Get(ctx, "dev")
	if err != nil || !ok || p.Instance != "gw-2" || p.ConnID != 5 {
		t.Error(p, ok, err)
	}
	if err := s.Delete(ctx, "dev", "gw-2", 5); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "dev"); ok {
		t.Error("owner delete left the record")
	}
}
