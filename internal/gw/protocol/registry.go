package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
)

const (
	GenericName = "generic"

	PARSE_FAILURE   = "parse_failure"
	CANPARSE_PANIC  = "canparse_panic"
	NO_MATCH        = "no_matching_protocol"
	payloadLogLimit = 120
)

// Registry holds parsers in registration order. The first parser whose
// CanParse accepts a message decodes it.
type Registry struct {
	mu      sync.RWMutex
	parsers []Parser
	now     Clock
	log     log.Logger
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{now: time.Now}
	r.log = log.DefaultLogger
	r.log.Context = log.NewContext(nil).Str("module", "protocol-registry").Value()
	r.parsers = append(r.parsers, parsers...)
	return r
}

func (r *Registry) SetClock(c Clock) {
	r.now = c
}

func (r *Registry) SetLogger(l log.Logger) {
	r.log = l
}

func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	r.parsers = append(r.parsers, p)
	r.mu.Unlock()
}

// ByName finds the parser used to build outbound commands for a device.
func (r *Registry) ByName(name string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		out = append(out, p.Name())
	}
	return out
}

// Dispatch decodes msg. Unrecognised traffic is returned as a generic record,
// never dropped. The only error is ErrParse, raised when the matching parser
// fails or panics.
func (r *Registry) Dispatch(msg string) (*Record, error) {
	r.mu.RLock()
	parsers := r.parsers
	r.mu.RUnlock()
	for _, p := range parsers {
		if !r.canParse(p, msg) {
			continue
		}
		rec, err := r.parse(p, msg)
		if err != nil {
			r.log.Warn().Str("event", PARSE_FAILURE).Str("protocol", p.Name()).Err(err).Str("payload", Truncate(msg, payloadLogLimit)).Msg("")
			return nil, err
		}
		return rec, nil
	}
	r.log.Debug().Str("event", NO_MATCH).Str("payload", Truncate(msg, payloadLogLimit)).Msg("")
	return Generic(msg, r.now()), nil
}

func (r *Registry) canParse(p Parser, msg string) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error().Str("event", CANPARSE_PANIC).Str("protocol", p.Name()).Msgf("%v", v)
			ok = false
		}
	}()
	return p.CanParse(msg)
}

func (r *Registry) parse(p Parser, msg string) (rec *Record, err error) {
	defer func() {
		if v := recover(); v != nil {
			rec = nil
			err = fmt.Errorf("%s: %v: %w", p.Name(), v, ErrParse)
		}
	}()
	rec, err = p.Parse(msg)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", p.Name(), err, ErrParse)
	}
	if rec == nil {
		return nil, fmt.Errorf("%s: empty record: %w", p.Name(), ErrParse)
	}
	return rec, nil
}

// Generic keeps every comma separated field of msg under part_N keys.
func Generic(msg string, now time.Time) *Record {
	body := strings.TrimSpace(msg)
	body = strings.TrimPrefix(body, string(StartMarker))
	body = strings.TrimSuffix(body, string(EndMarker))
	parts := strings.Split(body, ",")

	vendor, device := UnknownDevice, UnknownDevice
	if len(parts) > 0 && parts[0] != "" {
		vendor = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		device = parts[1]
	}
	rec := NewRecord(device, GenericName, vendor, KindGeneric)
	rec.Timestamp = now
	for i, p := range parts {
		rec.Metadata.Set("part_"+strconv.Itoa(i), p)
	}
	return rec
}
