// Package monitoring is the operator API of the gateway: live connections,
// device presence, commands, metrics and the websocket stream.
package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nuha.dev/trackgw/internal/gw/registry"
	"nuha.dev/trackgw/internal/gw/server"
	"nuha.dev/trackgw/internal/store"
	"nuha.dev/trackgw/internal/util"
)

type Connections interface {
	Entries() []registry.Entry
	Get(deviceID string) (registry.Entry, bool)
	ConnID(ref string) (uint64, bool)
}

type Commander interface {
	Execute(ctx context.Context, deviceID string, kind server.CommandKind) (string, error)
	Raw(ctx context.Context, deviceID string, cmd string) error
}

type Closer interface {
	Close(cid uint64) bool
}

type MonitoringConfig struct {
	ListenAddr string
	// AdminUser and AdminHash (bcrypt) enable basic auth when both are set.
	AdminUser string
	AdminHash string
}

type Deps struct {
	Conns    Connections
	Presence registry.PresenceStore
	Commands Commander
	Closer   Closer
	Audit    store.CommandStore
	Stream   http.Handler
}

type MonitoringServer struct {
	deps     Deps
	config   *MonitoringConfig
	server   *http.Server
	validate *validator.Validate
	log      log.Logger
}

type CommandRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=fuel_cut engine_on raw"`
	Command string `json:"command" validate:"omitempty,max=512"`
}

type CommandResponse struct {
	DeviceID  string `json:"device_id"`
	Command   string `json:"command"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

type DeviceResponse struct {
	Local    *registry.Entry    `json:"local,omitempty"`
	Presence *registry.Presence `json:"presence,omitempty"`
}

func NewMonApi(deps Deps, config *MonitoringConfig) *MonitoringServer {
	m := &MonitoringServer{deps: deps, config: config, validate: validator.New()}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "monitoring").Value()
	m.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        m.Handler(),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return m
}

func (m *MonitoringServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(m.accessLog)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		util.JsonWrite(w, map[string]string{"status": "ok"})
	})
	r.Group(func(r chi.Router) {
		r.Use(m.basicAuth)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/connections", m.listConnections)
		r.Delete("/connections/{ref}", m.dropConnection)
		r.Get("/devices/{id}", m.getDevice)
		r.Post("/devices/{id}/commands", m.sendCommand)
		if m.deps.Stream != nil {
			r.Handle("/stream", m.deps.Stream)
		}
	})
	return r
}

// Run serves until ctx is done.
func (m *MonitoringServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.server.Shutdown(sctx)
	}()
	m.log.Info().Msgf("starting monitoring api on %s", m.config.ListenAddr)
	err := m.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (m *MonitoringServer) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		t0 := time.Now()
		next.ServeHTTP(ww, r)
		m.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).Dur("took", time.Since(t0)).Str("remote", r.RemoteAddr).Msg("")
	})
}

func (m *MonitoringServer) basicAuth(next http.Handler) http.Handler {
	if m.config.AdminUser == "" || m.config.AdminHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != m.config.AdminUser || !util.CheckPwd(m.config.AdminHash, p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="trackgw"`)
			util.JsonError(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MonitoringServer) listConnections(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, m.deps.Conns.Entries())
}

func (m *MonitoringServer) dropConnection(w http.ResponseWriter, r *http.Request) {
	cid, ok := m.deps.Conns.ConnID(chi.URLParam(r, "ref"))
	if !ok || m.deps.Closer == nil || !m.deps.Closer.Close(cid) {
		util.JsonError(w, http.StatusNotFound, "connection not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *MonitoringServer) getDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var res DeviceResponse
	if e, ok := m.deps.Conns.Get(id); ok {
		res.Local = &e
	}
	if m.deps.Presence != nil {
		p, ok, err := m.deps.Presence.Get(r.Context(), id)
		if err != nil {
			m.log.Error().Err(err).Str("device_id", id).Msg("presence lookup failed")
		} else if ok {
			res.Presence = &p
		}
	}
	if res.Local == nil && res.Presence == nil {
		util.JsonError(w, http.StatusNotFound, "device not connected")
		return
	}
	util.JsonWrite(w, res)
}

func (m *MonitoringServer) sendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := m.validate.Struct(req); err != nil {
		util.JsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Kind == "raw" && req.Command == "" {
		util.JsonError(w, http.StatusBadRequest, "command is required for raw")
		return
	}

	res := CommandResponse{DeviceID: id}
	var err error
	if req.Kind == "raw" {
		res.Command = req.Command
		err = m.deps.Commands.Raw(r.Context(), id, req.Command)
	} else {
		res.Command, err = m.deps.Commands.Execute(r.Context(), id, server.CommandKind(req.Kind))
	}
	res.Delivered = err == nil
	if m.deps.Audit != nil && res.Command != "" {
		m.deps.Audit.SaveCommand(id, req.Kind, res.Command, res.Delivered, time.Now())
	}
	switch {
	case err == nil:
		util.JsonWrite(w, res)
	case errors.Is(err, registry.ErrNotConnected):
		res.Error = err.Error()
		util.JsonWriteStatus(w, http.StatusNotFound, res)
	case errors.Is(err, server.ErrUnknownProtocol):
		res.Error = err.Error()
		util.JsonWriteStatus(w, http.StatusConflict, res)
	case errors.Is(err, registry.ErrCommandTimeout):
		res.Error = err.Error()
		util.JsonWriteStatus(w, http.StatusGatewayTimeout, res)
	default:
		res.Error = err.Error()
		util.JsonWriteStatus(w, http.StatusBadGateway, res)
	}
}
