// Package server exposes the supervisor and the broker config store over a
// small JSON API.
package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/epithetd/internal/broker"
	mng "github.com/loykin/epithetd/internal/manager"
	"github.com/loykin/epithetd/internal/store"
)

// Router provides embeddable HTTP handlers. Endpoints, relative to basePath:
//
//	GET    /brokers                 configs merged with live state
//	POST   /brokers                 add a config (name generated when empty)
//	GET    /brokers/:name
//	PUT    /brokers/:name           update or rename a config
//	DELETE /brokers/:name           remove a config of a broker that is not live
//	POST   /brokers/:name/start|stop|toggle
//	GET    /brokers/:name/logs
//	DELETE /brokers/:name/logs
//	GET    /brokers/:name/inspect
//	GET    /brokers/:name/stats
//	GET    /events                  server-sent notifications
type Router struct {
	sup      *mng.Supervisor
	configs  ConfigStore
	basePath string
}

// ConfigStore is the subset of the config store the API edits.
type ConfigStore interface {
	List() []broker.Config
	Get(name string) (broker.Config, bool)
	GetByID(id string) (broker.Config, bool)
	IsNameUnique(name, excluding string) bool
	Add(cfg broker.Config) (broker.Config, error)
	Update(cfg broker.Config) error
	Rename(id, newName string) error
	Remove(name string) error
	GenerateUniqueName(base string) string
}

func NewRouter(sup *mng.Supervisor, configs ConfigStore, basePath string) *Router {
	return &Router{sup: sup, configs: configs, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/brokers", r.handleList)
	group.POST("/brokers", r.handleAdd)
	group.GET("/brokers/:name", r.handleGet)
	group.PUT("/brokers/:name", r.handleUpdate)
	group.DELETE("/brokers/:name", r.handleRemove)
	group.POST("/brokers/:name/start", r.handleStart)
	group.POST("/brokers/:name/stop", r.handleStop)
	group.POST("/brokers/:name/toggle", r.handleToggle)
	group.GET("/brokers/:name/logs", r.handleLogs)
	group.DELETE("/brokers/:name/logs", r.handleClearLogs)
	group.GET("/brokers/:name/inspect", r.handleInspect)
	group.GET("/brokers/:name/stats", r.handleStats)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer returns an http.Server for this router. The caller runs and
// shuts it down. Request contexts are cancelled when Shutdown starts, which
// ends open /events streams instead of letting them hold Shutdown open.
func NewServer(addr, basePath string, sup *mng.Supervisor, configs ConfigStore) *http.Server {
	r := NewRouter(sup, configs, basePath)
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// BrokerView is a broker as listed by the API. Config is nil for brokers
// the supervisor still tracks after their config was removed.
type BrokerView struct {
	Name      string         `json:"name"`
	Config    *broker.Config `json:"config,omitempty"`
	State     broker.State   `json:"state"`
	Status    string         `json:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	LogLength int            `json:"log_length"`
}

type LogsResp struct {
	Name string `json:"name"`
	Log  string `json:"log"`
}

type InspectResp struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

func (r *Router) view(name string, cfg *broker.Config) BrokerView {
	v := BrokerView{Name: name, Config: cfg, State: broker.Stopped()}
	if st, ok := r.sup.Status(name); ok {
		v.State = st.State
		v.LogLength = st.LogLength
		if !st.StartedAt.IsZero() && st.State.IsLive() {
			t := st.StartedAt
			v.StartedAt = &t
		}
	}
	v.Status = v.State.Text()
	return v
}

func (r *Router) handleList(c *gin.Context) {
	seen := make(map[string]bool)
	var out []BrokerView
	for _, cfg := range r.configs.List() {
		cfg := cfg
		cfg.OIDCClientSecret = redact(cfg.OIDCClientSecret)
		out = append(out, r.view(cfg.Name, &cfg))
		seen[cfg.Name] = true
	}
	for _, st := range r.sup.List() {
		if !seen[st.Name] {
			out = append(out, r.view(st.Name, nil))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if out == nil {
		out = []BrokerView{}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	name := c.Param("name")
	if cfg, ok := r.configs.Get(name); ok {
		cfg.OIDCClientSecret = redact(cfg.OIDCClientSecret)
		writeJSON(c, http.StatusOK, r.view(name, &cfg))
		return
	}
	if _, ok := r.sup.Status(name); ok {
		writeJSON(c, http.StatusOK, r.view(name, nil))
		return
	}
	writeErr(c, store.ErrNotFound)
}

func (r *Router) handleAdd(c *gin.Context) {
	cfg := broker.NewConfig("")
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = r.configs.GenerateUniqueName(store.DefaultNameBase)
	}
	cfg.Normalize()
	if err := cfg.Err(); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	saved, err := r.configs.Add(cfg)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, saved)
}

func (r *Router) handleUpdate(c *gin.Context) {
	name := c.Param("name")
	cur, ok := r.configs.Get(name)
	if !ok {
		writeErr(c, store.ErrNotFound)
		return
	}
	next := cur.Clone()
	if err := c.ShouldBindJSON(&next); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	next.ID = cur.ID
	if next.OIDCClientSecret == redacted {
		next.OIDCClientSecret = cur.OIDCClientSecret
	}
	next.Name = strings.TrimSpace(next.Name)
	if next.Name == "" {
		next.Name = name
	}
	next.Normalize()
	if err := next.Err(); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}

	renamed := next.Name != name
	if renamed {
		if !r.configs.IsNameUnique(next.Name, name) {
			writeErr(c, fmt.Errorf("%w: %s", store.ErrDuplicateName, next.Name))
			return
		}
		// The supervisor goes first: it refuses names held by a live
		// broker, and the store is untouched when it does.
		if err := r.sup.Rename(name, next.Name); err != nil {
			writeErr(c, err)
			return
		}
		if err := r.configs.Rename(cur.ID, next.Name); err != nil {
			r.undoRename(next.Name, name)
			writeErr(c, err)
			return
		}
	}
	if err := r.configs.Update(next); err != nil {
		if renamed {
			_ = r.configs.Rename(cur.ID, name)
			r.undoRename(next.Name, name)
		}
		writeErr(c, err)
		return
	}
	saved, _ := r.configs.GetByID(cur.ID)
	saved.OIDCClientSecret = redact(saved.OIDCClientSecret)
	writeJSON(c, http.StatusOK, saved)
}

// undoRename moves supervisor state back after a failed config rename.
func (r *Router) undoRename(from, to string) {
	if err := r.sup.Rename(from, to); err != nil {
		r.sup.Logger().Warn("could not restore broker name", "from", from, "to", to, "error", err)
	}
}

func (r *Router) handleRemove(c *gin.Context) {
	name := c.Param("name")
	if r.sup.State(name).IsLive() {
		writeErr(c, mng.ErrBrokerLive)
		return
	}
	if err := r.configs.Remove(name); err != nil {
		writeErr(c, err)
		return
	}
	if err := r.sup.Forget(name); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	cfg, ok := r.configs.Get(c.Param("name"))
	if !ok {
		writeErr(c, store.ErrNotFound)
		return
	}
	if err := r.sup.Start(cfg); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(cfg.Name, nil))
}

func (r *Router) handleStop(c *gin.Context) {
	name := c.Param("name")
	if err := r.sup.Stop(name); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(name, nil))
}

func (r *Router) handleToggle(c *gin.Context) {
	name := c.Param("name")
	if err := r.sup.Toggle(name); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.view(name, nil))
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Param("name")
	log := r.sup.Logs(name)
	if c.Query("format") == "text" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(log))
		return
	}
	writeJSON(c, http.StatusOK, LogsResp{Name: name, Log: log})
}

func (r *Router) handleClearLogs(c *gin.Context) {
	r.sup.ClearLogs(c.Param("name"))
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleInspect(c *gin.Context) {
	name := c.Param("name")
	if !r.sup.State(name).IsRunning() {
		writeErr(c, mng.ErrNotRunning)
		return
	}
	out, ok := r.sup.Inspect(c.Request.Context(), name)
	if !ok {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: "inspect failed"})
		return
	}
	writeJSON(c, http.StatusOK, InspectResp{Name: name, Output: out})
}

func (r *Router) handleStats(c *gin.Context) {
	st, err := r.sup.Stats(c.Param("name"))
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// handleEvents streams supervisor notifications as server-sent events until
// the client goes away.
func (r *Router) handleEvents(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events := r.sup.Subscribe(ctx)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	// Flush headers so clients see the stream open before the first event.
	c.Status(http.StatusOK)
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(string(ev.Type), ev.Payload)
		return true
	})
}

const redacted = "********"

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return redacted
}

var _ ConfigStore = (*store.Store)(nil)
