// Package api serves runtime adapter management and forward passes over
// one host model.
package api

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/splice/internal/adapters"
	"github.com/samcharles93/splice/internal/adapters/config"
	"github.com/samcharles93/splice/internal/arch"
	"github.com/samcharles93/splice/internal/logger"
	"github.com/samcharles93/splice/internal/model"
)

// Server owns a model. The Host is not safe for concurrent use, so every
// mutation and forward pass holds mu.
type Server struct {
	mu      sync.Mutex
	model   *arch.Model
	store   *ForwardStore
	metrics *Metrics
	log     logger.Logger
	dir     string
	clock   func() time.Time
}

type Option func(*Server)

func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithAdaptersDir sets where adapters are saved when a save request names
// no path.
func WithAdaptersDir(dir string) Option {
	return func(s *Server) { s.dir = dir }
}

func WithStore(store *ForwardStore) Option {
	return func(s *Server) { s.store = store }
}

func NewServer(m *arch.Model, opts ...Option) *Server {
	s := &Server{
		model:   m,
		metrics: NewMetrics(),
		log:     logger.Discard(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = NewForwardStore(0)
	}
	s.metrics.adapters.Set(float64(m.Host.Registry().Len()))
	return s
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler wraps e with request metrics.
func (s *Server) Handler(e *echo.Echo) http.Handler {
	return s.metrics.Middleware(e)
}

func (s *Server) Register(e *echo.Echo) {
	// Adapters
	e.GET("/v1/adapters", route("/v1/adapters", s.handleListAdapters))
	e.POST("/v1/adapters", route("/v1/adapters", s.handleAddAdapter))
	e.DELETE("/v1/adapters/:name", route("/v1/adapters/:name", s.handleDeleteAdapter))
	e.POST("/v1/adapters/:name/merge", route("/v1/adapters/:name/merge", s.handleMergeAdapter))
	e.POST("/v1/adapters/:name/save", route("/v1/adapters/:name/save", s.handleSaveAdapter))
	e.POST("/v1/adapters/reset", route("/v1/adapters/reset", s.handleResetLoRA))
	e.POST("/v1/adapters/load", route("/v1/adapters/load", s.handleLoadAdapter))

	// Fusions
	e.POST("/v1/fusions", route("/v1/fusions", s.handleAddFusion))
	e.DELETE("/v1/fusions/:name", route("/v1/fusions/:name", s.handleDeleteFusion))

	// Active program
	e.GET("/v1/active", route("/v1/active", s.handleGetActive))
	e.PUT("/v1/active", route("/v1/active", s.handleSetActive))
	e.DELETE("/v1/active", route("/v1/active", s.handleDeactivate))

	// Forward
	e.POST("/v1/forward", route("/v1/forward", s.handleForward))
	e.GET("/v1/forward/:id", route("/v1/forward/:id", s.handleGetForward))
	e.DELETE("/v1/forward/:id", route("/v1/forward/:id", s.handleDeleteForward))

	metrics := s.metrics.Handler()
	e.GET("/metrics", route("/metrics", func(c *echo.Context) error {
		metrics.ServeHTTP(c.Response(), c.Request())
		return nil
	}))
}

func (s *Server) active() string {
	if b := s.model.Host.Active(); b != nil {
		return b.String()
	}
	return ""
}

func (s *Server) status(name string) StatusResponse {
	return StatusResponse{Object: "status", Name: name, Active: s.active(), OK: true}
}

// mutate runs fn under the lock and reports the outcome as op.
func (s *Server) mutate(op string, fn func(h *adapters.Host) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := fn(s.model.Host)
	s.metrics.observeOp(op, err)
	s.metrics.adapters.Set(float64(s.model.Host.Registry().Len()))
	if err != nil {
		s.log.Warn("adapter operation failed", "op", op, "error", err)
	}
	return err
}

func (s *Server) handleListAdapters(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.model.Host
	list := AdapterList{
		Object:   "list",
		Model:    s.model.Spec.Name,
		Active:   s.active(),
		Merged:   h.Merged(),
		Adapters: []AdapterInfo{},
		Fusions:  h.Registry().Fusions(),
	}
	for _, row := range h.AdapterSummary() {
		list.Adapters = append(list.Adapters, adapterInfo(row))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleAddAdapter(c *echo.Context) error {
	req, err := decodeJSON[AddAdapterRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if strings.TrimSpace(req.Name) == "" {
		return writeBadRequest(c, "name is required")
	}
	var opts []adapters.AddOption
	if req.Type != "" {
		opts = append(opts, adapters.AsType(config.AdapterType(req.Type)))
	}
	if req.Activate {
		opts = append(opts, adapters.Activate())
	}
	if req.Overwrite {
		opts = append(opts, adapters.Overwrite())
	}
	var resp StatusResponse
	err = s.mutate("add", func(h *adapters.Host) error {
		if err := h.AddAdapter(req.Name, req.Config, opts...); err != nil {
			return err
		}
		resp = s.status(req.Name)
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleDeleteAdapter(c *echo.Context) error {
	name := c.Param("name")
	var resp StatusResponse
	err := s.mutate("delete", func(h *adapters.Host) error {
		if err := h.DeleteAdapter(name); err != nil {
			return err
		}
		resp = s.status(name)
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMergeAdapter(c *echo.Context) error {
	name := c.Param("name")
	var resp StatusResponse
	err := s.mutate("merge", func(h *adapters.Host) error {
		if err := h.MergeLoRA(name); err != nil {
			return err
		}
		resp = s.status(name)
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleResetLoRA(c *echo.Context) error {
	var resp StatusResponse
	_ = s.mutate("reset", func(h *adapters.Host) error {
		resp = s.status(h.Merged())
		h.ResetLoRA()
		return nil
	})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSaveAdapter(c *echo.Context) error {
	name := c.Param("name")
	req, err := decodeJSON[SaveAdapterRequest](c.Request().Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return writeBadRequest(c, err.Error())
	}
	path := req.Path
	if path == "" {
		if s.dir == "" {
			return writeBadRequest(c, "path is required when no adapters directory is configured")
		}
		path = filepath.Join(s.dir, name)
	}
	var resp StatusResponse
	err = s.mutate("save", func(h *adapters.Host) error {
		if err := h.SaveAdapter(path, name); err != nil {
			return err
		}
		resp = s.status(name)
		resp.Path = path
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleLoadAdapter(c *echo.Context) error {
	req, err := decodeJSON[LoadAdapterRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Path == "" {
		return writeBadRequest(c, "path is required")
	}
	opts := []adapters.AddOption{adapters.LoadName(req.Name)}
	if req.Activate {
		opts = append(opts, adapters.Activate())
	}
	var resp StatusResponse
	err = s.mutate("load", func(h *adapters.Host) error {
		name, err := h.LoadAdapter(req.Path, opts...)
		if err != nil {
			return err
		}
		resp = s.status(name)
		resp.Path = req.Path
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleAddFusion(c *echo.Context) error {
	req, err := decodeJSON[AddFusionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Adapters) == 0 {
		return writeBadRequest(c, "adapters is required")
	}
	var opts []adapters.AddOption
	if req.Activate {
		opts = append(opts, adapters.Activate())
	}
	if req.Overwrite {
		opts = append(opts, adapters.Overwrite())
	}
	var resp StatusResponse
	err = s.mutate("add_fusion", func(h *adapters.Host) error {
		if err := h.AddFusion(req.Adapters, req.Config, opts...); err != nil {
			return err
		}
		resp = s.status(strings.Join(req.Adapters, ","))
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleDeleteFusion(c *echo.Context) error {
	name := c.Param("name")
	var resp StatusResponse
	err := s.mutate("delete_fusion", func(h *adapters.Host) error {
		if err := h.DeleteFusion(name); err != nil {
			return err
		}
		resp = s.status(name)
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetActive(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, s.status(""))
}

func (s *Server) handleSetActive(c *echo.Context) error {
	req, err := decodeJSON[SetActiveRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	program, err := programValue(req.Program)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	var resp StatusResponse
	err = s.mutate("set_active", func(h *adapters.Host) error {
		if err := h.SetActive(program); err != nil {
			return err
		}
		resp = s.status("")
		return nil
	})
	if err != nil {
		return writeFailure(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeactivate(c *echo.Context) error {
	var resp StatusResponse
	_ = s.mutate("set_active", func(h *adapters.Host) error {
		h.Deactivate()
		resp = s.status("")
		return nil
	})
	return c.JSON(http.StatusOK, resp)
}

// programValue converts a decoded JSON program into what Host.SetActive
// takes.
func programValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string:
		return t, nil
	case []any:
		names := make([]string, 0, len(t))
		for _, item := range t {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("program: list items must be adapter names")
			}
			names = append(names, name)
		}
		return names, nil
	}
	return nil, fmt.Errorf("program: expected string, list of names or null")
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	in, err := forwardInput(&req)
	if err != nil {
		return writeFailure(c, err)
	}

	s.mu.Lock()
	start := s.clock()
	resp, err := s.forward(&req, in)
	s.metrics.observeForward(start, err)
	s.mu.Unlock()
	if err != nil {
		s.log.Debug("forward failed", "error", err)
		return writeFailure(c, err)
	}
	if req.Store {
		s.store.Save(*resp)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) forward(req *ForwardRequest, in model.Input) (*ForwardResponse, error) {
	h := s.model.Host
	if req.Active != nil {
		prev := h.Active()
		if err := h.SetActive(*req.Active); err != nil {
			return nil, err
		}
		defer func() { _ = h.SetActive(prev) }()
	}
	out, err := s.model.Forward(in, adapters.ForwardOptions{
		OutputGating: req.OutputGating,
		OutputFusion: req.OutputFusion,
	})
	if err != nil {
		return nil, newInvalidRequest(err.Error())
	}
	resp := &ForwardResponse{
		ID:        newForwardID(),
		Object:    "forward",
		CreatedAt: s.clock().Unix(),
		Active:    s.active(),
		Shape:     []int{out.Hidden.B, out.Hidden.T, out.Hidden.D},
		Hidden:    nested(out.Hidden),
		Channels:  out.Capture.Channels,
	}
	for key, g := range out.Capture.Gating {
		resp.Gating = append(resp.Gating, Score{Name: key.Name, Layer: key.Layer, Location: key.Location.String(), Gating: g})
	}
	for key, w := range out.Capture.Fusion {
		resp.Fusion = append(resp.Fusion, Score{Name: key.Name, Layer: key.Layer, Location: key.Location.String(), Fusion: nested(w)})
	}
	slices.SortFunc(resp.Gating, compareScores)
	slices.SortFunc(resp.Fusion, compareScores)
	return resp, nil
}

func compareScores(a, b Score) int {
	return cmp.Or(
		cmp.Compare(a.Layer, b.Layer),
		cmp.Compare(a.Location, b.Location),
		cmp.Compare(a.Name, b.Name),
	)
}

func forwardInput(req *ForwardRequest) (model.Input, error) {
	if len(req.InputIDs) == 0 && len(req.Features) == 0 {
		return model.Input{}, newInvalidRequest("input_ids or features is required")
	}
	if len(req.InputIDs) > 0 && len(req.Features) > 0 {
		return model.Input{}, newInvalidRequest("input_ids and features are mutually exclusive")
	}
	in := model.Input{
		IDs:        req.InputIDs,
		TokenTypes: req.TokenTypeIDs,
		DecoderIDs: req.DecoderInputIDs,
	}
	var err error
	if in.Features, err = featureBatch(req.Features); err != nil {
		return in, err
	}
	if in.Mask, err = maskBatch("attention_mask", req.Mask); err != nil {
		return in, err
	}
	if in.DecoderMask, err = maskBatch("decoder_attention_mask", req.DecoderMask); err != nil {
		return in, err
	}
	return in, nil
}

func (s *Server) handleGetForward(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "forward result not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteForward(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "forward result not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "forward.deleted",
		"deleted": true,
	})
}
