// Package httpapi exposes the board controller over a small JSON API.
package httpapi

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/brainwire/boardkit/internal/boardcontroller"
	"github.com/brainwire/boardkit/internal/conf"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// handle maps an opaque session id to the controller's session key.
type handle struct {
	BoardID int    `json:"board_id"`
	Params  string `json:"params"`
}

// Server is the HTTP front of a Controller.
type Server struct {
	echo       *echo.Echo
	controller *boardcontroller.Controller
	log        logger.Logger
	bufferSize int

	mu       sync.RWMutex
	sessions map[string]handle
}

// Options configures a Server.
type Options struct {
	Controller *boardcontroller.Controller
	// Metrics is mounted on GET /metrics when non-nil.
	Metrics http.Handler
	Logger  logger.Logger
	// BufferSize is used when a start request omits buffer_size.
	BufferSize int
}

// New builds a server and registers its routes.
func New(opts Options) (*Server, error) {
	if opts.Controller == nil {
		return nil, errors.Newf("http api requires a controller").
			Component("httpapi").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global().Module("httpapi")
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = conf.DefaultBufferSize
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	s := &Server{
		echo:       e,
		controller: opts.Controller,
		log:        opts.Logger,
		bufferSize: opts.BufferSize,
		sessions:   make(map[string]handle),
	}

	api := e.Group("/api/v1")
	api.POST("/sessions", s.PrepareSession)
	api.GET("/sessions", s.ListSessions)

	sess := api.Group("/sessions/:id", s.resolveSession)
	sess.POST("/start", s.StartStream)
	sess.POST("/stop", s.StopStream)
	sess.DELETE("", s.ReleaseSession)
	sess.GET("/count", s.DataCount)
	sess.GET("/data", s.Data)
	sess.GET("/current", s.CurrentData)
	sess.POST("/config", s.ConfigBoard)
	sess.POST("/markers", s.InsertMarker)

	api.GET("/boards/:board_id", s.BoardDescriptor)

	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return s, nil
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logger.String("address", addr))
		errCh <- s.echo.Start(addr)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.New(err).
			Component("httpapi").
			Category(errors.CategoryNetwork).
			Context("address", addr).
			Build()
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http api shutdown", logger.Error(err))
	}
	<-errCh
	return nil
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// statusFor maps an exit code onto an HTTP status by class.
func statusFor(code errcode.Code) int {
	switch code {
	case errcode.InvalidArguments, errcode.InvalidBufferSize, errcode.UnsupportedBoard:
		return http.StatusBadRequest
	case errcode.BoardNotCreated:
		return http.StatusNotFound
	case errcode.PortAlreadyOpen, errcode.BoardAlreadyCreated, errcode.StreamAlreadyRunning,
		errcode.StreamThreadNotRunning, errcode.EmptyBuffer:
		return http.StatusConflict
	case errcode.SyncTimeoutError:
		return http.StatusGatewayTimeout
	case errcode.UnableToOpenPort, errcode.SetPortError, errcode.BoardWriteError,
		errcode.IncomingMsgError, errcode.InitialMsgError, errcode.BoardNotReady:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes err as an ErrorResponse.
func (s *Server) HandleError(ctx echo.Context, err error) error {
	code := errcode.Of(err)
	status := statusFor(code)
	resp := ErrorResponse{Code: int(code), Name: code.String(), Message: err.Error()}

	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.String("path", ctx.Request().URL.Path),
			logger.String("method", ctx.Request().Method),
			logger.Int("code", int(code)),
			logger.Error(err))
	} else {
		s.log.Debug("request rejected",
			logger.String("path", ctx.Request().URL.Path),
			logger.String("code", code.String()),
			logger.Error(err))
	}
	return ctx.JSON(status, resp)
}

func invalid(format string, args ...any) error {
	return errcode.New(errcode.InvalidArguments, "httpapi", format, args...)
}

const handleKey = "session"

func (s *Server) resolveSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		id := ctx.Param("id")
		if _, err := uuid.Parse(id); err != nil {
			return s.HandleError(ctx, invalid("malformed session id %q", id))
		}
		s.mu.RLock()
		h, ok := s.sessions[id]
		s.mu.RUnlock()
		if !ok {
			return s.HandleError(ctx, errcode.New(errcode.BoardNotCreated, "httpapi", "unknown session %s", id))
		}
		ctx.Set(handleKey, h)
		return next(ctx)
	}
}

func sessionOf(ctx echo.Context) handle {
	h, _ := ctx.Get(handleKey).(handle)
	return h
}

// intQuery reads an optional integer query parameter.
func intQuery(ctx echo.Context, name string, def int) (int, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid("query parameter %s: %q is not an integer", name, raw)
	}
	return v, nil
}

// PrepareRequest is the body of POST /sessions.
type PrepareRequest struct {
	BoardID *int   `json:"board_id"`
	Params  string `json:"params"`
}

// SessionResponse identifies a prepared session.
type SessionResponse struct {
	ID      string `json:"id"`
	BoardID int    `json:"board_id"`
	Params  string `json:"params"`
}

// PrepareSession handles POST /api/v1/sessions.
func (s *Server) PrepareSession(ctx echo.Context) error {
	var req PrepareRequest
	if err := ctx.Bind(&req); err != nil {
		return s.HandleError(ctx, invalid("malformed request body: %v", err))
	}
	if req.BoardID == nil {
		return s.HandleError(ctx, invalid("board_id is required"))
	}
	if req.Params == "" {
		req.Params = "{}"
	}

	if err := s.controller.PrepareSession(ctx.Request().Context(), *req.BoardID, req.Params); err != nil {
		return s.HandleError(ctx, err)
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = handle{BoardID: *req.BoardID, Params: req.Params}
	s.mu.Unlock()

	s.log.Info("session prepared", logger.String("id", id), logger.Int("board_id", *req.BoardID))
	return ctx.JSON(http.StatusCreated, SessionResponse{ID: id, BoardID: *req.BoardID, Params: req.Params})
}

// ListSessions handles GET /api/v1/sessions.
func (s *Server) ListSessions(ctx echo.Context) error {
	s.mu.RLock()
	out := make([]SessionResponse, 0, len(s.sessions))
	for id, h := range s.sessions {
		out = append(out, SessionResponse{ID: id, BoardID: h.BoardID, Params: h.Params})
	}
	s.mu.RUnlock()
	return ctx.JSON(http.StatusOK, out)
}

// StartRequest is the body of POST /sessions/:id/start.
type StartRequest struct {
	BufferSize     int    `json:"buffer_size"`
	StreamerParams string `json:"streamer_params"`
}

// StatusResponse acknowledges a state change.
type StatusResponse struct {
	Status string `json:"status"`
}

// StartStream handles POST /api/v1/sessions/:id/start.
func (s *Server) StartStream(ctx echo.Context) error {
	req := StartRequest{}
	if err := ctx.Bind(&req); err != nil {
		return s.HandleError(ctx, invalid("malformed request body: %v", err))
	}
	if req.BufferSize == 0 {
		req.BufferSize = s.bufferSize
	}
	h := sessionOf(ctx)
	if err := s.controller.StartStream(ctx.Request().Context(), req.BufferSize, req.StreamerParams, h.BoardID, h.Params); err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, StatusResponse{Status: "streaming"})
}

// StopStream handles POST /api/v1/sessions/:id/stop.
func (s *Server) StopStream(ctx echo.Context) error {
	h := sessionOf(ctx)
	if err := s.controller.StopStream(ctx.Request().Context(), h.BoardID, h.Params); err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, StatusResponse{Status: "prepared"})
}

// ReleaseSession handles DELETE /api/v1/sessions/:id.
func (s *Server) ReleaseSession(ctx echo.Context) error {
	id := ctx.Param("id")
	h := sessionOf(ctx)
	err := s.controller.ReleaseSession(ctx.Request().Context(), h.BoardID, h.Params)

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.NoContent(http.StatusNoContent)
}

// CountResponse reports buffered samples.
type CountResponse struct {
	Count int `json:"count"`
}

// DataCount handles GET /api/v1/sessions/:id/count.
func (s *Server) DataCount(ctx echo.Context) error {
	preset, err := intQuery(ctx, "preset", 0)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	h := sessionOf(ctx)
	n, err := s.controller.GetBoardDataCount(preset, h.BoardID, h.Params)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, CountResponse{Count: n})
}

// DataResponse carries a channel-major block of samples.
type DataResponse struct {
	Rows    int         `json:"rows"`
	Samples int         `json:"samples"`
	Data    [][]float64 `json:"data"`
}

func newDataResponse(data [][]float64) DataResponse {
	resp := DataResponse{Rows: len(data), Data: data}
	if len(data) > 0 {
		resp.Samples = len(data[0])
	}
	return resp
}

// Data handles GET /api/v1/sessions/:id/data. The samples returned are
// removed from the session buffer.
func (s *Server) Data(ctx echo.Context) error {
	return s.readData(ctx, s.controller.GetBoardData, 0)
}

// CurrentData handles GET /api/v1/sessions/:id/current.
func (s *Server) CurrentData(ctx echo.Context) error {
	return s.readData(ctx, s.controller.GetCurrentBoardData, 1)
}

func (s *Server) readData(ctx echo.Context, read func(count, preset, boardID int, params string) ([][]float64, error), defCount int) error {
	count, err := intQuery(ctx, "count", defCount)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	preset, err := intQuery(ctx, "preset", 0)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	h := sessionOf(ctx)
	data, err := read(count, preset, h.BoardID, h.Params)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, newDataResponse(data))
}

// ConfigRequest is the body of POST /sessions/:id/config.
type ConfigRequest struct {
	Command string `json:"command"`
}

// ConfigResponse carries the device reply.
type ConfigResponse struct {
	Response string `json:"response"`
}

// ConfigBoard handles POST /api/v1/sessions/:id/config.
func (s *Server) ConfigBoard(ctx echo.Context) error {
	var req ConfigRequest
	if err := ctx.Bind(&req); err != nil {
		return s.HandleError(ctx, invalid("malformed request body: %v", err))
	}
	h := sessionOf(ctx)
	resp, err := s.controller.ConfigBoard(ctx.Request().Context(), req.Command, h.BoardID, h.Params)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.JSON(http.StatusOK, ConfigResponse{Response: resp})
}

// MarkerRequest is the body of POST /sessions/:id/markers.
type MarkerRequest struct {
	Value  float64 `json:"value"`
	Preset int     `json:"preset"`
}

// InsertMarker handles POST /api/v1/sessions/:id/markers.
func (s *Server) InsertMarker(ctx echo.Context) error {
	var req MarkerRequest
	if err := ctx.Bind(&req); err != nil {
		return s.HandleError(ctx, invalid("malformed request body: %v", err))
	}
	h := sessionOf(ctx)
	if err := s.controller.InsertMarker(req.Value, req.Preset, h.BoardID, h.Params); err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.NoContent(http.StatusAccepted)
}

// BoardDescriptor handles GET /api/v1/boards/:board_id.
func (s *Server) BoardDescriptor(ctx echo.Context) error {
	raw := ctx.Param("board_id")
	boardID, err := strconv.Atoi(raw)
	if err != nil {
		return s.HandleError(ctx, invalid("board id %q is not an integer", raw))
	}
	preset, err := intQuery(ctx, "preset", 0)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	descr, err := s.controller.GetBoardDescr(boardID, preset)
	if err != nil {
		return s.HandleError(ctx, err)
	}
	return ctx.Blob(http.StatusOK, echo.MIMEApplicationJSON, []byte(descr))
}
