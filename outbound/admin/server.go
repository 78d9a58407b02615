package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/circuitbreaker"
	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

var (
	// ErrStoreRequired indicates a server built without a store.
	ErrStoreRequired = errors.New("store is required")
	// ErrReplayerRequired indicates a server built without a replayer.
	ErrReplayerRequired = errors.New("replayer is required")
	// ErrEnqueuerRequired indicates a server built without an enqueuer.
	ErrEnqueuerRequired = errors.New("enqueuer is required")
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// errorResponse is the JSON body returned for every non-2xx status.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// enqueueRequest is the body accepted by POST /v1/events.
type enqueueRequest struct {
	TenantID  string          `json:"tenantId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	DedupeKey string          `json:"dedupeKey"`
}

// statsResponse carries per-status counts for one tenant or the whole table.
type statsResponse struct {
	TenantID string           `json:"tenantId,omitempty"`
	Counts   map[string]int64 `json:"counts"`
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger for request failures.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithBreakerRegistry exposes breaker states on GET /v1/breakers. Without
// it the route reports an empty map.
func WithBreakerRegistry(registry *circuitbreaker.Registry) Option {
	return func(server *Server) {
		server.breakers = registry
	}
}

// Server wires the outbox surfaces into a fiber application.
type Server struct {
	store    outbox.Store
	enqueuer *outbox.Enqueuer
	replayer *outbox.Replayer
	breakers *circuitbreaker.Registry
	logger   *zap.Logger
	app      *fiber.App
}

// NewServer builds the admin API around the given store, enqueuer, and
// replayer.
func NewServer(store outbox.Store, enqueuer *outbox.Enqueuer, replayer *outbox.Replayer, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if enqueuer == nil {
		return nil, ErrEnqueuerRequired
	}

	if replayer == nil {
		return nil, ErrReplayerRequired
	}

	server := &Server{
		store:    store,
		enqueuer: enqueuer,
		replayer: replayer,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          server.handleError,
	})

	app.Get("/health", server.health)

	v1 := app.Group("/v1")
	v1.Post("/events", server.enqueueEvent)
	v1.Get("/events", server.listEvents)
	v1.Get("/events/:id", server.getEvent)
	v1.Post("/events/:id/replay", server.replayEvent)
	v1.Get("/stats", server.stats)
	v1.Get("/breakers", server.breakerStates)

	server.app = app

	return server, nil
}

// App returns the underlying fiber application for listening and testing.
func (server *Server) App() *fiber.App {
	return server.app
}

// Listen blocks serving the API on address.
func (server *Server) Listen(address string) error {
	return server.app.Listen(address)
}

// Shutdown gracefully stops the API.
func (server *Server) Shutdown() error {
	return server.app.Shutdown()
}

func (server *Server) health(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"status": "ok"})
}

func (server *Server) enqueueEvent(c *fiber.Ctx) error {
	var request enqueueRequest
	if err := c.BodyParser(&request); err != nil {
		return badRequest(c, "INVALID_BODY", "request body must be valid JSON")
	}

	kind, err := outbox.ParseKind(request.Kind)
	if err != nil {
		return badRequest(c, "UNKNOWN_KIND", err.Error())
	}

	event, err := server.enqueuer.Enqueue(c.UserContext(), request.TenantID, kind, request.Payload, request.DedupeKey)
	if err != nil {
		if isValidationError(err) {
			return badRequest(c, "INVALID_EVENT", err.Error())
		}

		server.logger.Error("admin enqueue failed", zap.Error(err))

		return internalError(c)
	}

	return c.Status(http.StatusCreated).JSON(event)
}

func (server *Server) listEvents(c *fiber.Ctx) error {
	status, err := outbox.ParseStatus(c.Query("status", string(outbox.StatusDead)))
	if err != nil {
		return badRequest(c, "INVALID_STATUS", err.Error())
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		return badRequest(c, "INVALID_LIMIT", err.Error())
	}

	events, err := server.store.ListByStatus(c.UserContext(), c.Query("tenantId"), status, limit)
	if err != nil {
		server.logger.Error("admin list events failed", zap.Error(err))

		return internalError(c)
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{"events": events})
}

func (server *Server) getEvent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "INVALID_ID", "event id must be a uuid")
	}

	event, err := server.store.GetByID(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			return notFound(c)
		}

		server.logger.Error("admin get event failed", zap.String("event_id", id.String()), zap.Error(err))

		return internalError(c)
	}

	return c.Status(http.StatusOK).JSON(event)
}

func (server *Server) replayEvent(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "INVALID_ID", "event id must be a uuid")
	}

	event, err := server.replayer.Replay(c.UserContext(), id)
	if err != nil {
		switch {
		case errors.Is(err, outbox.ErrEventNotFound):
			return notFound(c)
		case errors.Is(err, outbox.ErrNotDead):
			return c.Status(http.StatusConflict).JSON(errorResponse{
				Code:    "NOT_DEAD",
				Message: "only dead events can be replayed",
			})
		default:
			server.logger.Error("admin replay failed", zap.String("event_id", id.String()), zap.Error(err))

			return internalError(c)
		}
	}

	return c.Status(http.StatusOK).JSON(event)
}

func (server *Server) stats(c *fiber.Ctx) error {
	tenantID := c.Query("tenantId")

	counts, err := server.replayer.Counts(c.UserContext(), tenantID)
	if err != nil {
		server.logger.Error("admin stats failed", zap.Error(err))

		return internalError(c)
	}

	response := statsResponse{
		TenantID: tenantID,
		Counts:   make(map[string]int64, len(counts)),
	}

	for status, count := range counts {
		response.Counts[string(status)] = count
	}

	return c.Status(http.StatusOK).JSON(response)
}

func (server *Server) breakerStates(c *fiber.Ctx) error {
	states := map[string]string{}

	if server.breakers != nil {
		for name, state := range server.breakers.States() {
			states[name] = string(state)
		}
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{"breakers": states})
}

func (server *Server) handleError(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(errorResponse{
			Code:    "HTTP_ERROR",
			Message: fiberErr.Message,
		})
	}

	server.logger.Error("admin request failed", zap.Error(err))

	return internalError(c)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}

	if limit > maxListLimit {
		limit = maxListLimit
	}

	return limit, nil
}

func isValidationError(err error) bool {
	return errors.Is(err, outbox.ErrTenantRequired) ||
		errors.Is(err, outbox.ErrDedupeKeyRequired) ||
		errors.Is(err, outbox.ErrPayloadRequired) ||
		errors.Is(err, outbox.ErrPayloadNotJSON) ||
		errors.Is(err, outbox.ErrPayloadTooLarge) ||
		errors.Is(err, outbox.ErrKindUnknown)
}

func badRequest(c *fiber.Ctx, code, message string) error {
	return c.Status(http.StatusBadRequest).JSON(errorResponse{Code: code, Message: message})
}

func notFound(c *fiber.Ctx) error {
	return c.Status(http.StatusNotFound).JSON(errorResponse{
		Code:    "EVENT_NOT_FOUND",
		Message: "event not found",
	})
}

func internalError(c *fiber.Ctx) error {
	return c.Status(http.StatusInternalServerError).JSON(errorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "unexpected failure",
	})
}
