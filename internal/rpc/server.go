package rpc

import (
	"context"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fernwiki/app/internal/db"
	"fernwiki/app/internal/wiki"
)

// Options configures the RPC transport wiring.
type Options struct {
	Registry    *Registry
	Database    *gorm.DB
	Logger      *logrus.Logger
	SentryHub   *sentry.Hub
	RateLimiter RateLimiterSettings
}

// RateLimiterSettings configures the transport rate limiter behaviour.
type RateLimiterSettings struct {
	RequestsPerSecond float64
	Burst             int
	ClientTTL         time.Duration
}

// Server is the transport adapter: it resolves method descriptors, applies
// the public/private flag before dispatch, and surfaces fault code/message
// pairs to callers.
type Server struct {
	api         huma.API
	mux         *stdhttp.ServeMux
	registry    *Registry
	logger      *logrus.Logger
	sentry      *sentry.Hub
	db          *gorm.DB
	rateLimiter *RateLimiter
}

// NewServer constructs the RPC transport server.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, eris.New("method registry is required")
	}
	if opts.Database == nil {
		return nil, eris.New("database is required")
	}

	settings := opts.RateLimiter
	if settings.Burst <= 0 {
		return nil, eris.New("rate limiter burst must be greater than zero")
	}
	if settings.RequestsPerSecond <= 0 {
		return nil, eris.New("rate limiter requests per second must be greater than zero")
	}
	if settings.ClientTTL <= 0 {
		return nil, eris.New("rate limiter client TTL must be greater than zero")
	}

	mux := stdhttp.NewServeMux()
	config := huma.DefaultConfig("Fernwiki RPC", "1.0.0")

	api := humago.New(mux, config)

	srv := &Server{
		api:         api,
		mux:         mux,
		registry:    opts.Registry,
		logger:      opts.Logger,
		sentry:      opts.SentryHub,
		db:          opts.Database,
		rateLimiter: NewRateLimiter(settings.Burst, settings.RequestsPerSecond, settings.ClientTTL),
	}

	srv.registerMiddlewares()
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the underlying HTTP handler for wiring into the application.
func (s *Server) Handler() stdhttp.Handler {
	return s.mux
}

// Close stops the rate limiter's background pruner.
func (s *Server) Close() {
	s.rateLimiter.Stop()
}

// API exposes the underlying Huma API instance.
func (s *Server) API() huma.API {
	return s.api
}

func (s *Server) registerMiddlewares() {
	s.api.UseMiddleware(
		s.sentryMiddleware(),
		s.recoveryMiddleware(),
		s.requestIDMiddleware(),
		s.rateLimitMiddleware(),
		s.loggingMiddleware(),
	)
}

func (s *Server) registerRoutes() {
	huma.Post(s.api, "/rpc", s.callHandler, func(op *huma.Operation) {
		op.Summary = "Invoke a catalog method"
	})
	huma.Get(s.api, "/rpc/methods", s.methodsHandler, func(op *huma.Operation) {
		op.Summary = "List the method catalog"
	})
	huma.Get(s.api, "/healthz", s.healthHandler, func(op *huma.Operation) {
		op.Summary = "Health check"
	})
}

func (s *Server) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	s.mux.ServeHTTP(w, r)
}

type callInput struct {
	User   string `header:"X-Wiki-User"`
	Groups string `header:"X-Wiki-Groups"`
	Body   struct {
		Method string `json:"method"`
		Params []any  `json:"params,omitempty"`
	}
}

type faultView struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type callResponse struct {
	Status int
	Body   struct {
		Result any        `json:"result,omitempty"`
		Error  *faultView `json:"error,omitempty"`
	}
}

type methodView struct {
	Name   string   `json:"name"`
	Args   []string `json:"args"`
	Return string   `json:"return"`
	Public bool     `json:"public"`
	Doc    string   `json:"doc"`
}

type methodsResponse struct {
	Body struct {
		Methods []methodView `json:"methods"`
	}
}

type healthResponse struct {
	Status int
	Body   struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}
}

func (s *Server) callHandler(ctx context.Context, input *callInput) (*callResponse, error) {
	caller := wiki.Caller{
		Name: strings.TrimSpace(input.User),
		IP:   ClientIPFromContext(ctx),
	}
	if groups := strings.TrimSpace(input.Groups); groups != "" {
		for _, group := range strings.Split(groups, ",") {
			if trimmed := strings.TrimSpace(group); trimmed != "" {
				caller.Groups = append(caller.Groups, trimmed)
			}
		}
	}

	descriptor, err := s.registry.Lookup(input.Body.Method)
	if err != nil {
		return s.errorResponse(ctx, caller, input.Body.Method, err), nil
	}

	// Authentication is decided here, one layer above the handler: a method
	// not marked public never sees an unauthenticated caller.
	if !descriptor.Public && !caller.Authenticated() {
		fault := wiki.AccessDenied("method %s requires authentication", input.Body.Method)
		return s.errorResponse(ctx, caller, input.Body.Method, fault), nil
	}

	result, err := s.registry.Call(ctx, caller, input.Body.Method, input.Body.Params)
	if err != nil {
		return s.errorResponse(ctx, caller, input.Body.Method, err), nil
	}

	resp := &callResponse{Status: stdhttp.StatusOK}
	resp.Body.Result = result
	return resp, nil
}

func (s *Server) errorResponse(ctx context.Context, caller wiki.Caller, method string, err error) *callResponse {
	resp := &callResponse{}

	if fault, ok := wiki.FaultFrom(err); ok {
		resp.Status = statusForFault(fault.Kind)
		resp.Body.Error = &faultView{Code: fault.Code, Message: fault.Message}
		return resp
	}

	if eris.Is(err, ErrInvalidParams) {
		resp.Status = stdhttp.StatusBadRequest
		resp.Body.Error = &faultView{Code: 0, Message: err.Error()}
		return resp
	}

	s.recordError(ctx, err, "method call failed", logrus.Fields{"rpc_method": method, "caller": caller.Name})
	resp.Status = stdhttp.StatusInternalServerError
	resp.Body.Error = &faultView{Code: 0, Message: "internal server error"}
	return resp
}

func statusForFault(kind wiki.Kind) int {
	switch kind {
	case wiki.KindAccessDenied:
		return stdhttp.StatusForbidden
	case wiki.KindNotFound, wiki.KindUnknownMethod, wiki.KindNoChanges:
		return stdhttp.StatusNotFound
	case wiki.KindPageLocked, wiki.KindAttachmentInUse:
		return stdhttp.StatusConflict
	default:
		return stdhttp.StatusBadRequest
	}
}

func (s *Server) methodsHandler(ctx context.Context, _ *struct{}) (*methodsResponse, error) {
	descriptors := s.registry.Methods()

	resp := &methodsResponse{}
	resp.Body.Methods = make([]methodView, 0, len(descriptors))
	for _, descriptor := range descriptors {
		args := make([]string, 0, len(descriptor.Args))
		for _, tag := range descriptor.Args {
			args = append(args, string(tag))
		}
		returnTag := descriptor.Return
		if returnTag == "" {
			returnTag = TagVoid
		}
		resp.Body.Methods = append(resp.Body.Methods, methodView{
			Name:   descriptor.Name,
			Args:   args,
			Return: string(returnTag),
			Public: descriptor.Public,
			Doc:    descriptor.Doc,
		})
	}

	return resp, nil
}

func (s *Server) healthHandler(ctx context.Context, _ *struct{}) (*healthResponse, error) {
	resp := &healthResponse{}
	resp.Body.Status = "ok"
	resp.Body.Database = "ok"

	sqlDB, err := db.SQLDB(s.db)
	if err != nil {
		s.recordError(ctx, err, "obtaining sql db", nil)
		resp.Body.Status = "degraded"
		resp.Body.Database = "error"
		resp.Status = stdhttp.StatusServiceUnavailable
	} else if pingErr := sqlDB.PingContext(ctx); pingErr != nil {
		s.recordError(ctx, pingErr, "pinging database", nil)
		resp.Body.Status = "degraded"
		resp.Body.Database = "error"
		resp.Status = stdhttp.StatusServiceUnavailable
	}

	if resp.Status == 0 {
		resp.Status = stdhttp.StatusOK
	}

	return resp, nil
}

func (s *Server) recordError(ctx context.Context, err error, message string, fields logrus.Fields) {
	if err == nil {
		return
	}

	if s.logger != nil {
		entry := s.logger.WithField("error", err.Error())
		if fields != nil {
			entry = entry.WithFields(fields)
		}
		if requestID := RequestIDFromContext(ctx); requestID != "" {
			entry = entry.WithField("request_id", requestID)
		}
		entry.Error(message)
	}

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	if s.sentry != nil {
		s.sentry.CaptureException(err)
	}
}
