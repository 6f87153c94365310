package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"EscrowVault/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
)

const (
	// CallerHeader carries the caller principal, as gRPC metadata or HTTP header.
	CallerHeader = "x-caller"
	// RequestIDHeader carries a request id; one is generated when absent.
	RequestIDHeader = "x-request-id"
)

type ctxKey int

const (
	callerKey ctxKey = iota
	requestIDKey
)

// WithCaller returns ctx carrying the caller principal.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the caller principal of a request, or "".
func CallerFrom(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// RequestIDFrom returns the request id assigned at the edge.
func RequestIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func withRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *VaultService
	healthChecker *observability.HealthChecker
	healthServer  *health.Server
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds everything the transport layer needs.
type ServerDeps struct {
	Service       *VaultService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with VaultService, health and
// reflection registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	RegisterVaultServer(s.grpcServer, deps.Service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// Server exposes the underlying gRPC server (tests serve it on a bufconn).
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// unaryInterceptor lifts caller and request id out of metadata, then records
// latency and error codes per method.
func (s *GRPCServer) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	var requestID string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CallerHeader); len(v) > 0 {
			ctx = WithCaller(ctx, v[0])
		}
		if v := md.Get(RequestIDHeader); len(v) > 0 {
			requestID = v[0]
		}
	}
	ctx = withRequestID(ctx, requestID)

	start := time.Now()
	resp, err := handler(ctx, req)
	recordRequest(ctx, s.metrics, s.logger, info.FullMethod, start, err)
	return resp, err
}

// recordRequest observes one gRPC or gateway request.
func recordRequest(ctx context.Context, metrics *observability.Metrics, logger zerolog.Logger, method string, start time.Time, err error) {
	elapsed := time.Since(start)
	if metrics != nil {
		metrics.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		if err != nil {
			metrics.RequestErrors.WithLabelValues(method, codeOf(err).String()).Inc()
		}
	}

	ev := logger.Debug()
	if err != nil {
		ev = logger.Warn().Err(err).Str("code", codeOf(err).String())
	}
	ev.Str("method", method).
		Str("caller", CallerFrom(ctx)).
		Str("request_id", RequestIDFrom(ctx)).
		Dur("elapsed", elapsed).
		Msg("request")
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// HTTPHandler builds the HTTP surface: the JSON gateway plus /healthz and
// /readyz.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	gw, err := NewGateway(s.service, s.metrics, s.logger)
	if err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", gw)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP/JSON surface (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
