package api

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"Go2NetSentry/internal/capture"
)

// CaptureService is the health service name reflecting the capture session.
const CaptureService = "capture"

// Health serves the gRPC health protocol. The overall service is SERVING
// while the process runs; CaptureService follows the capture session.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	srv.SetServingStatus(CaptureService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Health{srv: srv}
}

// Register adds the health service to g.
func (h *Health) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, h.srv)
}

// CaptureStatusChanged implements capture.StatusListener.
func (h *Health) CaptureStatusChanged(s capture.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.Capturing {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(CaptureService, status)
}

// Shutdown marks every service NOT_SERVING.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}
