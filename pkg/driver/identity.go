package driver

import (
	"context"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// IdentityServer implements the CSI Identity service.
type IdentityServer struct {
	driver *Driver
	csi.UnimplementedIdentityServer
}

func NewIdentityServer(driver *Driver) *IdentityServer {
	return &IdentityServer{driver: driver}
}

func (s *IdentityServer) GetPluginInfo(ctx context.Context, req *csi.GetPluginInfoRequest) (*csi.GetPluginInfoResponse, error) {
	return &csi.GetPluginInfoResponse{Name: s.driver.name, VendorVersion: s.driver.version}, nil
}

func (s *IdentityServer) GetPluginCapabilities(ctx context.Context, req *csi.GetPluginCapabilitiesRequest) (*csi.GetPluginCapabilitiesResponse, error) {
	return &csi.GetPluginCapabilitiesResponse{
		Capabilities: s.driver.pluginCaps,
	}, nil
}

// Probe reports ready only while the appliance answers a ping.
func (s *IdentityServer) Probe(ctx context.Context, req *csi.ProbeRequest) (*csi.ProbeResponse, error) {
	if err := s.driver.appliance.Ping(ctx); err != nil {
		s.driver.Log(ctx).Error(err, "Health check failed")
		return nil, status.Errorf(codes.FailedPrecondition, "appliance unreachable: %v", err)
	}
	return &csi.ProbeResponse{Ready: wrapperspb.Bool(true)}, nil
}
