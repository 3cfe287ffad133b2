// Package driver serves the provisioner and the host iSCSI resolver over the
// CSI gRPC interface.
package driver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"google.golang.org/grpc"
	"k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
	"github.com/iXsystems/truenas-iscsi/pkg/config"
	"github.com/iXsystems/truenas-iscsi/pkg/iscsi"
	"github.com/iXsystems/truenas-iscsi/pkg/provisioner"
)

const (
	DriverName    = "iscsi.csi.truenas.io"
	DriverVersion = "0.1.0"

	GracefulShutdownTimeout = 30 * time.Second

	// klog.V levels
	LogLevelInfo  = 2
	LogLevelDebug = 4
	LogLevelTrace = 5

	DefaultFSType = "ext4"

	// Publish context keys, read back by NodeStageVolume and NodePublishVolume.
	PublishContextTargetIQN     = "targetIQN"
	PublishContextTargetPortals = "targetPortals"
	PublishContextLUN           = "lun"

	TopologyKeyNode = "topology.iscsi.csi.truenas.io/node"

	// DefaultStateDir holds the attachment records of staged volumes.
	DefaultStateDir = "/var/lib/truenas-iscsi/attachments"

	maxLeafLength = client.MaxExtentNameLength
)

// Appliance is the connection-level part of the appliance client.
type Appliance interface {
	Ping(ctx context.Context) error
	Close() error
}

// Host attaches exposed LUNs on the local machine. *iscsi.Resolver
// implements it.
type Host interface {
	EnsureSession(ctx context.Context, spec iscsi.TargetSpec) error
	ResolveDevice(ctx context.Context, iqn string, lun int) (string, error)
	Rescan(ctx context.Context, iqn string, lun int) error
	Logout(ctx context.Context, spec iscsi.TargetSpec) error
}

// Resizer grows the filesystem on a device. *mount.ResizeFs implements it.
type Resizer interface {
	Resize(devicePath, deviceMountPath string) (bool, error)
}

type Driver struct {
	name     string
	version  string
	nodeID   string
	endpoint string

	log       logr.Logger
	cfg       config.Config
	appliance Appliance
	prov      provisioner.Interface
	host      Host

	identityServer   csi.IdentityServer
	controllerServer csi.ControllerServer
	nodeServer       csi.NodeServer

	server *grpc.Server

	controllerCaps []*csi.ControllerServiceCapability
	nodeCaps       []*csi.NodeServiceCapability
	pluginCaps     []*csi.PluginCapability
	volumeCaps     []*csi.VolumeCapability_AccessMode
}

// Options configures NewDriver.
type Options struct {
	NodeID   string
	Endpoint string
	// Config must already be validated.
	Config config.Config

	// Logger is used by the driver and everything below it. Logging is
	// disabled when unset.
	Logger logr.Logger
	// Registerer receives the appliance client metrics. Optional.
	Registerer prometheus.Registerer
	// StateDir keeps node attachment records across restarts. Defaults
	// to DefaultStateDir.
	StateDir string
}

// NewDriver connects to the appliance and wires the provisioner, the host
// resolver and the CSI services on top of it.
func NewDriver(opts *Options) (*Driver, error) {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node ID is required")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	c, err := client.New(opts.Config.ClientConfig(log, opts.Registerer))
	if err != nil {
		return nil, fmt.Errorf("failed to create appliance client: %w", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to reach appliance %s: %w", opts.Config.Host, err)
	}

	resolver := iscsi.New(opts.Config, log)
	safeMounter := &mount.SafeFormatAndMount{Interface: mount.New(""), Exec: utilexec.New()}

	return newDriver(opts, log, c, provisioner.New(opts.Config, c, resolver, log), resolver, safeMounter, mount.NewResizeFs(safeMounter.Exec)), nil
}

func newDriver(opts *Options, log logr.Logger, appliance Appliance, prov provisioner.Interface, host Host, mounter *mount.SafeFormatAndMount, resizer Resizer) *Driver {
	d := &Driver{
		name:      DriverName,
		version:   DriverVersion,
		nodeID:    opts.NodeID,
		endpoint:  opts.Endpoint,
		log:       log,
		cfg:       opts.Config,
		appliance: appliance,
		prov:      prov,
		host:      host,
	}
	d.initializeCapabilities()

	d.identityServer = NewIdentityServer(d)
	d.controllerServer = NewControllerServer(d)
	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}
	d.nodeServer = NewNodeServer(d, mounter, resizer, iscsi.NewAttachments(afero.NewOsFs(), stateDir))
	return d
}

// Run serves the CSI services on the configured endpoint until ctx is done,
// a termination signal arrives or the server fails.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	listener, err := listen(d.endpoint)
	if err != nil {
		return err
	}

	d.server = grpc.NewServer(grpc.UnaryInterceptor(d.unaryInterceptor))
	csi.RegisterIdentityServer(d.server, d.identityServer)
	csi.RegisterControllerServer(d.server, d.controllerServer)
	csi.RegisterNodeServer(d.server, d.nodeServer)

	serverErr := make(chan error, 1)
	go func() {
		d.log.Info("CSI driver starting", "name", d.name, "version", d.version, "endpoint", d.endpoint, "nodeId", d.nodeID)
		serverErr <- d.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		d.log.V(LogLevelInfo).Info("Shutdown signal received, stopping CSI driver")
		d.Stop()
		return nil
	case err := <-serverErr:
		d.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

func listen(endpoint string) (net.Listener, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint: %w", err)
	}

	var addr string
	switch u.Scheme {
	case "unix":
		addr = u.Path
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(addr), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory: %w", err)
		}
	case "tcp":
		addr = u.Host
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", u.Scheme)
	}

	listener, err := net.Listen(u.Scheme, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Stop shuts the gRPC server down, forcing it after GracefulShutdownTimeout,
// and closes the appliance connection.
func (d *Driver) Stop() {
	if d.server != nil {
		done := make(chan struct{})
		go func() {
			d.server.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
			d.log.V(LogLevelInfo).Info("gRPC server stopped gracefully")
		case <-time.After(GracefulShutdownTimeout):
			d.log.V(LogLevelInfo).Info("Graceful shutdown timeout, forcing stop")
			d.server.Stop()
		}
	}

	if err := d.appliance.Close(); err != nil {
		d.log.V(LogLevelDebug).Info("Closing appliance client failed", "error", err.Error())
	}
	d.log.Info("CSI driver stopped")
}

type requestIDKey struct{}

// RequestID returns the id the interceptor attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (d *Driver) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	requestID := uuid.NewString()[:8]
	ctx = context.WithValue(ctx, requestIDKey{}, requestID)
	log := d.log.WithValues("method", info.FullMethod, "requestId", requestID)

	start := time.Now()
	log.V(LogLevelDebug).Info("GRPC call started")
	log.V(LogLevelTrace).Info("GRPC request", "request", sanitizeRequest(req))

	resp, err := handler(ctx, req)

	if err != nil {
		log.Error(err, "GRPC call failed", "duration", time.Since(start).String())
	} else {
		log.V(LogLevelDebug).Info("GRPC call completed", "duration", time.Since(start).String())
		log.V(LogLevelTrace).Info("GRPC response", "response", resp)
	}
	return resp, err
}

// sanitizeRequest drops secrets and credential-looking parameters from
// requests before they are logged.
func sanitizeRequest(req any) any {
	switch r := req.(type) {
	case *csi.CreateVolumeRequest:
		if r == nil {
			return nil
		}
		return &struct {
			Name               string
			CapacityRange      *csi.CapacityRange
			VolumeCapabilities int
			Parameters         map[string]string
			HasSecrets         bool
			HasContentSource   bool
		}{
			Name:               r.Name,
			CapacityRange:      r.CapacityRange,
			VolumeCapabilities: len(r.VolumeCapabilities),
			Parameters:         redactParameters(r.Parameters),
			HasSecrets:         len(r.Secrets) > 0,
			HasContentSource:   r.VolumeContentSource != nil,
		}
	case *csi.NodeStageVolumeRequest:
		if r == nil {
			return nil
		}
		return &struct {
			VolumeID          string
			StagingTargetPath string
			PublishContext    map[string]string
			HasSecrets        bool
		}{
			VolumeID:          r.VolumeId,
			StagingTargetPath: r.StagingTargetPath,
			PublishContext:    r.PublishContext,
			HasSecrets:        len(r.Secrets) > 0,
		}
	case *csi.CreateSnapshotRequest:
		if r == nil {
			return nil
		}
		return &struct {
			Name           string
			SourceVolumeID string
			Parameters     map[string]string
			HasSecrets     bool
		}{
			Name:           r.Name,
			SourceVolumeID: r.SourceVolumeId,
			Parameters:     redactParameters(r.Parameters),
			HasSecrets:     len(r.Secrets) > 0,
		}
	default:
		return req
	}
}

func redactParameters(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "secret") || strings.Contains(lk, "password") || strings.Contains(lk, "key") {
			v = "<redacted>"
		}
		out[k] = v
	}
	return out
}

func (d *Driver) initializeCapabilities() {
	for _, c := range []csi.ControllerServiceCapability_RPC_Type{
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
		csi.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
		csi.ControllerServiceCapability_RPC_CREATE_DELETE_SNAPSHOT,
		csi.ControllerServiceCapability_RPC_CLONE_VOLUME,
		csi.ControllerServiceCapability_RPC_EXPAND_VOLUME,
		csi.ControllerServiceCapability_RPC_GET_CAPACITY,
		csi.ControllerServiceCapability_RPC_GET_VOLUME,
	} {
		d.controllerCaps = append(d.controllerCaps, &csi.ControllerServiceCapability{
			Type: &csi.ControllerServiceCapability_Rpc{
				Rpc: &csi.ControllerServiceCapability_RPC{Type: c},
			},
		})
	}

	for _, c := range []csi.NodeServiceCapability_RPC_Type{
		csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME,
		csi.NodeServiceCapability_RPC_GET_VOLUME_STATS,
		csi.NodeServiceCapability_RPC_EXPAND_VOLUME,
	} {
		d.nodeCaps = append(d.nodeCaps, &csi.NodeServiceCapability{
			Type: &csi.NodeServiceCapability_Rpc{
				Rpc: &csi.NodeServiceCapability_RPC{Type: c},
			},
		})
	}

	d.pluginCaps = []*csi.PluginCapability{
		{
			Type: &csi.PluginCapability_Service_{
				Service: &csi.PluginCapability_Service{
					Type: csi.PluginCapability_Service_CONTROLLER_SERVICE,
				},
			},
		},
		{
			Type: &csi.PluginCapability_VolumeExpansion_{
				VolumeExpansion: &csi.PluginCapability_VolumeExpansion{
					Type: csi.PluginCapability_VolumeExpansion_ONLINE,
				},
			},
		},
	}

	// A LUN carries no cluster filesystem, so writers stay on one node.
	d.volumeCaps = []*csi.VolumeCapability_AccessMode{
		{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER},
		{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_READER_ONLY},
		{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_SINGLE_WRITER},
		{Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_MULTI_WRITER},
		{Mode: csi.VolumeCapability_AccessMode_MULTI_NODE_READER_ONLY},
	}
}

// Log returns the driver's logger, tagged with the request id the
// interceptor attached to ctx.
func (d *Driver) Log(ctx context.Context) logr.Logger {
	if id := RequestID(ctx); id != "" {
		return d.log.WithValues("requestId", id)
	}
	return d.log
}

// NodeID returns the node identifier
func (d *Driver) NodeID() string {
	return d.nodeID
}

// validateVolumeCapability checks the access type and mode of one capability.
func (d *Driver) validateVolumeCapability(c *csi.VolumeCapability) error {
	if c == nil {
		return errors.New("volume capability is nil")
	}
	if c.GetBlock() == nil && c.GetMount() == nil {
		return errors.New("either block or mount volume capability is required")
	}
	if c.AccessMode == nil {
		return errors.New("access mode is required")
	}
	for _, supported := range d.volumeCaps {
		if c.AccessMode.Mode == supported.Mode {
			return nil
		}
	}
	return fmt.Errorf("access mode %v not supported", c.AccessMode.Mode)
}

func (d *Driver) validateVolumeCapabilities(caps []*csi.VolumeCapability) error {
	if len(caps) == 0 {
		return errors.New("volume capabilities are required")
	}
	for _, c := range caps {
		if err := d.validateVolumeCapability(c); err != nil {
			return err
		}
	}
	return nil
}

var invalidLeafChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeVolumeName maps a CSI volume or snapshot name onto a valid
// extent leaf. Names that had to be rewritten or shortened carry a hash of
// the original, so distinct names never share a leaf and the same request
// name always yields the same one.
func SanitizeVolumeName(name string) string {
	leaf := invalidLeafChars.ReplaceAllString(name, "_")
	if leaf == "" || !isAlnum(leaf[0]) {
		leaf = "vol-" + leaf
	}
	if leaf == name && len(leaf) <= maxLeafLength {
		return leaf
	}
	sum := sha1.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:8]
	if len(leaf)+len(suffix)+1 > maxLeafLength {
		suffix = hex.EncodeToString(sum[:])[:16]
		leaf = leaf[:maxLeafLength-len(suffix)-1]
	}
	return leaf + "-" + suffix
}

func isAlnum(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
