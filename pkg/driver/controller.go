package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
	"github.com/iXsystems/truenas-iscsi/pkg/provisioner"
)

const (
	defaultOperationTimeout = 5 * time.Minute
	shortOperationTimeout   = 30 * time.Second

	DefaultVolumeSize = int64(1) << 30

	// StorageClass parameters
	ParamThin         = "thin"
	ParamVolblocksize = "volblocksize"
	ParamBlockSize    = "blocksize"

	VolumeContextTargetIQN = "targetIQN"
	VolumeContextLUN       = "lun"
)

// ControllerServer implements the CSI Controller service
type ControllerServer struct {
	driver *Driver
	csi.UnimplementedControllerServer
}

// withTimeout wraps a context with a timeout if it doesn't already have a deadline
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func NewControllerServer(d *Driver) *ControllerServer {
	return &ControllerServer{driver: d}
}

// requestedSize picks the size to provision from a capacity range.
func requestedSize(cr *csi.CapacityRange) (int64, error) {
	if cr == nil {
		return DefaultVolumeSize, nil
	}
	required, limit := cr.RequiredBytes, cr.LimitBytes
	if required < 0 || limit < 0 {
		return 0, fmt.Errorf("capacity range cannot be negative")
	}
	if limit > 0 && required > limit {
		return 0, fmt.Errorf("required bytes %d exceed limit bytes %d", required, limit)
	}
	if required == 0 {
		if limit > 0 && limit < DefaultVolumeSize {
			return limit, nil
		}
		return DefaultVolumeSize, nil
	}
	return required, nil
}

// provisionRequest maps StorageClass parameters onto a ProvisionRequest.
// Unknown keys, including the csi.storage.k8s.io ones, are ignored.
func provisionRequest(name string, size int64, params map[string]string) (provisioner.ProvisionRequest, error) {
	req := provisioner.ProvisionRequest{Name: name, Size: size}
	if v, ok := params[ParamThin]; ok {
		thin, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("parameter %s: %q is not a boolean", ParamThin, v)
		}
		req.Thin = &thin
	}
	if v, ok := params[ParamBlockSize]; ok {
		bs, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("parameter %s: %q is not an integer", ParamBlockSize, v)
		}
		req.BlockSize = bs
	}
	if v, ok := params[ParamVolblocksize]; ok {
		req.Volblocksize = strings.ToUpper(v)
	}
	return req, nil
}

func volumeFromHandle(h provisioner.VolumeHandle, src *csi.VolumeContentSource) *csi.Volume {
	return &csi.Volume{
		VolumeId:      h.ID(),
		CapacityBytes: h.Size,
		VolumeContext: map[string]string{
			VolumeContextTargetIQN: h.TargetIQN,
			VolumeContextLUN:       strconv.Itoa(h.LUN),
		},
		ContentSource: src,
	}
}

// lookupVolume resolves a CSI volume id to the exposed volume. Malformed
// ids and volumes that are not exposed both yield NotFound.
func (s *ControllerServer) lookupVolume(ctx context.Context, volumeID string) (provisioner.VolumeHandle, error) {
	h, err := provisioner.ParseHandle(volumeID)
	if err != nil {
		return h, status.Errorf(codes.NotFound, "volume %s not found: %v", volumeID, err)
	}
	vh, err := s.driver.prov.Lookup(ctx, h.Name)
	if err != nil {
		return h, toStatus(err, fmt.Sprintf("look up volume %s", volumeID))
	}
	if vh.LUN != h.LUN {
		return h, status.Errorf(codes.NotFound, "volume %s not found: %s is now LUN %d", volumeID, h.Name, vh.LUN)
	}
	return vh, nil
}

// CreateVolume exposes a new zvol, or a clone when a content source is set.
// Repeating a request returns the volume created the first time.
func (s *ControllerServer) CreateVolume(ctx context.Context, req *csi.CreateVolumeRequest) (*csi.CreateVolumeResponse, error) {
	ctx, cancel := withTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "volume name is required")
	}
	if err := s.driver.validateVolumeCapabilities(req.VolumeCapabilities); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid volume capabilities: %v", err)
	}
	size, err := requestedSize(req.CapacityRange)
	if err != nil {
		return nil, status.Errorf(codes.OutOfRange, "invalid capacity range: %v", err)
	}

	leaf := SanitizeVolumeName(req.Name)
	log := s.driver.Log(ctx).WithValues("name", req.Name, "leaf", leaf)

	existing, err := s.driver.prov.Lookup(ctx, leaf)
	switch {
	case err == nil:
		if existing.Size < size {
			return nil, status.Errorf(codes.AlreadyExists, "volume %s already exists with %d bytes, %d bytes requested", existing.ID(), existing.Size, size)
		}
		log.V(LogLevelDebug).Info("Volume already exists", "volumeId", existing.ID())
		return &csi.CreateVolumeResponse{Volume: volumeFromHandle(existing, req.VolumeContentSource)}, nil
	case !isNotFound(err):
		return nil, toStatus(err, "look up existing volume")
	}

	preq, err := provisionRequest(leaf, size, req.Parameters)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid storage class parameters: %v", err)
	}

	var h provisioner.VolumeHandle
	switch src := req.VolumeContentSource; {
	case src == nil:
		h, err = s.driver.prov.CreateVolume(ctx, preq)
	case src.GetSnapshot() != nil:
		h, err = s.cloneSnapshot(ctx, src.GetSnapshot().SnapshotId, preq)
	case src.GetVolume() != nil:
		h, err = s.cloneVolume(ctx, src.GetVolume().VolumeId, preq)
	default:
		return nil, status.Error(codes.InvalidArgument, "unsupported volume content source")
	}
	if err != nil {
		return nil, toStatus(err, "create volume")
	}

	log.V(LogLevelInfo).Info("Volume created", "volumeId", h.ID(), "size", h.Size)
	return &csi.CreateVolumeResponse{Volume: volumeFromHandle(h, req.VolumeContentSource)}, nil
}

func (s *ControllerServer) cloneSnapshot(ctx context.Context, snapshotID string, preq provisioner.ProvisionRequest) (provisioner.VolumeHandle, error) {
	full, err := s.snapshotPath(snapshotID)
	if err != nil {
		return provisioner.VolumeHandle{}, status.Errorf(codes.NotFound, "snapshot %s not found: %v", snapshotID, err)
	}
	return s.driver.prov.Clone(ctx, full, preq)
}

// cloneVolume snapshots the source volume and clones that snapshot. The
// snapshot stays behind as the origin of the clone.
func (s *ControllerServer) cloneVolume(ctx context.Context, volumeID string, preq provisioner.ProvisionRequest) (provisioner.VolumeHandle, error) {
	src, err := s.lookupVolume(ctx, volumeID)
	if err != nil {
		return src, err
	}
	name := SanitizeVolumeName("clone-" + preq.Name)
	snap, err := s.driver.prov.LookupSnapshot(ctx, src, name)
	if isNotFound(err) {
		snap, err = s.driver.prov.Snapshot(ctx, src, name)
	}
	if err != nil {
		return src, err
	}
	return s.driver.prov.Clone(ctx, snap.ID, preq)
}

// DeleteVolume removes the volume. Unknown or malformed ids succeed.
func (s *ControllerServer) DeleteVolume(ctx context.Context, req *csi.DeleteVolumeRequest) (*csi.DeleteVolumeResponse, error) {
	ctx, cancel := withTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	h, err := provisioner.ParseHandle(req.VolumeId)
	if err != nil {
		s.driver.Log(ctx).V(LogLevelDebug).Info("Malformed volume ID, treating as deleted", "volumeId", req.VolumeId, "error", err.Error())
		return &csi.DeleteVolumeResponse{}, nil
	}
	if err := s.driver.prov.DeleteVolume(ctx, h); err != nil {
		return nil, toStatus(err, "delete volume")
	}
	return &csi.DeleteVolumeResponse{}, nil
}

// ControllerPublishVolume hands the node what it needs to log in: the target
// IQN, the portals and the LUN. The mapping already exists, so nothing
// changes on the appliance.
func (s *ControllerServer) ControllerPublishVolume(ctx context.Context, req *csi.ControllerPublishVolumeRequest) (*csi.ControllerPublishVolumeResponse, error) {
	ctx, cancel := withTimeout(ctx, shortOperationTimeout)
	defer cancel()

	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.NodeId == "" {
		return nil, status.Error(codes.InvalidArgument, "node ID is required")
	}
	if req.VolumeCapability == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if err := s.driver.validateVolumeCapability(req.VolumeCapability); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported volume capability: %v", err)
	}

	h, err := s.lookupVolume(ctx, req.VolumeId)
	if err != nil {
		return nil, err
	}

	s.driver.Log(ctx).V(LogLevelDebug).Info("Publishing volume", "volumeId", req.VolumeId, "nodeId", req.NodeId, "iqn", h.TargetIQN, "lun", h.LUN)
	return &csi.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{
			PublishContextTargetIQN:     h.TargetIQN,
			PublishContextTargetPortals: strings.Join(s.driver.cfg.Portals, ","),
			PublishContextLUN:           strconv.Itoa(h.LUN),
		},
	}, nil
}

func (s *ControllerServer) ControllerUnpublishVolume(ctx context.Context, req *csi.ControllerUnpublishVolumeRequest) (*csi.ControllerUnpublishVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	return &csi.ControllerUnpublishVolumeResponse{}, nil
}

func (s *ControllerServer) ValidateVolumeCapabilities(ctx context.Context, req *csi.ValidateVolumeCapabilitiesRequest) (*csi.ValidateVolumeCapabilitiesResponse, error) {
	ctx, cancel := withTimeout(ctx, shortOperationTimeout)
	defer cancel()

	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if len(req.VolumeCapabilities) == 0 {
		return nil, status.Error(codes.InvalidArgument, "volume capabilities are required")
	}
	if _, err := s.lookupVolume(ctx, req.VolumeId); err != nil {
		return nil, err
	}

	if err := s.driver.validateVolumeCapabilities(req.VolumeCapabilities); err != nil {
		return &csi.ValidateVolumeCapabilitiesResponse{Message: err.Error()}, nil
	}
	return &csi.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csi.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.VolumeContext,
			VolumeCapabilities: req.VolumeCapabilities,
			Parameters:         req.Parameters,
		},
	}, nil
}

// GetCapacity reports the free space of the namespace dataset.
func (s *ControllerServer) GetCapacity(ctx context.Context, req *csi.GetCapacityRequest) (*csi.GetCapacityResponse, error) {
	ctx, cancel := withTimeout(ctx, shortOperationTimeout)
	defer cancel()

	available, err := s.driver.prov.Capacity(ctx)
	if err != nil {
		return nil, toStatus(err, "get capacity")
	}
	return &csi.GetCapacityResponse{AvailableCapacity: available}, nil
}

func (s *ControllerServer) ControllerGetCapabilities(ctx context.Context, req *csi.ControllerGetCapabilitiesRequest) (*csi.ControllerGetCapabilitiesResponse, error) {
	return &csi.ControllerGetCapabilitiesResponse{
		Capabilities: s.driver.controllerCaps,
	}, nil
}

// snapshotPath turns a CSI snapshot id, <volume>@<name>, into the full
// snapshot id on the appliance.
func (s *ControllerServer) snapshotPath(id string) (string, error) {
	leaf, name, ok := strings.Cut(id, "@")
	if !ok || leaf == "" || name == "" || strings.Contains(leaf, "/") {
		return "", fmt.Errorf("snapshot ID %q must be <volume>@<name>", id)
	}
	return s.driver.cfg.Namespace + "/" + id, nil
}

func (s *ControllerServer) snapshotID(snap *client.Snapshot) string {
	return strings.TrimPrefix(snap.ID, s.driver.cfg.Namespace+"/")
}

// CreateSnapshot snapshots a volume's zvol. Repeating a request returns
// the snapshot created the first time.
func (s *ControllerServer) CreateSnapshot(ctx context.Context, req *csi.CreateSnapshotRequest) (*csi.CreateSnapshotResponse, error) {
	ctx, cancel := withTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "snapshot name is required")
	}
	if req.SourceVolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "source volume ID is required")
	}

	h, err := s.lookupVolume(ctx, req.SourceVolumeId)
	if err != nil {
		return nil, err
	}

	name := SanitizeVolumeName(req.Name)
	snap, err := s.driver.prov.LookupSnapshot(ctx, h, name)
	switch {
	case err == nil:
		s.driver.Log(ctx).V(LogLevelDebug).Info("Snapshot already exists", "snapshot", snap.ID)
	case isNotFound(err):
		if snap, err = s.driver.prov.Snapshot(ctx, h, name); err != nil {
			return nil, toStatus(err, "create snapshot")
		}
		s.driver.Log(ctx).V(LogLevelInfo).Info("Snapshot created", "snapshot", snap.ID, "sourceVolumeId", req.SourceVolumeId)
	default:
		return nil, toStatus(err, "look up snapshot")
	}

	return &csi.CreateSnapshotResponse{
		Snapshot: &csi.Snapshot{
			SnapshotId:     s.snapshotID(snap),
			SourceVolumeId: req.SourceVolumeId,
			SizeBytes:      h.Size,
			CreationTime:   timestamppb.Now(),
			ReadyToUse:     true,
		},
	}, nil
}

// DeleteSnapshot removes a snapshot. Unknown or malformed ids succeed.
func (s *ControllerServer) DeleteSnapshot(ctx context.Context, req *csi.DeleteSnapshotRequest) (*csi.DeleteSnapshotResponse, error) {
	ctx, cancel := withTimeout(ctx, shortOperationTimeout)
	defer cancel()

	if req.SnapshotId == "" {
		return nil, status.Error(codes.InvalidArgument, "snapshot ID is required")
	}
	full, err := s.snapshotPath(req.SnapshotId)
	if err != nil {
		s.driver.Log(ctx).V(LogLevelDebug).Info("Malformed snapshot ID, treating as deleted", "snapshotId", req.SnapshotId)
		return &csi.DeleteSnapshotResponse{}, nil
	}
	if err := s.driver.prov.DeleteSnapshot(ctx, full); err != nil {
		return nil, toStatus(err, "delete snapshot")
	}
	return &csi.DeleteSnapshotResponse{}, nil
}

// ControllerExpandVolume grows the zvol. The node always has to follow up
// with a rescan, so NodeExpansionRequired is set for block volumes too.
func (s *ControllerServer) ControllerExpandVolume(ctx context.Context, req *csi.ControllerExpandVolumeRequest) (*csi.ControllerExpandVolumeResponse, error) {
	ctx, cancel := withTimeout(ctx, defaultOperationTimeout)
	defer cancel()

	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.CapacityRange == nil || req.CapacityRange.RequiredBytes <= 0 {
		return nil, status.Error(codes.InvalidArgument, "capacity range is required")
	}
	if limit := req.CapacityRange.LimitBytes; limit > 0 && req.CapacityRange.RequiredBytes > limit {
		return nil, status.Errorf(codes.OutOfRange, "required bytes %d exceed limit bytes %d", req.CapacityRange.RequiredBytes, limit)
	}

	h, err := s.lookupVolume(ctx, req.VolumeId)
	if err != nil {
		return nil, err
	}
	if req.CapacityRange.RequiredBytes <= h.Size {
		return &csi.ControllerExpandVolumeResponse{CapacityBytes: h.Size}, nil
	}

	h, err = s.driver.prov.Resize(ctx, h, req.CapacityRange.RequiredBytes)
	if err != nil {
		return nil, toStatus(err, "expand volume")
	}
	return &csi.ControllerExpandVolumeResponse{
		CapacityBytes:         h.Size,
		NodeExpansionRequired: true,
	}, nil
}

func (s *ControllerServer) ControllerGetVolume(ctx context.Context, req *csi.ControllerGetVolumeRequest) (*csi.ControllerGetVolumeResponse, error) {
	ctx, cancel := withTimeout(ctx, shortOperationTimeout)
	defer cancel()

	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	h, err := s.lookupVolume(ctx, req.VolumeId)
	if err != nil {
		return nil, err
	}
	return &csi.ControllerGetVolumeResponse{
		Volume: volumeFromHandle(h, nil),
		Status: &csi.ControllerGetVolumeResponse_VolumeStatus{},
	}, nil
}
