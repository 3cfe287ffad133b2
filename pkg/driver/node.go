package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/mount-utils"

	"github.com/iXsystems/truenas-iscsi/pkg/iscsi"
	"github.com/iXsystems/truenas-iscsi/pkg/provisioner"
)

// NodeServer implements the CSI Node service
type NodeServer struct {
	driver      *Driver
	mounter     *mount.SafeFormatAndMount
	resizer     Resizer
	attachments *iscsi.Attachments
	volumeLocks sync.Map // lock key -> *sync.Mutex
	targetLocks sync.Map // IQN -> *sync.Mutex
	csi.UnimplementedNodeServer
}

func NewNodeServer(d *Driver, mounter *mount.SafeFormatAndMount, resizer Resizer, attachments *iscsi.Attachments) *NodeServer {
	return &NodeServer{
		driver:      d,
		mounter:     mounter,
		resizer:     resizer,
		attachments: attachments,
	}
}

// TryAcquireLock takes the lock for key without blocking. It returns false
// while another operation holds it.
func (s *NodeServer) TryAcquireLock(key string) bool {
	mu, _ := s.volumeLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex).TryLock()
}

func (s *NodeServer) ReleaseLock(key string) {
	if mu, ok := s.volumeLocks.Load(key); ok {
		mu.(*sync.Mutex).Unlock()
	}
}

func (s *NodeServer) lock(volumeID, path string) (func(), error) {
	key := fmt.Sprintf("%s-%s", volumeID, path)
	if !s.TryAcquireLock(key) {
		return nil, status.Errorf(codes.Aborted, "operation already in progress for volume %s", volumeID)
	}
	return func() { s.ReleaseLock(key) }, nil
}

// lockTarget serializes logins and logouts of one target across volumes.
func (s *NodeServer) lockTarget(iqn string) func() {
	mu, _ := s.targetLocks.LoadOrStore(iqn, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

// login records the attachment of volumeID, then makes sure a session to
// its target exists.
func (s *NodeServer) login(ctx context.Context, volumeID string, h provisioner.VolumeHandle, spec iscsi.TargetSpec) error {
	defer s.lockTarget(spec.IQN)()
	att := iscsi.Attachment{VolumeID: volumeID, IQN: spec.IQN, Portals: spec.Portals, LUN: h.LUN}
	if err := s.attachments.Save(att); err != nil {
		return status.Errorf(codes.Internal, "failed to record attachment: %v", err)
	}
	if err := s.driver.host.EnsureSession(ctx, spec); err != nil {
		if _, _, rmErr := s.attachments.Remove(volumeID); rmErr != nil {
			s.driver.Log(ctx).Error(rmErr, "Failed to drop attachment record", "volumeId", volumeID)
		}
		return status.Errorf(codes.Unavailable, "iSCSI login to %s failed: %v", spec.IQN, err)
	}
	return nil
}

// logout drops the attachment of volumeID and ends the target session
// once no other staged volume uses it.
func (s *NodeServer) logout(ctx context.Context, volumeID string) error {
	log := s.driver.Log(ctx).WithValues("volumeId", volumeID)
	att, ok, err := s.attachments.Remove(volumeID)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to read attachment: %v", err)
	}
	if !ok {
		log.V(LogLevelDebug).Info("No attachment recorded, keeping sessions")
		return nil
	}

	defer s.lockTarget(att.IQN)()
	inUse, err := s.attachments.InUse(att.IQN)
	if err != nil {
		log.Error(err, "Cannot tell whether target is still used, keeping session", "iqn", att.IQN)
		return nil
	}
	if inUse {
		log.V(LogLevelDebug).Info("Target still used by other volumes", "iqn", att.IQN)
		return nil
	}

	spec := iscsi.Target(s.driver.cfg, att.IQN)
	spec.Portals = att.Portals
	if err := s.driver.host.Logout(ctx, spec); err != nil {
		if saveErr := s.attachments.Save(att); saveErr != nil {
			log.Error(saveErr, "Failed to restore attachment record")
		}
		return status.Errorf(codes.Internal, "iSCSI logout from %s failed: %v", att.IQN, err)
	}
	log.V(LogLevelInfo).Info("Logged out of unused target", "iqn", att.IQN)
	return nil
}

// attachment reads the target and LUN of a volume from its publish
// context, falling back to the volume id and the configured portals.
func (s *NodeServer) attachment(volumeID string, publishContext map[string]string) (provisioner.VolumeHandle, iscsi.TargetSpec, error) {
	h, err := provisioner.ParseHandle(volumeID)
	if err != nil {
		return h, iscsi.TargetSpec{}, status.Errorf(codes.NotFound, "volume %s not found: %v", volumeID, err)
	}
	h.TargetIQN = publishContext[PublishContextTargetIQN]
	if h.TargetIQN == "" {
		return h, iscsi.TargetSpec{}, status.Errorf(codes.InvalidArgument, "publish context is missing %s", PublishContextTargetIQN)
	}
	if v, ok := publishContext[PublishContextLUN]; ok {
		lun, err := strconv.Atoi(v)
		if err != nil {
			return h, iscsi.TargetSpec{}, status.Errorf(codes.InvalidArgument, "publish context %s %q is not a LUN", PublishContextLUN, v)
		}
		h.LUN = lun
	}

	spec := iscsi.Target(s.driver.cfg, h.TargetIQN)
	if v := publishContext[PublishContextTargetPortals]; v != "" {
		spec.Portals = strings.Split(v, ",")
	}
	return h, spec, nil
}

// NodeStageVolume logs in to the volume's target and waits for its device.
// Filesystem volumes are formatted if needed and mounted at the staging
// path; block volumes only need the device to exist.
func (s *NodeServer) NodeStageVolume(ctx context.Context, req *csi.NodeStageVolumeRequest) (*csi.NodeStageVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.StagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	if req.VolumeCapability == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if err := s.driver.validateVolumeCapability(req.VolumeCapability); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported volume capability: %v", err)
	}

	unlock, err := s.lock(req.VolumeId, req.StagingTargetPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := s.driver.Log(ctx).WithValues("volumeId", req.VolumeId, "stagingTargetPath", req.StagingTargetPath)

	mnt := req.VolumeCapability.GetMount()
	if mnt != nil {
		notMounted, err := s.mounter.IsLikelyNotMountPoint(req.StagingTargetPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, status.Errorf(codes.Internal, "failed to check staging path: %v", err)
		}
		if !notMounted {
			log.V(LogLevelDebug).Info("Volume already staged")
			return &csi.NodeStageVolumeResponse{}, nil
		}
	}

	h, spec, err := s.attachment(req.VolumeId, req.PublishContext)
	if err != nil {
		return nil, err
	}
	if err := s.login(ctx, req.VolumeId, h, spec); err != nil {
		return nil, err
	}
	device, err := s.driver.prov.ResolveDevice(ctx, h)
	if err != nil {
		return nil, toStatus(err, "resolve device")
	}
	log.V(LogLevelInfo).Info("LUN attached", "iqn", h.TargetIQN, "lun", h.LUN, "device", device)

	if err := os.MkdirAll(req.StagingTargetPath, 0o750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create staging directory: %v", err)
	}
	if mnt == nil {
		return &csi.NodeStageVolumeResponse{}, nil
	}

	fsType := mnt.FsType
	if fsType == "" {
		fsType = DefaultFSType
	}
	log.V(LogLevelDebug).Info("Formatting and mounting device", "device", device, "fsType", fsType)
	if err := s.mounter.FormatAndMount(device, req.StagingTargetPath, fsType, mnt.MountFlags); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to format and mount %s: %v", device, err)
	}
	return &csi.NodeStageVolumeResponse{}, nil
}

// NodeUnstageVolume unmounts the staging path. The iSCSI session is shared
// by every LUN of the target, so it ends only with the last staged volume.
func (s *NodeServer) NodeUnstageVolume(ctx context.Context, req *csi.NodeUnstageVolumeRequest) (*csi.NodeUnstageVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.StagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}

	unlock, err := s.lock(req.VolumeId, req.StagingTargetPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := mount.CleanupMountPoint(req.StagingTargetPath, s.mounter, true); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to clean up staging path: %v", err)
	}
	if err := s.logout(ctx, req.VolumeId); err != nil {
		return nil, err
	}
	s.driver.Log(ctx).V(LogLevelDebug).Info("Volume unstaged", "volumeId", req.VolumeId, "stagingTargetPath", req.StagingTargetPath)
	return &csi.NodeUnstageVolumeResponse{}, nil
}

// NodePublishVolume bind-mounts the staged filesystem, or the block device
// itself, onto the target path.
func (s *NodeServer) NodePublishVolume(ctx context.Context, req *csi.NodePublishVolumeRequest) (*csi.NodePublishVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.StagingTargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "staging target path is required")
	}
	if req.TargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}
	if req.VolumeCapability == nil {
		return nil, status.Error(codes.InvalidArgument, "volume capability is required")
	}
	if err := s.driver.validateVolumeCapability(req.VolumeCapability); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported volume capability: %v", err)
	}

	unlock, err := s.lock(req.VolumeId, req.TargetPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	notMounted, err := s.mounter.IsLikelyNotMountPoint(req.TargetPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, status.Errorf(codes.Internal, "failed to check mount point: %v", err)
	}
	if err == nil && !notMounted {
		s.driver.Log(ctx).V(LogLevelDebug).Info("Volume already published", "volumeId", req.VolumeId, "targetPath", req.TargetPath)
		return &csi.NodePublishVolumeResponse{}, nil
	}

	options := []string{"bind"}
	if req.Readonly {
		options = append(options, "ro")
	}

	var source string
	if req.VolumeCapability.GetBlock() != nil {
		h, _, err := s.attachment(req.VolumeId, req.PublishContext)
		if err != nil {
			return nil, err
		}
		if source, err = s.driver.prov.ResolveDevice(ctx, h); err != nil {
			return nil, toStatus(err, "resolve device")
		}
		if err := os.MkdirAll(filepath.Dir(req.TargetPath), 0o750); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to create target directory: %v", err)
		}
		f, err := os.OpenFile(req.TargetPath, os.O_CREATE|os.O_RDWR, 0o660)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to create target file: %v", err)
		}
		f.Close()
	} else {
		notMounted, err := s.mounter.IsLikelyNotMountPoint(req.StagingTargetPath)
		if err != nil || notMounted {
			return nil, status.Errorf(codes.FailedPrecondition, "volume %s is not staged at %s", req.VolumeId, req.StagingTargetPath)
		}
		source = req.StagingTargetPath
		if err := os.MkdirAll(req.TargetPath, 0o750); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to create target directory: %v", err)
		}
		options = append(options, req.VolumeCapability.GetMount().GetMountFlags()...)
	}

	if err := s.mounter.Mount(source, req.TargetPath, "", options); err != nil {
		if req.VolumeCapability.GetBlock() != nil {
			os.Remove(req.TargetPath)
		}
		return nil, status.Errorf(codes.Internal, "failed to bind mount %s: %v", source, err)
	}
	s.driver.Log(ctx).V(LogLevelDebug).Info("Volume published", "volumeId", req.VolumeId, "source", source, "targetPath", req.TargetPath)
	return &csi.NodePublishVolumeResponse{}, nil
}

func (s *NodeServer) NodeUnpublishVolume(ctx context.Context, req *csi.NodeUnpublishVolumeRequest) (*csi.NodeUnpublishVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.TargetPath == "" {
		return nil, status.Error(codes.InvalidArgument, "target path is required")
	}

	unlock, err := s.lock(req.VolumeId, req.TargetPath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := mount.CleanupMountPoint(req.TargetPath, s.mounter, true); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to clean up mount point: %v", err)
	}
	s.driver.Log(ctx).V(LogLevelDebug).Info("Volume unpublished", "volumeId", req.VolumeId, "targetPath", req.TargetPath)
	return &csi.NodeUnpublishVolumeResponse{}, nil
}

func (s *NodeServer) NodeGetInfo(ctx context.Context, req *csi.NodeGetInfoRequest) (*csi.NodeGetInfoResponse, error) {
	return &csi.NodeGetInfoResponse{
		NodeId: s.driver.NodeID(),
		AccessibleTopology: &csi.Topology{
			Segments: map[string]string{TopologyKeyNode: s.driver.NodeID()},
		},
	}, nil
}

func (s *NodeServer) NodeGetCapabilities(ctx context.Context, req *csi.NodeGetCapabilitiesRequest) (*csi.NodeGetCapabilitiesResponse, error) {
	return &csi.NodeGetCapabilitiesResponse{
		Capabilities: s.driver.nodeCaps,
	}, nil
}

// NodeGetVolumeStats reports filesystem usage for mounted volumes and the
// device size for block volumes.
func (s *NodeServer) NodeGetVolumeStats(ctx context.Context, req *csi.NodeGetVolumeStatsRequest) (*csi.NodeGetVolumeStatsResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.VolumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume path is required")
	}

	info, err := os.Stat(req.VolumePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "volume path %s does not exist", req.VolumePath)
		}
		return nil, status.Errorf(codes.Internal, "failed to stat volume path: %v", err)
	}

	if !info.IsDir() {
		size, err := s.blockSize(req.VolumePath)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to read block device size: %v", err)
		}
		return &csi.NodeGetVolumeStatsResponse{
			Usage: []*csi.VolumeUsage{{Unit: csi.VolumeUsage_BYTES, Total: size}},
		}, nil
	}

	stats, err := getFSStats(req.VolumePath)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to get filesystem stats: %v", err)
	}
	return &csi.NodeGetVolumeStatsResponse{
		Usage: []*csi.VolumeUsage{
			{
				Unit:      csi.VolumeUsage_BYTES,
				Available: stats.availableBytes,
				Total:     stats.totalBytes,
				Used:      stats.usedBytes,
			},
			{
				Unit:      csi.VolumeUsage_INODES,
				Available: stats.availableInodes,
				Total:     stats.totalInodes,
				Used:      stats.usedInodes,
			},
		},
	}, nil
}

func (s *NodeServer) blockSize(path string) (int64, error) {
	out, err := s.mounter.Exec.Command("blockdev", "--getsize64", path).CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("blockdev %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	return strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
}

// NodeExpandVolume makes the kernel pick up the new LUN size, then grows
// the filesystem of mounted volumes.
func (s *NodeServer) NodeExpandVolume(ctx context.Context, req *csi.NodeExpandVolumeRequest) (*csi.NodeExpandVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume ID is required")
	}
	if req.VolumePath == "" {
		return nil, status.Error(codes.InvalidArgument, "volume path is required")
	}
	if _, err := os.Stat(req.VolumePath); os.IsNotExist(err) {
		return nil, status.Errorf(codes.NotFound, "volume path %s does not exist", req.VolumePath)
	}

	unlock, err := s.lock(req.VolumeId, req.VolumePath)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := provisioner.ParseHandle(req.VolumeId)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "volume %s not found: %v", req.VolumeId, err)
	}
	// The request carries no publish context, so the target comes from
	// the appliance.
	h, err = s.driver.prov.Lookup(ctx, h.Name)
	if err != nil {
		return nil, toStatus(err, "look up volume")
	}

	if err := s.driver.host.Rescan(ctx, h.TargetIQN, h.LUN); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to rescan LUN %d of %s: %v", h.LUN, h.TargetIQN, err)
	}

	if req.VolumeCapability.GetBlock() == nil {
		device, err := s.driver.prov.ResolveDevice(ctx, h)
		if err != nil {
			return nil, toStatus(err, "resolve device")
		}
		if _, err := s.resizer.Resize(device, req.VolumePath); err != nil {
			return nil, status.Errorf(codes.Internal, "failed to resize filesystem on %s: %v", device, err)
		}
		s.driver.Log(ctx).V(LogLevelInfo).Info("Filesystem expanded", "volumeId", req.VolumeId, "device", device)
	}
	return &csi.NodeExpandVolumeResponse{CapacityBytes: h.Size}, nil
}

type fsStats struct {
	totalBytes      int64
	availableBytes  int64
	usedBytes       int64
	totalInodes     int64
	availableInodes int64
	usedInodes      int64
}

func getFSStats(path string) (*fsStats, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil, fmt.Errorf("statfs failed: %w", err)
	}

	blockSize := stat.Frsize
	if blockSize == 0 {
		blockSize = stat.Bsize
	}
	total := int64(stat.Blocks) * blockSize
	return &fsStats{
		totalBytes:      total,
		availableBytes:  int64(stat.Bavail) * blockSize,
		usedBytes:       total - int64(stat.Bfree)*blockSize,
		totalInodes:     int64(stat.Files),
		availableInodes: int64(stat.Ffree),
		usedInodes:      int64(stat.Files) - int64(stat.Ffree),
	}, nil
}
