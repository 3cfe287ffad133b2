package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"k8s.io/mount-utils"
)

type nodeVolume struct {
	id             string
	publishContext map[string]string
	staging        string
	target         string
}

// publish creates a volume and publishes it to testNode.
func (f *fixture) publish(t *testing.T, name string) nodeVolume {
	t.Helper()
	vol := f.createVolume(t, name, gib)
	resp, err := f.controller.ControllerPublishVolume(context.Background(), &csi.ControllerPublishVolumeRequest{
		VolumeId:         vol.VolumeId,
		NodeId:           testNode,
		VolumeCapability: blockCap(),
	})
	require.NoError(t, err)
	dir := t.TempDir()
	return nodeVolume{
		id:             vol.VolumeId,
		publishContext: resp.PublishContext,
		staging:        filepath.Join(dir, "staging"),
		target:         filepath.Join(dir, "pods", "target"),
	}
}

func (f *fixture) stage(t *testing.T, v nodeVolume, c *csi.VolumeCapability) error {
	t.Helper()
	_, err := f.node.NodeStageVolume(context.Background(), &csi.NodeStageVolumeRequest{
		VolumeId:          v.id,
		PublishContext:    v.publishContext,
		StagingTargetPath: v.staging,
		VolumeCapability:  c,
	})
	return err
}

func mountAt(m *mount.FakeMounter, path string) (mount.MountPoint, bool) {
	for _, mp := range m.MountPoints {
		if mp.Path == path {
			return mp, true
		}
	}
	return mount.MountPoint{}, false
}

func TestNodeStageVolume_Block(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")

	require.NoError(t, f.stage(t, v, blockCap()))

	require.Len(t, f.host.logins, 1)
	login := f.host.logins[0]
	assert.Equal(t, testIQN, login.IQN)
	assert.Equal(t, []string{portalA}, login.Portals)
	assert.Equal(t, "initiator", login.CHAP.Username)
	assert.Equal(t, []string{testIQN + "/0"}, f.host.resolved)
	assert.Empty(t, f.mounter.MountPoints)
	assert.DirExists(t, v.staging)
}

func TestNodeStageVolume_PortalsFromPublishContext(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")
	v.publishContext[PublishContextTargetPortals] = portalA + "," + portalB

	require.NoError(t, f.stage(t, v, blockCap()))
	assert.Equal(t, []string{portalA, portalB}, f.host.logins[0].Portals)
}

func TestNodeStageVolume_Filesystem(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")

	require.NoError(t, f.stage(t, v, mountCap("")))

	mp, ok := mountAt(f.mounter, v.staging)
	require.True(t, ok)
	assert.Equal(t, device, mp.Device)
	assert.Equal(t, DefaultFSType, mp.Type)
	assert.True(t, f.commands.ran("mkfs.ext4"))

	// Already mounted: no second login.
	require.NoError(t, f.stage(t, v, mountCap("")))
	assert.Len(t, f.host.logins, 1)
}

func TestNodeStageVolume_Failures(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")

	missing := v
	missing.publishContext = map[string]string{}
	requireCode(t, codes.InvalidArgument, f.stage(t, missing, blockCap()))

	badLUN := v
	badLUN.publishContext = map[string]string{PublishContextTargetIQN: testIQN, PublishContextLUN: "zero"}
	requireCode(t, codes.InvalidArgument, f.stage(t, badLUN, blockCap()))

	requireCode(t, codes.InvalidArgument, f.stage(t, v, nil))

	f.host.loginErr = errors.New("no portal of 10.0.0.5:3260 advertises target")
	requireCode(t, codes.Unavailable, f.stage(t, v, blockCap()))
	assert.Empty(t, f.host.resolved)
}

func TestNodeStageVolume_Busy(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")

	key := v.id + "-" + v.staging
	require.True(t, f.node.TryAcquireLock(key))
	requireCode(t, codes.Aborted, f.stage(t, v, blockCap()))

	f.node.ReleaseLock(key)
	assert.NoError(t, f.stage(t, v, blockCap()))
}

func TestNodePublishVolume_Block(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.publish(t, "pvc-1")
	require.NoError(t, f.stage(t, v, blockCap()))

	req := &csi.NodePublishVolumeRequest{
		VolumeId:          v.id,
		PublishContext:    v.publishContext,
		StagingTargetPath: v.staging,
		TargetPath:        v.target,
		VolumeCapability:  blockCap(),
	}
	_, err := f.node.NodePublishVolume(ctx, req)
	require.NoError(t, err)

	assert.FileExists(t, v.target)
	mp, ok := mountAt(f.mounter, v.target)
	require.True(t, ok)
	assert.Equal(t, device, mp.Device)
	assert.Contains(t, mp.Opts, "bind")

	_, err = f.node.NodePublishVolume(ctx, req)
	require.NoError(t, err)
	assert.Len(t, f.mounter.MountPoints, 1)

	_, err = f.node.NodeUnpublishVolume(ctx, &csi.NodeUnpublishVolumeRequest{VolumeId: v.id, TargetPath: v.target})
	require.NoError(t, err)
	assert.Empty(t, f.mounter.MountPoints)
	assert.NoFileExists(t, v.target)
}

func TestNodePublishVolume_Filesystem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.publish(t, "pvc-1")

	req := &csi.NodePublishVolumeRequest{
		VolumeId:          v.id,
		PublishContext:    v.publishContext,
		StagingTargetPath: v.staging,
		TargetPath:        v.target,
		VolumeCapability:  mountCap("ext4"),
		Readonly:          true,
	}
	_, err := f.node.NodePublishVolume(ctx, req)
	requireCode(t, codes.FailedPrecondition, err)

	require.NoError(t, f.stage(t, v, mountCap("ext4")))
	_, err = f.node.NodePublishVolume(ctx, req)
	require.NoError(t, err)

	mp, ok := mountAt(f.mounter, v.target)
	require.True(t, ok)
	assert.Equal(t, device, mp.Device)
	assert.Contains(t, mp.Opts, "ro")
	assert.DirExists(t, v.target)
}

func (f *fixture) unstage(t *testing.T, v nodeVolume) error {
	t.Helper()
	_, err := f.node.NodeUnstageVolume(context.Background(), &csi.NodeUnstageVolumeRequest{VolumeId: v.id, StagingTargetPath: v.staging})
	return err
}

func TestNodeUnstageVolume(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")
	require.NoError(t, f.stage(t, v, mountCap("ext4")))

	for range 2 {
		require.NoError(t, f.unstage(t, v))
	}
	assert.Empty(t, f.mounter.MountPoints)
	assert.NoDirExists(t, v.staging)

	require.Len(t, f.host.logouts, 1)
	assert.Equal(t, testIQN, f.host.logouts[0].IQN)
	assert.Equal(t, []string{portalA}, f.host.logouts[0].Portals)
}

func TestNodeUnstageVolume_SharedTargetStaysLoggedIn(t *testing.T) {
	f := newFixture(t)
	one := f.publish(t, "pvc-1")
	two := f.publish(t, "pvc-2")
	require.NoError(t, f.stage(t, one, blockCap()))
	require.NoError(t, f.stage(t, two, blockCap()))

	require.NoError(t, f.unstage(t, one))
	assert.Empty(t, f.host.logouts)

	require.NoError(t, f.unstage(t, two))
	require.Len(t, f.host.logouts, 1)
	assert.Equal(t, testIQN, f.host.logouts[0].IQN)
}

func TestNodeUnstageVolume_NeverStaged(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")

	f.host.loginErr = errors.New("login refused")
	requireCode(t, codes.Unavailable, f.stage(t, v, blockCap()))

	require.NoError(t, f.unstage(t, v))
	assert.Empty(t, f.host.logouts)
}

func TestNodeUnstageVolume_LogoutFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	v := f.publish(t, "pvc-1")
	require.NoError(t, f.stage(t, v, blockCap()))

	f.host.logoutErr = errors.New("iscsiadm: session busy")
	requireCode(t, codes.Internal, f.unstage(t, v))

	f.host.logoutErr = nil
	require.NoError(t, f.unstage(t, v))
	assert.Len(t, f.host.logouts, 1)
}

func TestNodeExpandVolume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.publish(t, "pvc-1")
	require.NoError(t, os.MkdirAll(v.target, 0o755))

	_, err := f.controller.ControllerExpandVolume(ctx, &csi.ControllerExpandVolumeRequest{
		VolumeId:      v.id,
		CapacityRange: &csi.CapacityRange{RequiredBytes: 2 * gib},
	})
	require.NoError(t, err)

	resp, err := f.node.NodeExpandVolume(ctx, &csi.NodeExpandVolumeRequest{
		VolumeId:         v.id,
		VolumePath:       v.target,
		VolumeCapability: mountCap("ext4"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2*gib, resp.CapacityBytes)
	assert.Equal(t, []string{testIQN + "/0"}, f.host.rescans)
	assert.Equal(t, []string{device + " " + v.target}, f.resizer.calls)

	_, err = f.node.NodeExpandVolume(ctx, &csi.NodeExpandVolumeRequest{
		VolumeId:         v.id,
		VolumePath:       v.target,
		VolumeCapability: blockCap(),
	})
	require.NoError(t, err)
	assert.Len(t, f.host.rescans, 2)
	assert.Len(t, f.resizer.calls, 1)

	_, err = f.node.NodeExpandVolume(ctx, &csi.NodeExpandVolumeRequest{VolumeId: "pvc-9/lun-0", VolumePath: v.target})
	requireCode(t, codes.NotFound, err)
}

func TestNodeGetVolumeStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dir := t.TempDir()

	resp, err := f.node.NodeGetVolumeStats(ctx, &csi.NodeGetVolumeStatsRequest{VolumeId: "pvc-1/lun-0", VolumePath: dir})
	require.NoError(t, err)
	require.Len(t, resp.Usage, 2)
	assert.Positive(t, resp.Usage[0].Total)

	file := filepath.Join(dir, "block")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	resp, err = f.node.NodeGetVolumeStats(ctx, &csi.NodeGetVolumeStatsRequest{VolumeId: "pvc-1/lun-0", VolumePath: file})
	require.NoError(t, err)
	require.Len(t, resp.Usage, 1)
	assert.Equal(t, 2*gib, resp.Usage[0].Total)

	_, err = f.node.NodeGetVolumeStats(ctx, &csi.NodeGetVolumeStatsRequest{VolumeId: "pvc-1/lun-0", VolumePath: filepath.Join(dir, "gone")})
	requireCode(t, codes.NotFound, err)
}

func TestNodeGetInfo(t *testing.T) {
	f := newFixture(t)

	info, err := f.node.NodeGetInfo(context.Background(), &csi.NodeGetInfoRequest{})
	require.NoError(t, err)
	assert.Equal(t, testNode, info.NodeId)
	assert.Equal(t, testNode, info.AccessibleTopology.Segments[TopologyKeyNode])

	caps, err := f.node.NodeGetCapabilities(context.Background(), &csi.NodeGetCapabilitiesRequest{})
	require.NoError(t, err)
	assert.Len(t, caps.Capabilities, 3)
}
