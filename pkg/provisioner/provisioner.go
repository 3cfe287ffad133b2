// Package provisioner exposes zvols on a TrueNAS appliance as iSCSI LUNs.
//
// A volume becomes addressable once four remote resources exist: the zvol,
// an extent wrapping it, a resolved target and a LUN mapping. CreateVolume
// creates them in that order and undoes completed steps in reverse order when
// a later one fails. DeleteVolume tears them down as mapping, extent, zvol and
// treats resources that are already gone as deleted, so it can be repeated
// after a partial failure.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
	"github.com/iXsystems/truenas-iscsi/pkg/config"
)

const (
	logLevelInfo  = 2
	logLevelDebug = 4

	rollbackTimeout = 2 * time.Minute
)

// API is the part of the appliance client the provisioner drives.
// *client.Client implements it.
type API interface {
	Ping(ctx context.Context) error
	ServiceState(ctx context.Context, name string) (*client.Service, error)
	Supports(ctx context.Context, method string) (bool, error)

	GetDataset(ctx context.Context, path string) (*client.Dataset, error)
	CreateZvol(ctx context.Context, opts *client.ZvolCreateOptions) (*client.Dataset, error)
	ResizeZvol(ctx context.Context, path string, volsize int64, thick bool) error
	DeleteDataset(ctx context.Context, path string, opts *client.DatasetDeleteOptions) error

	GlobalConfig(ctx context.Context) (*client.ISCSIGlobalConfig, error)
	ListTargets(ctx context.Context) ([]client.ISCSITarget, error)
	GetExtentByName(ctx context.Context, name string) (*client.ISCSIExtent, error)
	CreateExtent(ctx context.Context, opts *client.ISCSIExtentCreateOptions) (*client.ISCSIExtent, error)
	DeleteExtent(ctx context.Context, id int) error
	RefreshTargetExtents(ctx context.Context) ([]client.ISCSITargetExtent, error)
	CreateTargetExtent(ctx context.Context, opts *client.ISCSITargetExtentCreateOptions) (*client.ISCSITargetExtent, error)
	DeleteTargetExtent(ctx context.Context, id int) error

	CreateSnapshot(ctx context.Context, dataset, name string) (*client.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	RollbackSnapshot(ctx context.Context, id string, force bool) error
	CloneSnapshot(ctx context.Context, snapshot, destination string) error
	GetSnapshot(ctx context.Context, id string) (*client.Snapshot, error)
}

// DeviceResolver maps an exposed LUN to a local block device.
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, iqn string, lun int) (string, error)
}

// Interface is the operation set offered to the caller framework.
type Interface interface {
	CreateVolume(ctx context.Context, req ProvisionRequest) (VolumeHandle, error)
	DeleteVolume(ctx context.Context, h VolumeHandle) error
	Resize(ctx context.Context, h VolumeHandle, size int64) (VolumeHandle, error)
	Snapshot(ctx context.Context, h VolumeHandle, name string) (*client.Snapshot, error)
	LookupSnapshot(ctx context.Context, h VolumeHandle, name string) (*client.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	Rollback(ctx context.Context, h VolumeHandle, snapshotID string) error
	Clone(ctx context.Context, snapshotID string, req ProvisionRequest) (VolumeHandle, error)
	Lookup(ctx context.Context, name string) (VolumeHandle, error)
	Validate(ctx context.Context, req ProvisionRequest) []error
	Capacity(ctx context.Context) (int64, error)
	ResolveDevice(ctx context.Context, h VolumeHandle) (string, error)
}

var _ Interface = (*Provisioner)(nil)

// ProvisionRequest describes one volume to create. Zero fields take the
// configured defaults.
type ProvisionRequest struct {
	// Name is the volume leaf and extent name. Empty generates vol-<uuid>.
	Name         string
	Size         int64
	BlockSize    int
	Volblocksize string
	Thin         *bool
}

// Provisioner implements Interface against one namespace and one target.
type Provisioner struct {
	cfg     config.Config
	api     API
	devices DeviceResolver
	log     logr.Logger

	// target id -> *sync.Mutex guarding LUN allocation
	lunLocks sync.Map
}

// New returns a Provisioner. cfg must already be validated. devices may be
// nil on hosts that never attach volumes.
func New(cfg config.Config, api API, devices DeviceResolver, log logr.Logger) *Provisioner {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Provisioner{
		cfg:     cfg,
		api:     api,
		devices: devices,
		log:     log.WithName("provisioner"),
	}
}

func (p *Provisioner) volumePath(leaf string) string {
	return p.cfg.Namespace + "/" + leaf
}

// createOp tracks one create or clone through the state machine.
type createOp struct {
	p     *Provisioner
	log   logr.Logger
	state State

	leaf    string
	path    string
	size    int64
	volume  bool
	extent  *client.ISCSIExtent
	target  *client.ISCSITarget
	iqn     string
	mapping *client.ISCSITargetExtent
}

func (p *Provisioner) newCreateOp(leaf string, size int64) *createOp {
	path := p.volumePath(leaf)
	return &createOp{p: p, log: p.log.WithValues("volume", path), leaf: leaf, path: path, size: size}
}

func (op *createOp) advance(s State) {
	op.log.V(logLevelDebug).Info("Provisioning state change", "from", op.state.String(), "to", s.String())
	op.state = s
}

// fail rolls back completed steps and wraps err.
func (op *createOp) fail(ctx context.Context, step string, err error) error {
	pe := &ProvisionError{Volume: op.path, Step: step, Reached: op.state, Err: err}
	if op.state > StateInit {
		op.advance(StateRollingBack)
		pe.Cleanup = op.rollback(ctx)
	}
	op.log.Error(err, "Provisioning failed", "step", step, "reached", pe.Reached.String(), "cleanupFailures", len(pe.Cleanup))
	return pe
}

// rollback undoes every completed step in reverse order. It runs on a
// context detached from the caller's cancellation.
func (op *createOp) rollback(ctx context.Context) []error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	var errs []error
	if op.mapping != nil {
		if err := ignoreNotFound(op.p.api.DeleteTargetExtent(ctx, op.mapping.ID)); err != nil {
			errs = append(errs, err)
		}
	}
	if op.extent != nil {
		if err := ignoreNotFound(op.p.api.DeleteExtent(ctx, op.extent.ID)); err != nil {
			errs = append(errs, err)
		}
	}
	if op.volume {
		err := op.p.api.DeleteDataset(ctx, op.path, &client.DatasetDeleteOptions{Recursive: true, Force: true})
		if err = ignoreNotFound(err); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// expose runs the extent, target and mapping steps for a volume that
// already exists.
func (op *createOp) expose(ctx context.Context, blocksize int) (VolumeHandle, error) {
	opts, err := client.NewExtentCreateOptions(op.leaf, client.ZvolDisk(op.path), blocksize)
	if err != nil {
		return VolumeHandle{}, op.fail(ctx, StepCreateExtent, err)
	}
	if op.extent, err = op.p.api.CreateExtent(ctx, opts); err != nil {
		return VolumeHandle{}, op.fail(ctx, StepCreateExtent, err)
	}
	op.advance(StateExtentCreated)

	if op.target, op.iqn, err = op.p.resolveTarget(ctx); err != nil {
		return VolumeHandle{}, op.fail(ctx, StepResolveTarget, err)
	}
	op.advance(StateTargetResolved)

	if op.mapping, err = op.p.mapLUN(ctx, op.target.ID, op.extent.ID); err != nil {
		return VolumeHandle{}, op.fail(ctx, StepMapLUN, err)
	}
	op.advance(StateMapped)

	h := VolumeHandle{
		Name:      op.leaf,
		LUN:       op.mapping.LunID,
		Path:      op.path,
		Size:      op.size,
		TargetID:  op.target.ID,
		TargetIQN: op.iqn,
		ExtentID:  op.extent.ID,
		MappingID: op.mapping.ID,
	}
	op.advance(StateDone)
	op.log.V(logLevelInfo).Info("Volume exposed", "handle", h.ID(), "iqn", h.TargetIQN, "extentId", h.ExtentID)
	return h, nil
}

// CreateVolume validates req, then creates and exposes a new zvol.
func (p *Provisioner) CreateVolume(ctx context.Context, req ProvisionRequest) (VolumeHandle, error) {
	req, errs := p.normalize(req, false)
	if len(errs) == 0 {
		errs = p.preflight(ctx, req.Size)
	}
	if len(errs) > 0 {
		return VolumeHandle{}, &PreflightError{Volume: p.volumePath(req.Name), Errs: errs}
	}

	op := p.newCreateOp(req.Name, req.Size)
	opts, err := client.NewZvolCreateOptions(op.path, req.Size, req.Volblocksize, *req.Thin)
	if err != nil {
		return VolumeHandle{}, op.fail(ctx, StepCreateVolume, err)
	}
	if _, err := p.api.CreateZvol(ctx, opts); err != nil {
		return VolumeHandle{}, op.fail(ctx, StepCreateVolume, err)
	}
	op.volume = true
	op.advance(StateVolumeCreated)

	return op.expose(ctx, req.BlockSize)
}

// Clone creates a volume from snapshotID and exposes it like CreateVolume.
// A zero req.Size keeps the snapshot's size; a larger one grows the clone.
func (p *Provisioner) Clone(ctx context.Context, snapshotID string, req ProvisionRequest) (VolumeHandle, error) {
	if err := p.requireFeature(ctx, client.MethodSnapshotClone); err != nil {
		return VolumeHandle{}, err
	}
	req, errs := p.normalize(req, true)
	if len(errs) == 0 {
		// Clones share blocks with their origin, so no space is reserved up front.
		errs = p.preflight(ctx, 0)
	}
	if len(errs) > 0 {
		return VolumeHandle{}, &PreflightError{Volume: p.volumePath(req.Name), Errs: errs}
	}
	if _, err := p.api.GetSnapshot(ctx, snapshotID); err != nil {
		return VolumeHandle{}, err
	}

	op := p.newCreateOp(req.Name, req.Size)
	if err := p.api.CloneSnapshot(ctx, snapshotID, op.path); err != nil {
		return VolumeHandle{}, op.fail(ctx, StepCloneSnapshot, err)
	}
	op.volume = true
	op.advance(StateVolumeCreated)

	ds, err := p.api.GetDataset(ctx, op.path)
	if err != nil {
		return VolumeHandle{}, op.fail(ctx, StepResizeClone, err)
	}
	op.size = max(ds.Volsize, req.Size)
	if req.Size > ds.Volsize {
		if err := p.api.ResizeZvol(ctx, op.path, req.Size, !*req.Thin); err != nil {
			return VolumeHandle{}, op.fail(ctx, StepResizeClone, err)
		}
	}

	return op.expose(ctx, req.BlockSize)
}

// DeleteVolume removes the mapping, the extent and the zvol of h, in that
// order. Missing pieces count as deleted.
func (p *Provisioner) DeleteVolume(ctx context.Context, h VolumeHandle) error {
	path := p.volumePath(h.Name)
	log := p.log.WithValues("volume", path, "handle", h.ID())

	extent, err := p.ownedExtent(ctx, h.Name)
	if err != nil && !client.IsNotFoundError(err) {
		return fmt.Errorf("delete %s: %w", h.ID(), err)
	}

	if extent != nil {
		// Cleanup proceeds even when the target cannot be resolved.
		ourTarget := 0
		if t, _, terr := p.resolveTarget(ctx); terr == nil {
			ourTarget = t.ID
		} else {
			log.V(logLevelInfo).Info("Target not resolved, removing every mapping of the extent", "error", terr.Error())
		}

		mappings, err := p.api.RefreshTargetExtents(ctx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", h.ID(), err)
		}
		for _, m := range mappings {
			if m.Extent != extent.ID {
				continue
			}
			if ourTarget != 0 && m.Target != ourTarget {
				log.V(logLevelInfo).Info("Extent is also mapped under another target", "target", m.Target, "lun", m.LunID)
			}
			if err := ignoreNotFound(p.api.DeleteTargetExtent(ctx, m.ID)); err != nil {
				return fmt.Errorf("delete %s: %w", h.ID(), err)
			}
		}

		if err := ignoreNotFound(p.api.DeleteExtent(ctx, extent.ID)); err != nil {
			return fmt.Errorf("delete %s: %w", h.ID(), err)
		}
	}

	err = p.api.DeleteDataset(ctx, path, &client.DatasetDeleteOptions{Recursive: true, Force: true})
	if err = ignoreNotFound(err); err != nil {
		return fmt.Errorf("delete %s: %w", h.ID(), err)
	}

	log.V(logLevelInfo).Info("Volume deleted")
	return nil
}

// Resize grows the zvol of h to size bytes. Shrinking is rejected before
// any mutating call, and before any call at all when h.Size is known.
func (p *Provisioner) Resize(ctx context.Context, h VolumeHandle, size int64) (VolumeHandle, error) {
	if size <= 0 {
		return h, &CheckError{Check: CheckRequest, Err: fmt.Errorf("size %d must be positive", size)}
	}
	if h.Size > 0 && size < h.Size {
		return h, shrinkError(h, h.Size, size)
	}

	path := p.volumePath(h.Name)
	ds, err := p.api.GetDataset(ctx, path)
	if err != nil {
		return h, fmt.Errorf("resize %s: %w", h.ID(), err)
	}
	h.Path = path
	switch {
	case size < ds.Volsize:
		return h, shrinkError(h, ds.Volsize, size)
	case size == ds.Volsize:
		h.Size = size
		return h, nil
	}

	if err := p.checkSpace(ctx, size-ds.Volsize); err != nil {
		return h, &PreflightError{Volume: path, Errs: []error{&CheckError{Check: CheckSpace, Err: err}}}
	}
	thick := ds.RefReservation > 0
	if err := p.api.ResizeZvol(ctx, path, size, thick); err != nil {
		return h, fmt.Errorf("resize %s: %w", h.ID(), err)
	}

	p.log.V(logLevelInfo).Info("Volume resized", "volume", path, "from", ds.Volsize, "to", size, "thick", thick)
	h.Size = size
	return h, nil
}

func shrinkError(h VolumeHandle, current, requested int64) error {
	return &CheckError{Check: CheckRequest, Err: fmt.Errorf("volume %s is %d bytes and cannot shrink to %d bytes", h.Name, current, requested)}
}

// Snapshot creates <volume>@name.
func (p *Provisioner) Snapshot(ctx context.Context, h VolumeHandle, name string) (*client.Snapshot, error) {
	if err := p.requireFeature(ctx, client.MethodSnapshotCreate); err != nil {
		return nil, err
	}
	if err := checkLeaf(name); err != nil {
		return nil, &CheckError{Check: CheckRequest, Err: fmt.Errorf("snapshot %w", err)}
	}
	return p.api.CreateSnapshot(ctx, p.volumePath(h.Name), name)
}

// LookupSnapshot returns <volume>@name, or an error wrapping
// client.ErrNotFound.
func (p *Provisioner) LookupSnapshot(ctx context.Context, h VolumeHandle, name string) (*client.Snapshot, error) {
	return p.api.GetSnapshot(ctx, p.volumePath(h.Name)+"@"+name)
}

// DeleteSnapshot removes a snapshot by its full id. A missing snapshot is
// not an error.
func (p *Provisioner) DeleteSnapshot(ctx context.Context, id string) error {
	if err := p.requireFeature(ctx, client.MethodSnapshotDelete); err != nil {
		return err
	}
	return ignoreNotFound(p.api.DeleteSnapshot(ctx, id))
}

// Rollback reverts the zvol of h to one of its own snapshots.
func (p *Provisioner) Rollback(ctx context.Context, h VolumeHandle, snapshotID string) error {
	if err := p.requireFeature(ctx, client.MethodSnapshotRollback); err != nil {
		return err
	}
	path := p.volumePath(h.Name)
	if dataset, _, _ := strings.Cut(snapshotID, "@"); dataset != path {
		return &CheckError{Check: CheckRequest, Err: fmt.Errorf("snapshot %s does not belong to volume %s", snapshotID, path)}
	}
	return p.api.RollbackSnapshot(ctx, snapshotID, false)
}

// Lookup returns the handle of an already exposed volume. It fails with
// client.ErrNotFound unless the extent, its mapping under the configured
// target and the zvol all exist.
func (p *Provisioner) Lookup(ctx context.Context, name string) (VolumeHandle, error) {
	extent, err := p.ownedExtent(ctx, name)
	if err != nil {
		return VolumeHandle{}, err
	}
	target, iqn, err := p.resolveTarget(ctx)
	if err != nil {
		return VolumeHandle{}, err
	}
	mappings, err := p.api.RefreshTargetExtents(ctx)
	if err != nil {
		return VolumeHandle{}, err
	}

	path := p.volumePath(name)
	for _, m := range mappings {
		if m.Extent != extent.ID || m.Target != target.ID {
			continue
		}
		ds, err := p.api.GetDataset(ctx, path)
		if err != nil {
			return VolumeHandle{}, err
		}
		return VolumeHandle{
			Name:      name,
			LUN:       m.LunID,
			Path:      path,
			Size:      ds.Volsize,
			TargetID:  target.ID,
			TargetIQN: iqn,
			ExtentID:  extent.ID,
			MappingID: m.ID,
		}, nil
	}
	return VolumeHandle{}, fmt.Errorf("extent %s is not mapped under %s: %w", name, iqn, client.ErrNotFound)
}

// ownedExtent returns the extent named leaf only when it exports the zvol
// of leaf under this namespace. An extent of the same name over another
// dataset is reported as missing.
func (p *Provisioner) ownedExtent(ctx context.Context, leaf string) (*client.ISCSIExtent, error) {
	extent, err := p.api.GetExtentByName(ctx, leaf)
	if err != nil {
		return nil, err
	}
	if want := client.ZvolDisk(p.volumePath(leaf)); extent.Disk != want {
		return nil, fmt.Errorf("extent %s exports %s, not %s: %w", leaf, extent.Disk, want, client.ErrNotFound)
	}
	return extent, nil
}

// Capacity returns the free space of the namespace.
func (p *Provisioner) Capacity(ctx context.Context) (int64, error) {
	ns, err := p.api.GetDataset(ctx, p.cfg.Namespace)
	if err != nil {
		return 0, err
	}
	return ns.Available, nil
}

// ResolveDevice returns the local block device for h.
func (p *Provisioner) ResolveDevice(ctx context.Context, h VolumeHandle) (string, error) {
	if p.devices == nil {
		return "", fmt.Errorf("resolve %s: no device resolver on this host: %w", h.ID(), client.ErrNotSupported)
	}
	iqn := h.TargetIQN
	if iqn == "" {
		_, resolved, err := p.resolveTarget(ctx)
		if err != nil {
			return "", err
		}
		iqn = resolved
	}
	return p.devices.ResolveDevice(ctx, iqn, h.LUN)
}

// requireFeature fails with client.ErrNotSupported when the appliance does
// not expose method.
func (p *Provisioner) requireFeature(ctx context.Context, method string) error {
	ok, err := p.api.Supports(ctx, method)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("appliance %s does not offer %s: %w", p.cfg.Host, method, client.ErrNotSupported)
	}
	return nil
}

func ignoreNotFound(err error) error {
	if err == nil || client.IsNotFoundError(err) || errors.Is(err, client.ErrNotFound) {
		return nil
	}
	return err
}
