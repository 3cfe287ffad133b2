package provisioner

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
)

// Pre-flight check names.
const (
	CheckRequest   = "request"
	CheckReachable = "reachability"
	CheckService   = "iscsi-service"
	CheckSpace     = "space"
	CheckTarget    = "target"
	CheckNamespace = "namespace"
)

// SpaceOverheadPercent is added to every requested size to cover ZFS
// metadata and snapshot growth.
const SpaceOverheadPercent = 20

// InsufficientSpaceError reports a failed space check.
type InsufficientSpaceError struct {
	Namespace string
	Requested int64
	Required  int64
	Available int64
}

func (e *InsufficientSpaceError) Shortfall() int64 {
	return e.Required - e.Available
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space in %s: requested %s, required %s with %d%% overhead, available %s, shortfall %s",
		e.Namespace, sizeString(e.Requested), sizeString(e.Required), SpaceOverheadPercent,
		sizeString(e.Available), sizeString(e.Shortfall()))
}

func sizeString(n int64) string {
	if n < 0 {
		return "-" + sizeString(-n)
	}
	return fmt.Sprintf("%s (%d bytes)", humanize.IBytes(uint64(n)), n)
}

// requiredSpace inflates size by the overhead margin, rounding up.
func requiredSpace(size int64) int64 {
	return size + (size*SpaceOverheadPercent+99)/100
}

// Validate runs every pre-flight check for req and returns all failures.
// An empty result means CreateVolume will not fail on any of them.
func (p *Provisioner) Validate(ctx context.Context, req ProvisionRequest) []error {
	req, errs := p.normalize(req, false)
	if len(errs) > 0 {
		return errs
	}
	return p.preflight(ctx, req.Size)
}

// normalize fills defaults from the configuration and checks the request
// itself. No remote call is made.
func (p *Provisioner) normalize(req ProvisionRequest, allowZeroSize bool) (ProvisionRequest, []error) {
	if req.Name == "" {
		req.Name = GenerateName()
	}
	if req.BlockSize == 0 {
		req.BlockSize = p.cfg.BlockSize
	}
	if req.Volblocksize == "" {
		req.Volblocksize = p.cfg.Volblocksize
	}
	if req.Thin == nil {
		thin := p.cfg.Thin
		req.Thin = &thin
	}

	var errs []error
	bad := func(err error) {
		errs = append(errs, &CheckError{Check: CheckRequest, Err: err})
	}
	if req.Size < 0 || (req.Size == 0 && !allowZeroSize) {
		bad(fmt.Errorf("size %d must be positive", req.Size))
	}
	if err := checkLeaf(req.Name); err != nil {
		bad(err)
	}
	switch req.BlockSize {
	case 512, 1024, 2048, 4096:
	default:
		bad(fmt.Errorf("block size %d is not one of 512, 1024, 2048, 4096", req.BlockSize))
	}
	if req.Volblocksize != "" && !client.ValidVolBlockSizes[req.Volblocksize] {
		bad(fmt.Errorf("volblocksize %q is not one of 512, 1K, 2K, 4K, 8K, 16K, 32K, 64K, 128K", req.Volblocksize))
	}
	return req, errs
}

// preflight runs the remote checks concurrently. size 0 skips the space
// check.
func (p *Provisioner) preflight(ctx context.Context, size int64) []error {
	checks := []struct {
		name string
		run  func(context.Context) error
	}{
		{CheckReachable, p.checkReachable},
		{CheckService, p.checkService},
		{CheckSpace, func(ctx context.Context) error { return p.checkSpace(ctx, size) }},
		{CheckTarget, p.checkTarget},
		{CheckNamespace, p.checkNamespace},
	}

	results := make([]error, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			if err := c.run(ctx); err != nil {
				results[i] = &CheckError{Check: c.name, Err: err}
			}
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.log.V(logLevelInfo).Info("Pre-flight checks failed", "namespace", p.cfg.Namespace, "target", p.cfg.Target, "failures", len(errs))
	}
	return errs
}

func (p *Provisioner) checkReachable(ctx context.Context) error {
	if err := p.api.Ping(ctx); err != nil {
		return fmt.Errorf("appliance %s is unreachable: %w", p.cfg.Host, err)
	}
	return nil
}

func (p *Provisioner) checkService(ctx context.Context) error {
	svc, err := p.api.ServiceState(ctx, client.ServiceISCSI)
	if err != nil {
		return err
	}
	if svc.State != client.ServiceRunning {
		return fmt.Errorf("service %s is %s, must be %s", client.ServiceISCSI, svc.State, client.ServiceRunning)
	}
	return nil
}

func (p *Provisioner) checkSpace(ctx context.Context, size int64) error {
	if size <= 0 {
		return nil
	}
	ns, err := p.api.GetDataset(ctx, p.cfg.Namespace)
	if err != nil {
		// A missing namespace is reported by its own check.
		if errors.Is(err, client.ErrNotFound) {
			return nil
		}
		return err
	}
	if required := requiredSpace(size); ns.Available < required {
		return &InsufficientSpaceError{
			Namespace: p.cfg.Namespace,
			Requested: size,
			Required:  required,
			Available: ns.Available,
		}
	}
	return nil
}

func (p *Provisioner) checkTarget(ctx context.Context) error {
	_, _, err := p.resolveTarget(ctx)
	return err
}

func (p *Provisioner) checkNamespace(ctx context.Context) error {
	ns, err := p.api.GetDataset(ctx, p.cfg.Namespace)
	if err != nil {
		return fmt.Errorf("namespace %s: %w", p.cfg.Namespace, err)
	}
	if ns.Type == "VOLUME" {
		return fmt.Errorf("namespace %s is a zvol and cannot hold volumes", p.cfg.Namespace)
	}
	return nil
}
