package provisioner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
)

// lunConflictRetries bounds re-allocation when another writer took the LUN
// between listing and mapping.
const lunConflictRetries = 3

// targetIQN returns the full IQN the appliance advertises for t. Target
// names that already are IQNs are used as-is.
func targetIQN(basename string, t client.ISCSITarget) string {
	if strings.HasPrefix(t.Name, "iqn.") {
		return t.Name
	}
	return basename + ":" + t.Name
}

// resolveTarget finds the configured target, first by exact IQN and then by
// short name.
func (p *Provisioner) resolveTarget(ctx context.Context) (*client.ISCSITarget, string, error) {
	targets, err := p.api.ListTargets(ctx)
	if err != nil {
		return nil, "", err
	}
	global, err := p.api.GlobalConfig(ctx)
	if err != nil {
		return nil, "", err
	}

	want := p.cfg.Target
	for i := range targets {
		if iqn := targetIQN(global.Basename, targets[i]); iqn == want {
			return &targets[i], iqn, nil
		}
	}

	short := want
	if i := strings.LastIndex(want, ":"); i >= 0 {
		short = want[i+1:]
	}
	for i := range targets {
		iqn := targetIQN(global.Basename, targets[i])
		if targets[i].Name == short || strings.HasSuffix(iqn, ":"+short) {
			return &targets[i], iqn, nil
		}
	}

	available := make([]string, len(targets))
	for i := range targets {
		available[i] = targetIQN(global.Basename, targets[i])
	}
	if len(available) == 0 {
		return nil, "", fmt.Errorf("iSCSI target %q not found, the appliance has no targets: %w", want, client.ErrNotFound)
	}
	return nil, "", fmt.Errorf("iSCSI target %q not found (available: %s): %w", want, strings.Join(available, ", "), client.ErrNotFound)
}

// lowestFreeLUN returns the smallest LUN in [0, MaxLUN] not used on target.
func lowestFreeLUN(mappings []client.ISCSITargetExtent, target int) (int, error) {
	used := make(map[int]bool)
	for _, m := range mappings {
		if m.Target == target {
			used[m.LunID] = true
		}
	}
	for lun := 0; lun <= client.MaxLUN; lun++ {
		if !used[lun] {
			return lun, nil
		}
	}
	return 0, fmt.Errorf("target %d has no free LUN in 0-%d", target, client.MaxLUN)
}

func (p *Provisioner) targetLock(target int) *sync.Mutex {
	mu, _ := p.lunLocks.LoadOrStore(target, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func isLUNConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return client.Classify(err) == client.ClassValidation &&
		strings.Contains(msg, "lun") &&
		(strings.Contains(msg, "already") || strings.Contains(msg, "in use"))
}

// mapLUN maps extent under target at the lowest free LUN. Allocation is
// serialized per target within this process; a conflict with an outside
// writer is retried against a fresh mapping list.
func (p *Provisioner) mapLUN(ctx context.Context, target, extent int) (*client.ISCSITargetExtent, error) {
	mu := p.targetLock(target)
	mu.Lock()
	defer mu.Unlock()

	var err error
	for attempt := 0; attempt <= lunConflictRetries; attempt++ {
		var mappings []client.ISCSITargetExtent
		mappings, err = p.api.RefreshTargetExtents(ctx)
		if err != nil {
			return nil, err
		}
		lun, lerr := lowestFreeLUN(mappings, target)
		if lerr != nil {
			return nil, lerr
		}
		opts, oerr := client.NewTargetExtentCreateOptions(target, extent, lun)
		if oerr != nil {
			return nil, oerr
		}

		var mapping *client.ISCSITargetExtent
		mapping, err = p.api.CreateTargetExtent(ctx, opts)
		if err == nil {
			return mapping, nil
		}
		if !isLUNConflict(err) {
			return nil, err
		}
		p.log.V(logLevelInfo).Info("LUN taken concurrently, reallocating", "target", target, "lun", lun, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("no LUN could be mapped on target %d after %d conflicts: %w", target, lunConflictRetries+1, err)
}
