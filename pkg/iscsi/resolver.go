// Package iscsi manages the host side of an exposed LUN: initiator sessions
// through iscsiadm and the block device the kernel creates for the LUN.
package iscsi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-logr/logr"
	iscsilib "github.com/kubernetes-csi/csi-lib-iscsi/iscsi"
	"github.com/spf13/afero"
	utilexec "k8s.io/utils/exec"

	"github.com/iXsystems/truenas-iscsi/pkg/config"
)

const (
	logLevelInfo  = 2
	logLevelDebug = 4
	logLevelTrace = 5

	defaultPollInterval = 500 * time.Millisecond

	// iscsiadm exit statuses
	exitSessionExists = 15
	exitNoObjects     = 21
)

// TargetSpec is everything needed to log in to one target.
type TargetSpec struct {
	IQN     string
	Portals []string
	CHAP    config.CHAP
}

// Resolver runs initiator commands and resolves LUN device paths on the
// local host.
type Resolver struct {
	exec utilexec.Interface
	fs   afero.Fs
	log  logr.Logger

	multipath bool
	useByPath bool
	wait      time.Duration
	interval  time.Duration

	rescanDevice    func(*iscsilib.Device) error
	resizeMultipath func(*iscsilib.Device) error
}

// New returns a Resolver acting on the real host.
func New(cfg config.Config, log logr.Logger) *Resolver {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	wait := cfg.DeviceWait
	if wait <= 0 {
		wait = config.DefaultDeviceWait
	}
	return &Resolver{
		exec:            utilexec.New(),
		fs:              afero.NewOsFs(),
		log:             log.WithName("iscsi"),
		multipath:       cfg.Multipath,
		useByPath:       cfg.UseByPath,
		wait:            wait,
		interval:        defaultPollInterval,
		rescanDevice:    func(d *iscsilib.Device) error { return d.Rescan() },
		resizeMultipath: iscsilib.ResizeMultipathDevice,
	}
}

// Target builds the TargetSpec for iqn from the configured portals and CHAP
// credentials.
func Target(cfg config.Config, iqn string) TargetSpec {
	return TargetSpec{IQN: iqn, Portals: cfg.Portals, CHAP: cfg.CHAP}
}

// run executes name with args and returns its combined output. Arguments
// are left out of the log when redact is set.
func (r *Resolver) run(ctx context.Context, redact bool, name string, args ...string) ([]byte, error) {
	if redact {
		r.log.V(logLevelTrace).Info("Running command", "cmd", name, "args", "<redacted>")
	} else {
		r.log.V(logLevelTrace).Info("Running command", "cmd", name, "args", strings.Join(args, " "))
	}
	out, err := r.exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		r.log.V(logLevelDebug).Info("Command failed", "cmd", name, "status", exitStatus(err), "output", strings.TrimSpace(string(out)))
	}
	return out, err
}

func (r *Resolver) iscsiadm(ctx context.Context, args ...string) ([]byte, error) {
	return r.run(ctx, false, "iscsiadm", args...)
}

// exitStatus returns the exit status carried by err, or -1.
func exitStatus(err error) int {
	var ee utilexec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus()
	}
	return -1
}
