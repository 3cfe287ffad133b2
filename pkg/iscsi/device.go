package iscsi

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	iscsilib "github.com/kubernetes-csi/csi-lib-iscsi/iscsi"
	"github.com/spf13/afero"
)

const (
	byPathDir = "/dev/disk/by-path"
	sysBlock  = "/sys/block"
)

// DeviceNotReadyError reports a LUN whose device did not show up within the
// wait window.
type DeviceNotReadyError struct {
	IQN     string
	LUN     int
	Pattern string
	Waited  time.Duration
	// Err is the last reason a resolution attempt failed.
	Err error
}

func (e *DeviceNotReadyError) Error() string {
	return fmt.Sprintf("device for LUN %d of %s not ready after %s (expected %s): %v", e.LUN, e.IQN, e.Waited, e.Pattern, e.Err)
}

func (e *DeviceNotReadyError) Unwrap() error {
	return e.Err
}

var errNoPaths = errors.New("no by-path entry")

func lunSuffix(iqn string, lun int) string {
	return "-iscsi-" + iqn + "-lun-" + strconv.Itoa(lun)
}

// ResolveDevice waits for the block device of lun under iqn and returns its
// path: the multipath map when multipath is on, else the by-path link or
// the kernel device it points to.
func (r *Resolver) ResolveDevice(ctx context.Context, iqn string, lun int) (string, error) {
	log := r.log.WithValues("iqn", iqn, "lun", lun)
	pattern := filepath.Join(byPathDir, "ip-*"+lunSuffix(iqn, lun))
	start := time.Now()

	wctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	var lastErr error
	var device string
	attempt := func() error {
		if _, err := r.run(wctx, false, "udevadm", "settle"); err != nil {
			log.V(logLevelTrace).Info("udevadm settle failed", "error", err.Error())
		}
		dev, err := r.resolveOnce(iqn, lun)
		if err != nil {
			lastErr = err
			return err
		}
		device = dev
		return nil
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(r.interval), wctx)
	if err := backoff.Retry(attempt, b); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if r.multipath {
			pattern += " held by /dev/mapper/*"
		}
		return "", &DeviceNotReadyError{IQN: iqn, LUN: lun, Pattern: pattern, Waited: time.Since(start).Round(time.Millisecond), Err: lastErr}
	}

	log.V(logLevelDebug).Info("Device resolved", "device", device, "elapsed", time.Since(start).String())
	return device, nil
}

func (r *Resolver) resolveOnce(iqn string, lun int) (string, error) {
	links, err := r.byPathLinks(iqn, lun)
	if err != nil {
		return "", err
	}
	if r.multipath {
		for _, link := range links {
			if name, ok := r.multipathMap(link.kernel); ok {
				return "/dev/mapper/" + name, nil
			}
		}
		return "", fmt.Errorf("no multipath map holds %s", links[0].kernel)
	}
	if r.useByPath {
		return links[0].path, nil
	}
	return "/dev/" + links[0].kernel, nil
}

type byPathLink struct {
	path   string
	kernel string
}

// byPathLinks lists the by-path links of a LUN, sorted by path.
func (r *Resolver) byPathLinks(iqn string, lun int) ([]byPathLink, error) {
	entries, err := afero.ReadDir(r.fs, byPathDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoPaths, err)
	}
	suffix := lunSuffix(iqn, lun)
	var links []byPathLink
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "ip-") || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		path := filepath.Join(byPathDir, e.Name())
		link := byPathLink{path: path}
		if lr, ok := r.fs.(afero.LinkReader); ok {
			if target, err := lr.ReadlinkIfPossible(path); err == nil {
				link.kernel = filepath.Base(target)
			}
		}
		if link.kernel == "" {
			continue
		}
		links = append(links, link)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("%w matches *%s", errNoPaths, suffix)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].path < links[j].path })
	return links, nil
}

// multipathMap returns the device-mapper name holding kernel device dev.
func (r *Resolver) multipathMap(dev string) (string, bool) {
	holders, err := afero.ReadDir(r.fs, filepath.Join(sysBlock, dev, "holders"))
	if err != nil {
		return "", false
	}
	for _, h := range holders {
		if !strings.HasPrefix(h.Name(), "dm-") {
			continue
		}
		name, err := afero.ReadFile(r.fs, filepath.Join(sysBlock, h.Name(), "dm", "name"))
		if err != nil {
			continue
		}
		if n := strings.TrimSpace(string(name)); n != "" {
			return n, true
		}
	}
	return "", false
}

// hctl returns the SCSI host:channel:target:lun address of dev.
func (r *Resolver) hctl(dev string) (string, error) {
	entries, err := afero.ReadDir(r.fs, filepath.Join(sysBlock, dev, "device", "scsi_device"))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%s has no SCSI address", dev)
	}
	return entries[0].Name(), nil
}

// Rescan makes the kernel re-read the size of every path of lun, then
// resizes the multipath map on top of them.
func (r *Resolver) Rescan(ctx context.Context, iqn string, lun int) error {
	links, err := r.byPathLinks(iqn, lun)
	if err != nil {
		return fmt.Errorf("rescan LUN %d of %s: %w", lun, iqn, err)
	}

	var errs []error
	for _, link := range links {
		addr, err := r.hctl(link.kernel)
		if err != nil {
			errs = append(errs, fmt.Errorf("rescan %s: %w", link.kernel, err))
			continue
		}
		dev := &iscsilib.Device{Name: link.kernel, Hctl: addr}
		if err := r.rescanDevice(dev); err != nil {
			errs = append(errs, fmt.Errorf("rescan %s: %w", link.kernel, err))
			continue
		}
		r.log.V(logLevelDebug).Info("Rescanned path", "device", link.kernel, "hctl", addr)
	}

	if r.multipath {
		if name, ok := r.multipathMap(links[0].kernel); ok {
			if err := r.resizeMultipath(&iscsilib.Device{Name: name, Type: "mpath"}); err != nil {
				errs = append(errs, fmt.Errorf("resize multipath map %s: %w", name, err))
			}
		}
	}

	if _, err := r.run(ctx, false, "udevadm", "settle"); err != nil {
		r.log.V(logLevelTrace).Info("udevadm settle failed", "error", err.Error())
	}
	return errors.Join(errs...)
}
