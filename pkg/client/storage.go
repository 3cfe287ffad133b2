package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// TrueNAS API method names for core services
const (
	methodCorePing       = "core.ping"
	methodCoreGetMethods = "core.get_methods"
	methodServiceQuery   = "service.query"
)

// TrueNAS API method names for datasets
const (
	methodDatasetCreate = "pool.dataset.create"
	methodDatasetGet    = "pool.dataset.get_instance"
	methodDatasetDelete = "pool.dataset.delete"
	methodDatasetUpdate = "pool.dataset.update"
)

// TrueNAS API method names for iSCSI
const (
	methodISCSIGlobalConfig       = "iscsi.global.config"
	methodISCSITargetQuery        = "iscsi.target.query"
	methodISCSIExtentCreate       = "iscsi.extent.create"
	methodISCSIExtentQuery        = "iscsi.extent.query"
	methodISCSIExtentDelete       = "iscsi.extent.delete"
	methodISCSITargetExtentCreate = "iscsi.targetextent.create"
	methodISCSITargetExtentQuery  = "iscsi.targetextent.query"
	methodISCSITargetExtentDelete = "iscsi.targetextent.delete"
)

// TrueNAS API method names for snapshots
const (
	MethodSnapshotCreate   = "pool.snapshot.create"
	MethodSnapshotDelete   = "pool.snapshot.delete"
	MethodSnapshotClone    = "pool.snapshot.clone"
	MethodSnapshotRollback = "pool.snapshot.rollback"
	methodSnapshotQuery    = "pool.snapshot.query"
)

const (
	// MaxLUN is the highest LUN number handed out per target.
	MaxLUN = 4095
	// MaxExtentNameLength is the appliance limit on extent names.
	MaxExtentNameLength = 64

	extentTypeDisk   = "DISK"
	zvolDiskPrefix   = "zvol/"
	datasetTypeZvol  = "VOLUME"
	ServiceRunning   = "RUNNING"
	ServiceISCSI     = "iscsitarget"
	DefaultBlockSize = 512
)

// ValidVolBlockSizes contains the valid ZFS volblocksize values.
var ValidVolBlockSizes = map[string]bool{
	"512": true, "1K": true, "2K": true, "4K": true, "8K": true,
	"16K": true, "32K": true, "64K": true, "128K": true,
}

var validExtentBlockSizes = []int{512, 1024, 2048, 4096}

// Dataset represents a ZFS dataset or zvol in TrueNAS.
type Dataset struct {
	ID             string
	Name           string
	Pool           string
	Type           string
	Used           int64
	Available      int64
	Volsize        int64
	RefReservation int64
	Volblocksize   string
}

// ZvolCreateOptions is the pool.dataset.create payload for a zvol.
type ZvolCreateOptions struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Volsize      int64  `json:"volsize"`
	Volblocksize string `json:"volblocksize,omitempty"`
	Sparse       bool   `json:"sparse"`
	Comments     string `json:"comments,omitempty"`
}

// NewZvolCreateOptions validates and builds a zvol create request.
func NewZvolCreateOptions(name string, size int64, volblocksize string, sparse bool) (*ZvolCreateOptions, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || !strings.Contains(name, "/") {
		return nil, &ValidationError{Field: "volume name", Reason: fmt.Sprintf("%q must be <pool>/<path> without leading or trailing slash", name)}
	}
	if size <= 0 {
		return nil, &ValidationError{Field: "volume size", Reason: fmt.Sprintf("%d must be positive", size)}
	}
	if volblocksize != "" && !ValidVolBlockSizes[volblocksize] {
		return nil, &ValidationError{Field: "volblocksize", Reason: fmt.Sprintf("%q is not one of 512, 1K, 2K, 4K, 8K, 16K, 32K, 64K, 128K", volblocksize)}
	}
	return &ZvolCreateOptions{
		Name:         name,
		Type:         datasetTypeZvol,
		Volsize:      size,
		Volblocksize: volblocksize,
		Sparse:       sparse,
	}, nil
}

// DatasetUpdateOptions specifies options for updating a zvol.
type DatasetUpdateOptions struct {
	Volsize        *int64 `json:"volsize,omitempty"`
	RefReservation *int64 `json:"refreservation,omitempty"`
}

// DatasetDeleteOptions specifies options for deleting a dataset.
type DatasetDeleteOptions struct {
	Recursive bool `json:"recursive"`
	Force     bool `json:"force"`
}

// ISCSIGlobalConfig holds the global iSCSI settings.
type ISCSIGlobalConfig struct {
	ID       int    `json:"id"`
	Basename string `json:"basename"`
}

// ISCSITarget represents an iSCSI target in TrueNAS.
type ISCSITarget struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
	Mode  string `json:"mode"`
}

// ISCSIExtent represents an iSCSI extent (LUN backing store) in TrueNAS.
type ISCSIExtent struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // DISK or FILE
	Disk      string `json:"disk,omitempty"`
	Path      string `json:"path,omitempty"`
	BlockSize int    `json:"blocksize"`
	Enabled   bool   `json:"enabled"`
}

// ISCSIExtentCreateOptions specifies options for creating an iSCSI extent.
type ISCSIExtentCreateOptions struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Disk      string `json:"disk"`
	BlockSize int    `json:"blocksize"`
	Enabled   bool   `json:"enabled"`
}

// NewExtentCreateOptions validates and builds a DISK extent request for a zvol.
func NewExtentCreateOptions(name, disk string, blocksize int) (*ISCSIExtentCreateOptions, error) {
	if name == "" || len(name) > MaxExtentNameLength {
		return nil, &ValidationError{Field: "extent name", Reason: fmt.Sprintf("%q must be 1-%d characters", name, MaxExtentNameLength)}
	}
	if !strings.HasPrefix(disk, zvolDiskPrefix) || len(disk) == len(zvolDiskPrefix) {
		return nil, &ValidationError{Field: "extent disk", Reason: fmt.Sprintf("%q must reference a zvol as %s<pool>/<path>", disk, zvolDiskPrefix)}
	}
	if blocksize == 0 {
		blocksize = DefaultBlockSize
	}
	if !slices.Contains(validExtentBlockSizes, blocksize) {
		return nil, &ValidationError{Field: "extent block size", Reason: fmt.Sprintf("%d is not one of %v", blocksize, validExtentBlockSizes)}
	}
	return &ISCSIExtentCreateOptions{
		Name:      name,
		Type:      extentTypeDisk,
		Disk:      disk,
		BlockSize: blocksize,
		Enabled:   true,
	}, nil
}

// ZvolDisk returns the extent disk reference for a zvol path.
func ZvolDisk(path string) string {
	return zvolDiskPrefix + path
}

// ISCSITargetExtent represents the association between an iSCSI target and extent.
type ISCSITargetExtent struct {
	ID     int `json:"id"`
	Target int `json:"target"`
	Extent int `json:"extent"`
	LunID  int `json:"lunid"`
}

// ISCSITargetExtentCreateOptions specifies options for associating an extent with a target.
type ISCSITargetExtentCreateOptions struct {
	Target int `json:"target"`
	Extent int `json:"extent"`
	LunID  int `json:"lunid"`
}

// NewTargetExtentCreateOptions validates and builds a LUN mapping request.
func NewTargetExtentCreateOptions(target, extent, lun int) (*ISCSITargetExtentCreateOptions, error) {
	if target <= 0 {
		return nil, &ValidationError{Field: "target id", Reason: fmt.Sprintf("%d must be positive", target)}
	}
	if extent <= 0 {
		return nil, &ValidationError{Field: "extent id", Reason: fmt.Sprintf("%d must be positive", extent)}
	}
	if lun < 0 || lun > MaxLUN {
		return nil, &ValidationError{Field: "lun", Reason: fmt.Sprintf("%d outside 0-%d", lun, MaxLUN)}
	}
	return &ISCSITargetExtentCreateOptions{Target: target, Extent: extent, LunID: lun}, nil
}

// Service is a service.query entry.
type Service struct {
	ID      int    `json:"id"`
	Service string `json:"service"`
	State   string `json:"state"`
	Enable  bool   `json:"enable"`
}

// Snapshot represents a ZFS snapshot in TrueNAS.
type Snapshot struct {
	ID      string `json:"id"`
	Dataset string `json:"dataset"`
	Name    string `json:"name"`
}

// SnapshotCreateOptions specifies options for creating a snapshot.
type SnapshotCreateOptions struct {
	Dataset   string `json:"dataset"`
	Name      string `json:"name"`
	Recursive bool   `json:"recursive"`
}

// SnapshotClone specifies parameters for cloning a snapshot.
type SnapshotClone struct {
	Snapshot   string `json:"snapshot"`
	DatasetDST string `json:"dataset_dst"`
}

// SnapshotRollbackOptions specifies options for rolling a dataset back.
type SnapshotRollbackOptions struct {
	Force bool `json:"force"`
}

func idPath(kind string, id int) string {
	return fmt.Sprintf("/%s/id/%d", kind, id)
}

func datasetPath(name string) string {
	return "/pool/dataset/id/" + url.PathEscape(name)
}

// GlobalConfig returns the iSCSI global configuration (cached).
func (c *Client) GlobalConfig(ctx context.Context) (*ISCSIGlobalConfig, error) {
	return cached(c.results, cacheKeyGlobalConfig, func() (*ISCSIGlobalConfig, error) {
		var cfg ISCSIGlobalConfig
		err := c.Call(ctx, &Request{
			Method: methodISCSIGlobalConfig,
			REST:   &RESTRoute{Verb: http.MethodGet, Path: "/iscsi/global"},
		}, &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to get iSCSI global config: %w", err)
		}
		return &cfg, nil
	})
}

// ListTargets returns every iSCSI target (cached).
func (c *Client) ListTargets(ctx context.Context) ([]ISCSITarget, error) {
	targets, err := cached(c.results, cacheKeyTargets, func() ([]ISCSITarget, error) {
		var targets []ISCSITarget
		err := c.Call(ctx, &Request{
			Method: methodISCSITargetQuery,
			Params: []any{[]any{}, map[string]any{}},
			REST:   &RESTRoute{Verb: http.MethodGet, Path: "/iscsi/target"},
		}, &targets)
		if err != nil {
			return nil, fmt.Errorf("failed to list iSCSI targets: %w", err)
		}
		return targets, nil
	})
	return slices.Clone(targets), err
}

// ListExtents returns every iSCSI extent (cached).
func (c *Client) ListExtents(ctx context.Context) ([]ISCSIExtent, error) {
	extents, err := cached(c.results, cacheKeyExtents, func() ([]ISCSIExtent, error) {
		var extents []ISCSIExtent
		err := c.Call(ctx, &Request{
			Method: methodISCSIExtentQuery,
			Params: []any{[]any{}, map[string]any{}},
			REST:   &RESTRoute{Verb: http.MethodGet, Path: "/iscsi/extent"},
		}, &extents)
		if err != nil {
			return nil, fmt.Errorf("failed to list iSCSI extents: %w", err)
		}
		return extents, nil
	})
	return slices.Clone(extents), err
}

// GetExtentByName finds an extent by name. Returns ErrNotFound if absent.
func (c *Client) GetExtentByName(ctx context.Context, name string) (*ISCSIExtent, error) {
	extents, err := c.ListExtents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range extents {
		if extents[i].Name == name {
			return &extents[i], nil
		}
	}
	return nil, fmt.Errorf("iSCSI extent %s: %w", name, ErrNotFound)
}

// CreateExtent creates an iSCSI extent.
func (c *Client) CreateExtent(ctx context.Context, opts *ISCSIExtentCreateOptions) (*ISCSIExtent, error) {
	defer c.results.Invalidate(cacheKeyExtents)

	var extent ISCSIExtent
	err := c.Call(ctx, &Request{
		Method: methodISCSIExtentCreate,
		Params: []any{opts},
		REST:   &RESTRoute{Verb: http.MethodPost, Path: "/iscsi/extent", Body: opts},
	}, &extent)
	if err != nil {
		return nil, fmt.Errorf("failed to create iSCSI extent %s: %w", opts.Name, err)
	}
	return &extent, nil
}

// DeleteExtent deletes an iSCSI extent by ID.
func (c *Client) DeleteExtent(ctx context.Context, id int) error {
	// The appliance drops mappings of a deleted extent as well.
	defer c.results.Invalidate(cacheKeyExtents, cacheKeyTargetExtents)

	err := c.Call(ctx, &Request{
		Method: methodISCSIExtentDelete,
		Params: []any{id, false, false},
		REST:   &RESTRoute{Verb: http.MethodDelete, Path: idPath("iscsi/extent", id), Body: map[string]bool{"remove": false, "force": false}},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete iSCSI extent %d: %w", id, err)
	}
	return nil
}

// ListTargetExtents returns every target/extent mapping (cached).
func (c *Client) ListTargetExtents(ctx context.Context) ([]ISCSITargetExtent, error) {
	mappings, err := cached(c.results, cacheKeyTargetExtents, func() ([]ISCSITargetExtent, error) {
		var mappings []ISCSITargetExtent
		err := c.Call(ctx, &Request{
			Method: methodISCSITargetExtentQuery,
			Params: []any{[]any{}, map[string]any{}},
			REST:   &RESTRoute{Verb: http.MethodGet, Path: "/iscsi/targetextent"},
		}, &mappings)
		if err != nil {
			return nil, fmt.Errorf("failed to list iSCSI target-extent mappings: %w", err)
		}
		return mappings, nil
	})
	return slices.Clone(mappings), err
}

// RefreshTargetExtents bypasses the cache; LUN allocation needs the current list.
func (c *Client) RefreshTargetExtents(ctx context.Context) ([]ISCSITargetExtent, error) {
	c.results.Invalidate(cacheKeyTargetExtents)
	return c.ListTargetExtents(ctx)
}

// CreateTargetExtent maps an extent under a target at the given LUN.
func (c *Client) CreateTargetExtent(ctx context.Context, opts *ISCSITargetExtentCreateOptions) (*ISCSITargetExtent, error) {
	defer c.results.Invalidate(cacheKeyTargetExtents)

	var mapping ISCSITargetExtent
	err := c.Call(ctx, &Request{
		Method: methodISCSITargetExtentCreate,
		Params: []any{opts},
		REST:   &RESTRoute{Verb: http.MethodPost, Path: "/iscsi/targetextent", Body: opts},
	}, &mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to map extent %d to target %d as LUN %d: %w", opts.Extent, opts.Target, opts.LunID, err)
	}
	return &mapping, nil
}

// DeleteTargetExtent deletes a target/extent mapping by ID.
func (c *Client) DeleteTargetExtent(ctx context.Context, id int) error {
	defer c.results.Invalidate(cacheKeyTargetExtents)

	err := c.Call(ctx, &Request{
		Method: methodISCSITargetExtentDelete,
		Params: []any{id, false},
		REST:   &RESTRoute{Verb: http.MethodDelete, Path: idPath("iscsi/targetextent", id)},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete iSCSI target-extent mapping %d: %w", id, err)
	}
	return nil
}

// GetDataset retrieves a dataset by its path.
// Returns ErrNotFound if the dataset does not exist.
func (c *Client) GetDataset(ctx context.Context, path string) (*Dataset, error) {
	options := map[string]any{
		"extra": map[string]any{
			"properties": []string{"used", "available", "volsize", "refreservation", "volblocksize"},
		},
	}

	var result map[string]any
	err := c.Call(ctx, &Request{
		Method: methodDatasetGet,
		Params: []any{path, options},
		REST:   &RESTRoute{Verb: http.MethodGet, Path: datasetPath(path)},
	}, &result)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("dataset %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get dataset %s: %w", path, err)
	}
	return parseDatasetResponse(result), nil
}

// CreateZvol creates a zvol.
func (c *Client) CreateZvol(ctx context.Context, opts *ZvolCreateOptions) (*Dataset, error) {
	var result map[string]any
	err := c.Call(ctx, &Request{
		Method: methodDatasetCreate,
		Params: []any{opts},
		REST:   &RESTRoute{Verb: http.MethodPost, Path: "/pool/dataset", Body: opts},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("failed to create zvol %s: %w", opts.Name, err)
	}
	return parseDatasetResponse(result), nil
}

// DeleteDataset deletes a dataset by its path.
func (c *Client) DeleteDataset(ctx context.Context, path string, options *DatasetDeleteOptions) error {
	// Extents may still reference the destroyed zvol.
	defer c.results.Invalidate(cacheKeyExtents, cacheKeyTargetExtents)

	err := c.Call(ctx, &Request{
		Method: methodDatasetDelete,
		Params: []any{path, options},
		REST:   &RESTRoute{Verb: http.MethodDelete, Path: datasetPath(path), Body: options},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete dataset %s: %w", path, err)
	}
	return nil
}

// UpdateDataset updates a dataset with the specified options.
func (c *Client) UpdateDataset(ctx context.Context, path string, updates *DatasetUpdateOptions) error {
	var result any
	err := c.Call(ctx, &Request{
		Method: methodDatasetUpdate,
		Params: []any{path, updates},
		REST:   &RESTRoute{Verb: http.MethodPut, Path: datasetPath(path), Body: updates},
	}, &result)
	if err != nil {
		return fmt.Errorf("failed to update dataset %s: %w", path, err)
	}
	return nil
}

// ResizeZvol sets the volsize of a zvol. Thick zvols also get a matching
// refreservation so the pool keeps guaranteeing the full size.
func (c *Client) ResizeZvol(ctx context.Context, path string, volsize int64, thick bool) error {
	if volsize <= 0 {
		return &ValidationError{Field: "volume size", Reason: fmt.Sprintf("%d must be positive", volsize)}
	}
	opts := &DatasetUpdateOptions{Volsize: &volsize}
	if thick {
		opts.RefReservation = &volsize
	}
	return c.UpdateDataset(ctx, path, opts)
}

// ServiceState returns the service.query entry for name.
func (c *Client) ServiceState(ctx context.Context, name string) (*Service, error) {
	var services []Service
	err := c.Call(ctx, &Request{
		Method: methodServiceQuery,
		Params: []any{[][]any{{"service", "=", name}}, map[string]any{}},
		REST:   &RESTRoute{Verb: http.MethodGet, Path: "/service", Query: url.Values{"service": {name}}},
	}, &services)
	if err != nil {
		return nil, fmt.Errorf("failed to query service %s: %w", name, err)
	}
	for i := range services {
		if services[i].Service == name {
			return &services[i], nil
		}
	}
	return nil, fmt.Errorf("service %s: %w", name, ErrNotFound)
}

// Supports reports whether the appliance exposes method. The method catalog
// is fetched once per cache TTL.
func (c *Client) Supports(ctx context.Context, method string) (bool, error) {
	methods, err := cached(c.results, cacheKeyMethods, func() (map[string]any, error) {
		var methods map[string]any
		err := c.Call(ctx, &Request{
			Method: methodCoreGetMethods,
			REST:   &RESTRoute{Verb: http.MethodPost, Path: "/core/get_methods"},
		}, &methods)
		if err != nil {
			return nil, fmt.Errorf("failed to list appliance methods: %w", err)
		}
		return methods, nil
	})
	if err != nil {
		return false, err
	}
	_, ok := methods[method]
	return ok, nil
}

// CreateSnapshot creates a snapshot of dataset.
func (c *Client) CreateSnapshot(ctx context.Context, dataset, name string) (*Snapshot, error) {
	opts := &SnapshotCreateOptions{Dataset: dataset, Name: name}

	var snapshot Snapshot
	err := c.Call(ctx, &Request{
		Method: MethodSnapshotCreate,
		Params: []any{opts},
		REST:   &RESTRoute{Verb: http.MethodPost, Path: "/pool/snapshot", Body: opts},
	}, &snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot %s@%s: %w", dataset, name, err)
	}
	return &snapshot, nil
}

// DeleteSnapshot deletes a snapshot by its full id (dataset@name).
func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	err := c.Call(ctx, &Request{
		Method: MethodSnapshotDelete,
		Params: []any{id},
		REST:   &RESTRoute{Verb: http.MethodDelete, Path: "/pool/snapshot/id/" + url.PathEscape(id)},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", id, err)
	}
	return nil
}

// RollbackSnapshot rolls the snapshot's dataset back to it.
func (c *Client) RollbackSnapshot(ctx context.Context, id string, force bool) error {
	opts := &SnapshotRollbackOptions{Force: force}
	err := c.Call(ctx, &Request{
		Method: MethodSnapshotRollback,
		Params: []any{id, opts},
		REST:   &RESTRoute{Verb: http.MethodPost, Path: "/pool/snapshot/id/" + url.PathEscape(id) + "/rollback", Body: opts},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to roll back to snapshot %s: %w", id, err)
	}
	return nil
}

// CloneSnapshot clones a snapshot into a new dataset.
func (c *Client) CloneSnapshot(ctx context.Context, snapshot, destination string) error {
	opts := &SnapshotClone{Snapshot: snapshot, DatasetDST: destination}
	err := c.Call(ctx, &Request{
		Method: MethodSnapshotClone,
		Params: []any{opts},
		REST:   &RESTRoute{Verb: http.MethodPost, Path: "/pool/snapshot/clone", Body: opts},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to clone snapshot %s to %s: %w", snapshot, destination, err)
	}
	return nil
}

// ListSnapshots returns the snapshots of dataset.
func (c *Client) ListSnapshots(ctx context.Context, dataset string) ([]Snapshot, error) {
	var snapshots []Snapshot
	err := c.Call(ctx, &Request{
		Method: methodSnapshotQuery,
		Params: []any{[][]any{{"dataset", "=", dataset}}, map[string]any{}},
		REST:   &RESTRoute{Verb: http.MethodGet, Path: "/pool/snapshot", Query: url.Values{"dataset": {dataset}}},
	}, &snapshots)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %s: %w", dataset, err)
	}
	return snapshots, nil
}

// GetSnapshot finds a snapshot by its full id. Returns ErrNotFound if absent.
func (c *Client) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	dataset, _, ok := strings.Cut(id, "@")
	if !ok {
		return nil, &ValidationError{Field: "snapshot id", Reason: fmt.Sprintf("%q must be <dataset>@<name>", id)}
	}
	snapshots, err := c.ListSnapshots(ctx, dataset)
	if err != nil {
		return nil, err
	}
	for i := range snapshots {
		if snapshots[i].ID == id {
			return &snapshots[i], nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
}

// getString safely extracts a string value from a map.
func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// getParsedInt64 extracts the "parsed" field from a TrueNAS property object.
// TrueNAS returns ZFS properties as objects like {"parsed": 1234, "rawvalue": "1234", ...}
// but plain numbers are accepted as well.
func getParsedInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case map[string]any:
		if parsed, ok := v["parsed"].(float64); ok {
			return int64(parsed)
		}
		for _, field := range []string{"rawvalue", "value"} {
			if s, ok := v[field].(string); ok {
				if i, err := strconv.ParseInt(s, 10, 64); err == nil {
					return i
				}
			}
		}
	}
	return 0
}

// getParsedString extracts the "value" field from a TrueNAS property object.
func getParsedString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case map[string]any:
		if value, ok := v["value"].(string); ok {
			return value
		}
		if parsed, ok := v["parsed"].(string); ok {
			return parsed
		}
	}
	return ""
}

// parseDatasetResponse parses a TrueNAS PoolDatasetEntry response into a Dataset.
func parseDatasetResponse(result map[string]any) *Dataset {
	return &Dataset{
		ID:             getString(result, "id"),
		Name:           getString(result, "name"),
		Pool:           getString(result, "pool"),
		Type:           getString(result, "type"),
		Used:           getParsedInt64(result, "used"),
		Available:      getParsedInt64(result, "available"),
		Volsize:        getParsedInt64(result, "volsize"),
		RefReservation: getParsedInt64(result, "refreservation"),
		Volblocksize:   getParsedString(result, "volblocksize"),
	}
}
