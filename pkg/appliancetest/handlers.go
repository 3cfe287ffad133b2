package appliancetest

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

func decode(params []json.RawMessage, i int, v any) *rpcError {
	if i >= len(params) {
		return &rpcError{Code: codeInvalid, Message: fmt.Sprintf("[EINVAL] missing parameter %d", i)}
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return &rpcError{Code: codeInvalid, Message: fmt.Sprintf("[EINVAL] parameter %d: %v", i, err)}
	}
	return nil
}

func invalid(format string, args ...any) *rpcError {
	return &rpcError{Code: codeInvalid, Message: "[EINVAL] " + fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *rpcError {
	return &rpcError{Code: codeNotFound, Message: "[ENOENT] " + fmt.Sprintf(format, args...) + " does not exist"}
}

// filterValue returns the value of a [field, "=", value] filter, if present.
func filterValue(params []json.RawMessage, field string) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var filters [][]any
	if err := json.Unmarshal(params[0], &filters); err != nil {
		return "", false
	}
	for _, f := range filters {
		if len(f) == 3 && f[0] == field && f[1] == "=" {
			if s, ok := f[2].(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func (a *Appliance) ping([]json.RawMessage) (any, *rpcError) {
	return "pong", nil
}

func (a *Appliance) getMethods([]json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	methods := make(map[string]any, len(a.handlers))
	for name := range a.handlers {
		if !a.disabled[name] {
			methods[name] = map[string]any{"description": name}
		}
	}
	return methods, nil
}

func (a *Appliance) serviceQuery(params []json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	want, filtered := filterValue(params, "service")
	names := make([]string, 0, len(a.services))
	for name := range a.services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []map[string]any{}
	for i, name := range names {
		if filtered && name != want {
			continue
		}
		state := a.services[name]
		out = append(out, map[string]any{"id": i + 1, "service": name, "state": state, "enable": state == "RUNNING"})
	}
	return out, nil
}

func (a *Appliance) globalConfig([]json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]any{"id": 1, "basename": a.basename}, nil
}

func (a *Appliance) targetQuery([]json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedValues(a.targets), nil
}

func (a *Appliance) extentQuery([]json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedValues(a.extents), nil
}

func (a *Appliance) extentCreate(params []json.RawMessage) (any, *rpcError) {
	var req Extent
	if err := decode(params, 0, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Name == "" || len(req.Name) > 64 {
		return nil, invalid("iscsi_extent_create.name: invalid extent name %q", req.Name)
	}
	zvol, ok := strings.CutPrefix(req.Disk, "zvol/")
	if !ok {
		return nil, invalid("iscsi_extent_create.disk: %q is not a zvol", req.Disk)
	}
	if ds, ok := a.datasets[zvol]; !ok || ds.Type != "VOLUME" {
		return nil, invalid("iscsi_extent_create.disk: zvol %s is missing", zvol)
	}
	for _, e := range a.extents {
		if e.Name == req.Name {
			return nil, invalid("iscsi_extent_create.name: extent name %q must be unique", req.Name)
		}
		if e.Disk == req.Disk {
			return nil, invalid("iscsi_extent_create.disk: %s is already used by extent %d", req.Disk, e.ID)
		}
	}

	a.nextID++
	e := &Extent{ID: a.nextID, Name: req.Name, Type: "DISK", Disk: req.Disk, BlockSize: req.BlockSize, Enabled: true}
	a.extents[e.ID] = e
	return *e, nil
}

func (a *Appliance) extentDelete(params []json.RawMessage) (any, *rpcError) {
	var id int
	if err := decode(params, 0, &id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.extents[id]; !ok {
		return nil, notFound("iSCSI extent %d", id)
	}
	delete(a.extents, id)
	for mid, m := range a.mappings {
		if m.Extent == id {
			delete(a.mappings, mid)
		}
	}
	return true, nil
}

func (a *Appliance) mappingQuery([]json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedValues(a.mappings), nil
}

func (a *Appliance) mappingCreate(params []json.RawMessage) (any, *rpcError) {
	var req Mapping
	if err := decode(params, 0, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.targets[req.Target]; !ok {
		return nil, invalid("iscsi_targetextent_create.target: target %d is missing", req.Target)
	}
	if _, ok := a.extents[req.Extent]; !ok {
		return nil, invalid("iscsi_targetextent_create.extent: extent %d is missing", req.Extent)
	}
	for _, m := range a.mappings {
		if m.Target != req.Target {
			continue
		}
		if m.LunID == req.LunID {
			return nil, invalid("iscsi_targetextent_create.lunid: LUN ID is already being used for this target")
		}
		if m.Extent == req.Extent {
			return nil, invalid("iscsi_targetextent_create.extent: extent is already in this target")
		}
	}

	a.nextID++
	m := &Mapping{ID: a.nextID, Target: req.Target, Extent: req.Extent, LunID: req.LunID}
	a.mappings[m.ID] = m
	return *m, nil
}

func (a *Appliance) mappingDelete(params []json.RawMessage) (any, *rpcError) {
	var id int
	if err := decode(params, 0, &id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.mappings[id]; !ok {
		return nil, notFound("iSCSI target-extent %d", id)
	}
	delete(a.mappings, id)
	return true, nil
}

func prop(v int64) map[string]any {
	return map[string]any{"parsed": v, "rawvalue": fmt.Sprint(v), "value": fmt.Sprint(v)}
}

func datasetEntry(ds *Dataset) map[string]any {
	pool, _, _ := strings.Cut(ds.Name, "/")
	entry := map[string]any{
		"id":             ds.Name,
		"name":           ds.Name,
		"pool":           pool,
		"type":           ds.Type,
		"available":      prop(ds.Available),
		"used":           prop(ds.RefReservation),
		"refreservation": prop(ds.RefReservation),
	}
	if ds.Type == "VOLUME" {
		entry["volsize"] = prop(ds.Volsize)
		entry["volblocksize"] = map[string]any{"value": ds.Volblocksize}
	}
	return entry
}

func (a *Appliance) datasetGet(params []json.RawMessage) (any, *rpcError) {
	var name string
	if err := decode(params, 0, &name); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ds, ok := a.datasets[name]
	if !ok {
		return nil, notFound("dataset %s", name)
	}
	return datasetEntry(ds), nil
}

func (a *Appliance) datasetCreate(params []json.RawMessage) (any, *rpcError) {
	var req struct {
		Name         string `json:"name"`
		Type         string `json:"type"`
		Volsize      int64  `json:"volsize"`
		Volblocksize string `json:"volblocksize"`
		Sparse       bool   `json:"sparse"`
	}
	if err := decode(params, 0, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.datasets[req.Name]; ok {
		return nil, &rpcError{Code: 17, Message: fmt.Sprintf("[EEXIST] pool_dataset_create.name: %s already exists", req.Name)}
	}
	parent, ok := a.datasets[path.Dir(req.Name)]
	if !ok {
		return nil, invalid("pool_dataset_create.name: parent of %s is missing", req.Name)
	}
	if req.Type != "VOLUME" || req.Volsize <= 0 {
		return nil, invalid("pool_dataset_create.volsize: a positive volsize is required for volumes")
	}

	ds := &Dataset{Name: req.Name, Type: "VOLUME", Volsize: req.Volsize, Sparse: req.Sparse, Volblocksize: req.Volblocksize}
	if ds.Volblocksize == "" {
		ds.Volblocksize = "16K"
	}
	if !req.Sparse {
		if parent.Available < req.Volsize {
			return nil, invalid("pool_dataset_create.volsize: insufficient space in %s", parent.Name)
		}
		parent.Available -= req.Volsize
		ds.RefReservation = req.Volsize
	}
	ds.Available = parent.Available
	a.datasets[ds.Name] = ds
	return datasetEntry(ds), nil
}

func (a *Appliance) datasetUpdate(params []json.RawMessage) (any, *rpcError) {
	var name string
	if err := decode(params, 0, &name); err != nil {
		return nil, err
	}
	var req struct {
		Volsize        *int64 `json:"volsize"`
		RefReservation *int64 `json:"refreservation"`
	}
	if err := decode(params, 1, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ds, ok := a.datasets[name]
	if !ok {
		return nil, notFound("dataset %s", name)
	}
	if req.Volsize != nil {
		if *req.Volsize < ds.Volsize {
			return nil, invalid("pool_dataset_update.volsize: cannot shrink a zvol")
		}
		ds.Volsize = *req.Volsize
	}
	if req.RefReservation != nil {
		delta := *req.RefReservation - ds.RefReservation
		if parent, ok := a.datasets[path.Dir(name)]; ok {
			if parent.Available < delta {
				return nil, invalid("pool_dataset_update.refreservation: insufficient space in %s", parent.Name)
			}
			parent.Available -= delta
		}
		ds.RefReservation = *req.RefReservation
	}
	return datasetEntry(ds), nil
}

func (a *Appliance) datasetDelete(params []json.RawMessage) (any, *rpcError) {
	var name string
	if err := decode(params, 0, &name); err != nil {
		return nil, err
	}
	var opts struct {
		Recursive bool `json:"recursive"`
	}
	if len(params) > 1 {
		decode(params, 1, &opts)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	ds, ok := a.datasets[name]
	if !ok {
		return nil, notFound("dataset %s", name)
	}
	for child := range a.datasets {
		if strings.HasPrefix(child, name+"/") {
			if !opts.Recursive {
				return nil, invalid("pool_dataset_delete: %s has children", name)
			}
			delete(a.datasets, child)
		}
	}
	for id, s := range a.snapshots {
		if s.Dataset == name {
			delete(a.snapshots, id)
		}
	}
	if parent, ok := a.datasets[path.Dir(name)]; ok {
		parent.Available += ds.RefReservation
	}
	delete(a.datasets, name)
	return true, nil
}

func (a *Appliance) snapshotCreate(params []json.RawMessage) (any, *rpcError) {
	var req Snapshot
	if err := decode(params, 0, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.datasets[req.Dataset]; !ok {
		return nil, notFound("dataset %s", req.Dataset)
	}
	id := req.Dataset + "@" + req.Name
	if _, ok := a.snapshots[id]; ok {
		return nil, &rpcError{Code: 17, Message: fmt.Sprintf("[EEXIST] snapshot %s already exists", id)}
	}
	s := &Snapshot{ID: id, Dataset: req.Dataset, Name: req.Name}
	a.snapshots[id] = s
	return *s, nil
}

func (a *Appliance) snapshotDelete(params []json.RawMessage) (any, *rpcError) {
	var id string
	if err := decode(params, 0, &id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.snapshots[id]; !ok {
		return nil, notFound("snapshot %s", id)
	}
	delete(a.snapshots, id)
	return true, nil
}

func (a *Appliance) snapshotQuery(params []json.RawMessage) (any, *rpcError) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dataset, filtered := filterValue(params, "dataset")
	out := []Snapshot{}
	for _, s := range a.snapshots {
		if !filtered || s.Dataset == dataset {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Appliance) snapshotClone(params []json.RawMessage) (any, *rpcError) {
	var req struct {
		Snapshot   string `json:"snapshot"`
		DatasetDST string `json:"dataset_dst"`
	}
	if err := decode(params, 0, &req); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.snapshots[req.Snapshot]
	if !ok {
		return nil, notFound("snapshot %s", req.Snapshot)
	}
	if _, ok := a.datasets[req.DatasetDST]; ok {
		return nil, &rpcError{Code: 17, Message: fmt.Sprintf("[EEXIST] %s already exists", req.DatasetDST)}
	}
	if _, ok := a.datasets[path.Dir(req.DatasetDST)]; !ok {
		return nil, invalid("pool_snapshot_clone.dataset_dst: parent of %s is missing", req.DatasetDST)
	}
	src := a.datasets[s.Dataset]
	clone := &Dataset{Name: req.DatasetDST, Type: "VOLUME", Sparse: true}
	if src != nil {
		clone.Volsize = src.Volsize
		clone.Volblocksize = src.Volblocksize
	}
	a.datasets[clone.Name] = clone
	return true, nil
}

func (a *Appliance) snapshotRollback(params []json.RawMessage) (any, *rpcError) {
	var id string
	if err := decode(params, 0, &id); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.snapshots[id]; !ok {
		return nil, notFound("snapshot %s", id)
	}
	return nil, nil
}
