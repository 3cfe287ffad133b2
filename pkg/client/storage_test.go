package client

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/iXsystems/truenas-iscsi/pkg/appliancetest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gib = int64(1) << 30

var transports = []string{TransportWS, TransportREST}

func newTestClient(t *testing.T, a *appliancetest.Appliance, transport string, mutate ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Host:        a.Host(),
		Port:        a.Port(),
		Scheme:      "http",
		APIKey:      appliancetest.APIKey,
		Transport:   transport,
		MaxAttempts: 2,
		BaseDelay:   100 * time.Millisecond,
		CallTimeout: 5 * time.Second,
		Logger:      testr.New(t),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no host", cfg: Config{APIKey: "k"}},
		{name: "no key", cfg: Config{Host: "nas"}},
		{name: "scheme", cfg: Config{Host: "nas", APIKey: "k", Scheme: "ftp"}},
		{name: "transport", cfg: Config{Host: "nas", APIKey: "k", Transport: "grpc"}},
		{name: "attempts", cfg: Config{Host: "nas", APIKey: "k", MaxAttempts: 11}},
		{name: "delay", cfg: Config{Host: "nas", APIKey: "k", BaseDelay: time.Millisecond}},
		{name: "port", cfg: Config{Host: "nas", APIKey: "k", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestClient_VolumeLifecycle(t *testing.T) {
	for _, transport := range transports {
		t.Run(transport, func(t *testing.T) {
			ctx := context.Background()
			a := appliancetest.New(t)
			a.AddDataset("tank/k8s", 10*gib)
			targetID := a.AddTarget("k8s", "kubernetes")
			c := newTestClient(t, a, transport)

			require.NoError(t, c.Ping(ctx))

			cfg, err := c.GlobalConfig(ctx)
			require.NoError(t, err)
			assert.Equal(t, appliancetest.DefaultBasename, cfg.Basename)

			opts, err := NewZvolCreateOptions("tank/k8s/pvc-1", gib, "16K", false)
			require.NoError(t, err)
			ds, err := c.CreateZvol(ctx, opts)
			require.NoError(t, err)
			assert.Equal(t, "tank/k8s/pvc-1", ds.Name)
			assert.Equal(t, gib, ds.Volsize)

			parent, err := c.GetDataset(ctx, "tank/k8s")
			require.NoError(t, err)
			assert.Equal(t, 9*gib, parent.Available)

			extOpts, err := NewExtentCreateOptions("pvc-1", ZvolDisk("tank/k8s/pvc-1"), 0)
			require.NoError(t, err)
			extent, err := c.CreateExtent(ctx, extOpts)
			require.NoError(t, err)
			assert.Equal(t, DefaultBlockSize, extent.BlockSize)

			found, err := c.GetExtentByName(ctx, "pvc-1")
			require.NoError(t, err)
			assert.Equal(t, extent.ID, found.ID)

			mapOpts, err := NewTargetExtentCreateOptions(targetID, extent.ID, 0)
			require.NoError(t, err)
			mapping, err := c.CreateTargetExtent(ctx, mapOpts)
			require.NoError(t, err)
			assert.Equal(t, 0, mapping.LunID)

			mappings, err := c.ListTargetExtents(ctx)
			require.NoError(t, err)
			require.Len(t, mappings, 1)

			newSize := 2 * gib
			require.NoError(t, c.UpdateDataset(ctx, "tank/k8s/pvc-1", &DatasetUpdateOptions{Volsize: &newSize}))
			ds, err = c.GetDataset(ctx, "tank/k8s/pvc-1")
			require.NoError(t, err)
			assert.Equal(t, newSize, ds.Volsize)

			require.NoError(t, c.DeleteTargetExtent(ctx, mapping.ID))
			require.NoError(t, c.DeleteExtent(ctx, extent.ID))
			require.NoError(t, c.DeleteDataset(ctx, "tank/k8s/pvc-1", &DatasetDeleteOptions{Recursive: true}))

			assert.Empty(t, a.Extents())
			assert.Empty(t, a.Mappings())
			_, exists := a.Dataset("tank/k8s/pvc-1")
			assert.False(t, exists)

			_, err = c.GetDataset(ctx, "tank/k8s/pvc-1")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = c.GetExtentByName(ctx, "pvc-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestClient_DeleteMissingIsNotFound(t *testing.T) {
	for _, transport := range transports {
		t.Run(transport, func(t *testing.T) {
			a := appliancetest.New(t)
			c := newTestClient(t, a, transport)

			err := c.DeleteExtent(context.Background(), 42)
			require.Error(t, err)
			assert.True(t, IsNotFoundError(err))
			assert.Equal(t, ClassNotFound, Classify(err))

			err = c.DeleteDataset(context.Background(), "tank/missing", nil)
			assert.True(t, IsNotFoundError(err))
		})
	}
}

func TestClient_ApplianceValidationSurfaces(t *testing.T) {
	a := appliancetest.New(t)
	a.AddDataset("tank/k8s", 10*gib)
	targetID := a.AddTarget("k8s", "")
	c := newTestClient(t, a, TransportWS)
	ctx := context.Background()

	opts, _ := NewZvolCreateOptions("tank/k8s/a", gib, "", true)
	_, err := c.CreateZvol(ctx, opts)
	require.NoError(t, err)
	extOpts, _ := NewExtentCreateOptions("a", ZvolDisk("tank/k8s/a"), 512)
	extent, err := c.CreateExtent(ctx, extOpts)
	require.NoError(t, err)
	a.AddMapping(targetID, 999, 0)

	mapOpts, _ := NewTargetExtentCreateOptions(targetID, extent.ID, 0)
	_, err = c.CreateTargetExtent(ctx, mapOpts)
	require.Error(t, err)
	assert.Equal(t, ClassValidation, Classify(err))
	assert.Contains(t, err.Error(), "already being used")
	assert.Equal(t, 1, a.Calls(TransportWS, "iscsi.targetextent.create"), "validation failures are not retried")
}

func TestClient_RequestValidationHappensLocally(t *testing.T) {
	_, err := NewZvolCreateOptions("/tank/x", gib, "", false)
	assert.Equal(t, ClassValidation, Classify(err))
	_, err = NewZvolCreateOptions("tank/x", 0, "", false)
	assert.Error(t, err)
	_, err = NewZvolCreateOptions("tank/x", gib, "3K", false)
	assert.Error(t, err)
	_, err = NewExtentCreateOptions("x", "/dev/zvol/tank/x", 512)
	assert.Error(t, err)
	_, err = NewExtentCreateOptions("x", ZvolDisk("tank/x"), 8192)
	assert.Error(t, err)
	_, err = NewTargetExtentCreateOptions(1, 1, MaxLUN+1)
	assert.Error(t, err)
}

func TestClient_TargetListIsCached(t *testing.T) {
	a := appliancetest.New(t)
	a.AddTarget("k8s", "")
	c := newTestClient(t, a, TransportWS)

	for range 3 {
		targets, err := c.ListTargets(context.Background())
		require.NoError(t, err)
		require.Len(t, targets, 1)
		targets[0].Name = "mutated"
	}
	assert.Equal(t, 1, a.Calls("", "iscsi.target.query"))
}

func TestClient_CreateExtentInvalidatesExtentList(t *testing.T) {
	a := appliancetest.New(t)
	a.AddDataset("tank/k8s", 10*gib)
	c := newTestClient(t, a, TransportWS)
	ctx := context.Background()

	extents, err := c.ListExtents(ctx)
	require.NoError(t, err)
	assert.Empty(t, extents)

	opts, _ := NewZvolCreateOptions("tank/k8s/v", gib, "", true)
	_, err = c.CreateZvol(ctx, opts)
	require.NoError(t, err)
	extOpts, _ := NewExtentCreateOptions("v", ZvolDisk("tank/k8s/v"), 0)
	_, err = c.CreateExtent(ctx, extOpts)
	require.NoError(t, err)

	extents, err = c.ListExtents(ctx)
	require.NoError(t, err)
	assert.Len(t, extents, 1)
	assert.Equal(t, 2, a.Calls("", "iscsi.extent.query"))
}

func TestClient_ServiceState(t *testing.T) {
	for _, transport := range transports {
		t.Run(transport, func(t *testing.T) {
			a := appliancetest.New(t)
			a.SetServiceState(ServiceISCSI, "STOPPED")
			c := newTestClient(t, a, transport)

			svc, err := c.ServiceState(context.Background(), ServiceISCSI)
			require.NoError(t, err)
			assert.Equal(t, "STOPPED", svc.State)

			_, err = c.ServiceState(context.Background(), "nfs")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestClient_Supports(t *testing.T) {
	a := appliancetest.New(t)
	a.Disable(MethodSnapshotClone)
	c := newTestClient(t, a, TransportREST)
	ctx := context.Background()

	ok, err := c.Supports(ctx, MethodSnapshotCreate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Supports(ctx, MethodSnapshotClone)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, a.Calls("", "core.get_methods"))

	err = c.CloneSnapshot(ctx, "tank/a@s", "tank/b")
	assert.Equal(t, ClassNotSupported, Classify(err))
}

func TestClient_Snapshots(t *testing.T) {
	for _, transport := range transports {
		t.Run(transport, func(t *testing.T) {
			a := appliancetest.New(t)
			a.AddDataset("tank/k8s", 10*gib)
			c := newTestClient(t, a, transport)
			ctx := context.Background()

			opts, _ := NewZvolCreateOptions("tank/k8s/src", gib, "", false)
			_, err := c.CreateZvol(ctx, opts)
			require.NoError(t, err)

			snap, err := c.CreateSnapshot(ctx, "tank/k8s/src", "daily")
			require.NoError(t, err)
			assert.Equal(t, "tank/k8s/src@daily", snap.ID)

			got, err := c.GetSnapshot(ctx, snap.ID)
			require.NoError(t, err)
			assert.Equal(t, "daily", got.Name)

			require.NoError(t, c.RollbackSnapshot(ctx, snap.ID, true))
			require.NoError(t, c.CloneSnapshot(ctx, snap.ID, "tank/k8s/clone"))
			clone, err := c.GetDataset(ctx, "tank/k8s/clone")
			require.NoError(t, err)
			assert.Equal(t, gib, clone.Volsize)

			require.NoError(t, c.DeleteSnapshot(ctx, snap.ID))
			_, err = c.GetSnapshot(ctx, snap.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestClient_WrongKeyIsAuthFailure(t *testing.T) {
	for _, transport := range transports {
		t.Run(transport, func(t *testing.T) {
			a := appliancetest.New(t)
			c := newTestClient(t, a, transport, func(cfg *Config) { cfg.APIKey = "1-wrong" })

			err := c.Ping(context.Background())
			require.Error(t, err)
			assert.Equal(t, ClassAuth, Classify(err))
			assert.Equal(t, 0, a.Calls("", "core.ping"))
		})
	}
}

func TestClient_FallsBackWhenWebSocketIsDown(t *testing.T) {
	a := appliancetest.New(t)
	a.SetWebSocketDown(true)
	reg := prometheus.NewRegistry()
	c := newTestClient(t, a, TransportWS, func(cfg *Config) { cfg.Registerer = reg })

	targets, err := c.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, targets)
	assert.Equal(t, 1, a.Calls(TransportREST, "iscsi.target.query"))
	assert.Equal(t, 0, a.Calls(TransportWS, "iscsi.target.query"))
	assert.InDelta(t, 1, testutil.ToFloat64(c.dispatcher.metrics.fallbacks.WithLabelValues("iscsi.target.query")), 0)
}

func TestClient_DroppedConnectionFallsBack(t *testing.T) {
	a := appliancetest.New(t)
	a.FailNext("iscsi.global.config", appliancetest.Fault{Drop: true})
	c := newTestClient(t, a, TransportWS)

	cfg, err := c.GlobalConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, appliancetest.DefaultBasename, cfg.Basename)
	assert.Equal(t, 1, a.Calls(TransportWS, "iscsi.global.config"))
	assert.Equal(t, 1, a.Calls(TransportREST, "iscsi.global.config"))
}

func TestClient_DroppedConnectionWithoutRouteRedials(t *testing.T) {
	a := appliancetest.New(t)
	a.FailNext("iscsi.global.config", appliancetest.Fault{Drop: true})
	c := newTestClient(t, a, TransportWS)

	var cfg ISCSIGlobalConfig
	err := c.Call(context.Background(), &Request{Method: "iscsi.global.config"}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, appliancetest.DefaultBasename, cfg.Basename)
	assert.Equal(t, 2, a.Calls(TransportWS, "iscsi.global.config"))
	assert.Equal(t, 0, a.Calls(TransportREST, "iscsi.global.config"))
}

func TestClient_SkipsNotifications(t *testing.T) {
	a := appliancetest.New(t)
	a.SendNotifications(true)
	a.AddTarget("k8s", "")
	c := newTestClient(t, a, TransportWS)

	targets, err := c.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 1)
}

func TestClient_ReusesWebSocketSession(t *testing.T) {
	a := appliancetest.New(t)
	c := newTestClient(t, a, TransportWS)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, c.Ping(ctx))
	}
	assert.Equal(t, 1, c.conns.Len())
}

func TestClient_SlowCallKeepsSharedSession(t *testing.T) {
	a := appliancetest.New(t)
	a.AddTarget("k8s", "")
	c := newTestClient(t, a, TransportWS, func(cfg *Config) { cfg.PingTimeout = 100 * time.Millisecond })
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))
	first, err := c.conns.Get(ctx, c.dispatcher.key)
	require.NoError(t, err)

	a.FailNext("iscsi.target.query", appliancetest.Fault{Delay: 400 * time.Millisecond})
	done := make(chan error, 1)
	go func() {
		_, err := c.ListTargets(ctx)
		done <- err
	}()
	require.Eventually(t, first.Busy, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Ping(ctx))
	require.NoError(t, <-done)

	second, err := c.conns.Get(ctx, c.dispatcher.key)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.False(t, first.Broken())
}

func TestWSConn_GivingUpOnBusySessionKeepsIt(t *testing.T) {
	a := appliancetest.New(t)
	c := newTestClient(t, a, TransportWS)
	ctx := context.Background()

	conn, err := c.conns.Get(ctx, c.dispatcher.key)
	require.NoError(t, err)
	ws := conn.(*wsConn)

	ws.sem <- struct{}{}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = ws.Ping(short)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ws.Broken())
	<-ws.sem

	assert.NoError(t, ws.Ping(ctx))
}

func TestClient_TransientApplianceErrorIsRetried(t *testing.T) {
	a := appliancetest.New(t)
	a.AddTarget("k8s", "")
	a.FailNext("iscsi.target.query", appliancetest.Fault{Code: 16, Message: "[EBUSY] middleware is busy"})
	c := newTestClient(t, a, TransportWS)

	targets, err := c.ListTargets(context.Background())
	require.NoError(t, err)
	assert.Len(t, targets, 1)
	assert.Equal(t, 2, a.Calls(TransportWS, "iscsi.target.query"))
}

func TestClient_ClosedClientRejectsCalls(t *testing.T) {
	a := appliancetest.New(t)
	c := newTestClient(t, a, TransportWS)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Ping(context.Background()), ErrClosed)
}
