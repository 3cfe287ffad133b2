package config

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Host = "nas.local"
	cfg.APIKey = "1-key"
	cfg.Namespace = "tank/k8s"
	cfg.Target = "vm"
	cfg.Portals = []string{"10.0.0.1:3260"}
	return cfg
}

func TestDefaults_AreValidOnceRequiredFieldsAreSet(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, client.TransportWS, cfg.Transport)
	assert.Equal(t, 512, cfg.BlockSize)
	assert.Equal(t, 10*time.Second, cfg.DeviceWait)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing host", func(c *Config) { c.Host = "" }, "host is required"},
		{"bad scheme", func(c *Config) { c.Scheme = "ftp" }, `scheme "ftp"`},
		{"bad transport", func(c *Config) { c.Transport = "grpc" }, `transport "grpc"`},
		{"too many attempts", func(c *Config) { c.MaxAttempts = 11 }, "max attempts 11 out of range 0-10"},
		{"base delay too short", func(c *Config) { c.BaseDelay = 50 * time.Millisecond }, "base delay 50ms"},
		{"base delay too long", func(c *Config) { c.BaseDelay = 2 * time.Minute }, "base delay 2m0s"},
		{"namespace with slash", func(c *Config) { c.Namespace = "/tank" }, "leading or trailing slash"},
		{"bad target iqn", func(c *Config) { c.Target = "iqn.20-1.x" }, "YYYY-MM"},
		{"no portals", func(c *Config) { c.Portals = nil }, "at least one iSCSI portal"},
		{"portal without port", func(c *Config) { c.Portals = []string{"10.0.0.1"} }, `portal "10.0.0.1"`},
		{"bad block size", func(c *Config) { c.BlockSize = 8192 }, "block size 8192"},
		{"bad volblocksize", func(c *Config) { c.Volblocksize = "3K" }, `volblocksize "3K"`},
		{"half chap", func(c *Config) { c.CHAP.Username = "user" }, "CHAP username and password"},
		{"mutual without one-way", func(c *Config) { c.CHAP = CHAP{UsernameIn: "t", PasswordIn: "secretsecret"} }, "requires one-way"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"host is required", "API key is required", "namespace is required", "target is required", "portal"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateIQN(t *testing.T) {
	assert.NoError(t, ValidateIQN("iqn.2005-10.org.freenas.ctl:vm"))
	assert.Error(t, ValidateIQN("eui.02004567A425678D"))
	assert.Error(t, ValidateIQN("iqn.2005"))
	assert.Error(t, ValidateIQN("iqn.200510.org.freenas"))
}

func TestFromEnv(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"TRUENAS_URL":                  "wss://10.0.0.1:8443/api/current",
		"TRUENAS_API_KEY":              "1-key",
		"TRUENAS_DEFAULT_POOL":         "tank",
		"TRUENAS_ISCSI_TARGET":         "iqn.2005-10.org.freenas.ctl:vm",
		"TRUENAS_ISCSI_PORTAL":         "10.0.0.1, 10.0.1.1:3261",
		"TRUENAS_TRANSPORT":            "REST",
		"TRUENAS_MAX_ATTEMPTS":         "5",
		"TRUENAS_BASE_DELAY":           "250ms",
		"TRUENAS_ISCSI_MULTIPATH":      "true",
		"TRUENAS_THIN":                 "false",
		"TRUENAS_INSECURE_SKIP_VERIFY": "1",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https", cfg.Scheme)
	assert.Equal(t, "10.0.0.1", cfg.Host)
	assert.Equal(t, 8443, cfg.Port)
	assert.Equal(t, "tank", cfg.Namespace)
	assert.Equal(t, []string{"10.0.0.1:3260", "10.0.1.1:3261"}, cfg.Portals)
	assert.Equal(t, client.TransportREST, cfg.Transport)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.BaseDelay)
	assert.True(t, cfg.Multipath)
	assert.False(t, cfg.Thin)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestFromEnv_DerivesPortalFromURL(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"TRUENAS_URL":          "http://nas.local",
		"TRUENAS_API_KEY":      "1-key",
		"TRUENAS_NAMESPACE":    "tank/vms",
		"TRUENAS_ISCSI_TARGET": "vm",
	}))
	require.NoError(t, err)
	assert.Equal(t, "http", cfg.Scheme)
	assert.Equal(t, 0, cfg.Port)
	assert.Equal(t, []string{"nas.local:3260"}, cfg.Portals)
}

func TestFromEnv_Errors(t *testing.T) {
	_, err := FromEnv(env(nil))
	assert.ErrorContains(t, err, "TRUENAS_URL is missing")

	_, err = FromEnv(env(map[string]string{"TRUENAS_URL": "ftp://nas"}))
	assert.ErrorContains(t, err, `unsupported scheme "ftp"`)

	_, err = FromEnv(env(map[string]string{
		"TRUENAS_URL":          "https://nas",
		"TRUENAS_API_KEY":      "1-key",
		"TRUENAS_NAMESPACE":    "tank",
		"TRUENAS_ISCSI_TARGET": "vm",
		"TRUENAS_MAX_ATTEMPTS": "many",
		"TRUENAS_DEVICE_WAIT":  "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRUENAS_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "TRUENAS_DEVICE_WAIT")
}

func TestClientConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 8443
	cc := cfg.ClientConfig(logr.Discard(), nil)
	assert.Equal(t, "nas.local", cc.Host)
	assert.Equal(t, 8443, cc.Port)
	assert.Equal(t, cfg.BaseDelay, cc.BaseDelay)
	assert.Equal(t, cfg.Transport, cc.Transport)
}
