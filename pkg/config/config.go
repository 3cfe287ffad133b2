// Package config holds the validated settings shared by the appliance client,
// the provisioner and the host-side iSCSI resolver.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iXsystems/truenas-iscsi/pkg/client"
)

const (
	DefaultPortalPort   = 3260
	DefaultVolBlockSize = "16K"
	DefaultDeviceWait   = 10 * time.Second

	// IQN validation
	iqnMinParts      = 3 // iqn.YYYY-MM.domain
	iqnDateFieldLen  = 7 // YYYY-MM
	iqnDateSeparator = 4 // position of '-' in YYYY-MM
)

// CHAP holds initiator credentials. The In fields enable mutual CHAP.
type CHAP struct {
	Username   string
	Password   string
	UsernameIn string
	PasswordIn string
}

// Enabled reports whether one-way CHAP is configured.
func (c CHAP) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

// Mutual reports whether the target must authenticate back.
func (c CHAP) Mutual() bool {
	return c.UsernameIn != "" && c.PasswordIn != ""
}

// Config is the complete runtime configuration. Build it with Defaults,
// override what is needed, then call Validate once.
type Config struct {
	Host               string
	Port               int
	Scheme             string
	APIKey             string
	InsecureSkipVerify bool

	Transport   string
	MaxAttempts int
	BaseDelay   time.Duration
	CallTimeout time.Duration

	// Namespace is the parent dataset new zvols are created in, e.g. tank/k8s.
	Namespace string
	// Target is the pre-existing iSCSI target, as a full IQN or its short name.
	Target string
	// Portals lists host:port addresses; the first is the primary portal.
	Portals []string

	Multipath bool
	// UseByPath returns /dev/disk/by-path links instead of kernel names.
	UseByPath bool

	// BlockSize is the extent logical block size in bytes.
	BlockSize    int
	Volblocksize string
	Thin         bool

	CHAP       CHAP
	DeviceWait time.Duration
}

// Defaults returns a Config with every optional field set.
func Defaults() Config {
	return Config{
		Scheme:       "https",
		Transport:    client.TransportWS,
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		CallTimeout:  30 * time.Second,
		UseByPath:    true,
		BlockSize:    client.DefaultBlockSize,
		Volblocksize: DefaultVolBlockSize,
		Thin:         true,
		DeviceWait:   DefaultDeviceWait,
	}
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Host == "" {
		add("appliance host is required")
	}
	if c.APIKey == "" {
		add("appliance API key is required")
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		add("scheme %q is not http or https", c.Scheme)
	}
	if c.Port < 0 || c.Port > 65535 {
		add("port %d out of range", c.Port)
	}
	if c.Transport != client.TransportWS && c.Transport != client.TransportREST {
		add("transport %q is not %s or %s", c.Transport, client.TransportWS, client.TransportREST)
	}
	if c.MaxAttempts < 0 || c.MaxAttempts > 10 {
		add("max attempts %d out of range 0-10", c.MaxAttempts)
	}
	if c.BaseDelay < 100*time.Millisecond || c.BaseDelay > time.Minute {
		add("base delay %s out of range 100ms-1m0s", c.BaseDelay)
	}
	if c.CallTimeout <= 0 {
		add("call timeout %s must be positive", c.CallTimeout)
	}

	if c.Namespace == "" {
		add("volume namespace is required")
	} else if strings.HasPrefix(c.Namespace, "/") || strings.HasSuffix(c.Namespace, "/") {
		add("volume namespace %q must be <pool>[/<dataset>...] without leading or trailing slash", c.Namespace)
	}
	if c.Target == "" {
		add("iSCSI target is required")
	} else if strings.HasPrefix(c.Target, "iqn.") {
		if err := ValidateIQN(c.Target); err != nil {
			add("iSCSI target: %w", err)
		}
	}
	if len(c.Portals) == 0 {
		add("at least one iSCSI portal is required")
	}
	for _, p := range c.Portals {
		if _, _, err := net.SplitHostPort(p); err != nil {
			add("portal %q must be host:port: %w", p, err)
		}
	}

	switch c.BlockSize {
	case 512, 1024, 2048, 4096:
	default:
		add("block size %d is not one of 512, 1024, 2048, 4096", c.BlockSize)
	}
	if c.Volblocksize != "" && !client.ValidVolBlockSizes[c.Volblocksize] {
		add("volblocksize %q is not one of 512, 1K, 2K, 4K, 8K, 16K, 32K, 64K, 128K", c.Volblocksize)
	}
	if (c.CHAP.Username == "") != (c.CHAP.Password == "") {
		add("CHAP username and password must be set together")
	}
	if (c.CHAP.UsernameIn == "") != (c.CHAP.PasswordIn == "") {
		add("mutual CHAP username and password must be set together")
	}
	if c.CHAP.Mutual() && !c.CHAP.Enabled() {
		add("mutual CHAP requires one-way CHAP credentials")
	}
	if c.DeviceWait <= 0 {
		add("device wait %s must be positive", c.DeviceWait)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ClientConfig returns the appliance client settings.
func (c *Config) ClientConfig(log logr.Logger, reg prometheus.Registerer) client.Config {
	return client.Config{
		Host:               c.Host,
		Port:               c.Port,
		Scheme:             c.Scheme,
		APIKey:             c.APIKey,
		Transport:          c.Transport,
		InsecureSkipVerify: c.InsecureSkipVerify,
		CallTimeout:        c.CallTimeout,
		MaxAttempts:        c.MaxAttempts,
		BaseDelay:          c.BaseDelay,
		Registerer:         reg,
		Logger:             log,
	}
}

// ValidateIQN validates an iSCSI Qualified Name.
// Expected format: iqn.YYYY-MM.reverse.domain.name[:identifier]
func ValidateIQN(iqn string) error {
	if !strings.HasPrefix(iqn, "iqn.") {
		return fmt.Errorf("IQN must start with 'iqn.' (got: %s)", iqn)
	}
	parts := strings.Split(iqn, ".")
	if len(parts) < iqnMinParts {
		return fmt.Errorf("IQN format invalid: must be iqn.YYYY-MM.domain (got: %s)", iqn)
	}
	dateField := parts[1]
	if len(dateField) != iqnDateFieldLen || dateField[iqnDateSeparator] != '-' {
		return fmt.Errorf("IQN date field must be YYYY-MM format (got: %s)", dateField)
	}
	return nil
}

// FromEnv builds a validated Config from TRUENAS_* variables read through
// getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Defaults()

	rawURL := getenv("TRUENAS_URL")
	if rawURL == "" {
		return cfg, errors.New("TRUENAS_URL is missing")
	}
	if err := cfg.setURL(rawURL); err != nil {
		return cfg, err
	}

	cfg.APIKey = getenv("TRUENAS_API_KEY")
	if cfg.APIKey == "" {
		return cfg, errors.New("TRUENAS_API_KEY is missing")
	}

	cfg.Namespace = getenv("TRUENAS_NAMESPACE")
	if cfg.Namespace == "" {
		cfg.Namespace = getenv("TRUENAS_DEFAULT_POOL")
	}
	cfg.Target = getenv("TRUENAS_ISCSI_TARGET")
	if val := getenv("TRUENAS_TRANSPORT"); val != "" {
		cfg.Transport = strings.ToLower(val)
	}
	if val := getenv("TRUENAS_VOLBLOCKSIZE"); val != "" {
		cfg.Volblocksize = strings.ToUpper(val)
	}
	cfg.CHAP = CHAP{
		Username:   getenv("TRUENAS_ISCSI_CHAP_USERNAME"),
		Password:   getenv("TRUENAS_ISCSI_CHAP_PASSWORD"),
		UsernameIn: getenv("TRUENAS_ISCSI_CHAP_USERNAME_IN"),
		PasswordIn: getenv("TRUENAS_ISCSI_CHAP_PASSWORD_IN"),
	}

	// Portals default to the appliance address.
	if val := getenv("TRUENAS_ISCSI_PORTAL"); val != "" {
		for _, p := range strings.Split(val, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Portals = append(cfg.Portals, withDefaultPort(p))
			}
		}
	} else if cfg.Host != "" {
		cfg.Portals = []string{net.JoinHostPort(cfg.Host, strconv.Itoa(DefaultPortalPort))}
	}

	var errs []error
	parse := func(name string, fn func(string) error) {
		if val := getenv(name); val != "" {
			if err := fn(val); err != nil {
				errs = append(errs, fmt.Errorf("%s=%q: %w", name, val, err))
			}
		}
	}
	parse("TRUENAS_INSECURE_SKIP_VERIFY", boolVar(&cfg.InsecureSkipVerify))
	parse("TRUENAS_THIN", boolVar(&cfg.Thin))
	parse("TRUENAS_ISCSI_MULTIPATH", boolVar(&cfg.Multipath))
	parse("TRUENAS_ISCSI_BY_PATH", boolVar(&cfg.UseByPath))
	parse("TRUENAS_MAX_ATTEMPTS", intVar(&cfg.MaxAttempts))
	parse("TRUENAS_BLOCK_SIZE", intVar(&cfg.BlockSize))
	parse("TRUENAS_BASE_DELAY", durationVar(&cfg.BaseDelay))
	parse("TRUENAS_CALL_TIMEOUT", durationVar(&cfg.CallTimeout))
	parse("TRUENAS_DEVICE_WAIT", durationVar(&cfg.DeviceWait))
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}

	return cfg, cfg.Validate()
}

// setURL accepts the appliance URL in any of the forms operators paste:
// wss://host/api/current, https://host:8443, http://host.
func (c *Config) setURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("TRUENAS_URL=%q: %w", raw, err)
	}
	switch u.Scheme {
	case "wss", "https":
		c.Scheme = "https"
	case "ws", "http":
		c.Scheme = "http"
	default:
		return fmt.Errorf("TRUENAS_URL=%q: unsupported scheme %q", raw, u.Scheme)
	}
	c.Host = u.Hostname()
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("TRUENAS_URL=%q: invalid port: %w", raw, err)
		}
		c.Port = p
	}
	return nil
}

func withDefaultPort(portal string) string {
	if _, _, err := net.SplitHostPort(portal); err == nil {
		return portal
	}
	return net.JoinHostPort(strings.Trim(portal, "[]"), strconv.Itoa(DefaultPortalPort))
}

func boolVar(dst *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err == nil {
			*dst = v
		}
		return err
	}
}

func intVar(dst *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err == nil {
			*dst = v
		}
		return err
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err == nil {
			*dst = v
		}
		return err
	}
}
