package rmstore

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// OversizePolicy selects what happens when a blob exceeds the configured size limit.
type OversizePolicy string

const (
	// OversizeDrop silently skips the write and logs a warning. Matches the
	// original behavior documented in SPEC_FULL.md's design notes.
	OversizeDrop OversizePolicy = "drop"

	// OversizeFail returns ErrBlobTooLarge to the caller without writing.
	OversizeFail OversizePolicy = "fail"
)

// Config holds the external configuration keys for a Store (SPEC_FULL.md §6).
// Config loading itself is an external collaborator; Config is the typed surface
// that collaborator populates before calling NewStore.
type Config struct {
	// ZKAddress is a comma-separated host:port list for the coordination service.
	ZKAddress string

	// NumRetries bounds the retry budget for a single operation.
	NumRetries int

	// SessionTimeout is the ZK session timeout.
	SessionTimeout time.Duration

	// RetryInterval is the pause between same-session retries. LoadConfig sets it
	// to SessionTimeout/NumRetries when HAEnabled is true and zk.retryIntervalMs
	// is not configured; a Config built directly uses the value as given.
	RetryInterval time.Duration

	// StateStoreParentPath is the working path containing ZKRMStateRoot.
	StateStoreParentPath string

	// ZnodeSizeLimitBytes caps the size of an application/attempt blob. Zero means
	// no limit.
	ZnodeSizeLimitBytes int

	// OversizePolicy controls what happens when a blob exceeds ZnodeSizeLimitBytes.
	OversizePolicy OversizePolicy

	// StateStoreRootACL, if non-nil, overrides the digest-based fencing ACL with an
	// operator-supplied ACL (SPEC_FULL.md §4.3, "Alternative ACL mode").
	StateStoreRootACL []ACL

	// HAEnabled gates the NoAuth -> StoreFenced translation and the HA retryInterval
	// formula.
	HAEnabled bool
}

// DefaultConfig returns a Config populated with SPEC_FULL.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		NumRetries:            1000,
		SessionTimeout:        10 * time.Second,
		RetryInterval:         time.Second,
		StateStoreParentPath:  "/rmstore",
		OversizePolicy:        OversizeDrop,
		HAEnabled:             false,
	}
}

// LoadConfig reads configuration from a YAML file (if path is non-empty) plus
// environment variable overrides prefixed RMSTORE_, using viper the way the rest
// of the pack's service repos load configuration. Unset keys keep DefaultConfig's
// values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("RMSTORE")
	v.AutomaticEnv()

	v.SetDefault("zk.numRetries", cfg.NumRetries)
	v.SetDefault("zk.sessionTimeoutMs", cfg.SessionTimeout.Milliseconds())
	v.SetDefault("zk.stateStoreParentPath", cfg.StateStoreParentPath)
	v.SetDefault("zk.znodeSizeLimitBytes", 0)
	v.SetDefault("zk.oversizePolicy", string(cfg.OversizePolicy))
	v.SetDefault("ha.enabled", cfg.HAEnabled)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("rmstore: loading config %s: %w", path, err)
		}
	}

	cfg.ZKAddress = v.GetString("zk.address")
	if cfg.ZKAddress == "" {
		return Config{}, ErrMissingAddress
	}

	cfg.NumRetries = v.GetInt("zk.numRetries")
	cfg.SessionTimeout = time.Duration(v.GetInt64("zk.sessionTimeoutMs")) * time.Millisecond
	cfg.StateStoreParentPath = v.GetString("zk.stateStoreParentPath")
	cfg.ZnodeSizeLimitBytes = v.GetInt("zk.znodeSizeLimitBytes")
	cfg.HAEnabled = v.GetBool("ha.enabled")

	switch OversizePolicy(v.GetString("zk.oversizePolicy")) {
	case OversizeFail:
		cfg.OversizePolicy = OversizeFail
	default:
		cfg.OversizePolicy = OversizeDrop
	}

	// zk.retryIntervalMs has no viper default: IsSet also reports defaults, which
	// would hide the HA formula.
	switch {
	case v.IsSet("zk.retryIntervalMs"):
		cfg.RetryInterval = time.Duration(v.GetInt64("zk.retryIntervalMs")) * time.Millisecond
	case cfg.HAEnabled:
		cfg.RetryInterval = cfg.SessionTimeout / time.Duration(cfg.NumRetries)
	}

	return cfg, nil
}
