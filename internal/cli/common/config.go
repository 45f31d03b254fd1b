package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuihairu/countersign/internal/events"
	"github.com/cuihairu/countersign/internal/objstore"
	"github.com/cuihairu/countersign/internal/telemetry"
	"github.com/cuihairu/countersign/internal/worker"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COUNTERSIGN_DB_DSN.
const EnvPrefix = "COUNTERSIGN"

// Section is the top-level key a shared config file keeps our settings under.
const Section = "countersign"

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type DispatchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// Settings is the decoded configuration of every command.
type Settings struct {
	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Log       LogConfig `mapstructure:"log"`
	Approvals struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"approvals"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Worker   worker.Config  `mapstructure:"worker"`
	Policy   struct {
		Path  string `mapstructure:"path"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"policy"`
	Audit struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"audit"`
	Events  events.Config   `mapstructure:"events"`
	Archive objstore.Config `mapstructure:"archive"`
	RBAC    struct {
		Policy string `mapstructure:"policy"`
	} `mapstructure:"rbac"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// SetDefaults registers the built-in value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("approvals.ttl", "72h")
	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.base_delay", "1s")
	v.SetDefault("dispatch.max_delay", "60s")
	v.SetDefault("worker.interval", "5s")
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.expire_every", "1m")
	v.SetDefault("worker.health_addr", "")
	v.SetDefault("policy.path", "")
	v.SetDefault("policy.watch", false)
	v.SetDefault("audit.path", "logs/audit.log")
	v.SetDefault("events.type", "noop")
	v.SetDefault("events.kafka_topic", "countersign.audit")
	v.SetDefault("events.redis_stream", "countersign:audit")
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.redis_url", "")
	v.SetDefault("archive.driver", "")
	v.SetDefault("archive.url", "")
	v.SetDefault("archive.prefix", "dispatch")
	v.SetDefault("rbac.policy", "")
	v.SetDefault("telemetry.service_name", "countersign")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
}

// LoadOptions names the files and overlays Load combines.
type LoadOptions struct {
	File     string
	Includes []string
	Profile  string
}

// Load reads opts.File plus includes, narrows to the countersign section
// when the file has one, overlays the profile, then applies defaults and
// COUNTERSIGN_* environment overrides.
func Load(opts LoadOptions) (*viper.Viper, error) {
	v, err := LoadWithIncludes(opts.File, opts.Includes)
	if err != nil {
		return nil, err
	}
	section := ""
	if v.IsSet(Section) {
		section = Section
	}
	if section != "" || opts.Profile != "" {
		if v, err = ApplySectionAndProfile(v, section, opts.Profile); err != nil {
			return nil, err
		}
	}
	MergeLogSection(v)
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Decode unmarshals v into Settings.
func Decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &s, nil
}

// LoadWithIncludes reads base config and merges includes in order.
func LoadWithIncludes(base string, includes []string) (*viper.Viper, error) {
	v := viper.New()
	if base != "" {
		v.SetConfigFile(base)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	for _, inc := range includes {
		iv := viper.New()
		iv.SetConfigFile(inc)
		if err := iv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		if err := v.MergeConfigMap(iv.AllSettings()); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
	}
	return v, nil
}

// mergeMaps recursively merges b into a.
func mergeMaps(a, b map[string]any) map[string]any {
	for k, vb := range b {
		if ma, ok := a[k].(map[string]any); ok {
			if mb, ok2 := vb.(map[string]any); ok2 {
				a[k] = mergeMaps(ma, mb)
				continue
			}
		}
		a[k] = vb
	}
	return a
}

// ApplySectionAndProfile narrows v to section and overlays profiles.<name>.
func ApplySectionAndProfile(v *viper.Viper, section, profile string) (*viper.Viper, error) {
	if section != "" {
		sub := v.Sub(section)
		if sub == nil {
			return nil, fmt.Errorf("section %s not found", section)
		}
		v = sub
	}
	if profile != "" {
		prof := v.Sub("profiles")
		if prof == nil {
			return nil, fmt.Errorf("profiles not found in config")
		}
		p := prof.Sub(profile)
		if p == nil {
			return nil, fmt.Errorf("profile %s not found", profile)
		}
		merged := mergeMaps(v.AllSettings(), p.AllSettings())
		delete(merged, "profiles")
		nv := viper.New()
		if err := nv.MergeConfigMap(merged); err != nil {
			return nil, err
		}
		v = nv
	}
	return v, nil
}
