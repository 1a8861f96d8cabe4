// Package config loads the scheduler core's tunables — grace periods,
// executor overhead, retry limits, store selection — from YAML plus
// environment overrides, the way the teacher's internal/common.LoadConfig
// loads every cmd/ binary's Configuration struct via viper.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/armadaproject/taskscheduler/internal/resources"
)

// Configuration is the scheduler core's tunable surface.
type Configuration struct {
	// MissingTaskGracePeriod is the duration of §4.3's timeout rule: tasks
	// stuck in an assigned-but-not-running status longer than this are
	// presumed lost.
	MissingTaskGracePeriod time.Duration `mapstructure:"missingTaskGracePeriod"`
	// MaxTaskFailures is the retry limit a RUNNING task's failure count is
	// compared against before it is left FAILED with no reschedule.
	MaxTaskFailures int32 `mapstructure:"maxTaskFailures"`
	// ExecutorOverhead is added to every freeable/required resource bag in
	// the preemption filter (§4.2), externalized instead of hardcoded the
	// way the teacher externalizes scheduling constants in SchedulingConfig.
	ExecutorOverhead map[string]int64 `mapstructure:"executorOverhead"`
	// Store names the storage backend. "memory" is the only backend this
	// module ships, and no code in this module reads the field.
	Store string `mapstructure:"store"`
}

// Default returns the configuration a fresh demonstration binary or test
// suite should start from.
func Default() Configuration {
	return Configuration{
		MissingTaskGracePeriod: 5 * time.Minute,
		MaxTaskFailures:        10,
		ExecutorOverhead: map[string]int64{
			resources.CPU:    250,  // milli-cores, expanded below
			resources.Memory: 128 * 1024 * 1024,
		},
		Store: "memory",
	}
}

// ExecutorOverheadBag converts the configured overhead map into a
// resources.Bag. The CPU entry is read as milli-cores; every other entry is
// in its kind's natural unit, as resources.NewBag takes it.
func (c Configuration) ExecutorOverheadBag() resources.Bag {
	bag := resources.NewBag(c.ExecutorOverhead)
	if milli, ok := c.ExecutorOverhead[resources.CPU]; ok {
		bag.Resources[resources.CPU] = *resource.NewMilliQuantity(milli, resource.DecimalSI)
	}
	return bag
}

// Load reads configuration from the named YAML files (later files override
// earlier ones) plus environment variables prefixed TASKSCHEDULER_,
// mirroring internal/common.LoadConfig's viper.SetConfigName/AddConfigPath/
// ReadInConfig/Unmarshal sequence, generalized to an explicit file list
// since this module has no cmd/-specific config directory convention of
// its own. An environment variable only overrides a key that appears in one
// of the files; with no files, Default() is returned and the environment is
// not consulted.
func Load(paths ...string) (Configuration, error) {
	v := viper.New()
	v.SetEnvPrefix("TASKSCHEDULER")
	v.AutomaticEnv()

	cfg := Default()
	if len(paths) == 0 {
		return cfg, nil
	}

	for _, p := range paths {
		v.SetConfigFile(p)
		if err := v.MergeInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "reading config file %s", p)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshalling configuration")
	}
	return cfg, nil
}

// MustLoad is Load, logging and exiting the way cmd/ bootstraps in the
// teacher do on an unrecoverable startup error — only ever called from
// cmd/taskscheduler, never from library code.
func MustLoad(log *logrus.Entry, paths ...string) Configuration {
	cfg, err := Load(paths...)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	return cfg
}
