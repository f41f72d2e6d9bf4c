// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/multigres/nativepool/go/mterrors"
)

// EnvPrefix prefixes environment variables overriding configuration keys,
// e.g. NATIVEPOOL_CEILING.
const EnvPrefix = "NATIVEPOOL"

// Growth strategy names.
const (
	GrowthAggressive  = "aggressive"
	GrowthGradual     = "gradual"
	GrowthExponential = "exponential"
)

// MinGrowthFactor bounds Growth.Factor for the exponential strategy.
const MinGrowthFactor = 1.1

// Config holds the pool configuration.
type Config struct {
	// ConnectionString is passed unchanged to the native driver.
	ConnectionString string `mapstructure:"connection-string" yaml:"connection-string"`

	// Floor is the number of sessions kept open and exempt from parking.
	Floor int `mapstructure:"floor" yaml:"floor"`

	// Ceiling bounds the number of sessions, parked placeholders included.
	Ceiling int `mapstructure:"ceiling" yaml:"ceiling"`

	// HeartbeatSecs is how long an idle session may go without any
	// activity before it is sent HeartbeatSQL.
	HeartbeatSecs int `mapstructure:"heartbeat-secs" yaml:"heartbeat-secs"`

	// InactivityTimeoutSecs is how long an idle session may go without work
	// before it is parked.
	InactivityTimeoutSecs int `mapstructure:"inactivity-timeout-secs" yaml:"inactivity-timeout-secs"`

	HeartbeatSQL string `mapstructure:"heartbeat-sql" yaml:"heartbeat-sql"`

	// Tick is the interval of the heartbeat and parking checks.
	Tick time.Duration `mapstructure:"tick" yaml:"tick"`

	Growth Growth `mapstructure:"growth" yaml:"growth"`
}

// Growth selects and parameterizes the growth strategy.
type Growth struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"`

	// Increment is the step of the gradual strategy.
	Increment int `mapstructure:"increment" yaml:"increment,omitempty"`

	// Factor is the multiplier of the exponential strategy.
	Factor float64 `mapstructure:"factor" yaml:"factor,omitempty"`

	// Delay is the minimum time between two growth steps of the gradual and
	// exponential strategies.
	Delay time.Duration `mapstructure:"delay" yaml:"delay,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Floor:                 0,
		Ceiling:               4,
		HeartbeatSecs:         20,
		InactivityTimeoutSecs: 60,
		HeartbeatSQL:          "SELECT 1",
		Tick:                  200 * time.Millisecond,
		Growth:                Growth{Strategy: GrowthAggressive},
	}
}

// HeartbeatInterval returns HeartbeatSecs as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSecs) * time.Second
}

// InactivityTimeout returns InactivityTimeoutSecs as a duration.
func (c Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSecs) * time.Second
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Ceiling < 1:
		return mterrors.InvalidParameter("ceiling", fmt.Sprintf("%d is less than 1", c.Ceiling))
	case c.Floor < 0 || c.Floor > c.Ceiling:
		return mterrors.InvalidParameter("floor", fmt.Sprintf("%d is outside [0, ceiling=%d]", c.Floor, c.Ceiling))
	case c.HeartbeatSecs < 1:
		return mterrors.InvalidParameter("heartbeat-secs", fmt.Sprintf("%d is less than 1", c.HeartbeatSecs))
	case c.InactivityTimeoutSecs < c.HeartbeatSecs:
		return mterrors.InvalidParameter("inactivity-timeout-secs", fmt.Sprintf("%d is less than heartbeat-secs=%d", c.InactivityTimeoutSecs, c.HeartbeatSecs))
	case strings.TrimSpace(c.HeartbeatSQL) == "":
		return mterrors.InvalidParameter("heartbeat-sql", "empty statement")
	case c.Tick <= 0:
		return mterrors.InvalidParameter("tick", fmt.Sprintf("%v is not positive", c.Tick))
	}
	_, err := c.Growth.Build()
	return err
}

// Build returns the strategy described by g.
func (g Growth) Build() (Strategy, error) {
	if g.Delay < 0 {
		return nil, mterrors.InvalidParameter("growth.delay", fmt.Sprintf("%v is negative", g.Delay))
	}
	switch strings.ToLower(g.Strategy) {
	case "", GrowthAggressive:
		return Aggressive{}, nil
	case GrowthGradual:
		inc := g.Increment
		if inc == 0 {
			inc = 1
		}
		if inc < 1 {
			return nil, mterrors.InvalidParameter("growth.increment", fmt.Sprintf("%d is less than 1", inc))
		}
		return Gradual{Increment: inc, Wait: g.Delay}, nil
	case GrowthExponential:
		f := g.Factor
		if f == 0 {
			f = 2
		}
		if f < MinGrowthFactor {
			return nil, mterrors.InvalidParameter("growth.factor", fmt.Sprintf("%v is less than %v", f, MinGrowthFactor))
		}
		return Exponential{Factor: f, Wait: g.Delay}, nil
	default:
		return nil, mterrors.InvalidParameter("growth.strategy", fmt.Sprintf("unknown strategy %q", g.Strategy))
	}
}

// ParseGrowth parses the short form "name[:param[:delay]]", where param is
// the increment of the gradual strategy or the factor of the exponential
// one, e.g. "gradual:2:500ms" or "exponential:1.5".
func ParseGrowth(s string) (Growth, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	g := Growth{Strategy: strings.ToLower(parts[0])}
	if len(parts) > 3 {
		return g, mterrors.InvalidParameter("growth", fmt.Sprintf("%q has too many fields", s))
	}
	if len(parts) > 1 && parts[1] != "" {
		switch g.Strategy {
		case GrowthGradual:
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return g, mterrors.InvalidParameter("growth.increment", err.Error())
			}
			g.Increment = n
		case GrowthExponential:
			f, err := strconv.ParseFloat(parts[1], 64)
			if err != nil {
				return g, mterrors.InvalidParameter("growth.factor", err.Error())
			}
			g.Factor = f
		default:
			return g, mterrors.InvalidParameter("growth", fmt.Sprintf("%s takes no parameter", g.Strategy))
		}
	}
	if len(parts) > 2 {
		d, err := time.ParseDuration(parts[2])
		if err != nil {
			return g, mterrors.InvalidParameter("growth.delay", err.Error())
		}
		g.Delay = d
	}
	return g, nil
}

// String returns the short form accepted by ParseGrowth.
func (g Growth) String() string {
	s := g.Strategy
	if s == "" {
		s = GrowthAggressive
	}
	switch s {
	case GrowthGradual:
		if g.Increment > 0 {
			s += ":" + strconv.Itoa(g.Increment)
		} else if g.Delay > 0 {
			s += ":"
		}
	case GrowthExponential:
		if g.Factor > 0 {
			s += ":" + strconv.FormatFloat(g.Factor, 'g', -1, 64)
		} else if g.Delay > 0 {
			s += ":"
		}
	}
	if g.Delay > 0 {
		s += ":" + g.Delay.String()
	}
	return s
}

// decodeGrowth lets "growth" be given in its short string form.
func decodeGrowth(from, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(Growth{}) || from.Kind() != reflect.String {
		return data, nil
	}
	return ParseGrowth(data.(string))
}

// decodeHook decodes durations and the growth short form.
func decodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decodeGrowth,
		mapstructure.StringToTimeDurationHookFunc(),
	))
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("connection-string", d.ConnectionString)
	v.SetDefault("floor", d.Floor)
	v.SetDefault("ceiling", d.Ceiling)
	v.SetDefault("heartbeat-secs", d.HeartbeatSecs)
	v.SetDefault("inactivity-timeout-secs", d.InactivityTimeoutSecs)
	v.SetDefault("heartbeat-sql", d.HeartbeatSQL)
	v.SetDefault("tick", d.Tick)
	v.SetDefault("growth", d.Growth.String())
}

// RegisterFlags registers the pool flags on fs and binds them to v.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) {
	d := DefaultConfig()
	fs.String("connection-string", d.ConnectionString, "Connection string passed to the native driver")
	fs.Int("floor", d.Floor, "Number of sessions kept open and exempt from parking")
	fs.Int("ceiling", d.Ceiling, "Maximum number of sessions")
	fs.Int("heartbeat-secs", d.HeartbeatSecs, "Seconds without activity before an idle session is sent the heartbeat statement")
	fs.Int("inactivity-timeout-secs", d.InactivityTimeoutSecs, "Seconds without work before an idle session is parked")
	fs.String("heartbeat-sql", d.HeartbeatSQL, "Heartbeat statement")
	fs.Duration("tick", d.Tick, "Interval of the heartbeat and parking checks")
	fs.String("growth", d.Growth.String(), "Growth strategy: aggressive, gradual[:increment[:delay]] or exponential[:factor[:delay]]")

	for _, name := range []string{"connection-string", "floor", "ceiling", "heartbeat-secs", "inactivity-timeout-secs", "heartbeat-sql", "tick", "growth"} {
		_ = v.BindPFlag(name, fs.Lookup(name))
	}
}

// LoadConfig reads the configuration from defaults, the optional config
// file at path on fs, NATIVEPOOL_* environment variables and any flags
// bound with RegisterFlags, and validates it.
func LoadConfig(fs afero.Fs, path string, v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetFs(fs)
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, mterrors.Wrap(err, "reading pool config")
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return Config{}, mterrors.InvalidParameter("config", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WatchConfig re-reads the config file on every change and passes the new
// configuration to onChange. Invalid configurations are logged and skipped.
func WatchConfig(v *viper.Viper, logger *slog.Logger, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("ignoring invalid pool config", "file", e.Name, "op", e.Op.String(), "error", err)
			return
		}
		logger.Info("pool config changed", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()
}
