package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AccessSettings are the pricing and quota knobs read by the entitlement
// and checkout paths. They change rarely and are hot reloaded.
type AccessSettings struct {
	SubscriptionPrice        int64  `mapstructure:"subscriptionPrice"`
	SubscriptionDurationDays int    `mapstructure:"subscriptionDurationDays"`
	OneTimePrice             int64  `mapstructure:"oneTimePrice"`
	FreeDailyLimit           int    `mapstructure:"freeDailyLimit"`
	FreeOralDailyLimit       int    `mapstructure:"freeOralDailyLimit"`
	FreeAttemptsEnabled      bool   `mapstructure:"freeAttemptsEnabled"`
	Timezone                 string `mapstructure:"timezone"`
}

func DefaultAccessSettings() AccessSettings {
	return AccessSettings{
		SubscriptionPrice:        9_900_000,
		SubscriptionDurationDays: 30,
		OneTimePrice:             1_500_000,
		FreeDailyLimit:           1,
		FreeOralDailyLimit:       2,
		FreeAttemptsEnabled:      true,
		Timezone:                 "UTC",
	}
}

// Location resolves the timezone used for daily quota boundaries.
func (s AccessSettings) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PriceFor returns the configured amount in minor units for a purchase kind.
func (s AccessSettings) PriceFor(kind string) int64 {
	if kind == "subscription" {
		return s.SubscriptionPrice
	}
	return s.OneTimePrice
}

// AccessSettingsSource yields the current access settings.
type AccessSettingsSource interface {
	Get() AccessSettings
}

type AccessSettingsHolder struct {
	current atomic.Value // holds AccessSettings
}

// NewStaticAccessSettings returns a holder that never reloads.
func NewStaticAccessSettings(settings AccessSettings) *AccessSettingsHolder {
	holder := &AccessSettingsHolder{}
	holder.current.Store(settings)
	return holder
}

func NewAccessSettingsHolder() (*AccessSettingsHolder, error) {
	v := viper.New()

	v.SetConfigName("access")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/examly/config")
	v.AddConfigPath("/etc/examly")
	v.AddConfigPath(".")

	v.SetEnvPrefix("EXAMLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAccessSettings()
	v.SetDefault("access.subscriptionPrice", defaults.SubscriptionPrice)
	v.SetDefault("access.subscriptionDurationDays", defaults.SubscriptionDurationDays)
	v.SetDefault("access.oneTimePrice", defaults.OneTimePrice)
	v.SetDefault("access.freeDailyLimit", defaults.FreeDailyLimit)
	v.SetDefault("access.freeOralDailyLimit", defaults.FreeOralDailyLimit)
	v.SetDefault("access.freeAttemptsEnabled", defaults.FreeAttemptsEnabled)
	v.SetDefault("access.timezone", defaults.Timezone)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg AccessSettings
	if err := v.UnmarshalKey("access", &cfg); err != nil {
		return nil, err
	}
	if err := validateAccessSettings(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticAccessSettings(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated AccessSettings
		if err := v.UnmarshalKey("access", &updated); err != nil {
			log.Printf("[access-settings] reload failed: %v", err)
			return
		}
		if err := validateAccessSettings(updated); err != nil {
			log.Printf("[access-settings] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[access-settings] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *AccessSettingsHolder) Get() AccessSettings {
	return h.current.Load().(AccessSettings)
}

func validateAccessSettings(cfg AccessSettings) error {
	if cfg.SubscriptionDurationDays <= 0 {
		return errors.New("access.subscriptionDurationDays must be positive")
	}
	if cfg.SubscriptionPrice <= 0 || cfg.OneTimePrice <= 0 {
		return errors.New("access prices must be positive")
	}
	if cfg.FreeDailyLimit < 0 || cfg.FreeOralDailyLimit < 0 {
		return errors.New("access daily limits cannot be negative")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return errors.New("access.timezone is not a valid IANA zone")
		}
	}
	return nil
}
