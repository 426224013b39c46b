package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig points at the remote spreadsheet-backed ticket store. The
// store owns the staff roster, the daily redemption ledger and the active
// session registry; this service only calls it.
type StoreConfig struct {
	BaseURL string
	Timeout time.Duration
}

type KioskConfig struct {
	KioskID         string
	Location        string
	ExpectedPayload string
	ScanInterval    time.Duration
	NoticeTTL       time.Duration
}

type SecurityConfig struct {
	PanelTokenSecret        string
	PanelTokenTTL           time.Duration
	MaintenancePasscodeHash string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Redis            RedisConfig
	Store            StoreConfig
	Kiosk            KioskConfig
	Security         SecurityConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("MEALPASS")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	// Empty addr disables redis; the kiosk then runs memory-only.
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("store.timeout", "10s")

	v.SetDefault("kiosk.kioskid", "kiosk-1")
	v.SetDefault("kiosk.scaninterval", "400ms")
	v.SetDefault("kiosk.noticettl", "3s")

	v.SetDefault("security.paneltokenttl", "12h")
}
