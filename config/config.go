package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	envPrefix = "RECSTORE"

	BackendSQL  = "sql"
	BackendGorm = "gorm"
	BackendFile = "file"
)

// DBConfig contains the data needed to open the record store
type DBConfig struct {
	Backend string
	DSN     string
}

// Config contains the application configuration
type Config struct {
	DB       DBConfig
	LogLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.backend", BackendSQL)
	v.SetDefault("db.dsn", "file:recstore.sqlite3")
	v.SetDefault("log.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		DB: DBConfig{
			Backend: v.GetString("db.backend"),
			DSN:     v.GetString("db.dsn"),
		},
		LogLevel: v.GetString("log.level"),
	}
}

// New reads the config file with the given name from the given directory;
// environment variables prefixed with RECSTORE_ take precedence over it
func New(path, name string) (*Config, error) {
	v := newViper()
	v.SetConfigName(name)
	v.AddConfigPath(path)

	err := v.ReadInConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}

	return fromViper(v), nil
}

// Default returns the default configuration, subject to environment overrides
func Default() *Config {
	return fromViper(newViper())
}
