package config

import "github.com/mealmesh/mealmesh/pkg/transport"

type Config struct {
	Server    ServerConfig
	Transport transport.ConnectionConfig
	Store     StoreConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerParticipant int    `mapstructure:"maxPerParticipant"`
	Mode              string `mapstructure:"mode"` // "reject" or "cycle"
}

type StoreConfig struct {
	Driver      string // "memory" or "postgres"
	PostgresDSN string `mapstructure:"postgresDSN"`
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}
