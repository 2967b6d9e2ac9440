// Package integration drives a full server over real sockets.
package integration

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config tunes the end-to-end runs
type Config struct {
	// PIGEON_E2E_ADDR targets a running server instead of an in-process one
	Addr string `envconfig:"PIGEON_E2E_ADDR"`
	// PIGEON_E2E_TIMEOUT bounds every wait for a frame
	Timeout time.Duration `envconfig:"PIGEON_E2E_TIMEOUT" default:"5s"`
	// PIGEON_E2E_DEBUG logs every frame a client reads
	Debug bool `envconfig:"PIGEON_E2E_DEBUG" default:"false"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return cfg, err
}
