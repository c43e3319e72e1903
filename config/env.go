package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvAPIHost  = "S7LINK_API_HOST"
	EnvAPIPort  = "S7LINK_API_PORT"
	EnvPollRate = "S7LINK_POLL_RATE"
	EnvLog      = "S7LINK_LOG"
)

// ApplyEnv loads envFile (if present) into the process environment, then
// applies S7LINK_* overrides. Variables already set in the environment win
// over the file.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if v, ok := os.LookupEnv(EnvAPIHost); ok {
		c.API.Host = v
	}
	if v, ok := os.LookupEnv(EnvAPIPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvAPIPort, v)
		}
		c.API.Port = port
	}
	if v, ok := os.LookupEnv(EnvPollRate); ok {
		rate, err := time.ParseDuration(v)
		if err != nil || rate <= 0 {
			return fmt.Errorf("%s: invalid duration %q", EnvPollRate, v)
		}
		c.PollRate = rate
	}
	if v, ok := os.LookupEnv(EnvLog); ok {
		c.Log.Path = v
	}
	return nil
}
