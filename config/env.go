package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Functions

// ApplyEnv overlays environment variables onto an already loaded config.
// This enables host adaptions without maintaining a second config file:
// a .env file in the working directory is read first when present, then
// LIVECODING_* variables override individual options.
func ApplyEnv(conf *Config) error {

	if _, err := os.Stat(".env"); err == nil {

		if err := godotenv.Load(".env"); err != nil {
			return errors.Wrap(err, "failed to read in .env file")
		}
	}

	if addr := os.Getenv("LIVECODING_LISTEN_ADDR"); addr != "" {
		conf.ListenAddr = addr
	}

	if addr := os.Getenv("LIVECODING_PROMETHEUS_ADDR"); addr != "" {
		conf.PrometheusAddr = addr
	}

	if root := os.Getenv("LIVECODING_DATA_ROOT"); root != "" {
		conf.DataRoot = root
	}

	overrides := []struct {
		name   string
		target *int
	}{
		{"LIVECODING_HEARTBIT_INTERVAL", &conf.HeartbitInterval},
		{"LIVECODING_DOCUMENT_LENGTH_LIMIT", &conf.DocumentLengthLimit},
		{"LIVECODING_ROOM_COMPACTION_THRESHOLD", &conf.RoomCompactionThreshold},
		{"LIVECODING_ROOM_EVENTS_LIMIT", &conf.RoomEventsLimit},
		{"LIVECODING_ROOM_SITES_LIMIT", &conf.RoomSitesLimit},
		{"LIVECODING_ROOM_TTL_DAYS", &conf.RoomTTLDays},
		{"LIVECODING_FLUSH_INTERVAL", &conf.FlushInterval},
		{"LIVECODING_ROOM_NAME_LENGTH", &conf.RoomNameLength},
	}

	for _, override := range overrides {

		raw := os.Getenv(override.name)
		if raw == "" {
			continue
		}

		value, err := strconv.Atoi(raw)
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s", override.name)
		}

		*override.target = value
	}

	return conf.Validate()
}
