package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Structs

// Config holds all information parsed from the supplied config file,
// overlaid onto the built-in defaults.
type Config struct {

	// ListenAddr is the address the HTTP and websocket surface binds to.
	ListenAddr string

	// PrometheusAddr exposes the metrics handler when non-empty.
	PrometheusAddr string

	// DataRoot is the directory for room snapshots. Created if absent.
	DataRoot string

	// HeartbitInterval is the number of seconds between heartbeat frames.
	// Clients treat a silent connection as dead after this interval.
	HeartbitInterval int

	// DocumentLengthLimit is the advisory document size in characters,
	// advertised to clients on connection.
	DocumentLengthLimit int

	// RoomCompactionThreshold is the event-log length at which a room is
	// compacted: clients are told to reconnect and history is discarded.
	RoomCompactionThreshold int

	// RoomEventsLimit is the hard event-log ceiling. A batch exceeding it
	// disconnects the offending session.
	RoomEventsLimit int

	// RoomSitesLimit caps concurrent sites per room.
	RoomSitesLimit int

	// RoomTTLDays purges snapshots untouched for longer than this.
	// Zero disables purging.
	RoomTTLDays int

	// FlushInterval is the number of seconds between background
	// flush and GC cycles.
	FlushInterval int

	// RoomNameLength is the length of generated phonetic room ids.
	RoomNameLength int
}

// Functions

// DefaultConfig returns the built-in defaults: a 5 second heartbeat, a
// 25k character document, compaction at three times the document limit
// and a hard cap one document beyond that.
func DefaultConfig() *Config {

	documentLengthLimit := 25_000
	compactionThreshold := 3 * documentLengthLimit

	return &Config{
		ListenAddr:              "localhost:5000",
		DataRoot:                "./data",
		HeartbitInterval:        5,
		DocumentLengthLimit:     documentLengthLimit,
		RoomCompactionThreshold: compactionThreshold,
		RoomEventsLimit:         compactionThreshold + documentLengthLimit,
		RoomSitesLimit:          20,
		RoomTTLDays:             30,
		FlushInterval:           10,
		RoomNameLength:          14,
	}
}

// LoadConfig takes in the path to the livecoding config file in TOML
// syntax and overlays its values onto the defaults. An empty or absent
// file returns the plain defaults, so the service starts without one.
func LoadConfig(configFile string) (*Config, error) {

	conf := DefaultConfig()

	if configFile == "" {
		return conf, nil
	}

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return conf, nil
	}

	if _, err := toml.DecodeFile(configFile, conf); err != nil {
		return nil, errors.Wrapf(err, "failed to read in TOML config file at '%s'", configFile)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// Validate rejects configurations whose limits cannot work together.
func (c *Config) Validate() error {

	if c.RoomEventsLimit < c.RoomCompactionThreshold {
		return errors.Errorf("events limit %d lies below compaction threshold %d",
			c.RoomEventsLimit, c.RoomCompactionThreshold)
	}

	if c.HeartbitInterval <= 0 {
		return errors.Errorf("heartbit interval must be positive, got %d", c.HeartbitInterval)
	}

	if c.RoomSitesLimit <= 0 {
		return errors.Errorf("sites limit must be positive, got %d", c.RoomSitesLimit)
	}

	if c.RoomNameLength <= 0 {
		return errors.Errorf("room name length must be positive, got %d", c.RoomNameLength)
	}

	return nil
}
