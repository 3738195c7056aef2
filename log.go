package vfs

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("vfs")

// SetLogLevel sets the level of every logger in the process. Valid levels
// are debug, info, warn, error, dpanic, panic and fatal.
func SetLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	return nil
}
