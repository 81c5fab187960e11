//go:build race

package server

// boltdb/bolt v1.3.1 fails checkptr validation under -race.
const raceEnabled = true
