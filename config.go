package structures

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the structures-manager service.
type Config struct {
	// HTTPAddr is the listen address of the HTTP API.
	HTTPAddr string

	// MongoHost is the host:port of the MongoDB instance holding the
	// structure catalog.
	MongoHost string

	// MongoDatabase is the database name for the catalog collections.
	MongoDatabase string

	// RedistributionInterval is how long an unrenewed lease stays exclusive.
	// A structure whose last ping is older than this becomes claimable by
	// any processor, and a processor silent for longer is garbage-collected.
	RedistributionInterval time.Duration

	// CycleInterval is the period of the registry's GC/rebalance cycle.
	CycleInterval time.Duration

	// MaxPerRequest caps how many structures a single claim may take.
	MaxPerRequest int

	// MultiFilesMaxBytes is the size-class threshold: structures at or below
	// it are "small" (MULTI_FILES work), above it "large" (SINGLE_FILE work).
	MultiFilesMaxBytes int64

	// StoreTimeout bounds individual catalog calls made from background
	// cycles so a slow store never wedges a ticker loop.
	StoreTimeout time.Duration
}

// DefaultConfig returns a Config with the defaults the original deployment
// used.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:               ":3000",
		MongoHost:              "127.0.0.1:27017",
		MongoDatabase:          "structures-manager",
		RedistributionInterval: 5 * time.Minute,
		CycleInterval:          30 * time.Second,
		MaxPerRequest:          20,
		MultiFilesMaxBytes:     10 << 20,
		StoreTimeout:           10 * time.Second,
	}
}

// FromEnv returns DefaultConfig overridden by environment variables:
// HTTP_ADDR (or PORT), MONGO_HOST, MONGO_DATABASE, REDISTRIBUTION_INTERVAL
// (milliseconds), CYCLE_INTERVAL (milliseconds), MAX_PER_REQUEST,
// MULTI_FILES_MAX_BYTES, STORE_TIMEOUT (milliseconds).
func FromEnv() Config {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	} else if v, ok := os.LookupEnv("PORT"); ok {
		cfg.HTTPAddr = ":" + v
	}
	if v, ok := os.LookupEnv("MONGO_HOST"); ok {
		cfg.MongoHost = v
	}
	if v, ok := os.LookupEnv("MONGO_DATABASE"); ok {
		cfg.MongoDatabase = v
	}
	if d, ok := lookupMillis("REDISTRIBUTION_INTERVAL"); ok {
		cfg.RedistributionInterval = d
	}
	if d, ok := lookupMillis("CYCLE_INTERVAL"); ok {
		cfg.CycleInterval = d
	}
	if n, ok := lookupInt("MAX_PER_REQUEST"); ok && n > 0 {
		cfg.MaxPerRequest = int(n)
	}
	if n, ok := lookupInt("MULTI_FILES_MAX_BYTES"); ok && n > 0 {
		cfg.MultiFilesMaxBytes = n
	}
	if d, ok := lookupMillis("STORE_TIMEOUT"); ok {
		cfg.StoreTimeout = d
	}

	return cfg
}

func lookupInt(name string) (int64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupMillis(name string) (time.Duration, bool) {
	n, ok := lookupInt(name)
	if !ok || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}
