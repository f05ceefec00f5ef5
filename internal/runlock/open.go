package runlock

import "fmt"

// Config selects and configures a Store.
type Config struct {
	// Driver is sqlite, mysql or valkey.
	Driver string
	// DSN is the gorm data source for sqlite and mysql.
	DSN    string
	Valkey ValkeyConfig
}

// Open returns the Store selected by cfg.Driver.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("runlock: %s requires a dsn", cfg.Driver)
		}
		return OpenGorm(cfg.Driver, cfg.DSN)
	case "valkey":
		return OpenValkey(cfg.Valkey)
	default:
		return nil, fmt.Errorf("runlock: unsupported driver %q", cfg.Driver)
	}
}
