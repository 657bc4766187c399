package transport

import (
	"time"

	"github.com/bleapdu/transport/catalogue"
)

// Config carries the knobs a Transport needs at construction time.
type Config struct {
	// Families restricts scanning to the given device families. An empty
	// slice means "all known families".
	Families []catalogue.Family
	// ScanTimeout bounds a Scan call with no explicit duration.
	ScanTimeout time.Duration
	// StageTimeout bounds each of connect/discover/subscribe/negotiate-MTU.
	StageTimeout time.Duration
}

// DefaultConfig returns a Config accepting every known device family with
// conservative timeouts.
func DefaultConfig() Config {
	return Config{
		Families:     catalogue.AllFamilies(),
		ScanTimeout:  30 * time.Second,
		StageTimeout: 10 * time.Second,
	}
}

func (c Config) families() []catalogue.Family {
	if len(c.Families) == 0 {
		return catalogue.AllFamilies()
	}
	return c.Families
}
