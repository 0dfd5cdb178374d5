package mainboilerplate

import (
	"os"

	petname "github.com/dustinkirkland/golang-petname"
)

// ProcessConfig identifies the running process.
type ProcessConfig struct {
	ID   string `long:"id" env:"ID" description:"Unique ID of this process. Auto-generated if not set"`
	Host string `long:"host" env:"HOST" description:"Hostname of this process. The OS hostname is used if not set"`
}

// Resolve returns a copy of the ProcessConfig with ID and Host defaulted.
func (cfg ProcessConfig) Resolve() ProcessConfig {
	if cfg.ID == "" {
		cfg.ID = petname.Generate(2, "-")
	}
	if cfg.Host == "" {
		var err error
		cfg.Host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
	return cfg
}
