package cmd

import (
	"github.com/AdguardTeam/golibs/validate"
)

// zonesConfig is the zone maintenance configuration.  The zone data itself
// lives in storage and is edited through the admin surface; this section only
// controls the maintenance plumbing around it.
type zonesConfig struct {
	// Transfer is the zone transfer server configuration.
	Transfer *zoneTransferConfig `yaml:"transfer"`

	// ExportDir, if not empty, is the directory into which every zone is
	// exported as a master file after each mutation.
	ExportDir string `yaml:"export_dir"`
}

// zoneTransferConfig is the configuration of the TCP server for AXFR, IXFR,
// NOTIFY, and dynamic updates.
type zoneTransferConfig struct {
	// Addr is the TCP address to listen on.
	Addr string `yaml:"addr"`

	// Enabled enables the server.
	Enabled bool `yaml:"enabled"`
}

// type check
var _ validate.Interface = (*zonesConfig)(nil)

// Validate implements the [validate.Interface] interface for *zonesConfig.
func (c *zonesConfig) Validate() (err error) {
	if c == nil {
		return nil
	}

	if t := c.Transfer; t != nil && t.Enabled {
		return validate.NotEmpty("transfer: addr", t.Addr)
	}

	return nil
}

// transferEnabled returns true and the listen address if the transfer server
// should be started.  c may be nil.
func (c *zonesConfig) transferEnabled() (addr string, ok bool) {
	if c == nil || c.Transfer == nil || !c.Transfer.Enabled {
		return "", false
	}

	return c.Transfer.Addr, true
}

// exportDir returns the master-file export directory.  c may be nil.
func (c *zonesConfig) exportDir() (dir string) {
	if c == nil {
		return ""
	}

	return c.ExportDir
}
