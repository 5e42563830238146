package policy

// Mode controls how policy decisions are enforced.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeDryRun  Mode = "dry-run"
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// Path is the directory containing .rego policy files.
	Path string `mapstructure:"path"`
	Mode Mode   `mapstructure:"mode"`
	// FailClosed denies when policies cannot be loaded or evaluated;
	// the default fail-open keeps the guard's path/grant layers as the
	// only gate.
	FailClosed  bool   `mapstructure:"fail_closed"`
	Environment string `mapstructure:"environment"`
}
