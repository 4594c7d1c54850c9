package broker

import (
	"errors"
	"strconv"
	"strings"
)

// AuthMethod selects how the agent obtains credentials for the CA.
type AuthMethod string

const (
	AuthAutoDiscover AuthMethod = "autoDiscover"
	AuthOIDC         AuthMethod = "oidc"
	AuthCommand      AuthMethod = "command"
)

// DisplayName returns a human readable label for the method.
func (m AuthMethod) DisplayName() string {
	switch m {
	case AuthOIDC:
		return "OIDC"
	case AuthCommand:
		return "Custom Command"
	default:
		return "Auto-discover from CA"
	}
}

// Verbosity maps to the agent's repeated -v flags.
type Verbosity int

const (
	VerbosityWarn  Verbosity = 0
	VerbosityInfo  Verbosity = 1
	VerbosityDebug Verbosity = 2
	VerbosityTrace Verbosity = 3
)

// Flags returns the command-line flags for v. Out of range values are clamped.
func (v Verbosity) Flags() []string {
	switch {
	case v <= VerbosityWarn:
		return nil
	case v == VerbosityInfo:
		return []string{"-v"}
	case v == VerbosityDebug:
		return []string{"-vv"}
	default:
		return []string{"-vvv"}
	}
}

func (v Verbosity) String() string {
	switch v {
	case VerbosityWarn:
		return "warn"
	case VerbosityInfo:
		return "info"
	case VerbosityDebug:
		return "debug"
	case VerbosityTrace:
		return "trace"
	default:
		return "verbosity(" + strconv.Itoa(int(v)) + ")"
	}
}

const (
	DefaultCATimeout  = 15
	DefaultCACooldown = 600
)

// Config is one broker record as persisted by the config store.
// The supervisor reads it by value and never mutates it.
type Config struct {
	ID               string     `json:"id,omitempty" yaml:"id,omitempty" mapstructure:"id"`
	Name             string     `json:"name" yaml:"name" mapstructure:"name"`
	CAURLs           []string   `json:"caURLs" yaml:"caURLs" mapstructure:"caURLs"`
	AuthMethod       AuthMethod `json:"authMethod" yaml:"authMethod" mapstructure:"authMethod"`
	OIDCIssuer       string     `json:"oidcIssuer,omitempty" yaml:"oidcIssuer,omitempty" mapstructure:"oidcIssuer"`
	OIDCClientID     string     `json:"oidcClientID,omitempty" yaml:"oidcClientID,omitempty" mapstructure:"oidcClientID"`
	OIDCClientSecret string     `json:"oidcClientSecret,omitempty" yaml:"oidcClientSecret,omitempty" mapstructure:"oidcClientSecret"`
	AuthCommand      string     `json:"authCommand,omitempty" yaml:"authCommand,omitempty" mapstructure:"authCommand"`
	CATimeout        int        `json:"caTimeout" yaml:"caTimeout" mapstructure:"caTimeout"`    // seconds
	CACooldown       int        `json:"caCooldown" yaml:"caCooldown" mapstructure:"caCooldown"` // seconds
	StartOnLogin     bool       `json:"startOnLogin" yaml:"startOnLogin" mapstructure:"startOnLogin"`
	Verbosity        Verbosity  `json:"verbosity" yaml:"verbosity" mapstructure:"verbosity"`

	// LegacyCAURL is the single-URL field written by older config files.
	LegacyCAURL string `json:"caURL,omitempty" yaml:"caURL,omitempty" mapstructure:"caURL"`
}

// NewConfig returns a record populated with the default values.
func NewConfig(name string) Config {
	return Config{
		Name:         name,
		AuthMethod:   AuthAutoDiscover,
		CATimeout:    DefaultCATimeout,
		CACooldown:   DefaultCACooldown,
		StartOnLogin: true,
		Verbosity:    VerbosityInfo,
	}
}

// Normalize folds legacy fields and fills zero values with defaults.
func (c *Config) Normalize() {
	if c.LegacyCAURL != "" {
		found := false
		for _, u := range c.CAURLs {
			if u == c.LegacyCAURL {
				found = true
				break
			}
		}
		if !found {
			c.CAURLs = append([]string{c.LegacyCAURL}, c.CAURLs...)
		}
		c.LegacyCAURL = ""
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthAutoDiscover
	}
	if c.CATimeout == 0 {
		c.CATimeout = DefaultCATimeout
	}
	if c.CACooldown == 0 {
		c.CACooldown = DefaultCACooldown
	}
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	out := c
	if c.CAURLs != nil {
		out.CAURLs = append([]string(nil), c.CAURLs...)
	}
	return out
}

// Validate returns human readable problems with the record; empty means valid.
func (c Config) Validate() []string {
	var problems []string

	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "Name is required")
	}

	urls := 0
	for _, u := range c.CAURLs {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		urls++
		if !strings.HasPrefix(strings.ToLower(u), "https://") {
			problems = append(problems, "CA URL must be HTTPS: "+u)
		}
	}
	if urls == 0 {
		problems = append(problems, "CA URL is required")
	}

	switch c.AuthMethod {
	case AuthOIDC:
		if strings.TrimSpace(c.OIDCIssuer) == "" {
			problems = append(problems, "OIDC Issuer is required")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			problems = append(problems, "OIDC Client ID is required")
		}
	case AuthCommand:
		if strings.TrimSpace(c.AuthCommand) == "" {
			problems = append(problems, "Auth command is required")
		}
	case AuthAutoDiscover, "":
	default:
		problems = append(problems, "unknown auth method "+strconv.Quote(string(c.AuthMethod)))
	}

	if c.CATimeout < 0 {
		problems = append(problems, "CA timeout cannot be negative")
	}
	if c.CACooldown < 0 {
		problems = append(problems, "CA cooldown cannot be negative")
	}
	if c.Verbosity < VerbosityWarn || c.Verbosity > VerbosityTrace {
		problems = append(problems, "verbosity must be between 0 and 3")
	}
	return problems
}

// Err joins Validate's problems into a single error, or nil.
func (c Config) Err() error {
	problems := c.Validate()
	if len(problems) == 0 {
		return nil
	}
	errs := make([]error, 0, len(problems))
	for _, p := range problems {
		errs = append(errs, errors.New(p))
	}
	return errors.Join(errs...)
}

// Args builds the agent command line. binary is the path of the epithet
// executable and is only used to compose the OIDC auth sub-command.
func (c Config) Args(binary string) []string {
	args := []string{"agent"}
	args = append(args, c.Verbosity.Flags()...)

	for _, u := range c.CAURLs {
		if u = strings.TrimSpace(u); u != "" {
			args = append(args, "--ca-url", u)
		}
	}
	args = append(args, "--ca-timeout", strconv.Itoa(c.CATimeout)+"s")
	args = append(args, "--ca-cooldown", strconv.Itoa(c.CACooldown)+"s")

	switch c.AuthMethod {
	case AuthOIDC:
		var b strings.Builder
		b.WriteString(binary)
		b.WriteString(" auth oidc")
		if c.OIDCIssuer != "" {
			b.WriteString(" --issuer " + c.OIDCIssuer)
		}
		if c.OIDCClientID != "" {
			b.WriteString(" --client-id " + c.OIDCClientID)
		}
		if c.OIDCClientSecret != "" {
			b.WriteString(" --client-secret " + c.OIDCClientSecret)
		}
		args = append(args, "--auth", b.String())
	case AuthCommand:
		if c.AuthCommand != "" {
			args = append(args, "--auth", c.AuthCommand)
		}
	}
	return args
}
