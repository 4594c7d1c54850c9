package client

import "time"

// BrokerConfig mirrors the stored broker record.
type BrokerConfig struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	CAURLs           []string `json:"caURLs"`
	AuthMethod       string   `json:"authMethod,omitempty"`
	OIDCIssuer       string   `json:"oidcIssuer,omitempty"`
	OIDCClientID     string   `json:"oidcClientID,omitempty"`
	OIDCClientSecret string   `json:"oidcClientSecret,omitempty"`
	AuthCommand      string   `json:"authCommand,omitempty"`
	CATimeout        int      `json:"caTimeout,omitempty"`
	CACooldown       int      `json:"caCooldown,omitempty"`
	StartOnLogin     bool     `json:"startOnLogin"`
	Verbosity        int      `json:"verbosity"`
}

// BrokerState is the lifecycle state of a broker. Phase is one of
// stopped, starting, running or error.
type BrokerState struct {
	Phase      string `json:"phase"`
	PID        int    `json:"pid,omitempty"`
	RuntimeDir string `json:"runtime_dir,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Broker is a config together with its live state.
type Broker struct {
	Name      string        `json:"name"`
	Config    *BrokerConfig `json:"config,omitempty"`
	State     BrokerState   `json:"state"`
	Status    string        `json:"status"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	LogLength int           `json:"log_length"`
}

// Stats is a resource sample of a broker process.
type Stats struct {
	PID        int       `json:"pid"`
	RSSBytes   uint64    `json:"rss_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
	CreatedAt  time.Time `json:"created_at"`
}

type logsResponse struct {
	Name string `json:"name"`
	Log  string `json:"log"`
}

type inspectResponse struct {
	Name   string `json:"name"`
	Output string `json:"output"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
