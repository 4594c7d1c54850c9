package main

import "time"

const defaultAPITimeout = 15 * time.Second

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	JSON       bool
}

type ServeFlags struct {
	LogLevel  string
	LogFormat string
	LogFile   string
}

type LogsFlags struct {
	Clear    bool
	Follow   bool
	Interval time.Duration
}

// BrokerAddFlags mirror the editable fields of a broker config.
type BrokerAddFlags struct {
	CAURLs           []string
	AuthMethod       string
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	AuthCommand      string
	CATimeout        int
	CACooldown       int
	NoStartOnLogin   bool
	Verbosity        int
}
