package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// APIFlags locate a running torvisr serve.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	SkipVerify bool
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type HashPasswordFlags struct {
	TorPath string
}

type ServiceCreateFlags struct {
	APIFlags
	VirtPort   int
	TargetPort int
	PrivateKey string
}

type ServiceFlags struct {
	APIFlags
	VirtPort int
	ID       string
}

type LoginFlags struct {
	APIFlags
	Username string
	Password string
}

type HistoryFlags struct {
	APIFlags
	Type  string
	Since time.Duration
	Limit int
	JSON  bool
}
