package main

// Exit codes so supervisors can tell configuration mistakes from damaged
// state and ordinary crashes.

const (
	// ExitCodeSuccess indicates normal program termination
	ExitCodeSuccess = 0

	// ExitCodeGeneralError indicates a generic error (default)
	ExitCodeGeneralError = 1

	// ExitCodeConfigError indicates configuration validation failed
	ExitCodeConfigError = 2

	// ExitCodeStateCorruption indicates unreadable persistent state: a
	// corrupt scope policy document or an unusable data directory
	ExitCodeStateCorruption = 3

	// ExitCodeFatal indicates an unrecoverable runtime failure
	ExitCodeFatal = 4
)
