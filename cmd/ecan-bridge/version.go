package main

// Populated by the linker via -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)
