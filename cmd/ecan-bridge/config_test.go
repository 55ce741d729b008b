package main

import (
	"testing"
	"time"
)

func TestConfigValidate_OK(t *testing.T) {
	c := &appConfig{
		backend:      "slcan",
		slcanDev:     "/dev/null",
		baud:         115200,
		bitrate:      500_000,
		slcanReadTO:  10 * time.Millisecond,
		canIf:        "can0",
		listenAddr:   ":20000",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    8,
		hubPolicy:    "drop",
		maxClients:   0,
		handshakeTO:  time.Second,
		clientReadTO: time.Second,
	}
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badBitrate", func(c *appConfig) { c.bitrate = 0 }},
		{"badSLCANTO", func(c *appConfig) { c.slcanReadTO = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		base := &appConfig{
			backend: "sim", slcanDev: "/dev/null", baud: 115200, bitrate: 500_000,
			slcanReadTO: 10 * time.Millisecond, canIf: "can0", listenAddr: ":20000",
			logFormat: "text", logLevel: "info", hubBuffer: 8, hubPolicy: "drop",
			maxClients: 0, handshakeTO: time.Second, clientReadTO: time.Second,
		}
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
