package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := &appConfig{
		backend:         "sim",
		slcanDev:        "/dev/null",
		baud:            115200,
		bitrate:         500_000,
		slcanReadTO:     50 * time.Millisecond,
		canIf:           "can0",
		listenAddr:      ":20000",
		logFormat:       "text",
		logLevel:        "info",
		metricsAddr:     "",
		hubBuffer:       512,
		hubPolicy:       "drop",
		maxClients:      0,
		handshakeTO:     3 * time.Second,
		clientReadTO:    60 * time.Second,
		logMetricsEvery: 0,
		mdnsEnable:      false,
		mdnsName:        "",
	}

	os.Setenv("ECAN_BRIDGE_BAUD", "230400")
	os.Setenv("ECAN_BRIDGE_BITRATE", "250000")
	os.Setenv("ECAN_BRIDGE_MDNS_ENABLE", "true")
	os.Setenv("ECAN_BRIDGE_SLCAN_READ_TIMEOUT", "100ms")
	os.Setenv("ECAN_BRIDGE_LOG_METRICS_INTERVAL", "5s")
	os.Setenv("ECAN_BRIDGE_CAPTURE", "/tmp/bus.cap")
	t.Cleanup(func() {
		os.Unsetenv("ECAN_BRIDGE_BAUD")
		os.Unsetenv("ECAN_BRIDGE_BITRATE")
		os.Unsetenv("ECAN_BRIDGE_MDNS_ENABLE")
		os.Unsetenv("ECAN_BRIDGE_SLCAN_READ_TIMEOUT")
		os.Unsetenv("ECAN_BRIDGE_LOG_METRICS_INTERVAL")
		os.Unsetenv("ECAN_BRIDGE_CAPTURE")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if base.bitrate != 250000 {
		t.Fatalf("expected bitrate override, got %d", base.bitrate)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.slcanReadTO != 100*time.Millisecond {
		t.Fatalf("expected slcanReadTO 100ms got %v", base.slcanReadTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.capturePath != "/tmp/bus.cap" {
		t.Fatalf("expected capturePath override, got %q", base.capturePath)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	os.Setenv("ECAN_BRIDGE_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("ECAN_BRIDGE_BAUD") })
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{hubBuffer: 512}
	os.Setenv("ECAN_BRIDGE_HUB_BUFFER", "notint")
	t.Cleanup(func() { os.Unsetenv("ECAN_BRIDGE_HUB_BUFFER") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}
