package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "acp-agent")
	t.Setenv("PORT", "")
	t.Setenv("HOST", "")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("STORE_DSN", "")
	t.Setenv("HANDSHAKE_TIMEOUT", "")
	t.Setenv("REQUEST_TIMEOUT", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr() != "127.0.0.1:3001" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.StoreDriver != "sqlite" {
		t.Errorf("StoreDriver = %q", cfg.StoreDriver)
	}
	if cfg.StoreDSN == "" {
		t.Error("StoreDSN not defaulted")
	}
	if cfg.HandshakeTimeout != 60*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}
}

func TestFromEnv_RequiresAgentCommand(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for missing AGENT_COMMAND")
	}
}

func TestFromEnv_InvalidPort(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "acp-agent")
	t.Setenv("PORT", "notaport")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for bad PORT")
	}
}

func TestDurationEnv_Forms(t *testing.T) {
	t.Setenv("AGENT_COMMAND", "acp-agent")
	t.Setenv("PORT", "")

	t.Setenv("HANDSHAKE_TIMEOUT", "5s")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v", cfg.HandshakeTimeout)
	}

	// Bare numbers mean seconds.
	t.Setenv("REQUEST_TIMEOUT", "90")
	cfg, err = FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RequestTimeout != 90*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
}
