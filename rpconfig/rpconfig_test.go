package rpconfig

import (
	"testing"
	"time"
)

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HeartbeatInterval != 10*time.Second {
		t.Fatalf("got heartbeat interval %v", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatTimeout != 5*time.Second {
		t.Fatalf("got heartbeat timeout %v", cfg.HeartbeatTimeout)
	}
	if cfg.MinimalReattemptWait != 10*time.Second {
		t.Fatalf("got reattempt wait %v", cfg.MinimalReattemptWait)
	}
	if cfg.MessageLoopReadTimeout != time.Second {
		t.Fatalf("got read timeout %v", cfg.MessageLoopReadTimeout)
	}
	if cfg.DefaultConnectionWaitTimeout != 30*time.Second {
		t.Fatalf("got wait timeout %v", cfg.DefaultConnectionWaitTimeout)
	}
	if cfg.UnhandledEventCode != -1 {
		t.Fatalf("got unhandled event code %d", cfg.UnhandledEventCode)
	}
	if cfg.UnhandledExceptionCode != -2 {
		t.Fatalf("got unhandled exception code %d", cfg.UnhandledExceptionCode)
	}
}

func TestLoadHonorsEnvironmentOverride(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL_S", "42")
	t.Setenv("RP_CLIENT_TARGET_HOSTNAME", "agent-7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 42*time.Second {
		t.Fatalf("got heartbeat interval %v", cfg.HeartbeatInterval)
	}
	if cfg.ClientTargetHostname != "agent-7" {
		t.Fatalf("got hostname %q", cfg.ClientTargetHostname)
	}
}

func TestClientTargetAddrFormatting(t *testing.T) {
	cfg := Config{ClientTargetHostname: "agent-7", ClientTargetPort: 9443}
	if got := cfg.ClientTargetAddr(); got != "agent-7:9443" {
		t.Fatalf("got %q", got)
	}
}
