package bnconfig

import "testing"

func TestMasterConfigDefaults(t *testing.T) {
	var c MasterConfig
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Listen) != 1 || c.Listen[0] != "127.0.0.1:10443" {
		t.Fatalf("unexpected default listen: %v", c.Listen)
	}
	if c.DBPort != 3306 {
		t.Fatalf("unexpected default db port: %d", c.DBPort)
	}
	if c.SessionInterval.String() != "1h0m0s" {
		t.Fatalf("unexpected default session interval: %v", c.SessionInterval)
	}
}

func TestMasterConfigOverride(t *testing.T) {
	var c MasterConfig
	env := []string{
		"BLACKNET_LISTEN=/run/blacknet.sock,10.0.0.1:10443",
		"BLACKNET_TEST_MODE=true",
		"BLACKNET_DB_PORT=3307",
	}
	if err := c.UnmarshalEnv(env, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Listen) != 2 {
		t.Fatalf("expected 2 listen entries, got %v", c.Listen)
	}
	if !c.TestMode {
		t.Fatalf("expected test mode enabled")
	}
	if c.DBPort != 3307 {
		t.Fatalf("expected overridden db port, got %d", c.DBPort)
	}
}

func TestSensorConfigDefaults(t *testing.T) {
	var c SensorConfig
	if err := c.UnmarshalEnv(nil, false); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.SSHAuthRetries != 42 {
		t.Fatalf("unexpected default auth retries: %d", c.SSHAuthRetries)
	}
	if c.Server != "127.0.0.1:10443" {
		t.Fatalf("unexpected default server: %q", c.Server)
	}
}

func TestUnmarshalEnvRejectsUnknownVar(t *testing.T) {
	var c SensorConfig
	err := c.UnmarshalEnv([]string{"BLACKNET_NOT_A_REAL_VAR=1"}, false)
	if err == nil {
		t.Fatalf("expected an error for an unknown variable")
	}
}
