package config

import "testing"

func TestEnv_FallsBackWhenUnset(t *testing.T) {
	t.Setenv("PIPELEX_TEST_KEY", "")
	if got := env("PIPELEX_TEST_KEY", "default"); got != "default" {
		t.Errorf("env() = %q, want %q", got, "default")
	}
}

func TestEnv_PrefersSetValue(t *testing.T) {
	t.Setenv("PIPELEX_TEST_KEY", "  custom  ")
	if got := env("PIPELEX_TEST_KEY", "default"); got != "custom" {
		t.Errorf("env() = %q, want %q", got, "custom")
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"OPENAI_API_KEY", "DISCOVERY_HOST_URL", "PIPELEX_DB_PATH",
		"PIPELEX_PRESETS_DIR", "PIPELEX_EXAMPLES_FILE", "PIPELEX_LISTEN_ADDR",
		"PIPELEX_CORS_ORIGIN",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DiscoveryHostURL != "http://localhost:11434" {
		t.Errorf("DiscoveryHostURL = %q, want default", cfg.DiscoveryHostURL)
	}
	if cfg.DBPath != "pipelex.db" {
		t.Errorf("DBPath = %q, want default", cfg.DBPath)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want default", cfg.ListenAddr)
	}
	if cfg.CORSOrigin != "*" {
		t.Errorf("CORSOrigin = %q, want default", cfg.CORSOrigin)
	}
}

func TestDiscoveryEnabled(t *testing.T) {
	cases := []struct {
		name string
		env  string
		want bool
	}{
		{"unset defaults true", "", true},
		{"explicit false", "false", false},
		{"explicit true", "true", true},
		{"garbage defaults true", "not-a-bool", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("PIPELEX_DISCOVERY_ENABLED", tc.env)
			cfg := Config{}
			if got := cfg.DiscoveryEnabled(); got != tc.want {
				t.Errorf("DiscoveryEnabled() = %v, want %v", got, tc.want)
			}
		})
	}
}
