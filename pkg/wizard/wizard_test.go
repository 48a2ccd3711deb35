package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lkarlslund/agentrelay/pkg/config"
)

func TestRunSavesAnswers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrelay.toml")
	answers := strings.Join([]string{
		":9090",
		"",
		"",
		"",
		"agent-7",
		"",
		"1",
		"abc",
		"https://a.test, https://b.test,https://a.test",
		"n",
		"",
	}, "\n") + "\n"
	var out bytes.Buffer
	cfg := config.NewDefaultServerConfig()
	if err := Run(strings.NewReader(answers), &out, path, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	loaded, err := config.LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != ":9090" || loaded.EndpointPath != config.DefaultEndpointPath {
		t.Fatalf("unexpected listen/endpoint %q %q", loaded.ListenAddr, loaded.EndpointPath)
	}
	if loaded.Upstream.AgentID != "agent-7" || loaded.Upstream.FirstSequenceID != 1 || loaded.Upstream.TimeoutSeconds != config.DefaultTimeoutSeconds {
		t.Fatalf("unexpected upstream %+v", loaded.Upstream)
	}
	if len(loaded.CORS.AllowedOrigins) != 2 {
		t.Fatalf("expected deduplicated origins, got %v", loaded.CORS.AllowedOrigins)
	}
	if loaded.Metrics.Enabled || loaded.TLS.Enabled {
		t.Fatalf("expected metrics and tls disabled, got %+v %+v", loaded.Metrics, loaded.TLS)
	}
	if !strings.Contains(out.String(), config.EnvClientSecret) {
		t.Fatalf("expected a hint about secrets, got %q", out.String())
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrelay.toml")
	answers := "\n\nnot-a-url\n"
	cfg := config.NewDefaultServerConfig()
	if err := Run(strings.NewReader(answers), &bytes.Buffer{}, path, cfg); err == nil {
		t.Fatal("expected validation error")
	}
}
