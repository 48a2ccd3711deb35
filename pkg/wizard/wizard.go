package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lkarlslund/agentrelay/pkg/config"
)

func RunServerWizard(path string, cfg *config.ServerConfig) error {
	return Run(os.Stdin, os.Stdout, path, cfg)
}

// Run asks for each setting on out, reading answers line by line from in.
// An empty answer keeps the current value. Client secrets are not asked for;
// they come from the environment.
func Run(r io.Reader, out io.Writer, path string, cfg *config.ServerConfig) error {
	p := prompter{in: bufio.NewScanner(r), out: out}
	fmt.Fprintln(out, "Agent relay configuration wizard")
	cfg.ListenAddr = p.ask("Listen address", cfg.ListenAddr)
	cfg.EndpointPath = p.ask("Endpoint path", cfg.EndpointPath)

	fmt.Fprintln(out, "Upstream agent")
	cfg.Upstream.Domain = p.ask("  Org domain", cfg.Upstream.Domain)
	cfg.Upstream.APIHost = p.ask("  API host", cfg.Upstream.APIHost)
	cfg.Upstream.AgentID = p.ask("  Agent ID", cfg.Upstream.AgentID)
	cfg.Upstream.SessionKeyPrefix = p.ask("  Session key prefix", cfg.Upstream.SessionKeyPrefix)
	cfg.Upstream.FirstSequenceID = int64(p.askInt("  First message sequence id", int(cfg.Upstream.FirstSequenceID)))
	cfg.Upstream.TimeoutSeconds = p.askInt("  Request timeout seconds", cfg.Upstream.TimeoutSeconds)

	origins := p.ask("Allowed CORS origins (comma-separated)", strings.Join(cfg.CORS.AllowedOrigins, ","))
	cfg.CORS.AllowedOrigins = splitCSV(origins)
	cfg.Metrics.Enabled = p.askBool("Expose Prometheus metrics? (y/N)", cfg.Metrics.Enabled)

	cfg.TLS.Enabled = p.askBool("Enable Let's Encrypt TLS? (y/N)", cfg.TLS.Enabled)
	if cfg.TLS.Enabled {
		cfg.TLS.Domain = p.ask("TLS domain", cfg.TLS.Domain)
		cfg.TLS.Email = p.ask("ACME email", cfg.TLS.Email)
		cfg.TLS.CacheDir = p.ask("ACME cache dir", cfg.TLS.CacheDir)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved %s. Set %s and %s in the environment or an env file.\n", path, config.EnvClientID, config.EnvClientSecret)
	return nil
}

type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func (p prompter) ask(label, def string) string {
	if def == "" {
		fmt.Fprintf(p.out, "%s: ", label)
	} else {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	}
	if !p.in.Scan() {
		return def
	}
	txt := strings.TrimSpace(p.in.Text())
	if txt == "" {
		return def
	}
	return txt
}

func (p prompter) askInt(label string, def int) int {
	v, err := strconv.Atoi(p.ask(label, strconv.Itoa(def)))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (p prompter) askBool(label string, def bool) bool {
	switch strings.ToLower(p.ask(label, boolStr(def))) {
	case "y", "yes", "true":
		return true
	case "n", "no", "false":
		return false
	}
	return def
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	seen := map[string]struct{}{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
