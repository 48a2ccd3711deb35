package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/lkarlslund/agentrelay/pkg/config"
	"github.com/lkarlslund/agentrelay/pkg/logutil"
	"github.com/lkarlslund/agentrelay/pkg/version"
)

var errStreamTruncated = errors.New("stream ended before [DONE]")

func main() {
	root := &cobra.Command{
		Use:   "relayctl",
		Short: "Agent relay client CLI",
		Long:  "Relayctl talks to a running agentrelay: it opens a session and chats with the agent from the terminal.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	var logLevel string
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return logutil.Configure(logLevel, "text")
	}
	root.PersistentFlags().StringVar(&logLevel, "loglevel", "warn", "Log level (trace, debug, info, warn, error)")

	var relayURL string
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Open a session and chat with the agent line by line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			endpoint, err := deriveEndpointURL(relayURL)
			if err != nil {
				return err
			}
			return runChat(ctx, &relayClient{endpoint: endpoint, http: &http.Client{}}, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	chatCmd.Flags().StringVar(&relayURL, "url", "http://"+config.DefaultListenAddr+config.DefaultEndpointPath, "Relay endpoint URL")
	root.AddCommand(chatCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print relayctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("relayctl"))
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChat(ctx context.Context, c *relayClient, in io.Reader, out io.Writer) error {
	sessionID, err := c.init(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s. Empty line or EOF ends it.\n", sessionID)
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.end(endCtx, sessionID); err != nil {
			log.Warn("end session failed", "session", sessionID, "err", err)
		}
	}()

	reader := bufio.NewReader(in)
	for {
		line, err := promptLine(reader, out, "> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
		if err := c.send(ctx, sessionID, line, out); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
}

func promptLine(reader *bufio.Reader, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		if len(line) == 0 {
			return "", err
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func deriveEndpointURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("relay url is empty")
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("relay url must be absolute, got %q", raw)
	}
	u.Path = strings.TrimSuffix(strings.TrimSpace(u.Path), "/")
	if u.Path == "" {
		u.Path = config.DefaultEndpointPath
	}
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type relayClient struct {
	endpoint string
	http     *http.Client
}

func (c *relayClient) post(ctx context.Context, action string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?action="+action, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if e := gjson.GetBytes(msg, "error").String(); e != "" {
			return nil, fmt.Errorf("%s: %s (%d)", action, e, resp.StatusCode)
		}
		return nil, fmt.Errorf("%s: status %d", action, resp.StatusCode)
	}
	return resp, nil
}

func (c *relayClient) init(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "init", struct{}{})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("init: %w", err)
	}
	id := gjson.GetBytes(b, "sessionId").String()
	if id == "" {
		return "", fmt.Errorf("init: relay returned no sessionId")
	}
	return id, nil
}

func (c *relayClient) send(ctx context.Context, sessionID, text string, out io.Writer) error {
	resp, err := c.post(ctx, "message", map[string]string{"sessionId": sessionID, "message": text})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return copyEvents(resp.Body, out)
}

func (c *relayClient) end(ctx context.Context, sessionID string) error {
	resp, err := c.post(ctx, "end", map[string]string{"sessionId": sessionID})
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// copyEvents writes the content of each relay event in r to out until the
// [DONE] event.
func copyEvents(r io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		payload, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return nil
		}
		if _, err := io.WriteString(out, gjson.Get(payload, "content").String()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamTruncated
}
