package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/antoniostano/memorybridge/internal/app"
	"github.com/antoniostano/memorybridge/internal/capture"
	"github.com/antoniostano/memorybridge/internal/config"
	"github.com/antoniostano/memorybridge/internal/observability"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	a := &cli.App{
		Name:    "capture",
		Usage:   "Capture a chat page into the memory bridge",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CAPTURE_CONFIG"}, Usage: "YAML config file"},
			&cli.StringFlag{Name: "api-url", Usage: "Ingestion service base URL"},
			&cli.StringFlag{Name: "user-id", Usage: "User the memories belong to (generated when empty)"},
			&cli.StringFlag{Name: "license-key", Usage: "License key checked once at startup"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Watch a saved HTML snapshot"},
			&cli.StringFlag{Name: "page-url", Usage: "Chat page to open, or tab URL prefix when attaching"},
			&cli.StringFlag{Name: "control-url", Usage: "DevTools websocket URL of a running browser"},
			&cli.BoolFlag{Name: "headless", Value: true, Usage: "Launch the browser headless"},
			&cli.StringFlag{Name: "state-dir", Usage: "Directory holding the generated user ID"},
			&cli.StringFlag{Name: "status-addr", Usage: "Address of the local status API (empty disables it)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error"},
			&cli.BoolFlag{Name: "pretty", Usage: "Human-readable logs"},
		},
		Commands: []*cli.Command{
			runCmd(),
			scanCmd(),
			statusCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	a.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return a
}

// loadConfig layers defaults, the YAML file, CAPTURE_* env and flags.
func loadConfig(c *cli.Context) (config.AgentConfig, error) {
	cfg, err := config.LoadAgent(c.String("config"))
	if err != nil {
		return config.AgentConfig{}, err
	}
	for flag, dst := range map[string]*string{
		"api-url":     &cfg.APIURL,
		"user-id":     &cfg.UserID,
		"license-key": &cfg.LicenseKey,
		"file":        &cfg.File,
		"page-url":    &cfg.PageURL,
		"control-url": &cfg.ControlURL,
		"state-dir":   &cfg.StateDir,
		"status-addr": &cfg.StatusAddr,
		"log-level":   &cfg.LogLevel,
	} {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	if c.IsSet("headless") {
		cfg.Headless = c.Bool("headless")
	}
	if c.IsSet("pretty") {
		cfg.LogPretty = c.Bool("pretty")
	}
	if Version != "dev" {
		cfg.Version = Version
	}
	if err := cfg.Validate(time.Now()); err != nil {
		return config.AgentConfig{}, err
	}
	observability.SetupLoggingTo(c.App.ErrWriter, cfg.LogLevel, cfg.LogPretty)
	return cfg, nil
}

// runCmd creates the run command.
func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Capture continuously until interrupted",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			agent, err := app.BuildAgent(c.Context, cfg, app.AgentOptions{})
			if err != nil {
				return err
			}
			defer agent.Close()

			log.Info().Str("user_id", cfg.UserID).Str("api_url", cfg.APIURL).Msg("capture agent starting")
			err = agent.Run(c.Context)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			st := agent.Session.Status()
			log.Info().
				Int("messages", st.MessageCount).
				Int64("forwarded", st.Forwarded).
				Int("pending", agent.Queue.Len()).
				Int("dead_letters", agent.Queue.DeadLetterCount()).
				Msg("capture agent stopped")
			return err
		},
	}
}

// recorder is the dry-run forwarder.
type recorder struct {
	mu   sync.Mutex
	msgs []capture.Message
}

func (r *recorder) Forward(_ context.Context, msg capture.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

type scanOutput struct {
	UserID    string            `json:"user_id"`
	Observed  int               `json:"observed"`
	Extracted int               `json:"extracted"`
	Forwarded int               `json:"forwarded"`
	Filtered  int               `json:"filtered"`
	Replay    bool              `json:"replay"`
	Pending   int               `json:"pending"`
	Messages  []capture.Message `json:"messages,omitempty"`
}

// scanCmd creates the scan command.
func scanCmd() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Scan the page once and deliver new messages",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "Print the extracted messages instead of delivering them"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			dryRun := c.Bool("dry-run")

			opts := app.AgentOptions{}
			rec := &recorder{}
			if dryRun {
				opts.Forwarder = rec
			}
			agent, err := app.BuildAgent(c.Context, cfg, opts)
			if err != nil {
				return err
			}
			defer agent.Close()

			if !dryRun && cfg.LicenseKey != "" {
				ok, err := agent.Client.CheckLicense(c.Context)
				if err != nil {
					log.Warn().Err(err).Msg("license check failed")
				}
				if !ok {
					return capture.ErrUnlicensed
				}
			}

			res, err := agent.Scheduler.Scan(c.Context, capture.TriggerManual)
			if err != nil {
				return err
			}
			out := scanOutput{
				UserID:    cfg.UserID,
				Observed:  res.Observed,
				Extracted: res.Extracted,
				Forwarded: res.Forwarded,
				Filtered:  res.Filtered,
				Replay:    res.Replay,
				Pending:   agent.Queue.Len(),
				Messages:  rec.msgs,
			}
			if out.Pending > 0 {
				log.Warn().Int("pending", out.Pending).Msg("some messages could not be delivered and are dropped on exit")
			}
			return outputJSON(c.App.Writer, out)
		},
	}
}

// statusCmd creates the status command.
func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the status of a running agent",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if cfg.StatusAddr == "" {
				return errors.New("status api address is not configured")
			}
			addr := cfg.StatusAddr
			if !strings.Contains(addr, "://") {
				addr = "http://" + addr
			}
			ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/status", nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("agent not reachable at %s: %w", cfg.StatusAddr, err)
			}
			defer res.Body.Close()
			if res.StatusCode/100 != 2 {
				return fmt.Errorf("status api returned %d", res.StatusCode)
			}
			var status map[string]any
			if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return outputJSON(c.App.Writer, status)
		},
	}
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
