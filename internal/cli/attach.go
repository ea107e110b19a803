package cli

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kioskqueue/internal/clock"
	"kioskqueue/internal/devicesession"
	"kioskqueue/internal/fingerprint"
	"kioskqueue/internal/kioskclient"
	"kioskqueue/internal/localstore"
	"kioskqueue/pkg/types"
)

func newAttachCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach [code-or-url]",
		Short: "Run this terminal as a kiosk",
		Long: `Runs the kiosk runtime against a device session. Without an argument the
session stored in the state file is reused. Commands are read from stdin:
status, begin, submit (followed by four answer lines), forget, quit.
Live updates from servers arrive only when Redis is configured.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statePath, _ := cmd.Flags().GetString("state-file")
			if statePath == "" {
				home, _ := os.UserHomeDir()
				statePath = filepath.Join(home, ".kioskqueue", "kiosk.json")
			}
			if err := os.MkdirAll(filepath.Dir(statePath), 0o700); err != nil {
				return err
			}
			local, err := localstore.OpenFile(statePath)
			if err != nil {
				return err
			}

			return opts.withEnv(cmd, func(ctx context.Context, e *env) error {
				gen := fingerprint.NewGenerator(local)
				signals := terminalSignals()
				sessions := e.sessions.ForDevice(func() (string, error) {
					return gen.Fingerprint(signals)
				}, local)

				code, ok := sessions.CurrentSession()
				if len(args) == 1 {
					code = sessionCode(args[0])
					if err := sessions.Adopt(code); err != nil {
						return err
					}
				} else if !ok {
					return fmt.Errorf("no stored session in %s; pass a code or access URL", statePath)
				}

				if e.bridge != nil {
					bridgeCtx, cancel := context.WithCancel(ctx)
					defer cancel()
					go func() {
						if err := e.bridge.Run(bridgeCtx); err != nil {
							log.Printf("Realtime bridge stopped: %v", err)
						}
					}()
				}

				runner := kioskclient.NewRunner(sessions, e.queue, e.bus,
					devicesession.NewTabMonitor(local, clock.Real()), clock.Real(), runnerConfig(e))
				if err := runner.Start(ctx, code); err != nil {
					return err
				}
				defer runner.Stop()

				if runner.Snapshot().TabConflict {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning: this kiosk session is open in another tab")
				}
				return repl(ctx, cmd, runner)
			})
		},
	}
	cmd.Flags().String("state-file", "", "Local kiosk state (default: ~/.kioskqueue/kiosk.json)")
	return cmd
}

func runnerConfig(e *env) kioskclient.Config {
	return kioskclient.Config{
		HeartbeatInterval: e.cfg.Kiosk.HeartbeatInterval,
		TabPingInterval:   e.cfg.Kiosk.TabPingInterval,
		CountdownInterval: e.cfg.Kiosk.CountdownInterval,
		ResetAfter:        e.cfg.Kiosk.ResetAfter,
	}
}

// terminalSignals describes this host the way a kiosk browser describes itself
func terminalSignals() fingerprint.Signals {
	_, offset := time.Now().Zone()
	return fingerprint.Signals{
		UserAgent:           "kioskctl/" + runtime.Version(),
		Language:            os.Getenv("LANG"),
		TimezoneOffset:      offset / 60,
		HardwareConcurrency: runtime.NumCPU(),
		Platform:            runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func repl(ctx context.Context, cmd *cobra.Command, runner *kioskclient.Runner) error {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "":
			continue
		case "status":
			if err := printJSON(cmd, runner.Snapshot()); err != nil {
				return err
			}
		case "begin":
			req, err := runner.Begin(ctx)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "begin: %v\n", err)
				continue
			}
			if err := printJSON(cmd, req); err != nil {
				return err
			}
		case "submit":
			var answers types.Answers
			for i := range answers {
				if !scanner.Scan() {
					return scanner.Err()
				}
				answers[i] = strings.TrimSpace(scanner.Text())
			}
			if _, err := runner.Submit(ctx, answers); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "submit: %v\n", err)
				continue
			}
			if err := printJSON(cmd, runner.Snapshot()); err != nil {
				return err
			}
		case "forget":
			return runner.ClearSession()
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintln(cmd.ErrOrStderr(), "commands: status, begin, submit, forget, quit")
		}
	}
	return scanner.Err()
}
