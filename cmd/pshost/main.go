// Command pshost runs an interactive session against the local engine.
//
// It exists to exercise the execution core end to end: command lines are
// read through the prompt context, executed through the service, and
// interrupted with Ctrl+C the way an editor host would interrupt them.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smnsjas/go-pshost"
	"github.com/smnsjas/go-pshost/engine"
	"github.com/smnsjas/go-pshost/engine/local"
	"github.com/smnsjas/go-pshost/prompt"
	"github.com/smnsjas/go-pshost/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		promptStr   string
		historyFile string
		verbose     bool
		remote      bool
		command     string
	)

	cmd := &cobra.Command{
		Use:           "pshost",
		Short:         "Interactive host for the embedded scripting engine",
		Version:       pshost.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := cmd.Flags().Changed("config")
			path := configPath
			if path == "" {
				path = defaultConfigPath()
			}
			cfg, err := loadConfig(path, explicit)
			if err != nil {
				return err
			}

			// Flags override file values.
			if cmd.Flags().Changed("prompt") {
				cfg.Prompt = promptStr
			}
			if cmd.Flags().Changed("history-file") {
				cfg.HistoryFile = historyFile
			}
			if verbose {
				cfg.Verbose = true
			}
			if remote {
				cfg.Remote = true
			}

			return run(cmd.Context(), cfg, command)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().StringVar(&promptStr, "prompt", "PS> ", "prompt string")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "file to persist command history")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable diagnostic logging")
	cmd.Flags().BoolVar(&remote, "remote", false, "treat the runspace as remote")
	cmd.Flags().StringVarP(&command, "command", "c", "", "execute a single command and exit")

	return cmd
}

func run(ctx context.Context, cfg Config, command string) error {
	var rsOpts []local.Option
	if cfg.Remote {
		rsOpts = append(rsOpts, local.WithRemote())
	}
	rs := local.New(rsOpts...)
	for name, value := range cfg.Variables {
		rs.SetVariable(name, value)
	}

	var logger session.Logger
	if cfg.Verbose {
		logger = log.New(os.Stderr, "pshost: ", log.LstdFlags)
	}

	host, err := pshost.New(rs, pshost.Options{
		Logger: logger,
		Prompt: prompt.Config{
			Prompt:      cfg.Prompt,
			HistoryFile: cfg.HistoryFile,
		},
		NoPrompt: command != "",
	})
	if err != nil {
		return err
	}
	defer host.Close(context.Background())

	if command != "" {
		_, err := host.Service().ExecuteScriptString(ctx, command)
		return err
	}

	// Ctrl+C during execution aborts the running pipeline; at the prompt
	// the line editor swallows it and redraws.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			_ = host.Service().AbortExecution(context.Background())
		}
	}()

	return repl(ctx, host)
}

func repl(ctx context.Context, host *pshost.Host) error {
	svc := host.Service()
	for {
		line, err := host.ReadCommandLine(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" {
			return nil
		}

		// Output and errors are routed to the console by the service;
		// the returned values are only for programmatic callers.
		_, _ = svc.ExecuteCommand(ctx, engine.NewScript(line), session.DefaultExecutionOptions())
	}
}
