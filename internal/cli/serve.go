package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/laomeifun/gemini-images/internal/app"
	"github.com/laomeifun/gemini-images/internal/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the image generation HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServeCmd,
	}

	cmd.Flags().String("bind", "", "bind address (overrides config)")
	cmd.Flags().Bool("background", false, "run the server in the background")

	return cmd
}

func runServeCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	bindOverride, _ := cmd.Flags().GetString("bind")
	background, _ := cmd.Flags().GetBool("background")

	cfg := a.Config
	if bindOverride != "" {
		cfg.Server.Bind = bindOverride
	}

	if pid := app.ReadPID(app.PIDFile(cfg.DataDir)); pid != 0 {
		fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("server already running")+" "+stylePID.Render(fmt.Sprintf("pid %d", pid)))
		return nil
	}

	if background {
		return startBackgroundServer(cmd, cfg, backgroundServeArgs(a.ConfigPath, a.EnvFile, bindOverride))
	}

	return app.RunServer(cfg)
}

// backgroundServeArgs repeats the flags the foreground command was started with.
func backgroundServeArgs(configPath, envFile, bind string) []string {
	args := []string{"serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if envFile != "" {
		args = append(args, "--env-file", envFile)
	}
	if bind != "" {
		args = append(args, "--bind", bind)
	}
	return args
}

func startBackgroundServer(cmd *cobra.Command, cfg config.Config, args []string) error {
	serverCmd := exec.Command(os.Args[0], args...)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("start server: create data dir: %w", err)
	}

	logFile := filepath.Join(cfg.DataDir, "server.log")
	out, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("start server: open log: %w", err)
	}
	defer out.Close()

	serverCmd.Stdout = out
	serverCmd.Stderr = out

	if err := serverCmd.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(),
		styleSuccess.Render("started server")+" "+
			stylePID.Render(fmt.Sprintf("pid %d", serverCmd.Process.Pid))+" "+
			styleDim.Render("on "+cfg.Server.Bind+", logging to "+logFile))
	return nil
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}

			pid, err := app.StopServer(a.Config.DataDir)
			if errors.Is(err, app.ErrNotRunning) {
				fmt.Fprintln(cmd.OutOrStdout(), styleDim.Render("server not running"))
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), styleSuccess.Render("stopped server")+" "+stylePID.Render(fmt.Sprintf("pid %d", pid)))
			return nil
		},
	}
}
