package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/laomeifun/gemini-images/internal/app"
	"github.com/laomeifun/gemini-images/internal/session"
)

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessionsCmd,
	}
}

func runSessionsCmd(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	services, err := app.NewServices(a.Config, logger)
	if err != nil {
		return err
	}

	list := services.Generator.ListSessions()
	out := cmd.OutOrStdout()

	if len(list) == 0 {
		fmt.Fprintln(out, styleDim.Render("No sessions found."))
		return nil
	}

	printSessionsTable(out, list, loadActiveSession(a.Config.DataDir))
	return nil
}

func printSessionsTable(out io.Writer, list []session.Summary, activeID string) {
	t := newTable("", "SESSION ID", "MESSAGES", "IMAGE", "CREATED", "LAST USED")

	for _, s := range list {
		marker := ""
		id := string(s.ID)
		if id == activeID {
			marker = styleActive.Render("*")
			id = styleActive.Render(id)
		}

		image := styleDim.Render("-")
		if s.HasImage {
			image = styleSuccess.Render("✓")
		}

		t.Row(marker, id, strconv.Itoa(s.MessageCount), image, humanize.Time(s.CreatedAt), humanize.Time(s.LastUsedAt))
	}

	fmt.Fprintln(out, t.Render())
}
