// Package commands holds the backend's administrative subcommands.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jkoelker/newtab/admin"
	"github.com/jkoelker/newtab/backend"
)

const (
	defaultTimeout = 10 * time.Second
	tabMinWidth    = 2
	tabWidth       = 4
	tabPadding     = 2
)

var (
	errAdminKeyRequired    = errors.New("admin key is required (flag --admin-key or env ADMIN_API_KEY)")
	errExtensionIDRequired = errors.New("extension id is required via --id or positional")
)

// SessionsCommand returns the top-level "sessions" command with subcommands.
func SessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Inspect and revoke extension sessions via the admin API",
		Flags: sessionSharedFlags(),
		Commands: []*cli.Command{
			sessionsListCommand(),
			sessionsGetCommand(),
			sessionsRevokeCommand(),
		},
	}
}

func sessionSharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Usage:   "Base URL of the backend",
			Sources: cli.EnvVars("NEWTAB_BACKEND_URL"),
			Value:   "https://127.0.0.1:8080",
		},
		&cli.StringFlag{
			Name:    "admin-key",
			Usage:   "Admin API key (Bearer)",
			Sources: cli.EnvVars("ADMIN_API_KEY"),
		},
		&cli.BoolFlag{
			Name:    "insecure",
			Usage:   "Skip TLS verification (useful with self-signed certs)",
			Sources: cli.EnvVars("NEWTAB_BACKEND_INSECURE"),
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "HTTP timeout",
			Sources: cli.EnvVars("NEWTAB_BACKEND_TIMEOUT"),
			Value:   defaultTimeout,
		},
	}
}

func sessionsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List sessions",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Output JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			client, err := buildAdminClient(cmd)
			if err != nil {
				return fmt.Errorf("build admin client: %w", err)
			}

			sessions, err := client.ListSessions(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			if cmd.Bool("json") {
				return printJSON(os.Stdout, sessions)
			}

			return printTable(os.Stdout, sessions)
		},
	}
}

func sessionsGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a session",
		ArgsUsage: "<extension-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Extension ID"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			extensionID, err := extensionIDFromCmd(cmd)
			if err != nil {
				return err
			}

			client, err := buildAdminClient(cmd)
			if err != nil {
				return fmt.Errorf("build admin client: %w", err)
			}

			session, err := client.GetSession(ctx, extensionID)
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			return printJSON(os.Stdout, session)
		},
	}
}

func sessionsRevokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "revoke",
		Usage:     "Revoke a session, forcing the installation to re-register",
		ArgsUsage: "<extension-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "id", Usage: "Extension ID"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			extensionID, err := extensionIDFromCmd(cmd)
			if err != nil {
				return err
			}

			client, err := buildAdminClient(cmd)
			if err != nil {
				return fmt.Errorf("build admin client: %w", err)
			}

			if err := client.RevokeSession(ctx, extensionID); err != nil {
				return fmt.Errorf("revoke session: %w", err)
			}

			fmt.Fprintf(os.Stdout, "Revoked %s\n", extensionID)

			return nil
		},
	}
}

func buildAdminClient(cmd *cli.Command) (*admin.Client, error) {
	key := cmd.String("admin-key")
	if key == "" {
		return nil, errAdminKeyRequired
	}

	client, err := admin.NewClient(admin.Config{
		BaseURL:  cmd.String("url"),
		APIKey:   key,
		Insecure: cmd.Bool("insecure"),
		Timeout:  cmd.Duration("timeout"),
	})
	if err != nil {
		return nil, fmt.Errorf("init admin client: %w", err)
	}

	return client, nil
}

func extensionIDFromCmd(cmd *cli.Command) (string, error) {
	extensionID := cmd.String("id")
	if extensionID == "" && cmd.Args().Len() > 0 {
		extensionID = cmd.Args().First()
	}

	if strings.TrimSpace(extensionID) == "" {
		return "", errExtensionIDRequired
	}

	return extensionID, nil
}

func printTable(out io.Writer, sessions []backend.SessionResponse) error {
	writer := tabwriter.NewWriter(out, tabMinWidth, tabWidth, tabPadding, ' ', 0)
	fmt.Fprintln(writer, "EXTENSION_ID\tVERSION\tACTIVE\tREQUESTS\tLAST_ACTIVITY")

	for _, session := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%t\t%d\t%s\n",
			session.ExtensionID,
			session.ExtensionVersion,
			session.Active,
			session.RequestCount,
			time.Unix(session.LastActivity, 0).UTC().Format(time.RFC3339),
		)
	}

	return writer.Flush()
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	fmt.Fprintln(out, string(data))

	return nil
}
