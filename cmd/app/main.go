package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/ansuz/internal"
	pkgconfig "github.com/starford/ansuz/pkg/config"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func build(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.BuildKnowledge(ctx, cfg, cmd.Bool("force"))
}

func ask(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	question := cmd.Args().First()
	if question == "" {
		return fmt.Errorf("usage: ansuz ask \"<question>\"")
	}
	return internal.Answer(ctx, cfg, question, internal.AskOptions{
		Synthesize: cmd.Bool("synthesize"),
		Confirm:    cmd.Bool("confirm"),
		Execute:    cmd.Bool("execute"),
		Target:     cmd.String("target"),
	})
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, cfg)
}

func runner(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunRunner(ctx, cfg)
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}

	cmd := &cli.Command{
		Name:  "ansuz",
		Usage: "Book-grounded reasoning agent: hierarchical knowledge index, bounded LLM reasoning, gated code execution",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API server with library watching and SSE events",
				Action: serve,
			},
			{
				Name:   "build",
				Usage:  "Index the book library: parse, chunk, and summarize new or changed books",
				Action: build,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Drop the stored index and re-summarize every book",
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "Answer a single question and print the session record as JSON",
				ArgsUsage: "\"<question>\"",
				Action:    ask,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "synthesize",
						Usage: "Also draft a code artifact from the answer",
					},
					&cli.BoolFlag{
						Name:  "confirm",
						Usage: "Confirm the drafted artifact (implies --synthesize)",
					},
					&cli.BoolFlag{
						Name:  "execute",
						Usage: "Execute the confirmed artifact (implies --confirm)",
					},
					&cli.StringFlag{
						Name:  "target",
						Usage: "Execution target: local, remote-shell, or remote-http",
						Value: "local",
					},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve the knowledge library over the Model Context Protocol on stdio",
				Action: mcp,
			},
			{
				Name:   "runner",
				Usage:  "Start the standalone execution runner used by the remote-http target",
				Action: runner,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
