// Command analyze streams one nutrition analysis to the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Cybrite/project-amobagan/internal/config"
	"github.com/Cybrite/project-amobagan/internal/credential"
	"github.com/Cybrite/project-amobagan/internal/nutrition"
	"github.com/Cybrite/project-amobagan/internal/stream"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

type options struct {
	url         string
	token       string
	name        string
	goals       []string
	diets       []string
	priorities  []string
	timeout     time.Duration
	idleTimeout time.Duration
	raw         bool
	verbose     bool
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: failed to load .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "analyze <barcode>",
		Short:        "Stream a nutrition analysis for one product barcode",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "", "analysis service URL (default $ANALYSIS_WS_URL)")
	flags.StringVar(&opts.token, "token", "", "analysis credential (default $ANALYSIS_TOKEN)")
	flags.StringVar(&opts.name, "name", "", "name used to personalize the analysis")
	flags.StringSliceVar(&opts.goals, "goal", nil, "health goal, repeatable")
	flags.StringSliceVar(&opts.diets, "diet", nil, "dietary preference, repeatable")
	flags.StringSliceVar(&opts.priorities, "priority", nil, "nutrition priority, repeatable")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline for the analysis")
	flags.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "fail when no frame arrives for this long (default $STREAM_IDLE_TIMEOUT)")
	flags.BoolVar(&opts.raw, "raw", false, "print only the final analysis text")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log connection details to stderr")
	return cmd
}

func run(ctx context.Context, stdout, stderr io.Writer, barcode string, opts options) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, red("error:"), err)
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	clientCfg := cfg.Stream.ClientConfig()
	if opts.url != "" {
		clientCfg.URL = opts.url
	}
	if opts.idleTimeout > 0 {
		clientCfg.IdleTimeout = opts.idleTimeout
	}

	token := opts.token
	if token == "" {
		token = cfg.Stream.Token
	}
	client := stream.NewClient(clientCfg, credential.Chain{credential.Static(token)}, stream.WithLogger(logger))
	defer client.Close()

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	if err := client.Open(ctx); err != nil {
		fmt.Fprintln(stderr, red("error:"), describe(err))
		return err
	}

	done := make(chan error, 1)
	listener := stream.ListenerFuncs{
		OnChunk: func(text string) {
			if !opts.raw {
				fmt.Fprint(stdout, gray(text))
			}
		},
		OnComplete: func(a stream.Artifact) {
			printResult(stdout, a, opts.raw)
			done <- nil
		},
		OnError: func(e *stream.Error) {
			done <- e
		},
	}

	if _, err := client.Analyze(ctx, barcode, preferences(opts), listener); err != nil {
		if stream.KindOf(err) == stream.KindInvalidRequest {
			fmt.Fprintln(stderr, red("error:"), describe(err))
			return err
		}
	}

	select {
	case err = <-done:
	case <-ctx.Done():
		// Close fails the session with Cancelled and delivers it synchronously.
		_ = client.Close()
		err = <-done
	}
	if err != nil {
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, red("error:"), describe(err))
	}
	return err
}

func preferences(opts options) *stream.Preferences {
	if opts.name == "" && len(opts.goals) == 0 && len(opts.diets) == 0 && len(opts.priorities) == 0 {
		return nil
	}
	return &stream.Preferences{
		HealthGoals:         opts.goals,
		DietaryPreferences:  opts.diets,
		NutritionPriorities: opts.priorities,
		UserName:            strings.TrimSpace(opts.name),
	}
}

func printResult(w io.Writer, a stream.Artifact, raw bool) {
	if raw {
		fmt.Fprintln(w, a.Text())
		return
	}
	fmt.Fprintln(w)
	details, err := nutrition.ParseArtifact(a)
	if err != nil {
		return
	}
	if len(details.Elements) > 0 {
		fmt.Fprintf(w, "%s %s\n", bold("Nutrients:"), green(strings.Join(details.Elements, ", ")))
	}
	if details.Summary != "" {
		fmt.Fprintf(w, "%s %s\n", bold("Summary:"), details.Summary)
	}
}

func describe(err error) string {
	var se *stream.Error
	if errors.As(err, &se) {
		return fmt.Sprintf("%s (%s)", se.Message, se.Kind)
	}
	return err.Error()
}
