package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stemsi/exstem-proctor/internal/client"
	"github.com/stemsi/exstem-proctor/internal/logger"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "exam-client",
		Short:         "Headless exam client: countdown, autosave and proctoring",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.String("server", "http://localhost:8080", "Exam server base URL")
	pf.String("token", "", "Bearer token (or log in with --email/--password)")
	pf.String("email", "", "Login email")
	pf.String("password", "", "Login password")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "pretty", "Log format (pretty, json)")

	root.AddCommand(takeCmd(), timeCmd(), submitCmd())
	return root
}

func takeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Start or resume an attempt and run the exam session",
		RunE:  runTake,
	}
	f := cmd.Flags()
	f.String("exam-id", "", "Exam to start (or set --attempt-id)")
	f.String("attempt-id", "", "Attempt to resume")
	f.String("question", "essay", "Question id the document is saved under")
	f.String("state-dir", defaultStateDir(), "Local storage directory shared by sessions of this machine")
	f.String("answer-file", "", "Watch this file and autosave its content as the answer")
	return cmd
}

func timeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "time ATTEMPT_ID",
		Short: "Print the server's time state of an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			log := setupLogging(v)
			api, err := connect(cmd.Context(), v, log)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("attempt id: %w", err)
			}
			ts, err := api.Time(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("status:    %s\n", ts.Status)
			fmt.Printf("remaining: %s\n", formatRemaining(ts.RemainingMs))
			fmt.Printf("locked:    %v\n", ts.Locked)
			if ts.ExpectedEndAt != nil {
				fmt.Printf("ends:      %s (%s)\n", ts.ExpectedEndAt.Local().Format(time.RFC3339), humanize.RelTime(*ts.ExpectedEndAt, ts.Now, "ago", "from now"))
			}
			return nil
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit ATTEMPT_ID",
		Short: "Submit an attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viperForCmd(cmd)
			log := setupLogging(v)
			api, err := connect(cmd.Context(), v, log)
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("attempt id: %w", err)
			}
			res, err := api.Submit(cmd.Context(), id)
			if err != nil {
				return err
			}
			if res.AlreadySubmitted {
				fmt.Println("already submitted")
			}
			if res.SubmittedAt != nil {
				fmt.Printf("submitted at %s\n", res.SubmittedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func runTake(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	log := setupLogging(v)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := connect(ctx, v, log)
	if err != nil {
		return err
	}
	defer api.WaitBeacons()
	attemptID, err := resolveAttempt(ctx, api, v)
	if err != nil {
		return err
	}

	store, err := client.NewFileStore(v.GetString("state-dir"), log)
	if err != nil {
		return err
	}
	defer store.Close()

	s := newSession(api, store, attemptID, v.GetString("question"), log)
	return s.run(ctx, os.Stdin, v.GetString("answer-file"))
}

func resolveAttempt(ctx context.Context, api *client.API, v *viper.Viper) (uuid.UUID, error) {
	if raw := v.GetString("attempt-id"); raw != "" {
		return uuid.Parse(raw)
	}
	raw := v.GetString("exam-id")
	if raw == "" {
		return uuid.Nil, errors.New("one of --exam-id or --attempt-id is required")
	}
	examID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("exam id: %w", err)
	}
	res, err := api.Start(ctx, examID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start attempt: %w", err)
	}
	return res.AttemptID, nil
}

func connect(ctx context.Context, v *viper.Viper, log zerolog.Logger) (*client.API, error) {
	api, err := client.NewAPI(v.GetString("server"), v.GetString("token"), nil)
	if err != nil {
		return nil, err
	}
	if v.GetString("token") != "" {
		return api, nil
	}
	email, password := v.GetString("email"), v.GetString("password")
	if email == "" || password == "" {
		return nil, errors.New("a --token or --email and --password are required")
	}
	res, err := api.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	log.Info().Str("user", res.User.Email).Str("role", string(res.User.Role)).Msg("logged in")
	return api, nil
}

func setupLogging(v *viper.Viper) zerolog.Logger {
	return logger.SetupWriter(os.Stderr, v.GetString("log-level"), v.GetString("log-format"))
}

// viperForCmd binds a command's flags and EXAM_CLIENT_* environment.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.InheritedFlags())

	v.SetEnvPrefix("EXAM_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "exstem-exam-client")
	}
	return ".exam-client"
}

func formatRemaining(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
}
