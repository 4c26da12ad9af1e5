package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jrick/logrotate/rotator"
	"github.com/spf13/cobra"

	"github.com/DorsetProject/dorset-mailbot/config"
	"github.com/DorsetProject/dorset-mailbot/credential"
	"github.com/DorsetProject/dorset-mailbot/filter"
	"github.com/DorsetProject/dorset-mailbot/imap"
	"github.com/DorsetProject/dorset-mailbot/mailbox"
	"github.com/DorsetProject/dorset-mailbot/mbox"
	"github.com/DorsetProject/dorset-mailbot/model"
	"github.com/DorsetProject/dorset-mailbot/pipeline"
	"github.com/DorsetProject/dorset-mailbot/responder"
	"github.com/DorsetProject/dorset-mailbot/runner"
	"github.com/DorsetProject/dorset-mailbot/state"
	"github.com/DorsetProject/dorset-mailbot/stats"
)

const dryRunAddress = "mailbot@localhost"

func main() {
	rootCmd := &cobra.Command{
		Use:           "dorset-mailbot",
		Short:         "Answer questions sent to an IMAP mailbox and file each message as Complete or Error",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger = logger.With("run", uuid.NewString())
			logger.Info("starting dorset-mailbot", "host", cfg.IMAPHost, "user", cfg.IMAPUser, "consumers", cfg.Consumers, "responder", cfg.Responder, "dryRun", cfg.DryRun)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	rootCmd.AddCommand(statusCommand(), passwordCommand())

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func prepare(cmd *cobra.Command) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)

	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	if cfg.NeedsPassword() {
		store, err := credential.Open()
		if err != nil {
			_ = cleanup()
			return config.Config{}, nil, nil, err
		}
		pass, err := store.Password(cfg.IMAPUser)
		if err != nil {
			_ = cleanup()
			return config.Config{}, nil, nil, fmt.Errorf("IMAP password: %w", err)
		}
		cfg.IMAPPass = pass
	}

	return cfg, logger, cleanup, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	gw, closeGateway, err := openGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeGateway(); err != nil {
			logger.Warn("closing mailbox failed", "err", err)
		}
	}()

	guardOpts := mailbox.DefaultGuardOptions()
	guardOpts.MaxAttempts = cfg.MaxAttempts
	guardOpts.Backoff = cfg.RetryBackoff
	guarded := mailbox.NewGuard(gw, guardOpts, logger)

	ans, err := newResponder(ctx, cfg, logger)
	if err != nil {
		return err
	}

	loopGuard, err := filter.New(filter.Options{
		IncludeHeader:    cfg.IncludeHeader,
		IncludeBody:      cfg.IncludeBody,
		ExcludeHeader:    cfg.ExcludeHeader,
		ExcludeBody:      cfg.ExcludeBody,
		AllowAutoReplies: cfg.AllowAutoReplies,
		Self:             []string{fromAddress(cfg)},
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	ledger, err := state.NewFileLedger(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("reply ledger: %w", err)
	}
	defer func() {
		_ = ledger.Close()
	}()

	r := runner.New(ctx, logger, cfg.QueueCapacity)
	reporter := stats.NewReporter(r, logger, cfg.StatsInterval)

	producer, err := pipeline.NewProducer(pipeline.ProducerOptions{
		PollInterval: cfg.PollInterval,
		Drain:        cfg.DryRun,
	}, guarded, r.Queue(), r, logger)
	if err != nil {
		return fmt.Errorf("pipeline.NewProducer: %w", err)
	}
	r.AddStage("producer", producer.Run)

	for i := 1; i <= cfg.Consumers; i++ {
		consumer, err := pipeline.NewConsumer(pipeline.ConsumerOptions{
			ID:            i,
			PreferSubject: cfg.PreferSubject,
			Guard:         loopGuard,
			Ledger:        ledger,
		}, guarded, r.Queue(), ans, r, logger)
		if err != nil {
			return fmt.Errorf("pipeline.NewConsumer: %w", err)
		}
		// Consumers stop once the producer has closed the queue and every
		// claimed message is filed, so a shutdown never strands a claim.
		r.AddStage("consumer-"+strconv.Itoa(i), func(ctx context.Context) error {
			return consumer.Run(context.WithoutCancel(ctx))
		})
	}

	err = r.Start()
	if cfg.DryRun && err == nil {
		logFolderCounts(context.WithoutCancel(ctx), gw, logger)
	}
	if reporter.Summary().Errors > 0 && err == nil {
		logger.Warn("pipeline finished with errors", "errors", reporter.Summary().Errors)
	}
	return err
}

// openGateway returns the mailbox the pipeline runs against and a function
// releasing everything it holds.
func openGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (mailbox.Gateway, func() error, error) {
	if !cfg.DryRun {
		gw, err := imap.Dial(ctx, imapOptions(cfg), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("imap.Dial: %w", err)
		}
		return gw, gw.Close, nil
	}

	var memOpts []mailbox.MemoryOption
	var outbox *mbox.Outbox
	if cfg.OutboxPath != "" {
		var err error
		outbox, err = mbox.NewOutbox(cfg.OutboxPath)
		if err != nil {
			return nil, nil, err
		}
		memOpts = append(memOpts, mailbox.WithReplySink(outbox.Write))
	}

	mem := mailbox.NewMemory(fromAddress(cfg), memOpts...)
	closeAll := func() error {
		err := mem.Close()
		if outbox != nil {
			err = errors.Join(err, outbox.Close())
		}
		return err
	}

	if _, err := mbox.Seed(ctx, cfg.MboxPath, mem, logger); err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("mbox.Seed: %w", err)
	}
	return mem, closeAll, nil
}

func imapOptions(cfg config.Config) imap.Options {
	return imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		StartTLS:           cfg.IMAPStartTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		From:               cfg.From,
		SMTP: imap.SMTPOptions{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			StartTLS:           cfg.SMTPStartTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
}

func fromAddress(cfg config.Config) string {
	if cfg.From != "" {
		return cfg.From
	}
	return dryRunAddress
}

func newResponder(ctx context.Context, cfg config.Config, logger *slog.Logger) (responder.Responder, error) {
	switch cfg.Responder {
	case "datetime":
		return responder.NewDateTime(), nil
	case "http":
		agent := responder.NewHTTP(cfg.ResponderURL, cfg.ResponderTimeout)
		if err := agent.Ping(ctx); err != nil {
			logger.Warn("agent not reachable, questions will be filed as errors until it is", "url", cfg.ResponderURL, "err", err)
		}
		return agent, nil
	default:
		return nil, fmt.Errorf("unknown responder %q", cfg.Responder)
	}
}

func logFolderCounts(ctx context.Context, gw mailbox.Gateway, logger *slog.Logger) {
	attrs := make([]any, 0, 2*len(model.Folders))
	for _, folder := range model.Folders {
		n, err := gw.Count(ctx, folder)
		if err != nil {
			logger.Warn("counting folder failed", "folder", folder, "err", err)
			continue
		}
		attrs = append(attrs, strings.ToLower(folder.Name()), n)
	}
	logger.Info("mailbox folders", attrs...)
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the number of messages in Inbox, Complete and Error",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			out := cmd.OutOrStdout()
			if cfg.DryRun {
				n, err := mbox.CountMessages(cfg.MboxPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-8s %d\n", model.Inbox.Name(), n)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			gw, err := imap.Dial(ctx, imapOptions(cfg), logger)
			if err != nil {
				return err
			}
			defer gw.Close()

			for _, folder := range model.Folders {
				n, err := gw.Count(ctx, folder)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-8s %d\n", folder.Name(), n)
			}
			return nil
		},
	}
}

func passwordCommand() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Store the IMAP password read from stdin in the OS keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := config.Account(cmd)
			if err != nil {
				return err
			}
			store, err := credential.Open()
			if err != nil {
				return err
			}
			if remove {
				return store.DeletePassword(account)
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "password for %s: ", account)
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return fmt.Errorf("empty password")
			}
			if err := store.SetPassword(account, password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stored")
			return nil
		},
	}
	cmd.Flags().BoolVar(&remove, "delete", false, "Remove the stored password instead")
	return cmd
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir == "" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), cleanup, nil
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, cleanup, err
	}

	r, err := rotator.New(filepath.Join(cfg.LogDir, "dorset-mailbot.log"), 10*1024, false, 3)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to create log rotator: %w", err)
	}

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run log rotator: %v\n", err)
		}
	}()

	cleanup = func() error {
		err := pw.Close()
		<-done
		return errors.Join(err, r.Close())
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, pw), opts)
	return slog.New(handler), cleanup, nil
}
