package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	venturelink "github.com/venturelink/sdk/golang"
	"github.com/venturelink/sdk/golang/sqlitecache"
)

var (
	listenMetricsAddr string
	listenNoCache     bool
)

var listenCmd = &cobra.Command{
	Use:   "listen [conversation-id]",
	Short: "Follow the realtime feed",
	Long: `Open a realtime session and print incoming events until interrupted.

With a conversation id, that conversation is opened and every line read from
stdin is sent to it. "/more" loads older history and "/read" marks the
conversation read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustConfig()
		client := getClient(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics := venturelink.NewMetrics(reg)
		if listenMetricsAddr != "" {
			srv := &http.Server{Addr: listenMetricsAddr, Handler: venturelink.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", listenMetricsAddr).Msg("serving metrics")
		}

		var opts []venturelink.SessionOption
		if !listenNoCache {
			path, err := cachePath(cfg)
			if err != nil {
				return err
			}
			cache, err := sqlitecache.Open(path)
			if err != nil {
				return err
			}
			defer cache.Close()
			opts = append(opts, venturelink.WithCache(cache))
		}

		var provider venturelink.CredentialProvider = venturelink.StaticToken(cfg.token())
		if strings.Count(cfg.token(), ".") == 2 {
			provider = &venturelink.JWTCredentials{
				Source: venturelink.CredentialFunc(func(context.Context) (string, error) {
					// Re-read so a token refreshed with 'login' is used on reconnect.
					latest, err := loadConfig()
					if err != nil {
						return "", err
					}
					return latest.token(), nil
				}),
				Leeway: 30 * time.Second,
			}
		}

		me := selfID(cfg)
		session := venturelink.NewSession(venturelink.Config{
			URL:      realtimeURL(cfg, client),
			SelfID:   me,
			SelfName: cfg.Auth.UserName,
			Logger:   &logger,
			Metrics:  metrics,
		}, provider, client, opts...)
		defer session.Close()

		watch(session, me)

		if err := session.Start(ctx); err != nil {
			return err
		}

		if len(args) == 1 {
			conv := args[0]
			if err := session.Store.Open(conv); err != nil {
				return err
			}
			if err := session.LoadMore(ctx, conv); err != nil {
				logger.Warn().Err(err).Msg("history not loaded")
			}
			for _, m := range session.Store.Messages(conv) {
				fmt.Println(formatMessage(m))
			}
			go readInput(ctx, session, conv, me)
		}

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Disconnecting...")
		return nil
	},
}

// watch prints connection changes and inbound events.
func watch(s *venturelink.Session, me string) {
	s.Conn.OnStateChange(func(c venturelink.StateChange) {
		ev := logger.Info().Str("state", string(c.To))
		if c.Delay > 0 {
			ev = ev.Dur("retry_in", c.Delay).Int("attempt", c.Attempt)
		}
		if c.Err != nil {
			ev = ev.Err(c.Err)
		}
		ev.Msg("connection")
	})

	s.Events.Subscribe(venturelink.EventMessage, func(env venturelink.Envelope) {
		var m venturelink.ChatMessage
		if env.Decode(&m) != nil || m.SenderID == me {
			return
		}
		fmt.Printf("%s  %s\n", m.ConversationID, formatMessage(m))
	})
	s.Events.Subscribe(venturelink.EventNotification, func(env venturelink.Envelope) {
		fmt.Printf("notification: %s\n", string(env.Data))
	})
	s.Events.Subscribe(venturelink.EventPaymentUpdate, func(env venturelink.Envelope) {
		fmt.Printf("payment update: %s\n", string(env.Data))
	})
	s.Events.Subscribe(venturelink.EventEscrowUpdate, func(env venturelink.Envelope) {
		fmt.Printf("escrow update: %s\n", string(env.Data))
	})

	s.Typing.Subscribe(func(conv string) {
		if who := s.Typing.Typists(conv); len(who) > 0 {
			fmt.Printf("%s  %s typing...\n", conv, strings.Join(who, ", "))
		}
	})
}

func readInput(ctx context.Context, s *venturelink.Session, conv, me string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/more":
			if err := s.LoadMore(ctx, conv); err != nil {
				logger.Warn().Err(err).Msg("load more failed")
				continue
			}
			if !s.Store.HasMore(conv) {
				fmt.Println("(start of conversation)")
			}
			for _, m := range s.Store.Messages(conv) {
				fmt.Println(formatMessage(m))
			}
		case line == "/read":
			var ids []string
			for _, m := range s.Store.Messages(conv) {
				if m.SenderID != me && m.Status != venturelink.StatusRead {
					ids = append(ids, m.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}
			if err := s.MarkRead(ctx, conv, ids); err != nil {
				logger.Warn().Err(err).Msg("mark read failed")
			}
		default:
			_ = s.SetTyping(ctx, conv, false)
			msg, err := s.Send(ctx, conv, line, nil)
			if err != nil {
				logger.Warn().Err(err).Msg("send failed")
				continue
			}
			logger.Debug().Str("client_id", msg.ClientID).Str("status", string(msg.Status)).Msg("queued")
		}
	}
}

func init() {
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	listenCmd.Flags().BoolVar(&listenNoCache, "no-cache", false, "Do not read or write the local SQLite cache")
	rootCmd.AddCommand(listenCmd)
}
