package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	apiPkg "github.com/wirebot-io/wirebot/internal/api"
	"github.com/wirebot-io/wirebot/internal/bot"
	"github.com/wirebot-io/wirebot/internal/captcha"
	"github.com/wirebot-io/wirebot/internal/config"
	"github.com/wirebot-io/wirebot/internal/connector"
	slack "github.com/wirebot-io/wirebot/internal/connector/slack"
	"github.com/wirebot-io/wirebot/internal/connector/telegram"
	"github.com/wirebot-io/wirebot/internal/convo"
	"github.com/wirebot-io/wirebot/internal/helpdesk"
	"github.com/wirebot-io/wirebot/internal/journal"
	"github.com/wirebot-io/wirebot/internal/login"
	"github.com/wirebot-io/wirebot/internal/logring"
	"github.com/wirebot-io/wirebot/internal/pipeline"
	"github.com/wirebot-io/wirebot/internal/portal"
	"github.com/wirebot-io/wirebot/internal/refdata"
	"github.com/wirebot-io/wirebot/internal/retry"
	"github.com/wirebot-io/wirebot/internal/session"
	"github.com/wirebot-io/wirebot/internal/sweep"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	ring := logring.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logring.NewHandler(jsonHandler, ring))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("wirebotd starting", "portal", cfg.Portal.BaseURL)
	startedAt := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Portal session: captcha solver, browser login, cached credential pair.
	solver := captcha.NewHTTPSolver(cfg.Captcha.Endpoint)
	loginClient := login.NewClient(login.Config{
		LoginURL:          cfg.Portal.LoginURL,
		Username:          cfg.Portal.Username,
		Password:          cfg.Portal.Password,
		AuthPathPrefixes:  cfg.Portal.AuthPathPrefixes,
		PrimaryCookieName: cfg.Portal.PrimaryCookie,
		SessionCookieName: cfg.Portal.SessionCookie,
		BrowserPath:       cfg.Portal.BrowserPath,
	}, solver, logger.With("component", "login"))

	sessions := session.NewManager(loginClient, logger.With("component", "session"),
		session.WithTTL(cfg.Portal.SessionTTL()),
		session.WithRefreshThreshold(cfg.Portal.RefreshThreshold()),
		session.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.Portal.LoginAttempts,
			Backoff:     retry.Linear(time.Duration(cfg.Portal.LoginBackoffSeconds) * time.Second),
		}),
	)
	sessions.Start(ctx)
	defer sessions.Stop()

	portalClient, err := portal.NewClient(cfg.Portal.BaseURL, sessions, cfg.Portal.CSRFField, logger.With("component", "portal"))
	if err != nil {
		logger.Error("failed to build portal client", "error", err)
		os.Exit(1)
	}

	// Reference spreadsheets. All optional; missing files load empty.
	directory, err := refdata.LoadDirectory(cfg.RefData.DirectoryFile, logger)
	if err != nil {
		logger.Error("failed to load user directory", "error", err)
		os.Exit(1)
	}
	partners, err := refdata.LoadPartnerMap(cfg.RefData.PartnerFile, logger)
	if err != nil {
		logger.Error("failed to load partner map", "error", err)
		os.Exit(1)
	}
	codes, err := refdata.LoadCodeMap(cfg.RefData.PartnerCodeMap, logger)
	if err != nil {
		logger.Error("failed to load partner code map", "error", err)
		os.Exit(1)
	}

	// Outcome journal.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	store, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		logger.Error("failed to open journal", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Optional desks.
	var desk bot.ComplaintDesk
	if cfg.Helpdesk != nil {
		desk = helpdesk.NewClient(helpdesk.Config{
			BaseURL:      cfg.Helpdesk.BaseURL,
			Username:     cfg.Helpdesk.Username,
			Platform:     cfg.Helpdesk.Platform,
			Password:     cfg.Helpdesk.Password,
			CompanyName:  cfg.Helpdesk.CompanyName,
			VendorCode:   cfg.Helpdesk.VendorCode,
			OperatorCode: cfg.Helpdesk.OperatorCode,
			TicketOwner:  cfg.Helpdesk.TicketOwner,
		})
	}
	var incidents bot.IncidentDesk
	if cfg.Incidents != nil {
		incidents = helpdesk.NewIncidentClient(helpdesk.IncidentConfig{
			BaseURL:  cfg.Incidents.BaseURL,
			Username: cfg.Incidents.Username,
			Password: cfg.Incidents.Password,
			Project:  cfg.Incidents.Project,
			SCode:    cfg.Incidents.SCode,
			MSPID:    cfg.Incidents.MSPID,
			Circle:   cfg.Incidents.Circle,
		})
	}

	triage := pipeline.NewTriage(portalClient, partners, store, logger.With("component", "triage"))

	// Unattended sweeps, scheduled and API-triggerable. The announcer is
	// bound once the first connector comes up; until then summaries only
	// reach the journal and the log.
	var announce func(ctx context.Context, text string)
	announceSummary := func(ctx context.Context, label string, s pipeline.Summary) {
		if announce == nil {
			return
		}
		announce(ctx, label+" finished. "+s.String())
	}
	sweeps := sweep.New(logger.With("component", "sweep"))
	ticketJob := func(ctx context.Context) (pipeline.Summary, error) {
		s, err := triage.Run(ctx)
		if err == nil {
			announceSummary(ctx, "Ticket sweep", s)
		}
		return s, err
	}
	unattendedWorklist := pipeline.NewRunner(portalClient, nil, nil, codes, store, logger.With("component", "worklist"))
	worklistJob := func(ctx context.Context) (pipeline.Summary, error) {
		s, err := unattendedWorklist.Run(ctx, "")
		if err == nil {
			announceSummary(ctx, "Worklist run", s)
		}
		return s, err
	}
	sweeps.Register(journal.KindTicketSweep, ticketJob)
	sweeps.Register(journal.KindWorklist, worklistJob)
	if spec := cfg.Sweeps.TicketSchedule; spec != "" {
		if err := sweeps.Add(journal.KindTicketSweep, spec, ticketJob); err != nil {
			logger.Error("bad ticket sweep schedule", "error", err)
			os.Exit(1)
		}
	}
	if cfg.Bot.UnattendedWorklist {
		if spec := cfg.Sweeps.WorklistSchedule; spec != "" {
			if err := sweeps.Add(journal.KindWorklist, spec, worklistJob); err != nil {
				logger.Error("bad worklist schedule", "error", err)
				os.Exit(1)
			}
		}
	}

	// Connectors. Each one gets its own router and coordinator so replies
	// go back out through the platform they came in on. The router is
	// assigned before Start, so the handler closure never sees nil once
	// messages can arrive.
	var connectorNames []string
	startConnector := func(name string, build func(connector.InboundHandler) (connector.Connector, error)) {
		var router *bot.Router
		handler := func(ctx context.Context, msg connector.InboundMessage) error {
			return router.HandleInbound(ctx, msg)
		}
		conn, err := build(handler)
		if err != nil {
			logger.Error("failed to init connector", "connector", name, "error", err)
			os.Exit(1)
		}

		coord := convo.New(cfg.Bot.PromptWait())
		sender := connector.TextSender{Connector: conn}
		worklist := pipeline.NewRunner(portalClient, sender, coord, codes, store,
			logger.With("component", "worklist", "connector", name),
			pipeline.WithPromptWait(cfg.Bot.PromptWait()))
		router = bot.New(bot.Config{
			IgnoreGroup:    cfg.Bot.IgnoreGroup,
			DefaultService: cfg.Bot.DefaultService,
			PromptWait:     cfg.Bot.PromptWait(),
		}, sender, coord, portalClient, directory, desk, incidents, triage, worklist, startedAt, logger.With("component", "router", "connector", name))

		if announce == nil && cfg.Sweeps.AnnounceTo != "" {
			to := cfg.Sweeps.AnnounceTo
			announce = func(ctx context.Context, text string) {
				if err := sender.Send(ctx, to, text); err != nil {
					logger.Warn("sweep announcement failed", "connector", name, "error", err)
				}
			}
		}
		connectorNames = append(connectorNames, name)

		go safeGo(logger, name, func() { conn.Start(ctx) })
		logger.Info("connector started", "connector", name)
	}

	if cfg.Connectors.Telegram != nil {
		startConnector("telegram", func(h connector.InboundHandler) (connector.Connector, error) {
			return telegram.New(telegram.Config{
				Token:     cfg.Connectors.Telegram.Token,
				AllowFrom: cfg.Connectors.Telegram.AllowFrom,
			}, h, logger.With("connector", "telegram"))
		})
	}
	if cfg.Connectors.Slack != nil {
		startConnector("slack", func(h connector.InboundHandler) (connector.Connector, error) {
			return slack.New(slack.Config{
				BotToken: cfg.Connectors.Slack.BotToken,
				AppToken: cfg.Connectors.Slack.AppToken,
				Channels: cfg.Connectors.Slack.Channels,
			}, h, logger.With("connector", "slack"))
		})
	}

	// Scheduler starts after the connectors so announcements have a route.
	go safeGo(logger, "sweep-scheduler", func() { sweeps.Start(ctx) })

	// Admin API.
	status := func() apiPkg.Status {
		st := apiPkg.Status{
			StartedAt:      startedAt,
			DirectoryUsers: directory.Len(),
			Connectors:     connectorNames,
		}
		if age, ok := sessions.Age(); ok {
			st.SessionFresh = age < cfg.Portal.SessionTTL()
			st.SessionAge = age.Round(time.Second).String()
		}
		if next := sweeps.Next(journal.KindTicketSweep); !next.IsZero() {
			st.NextTicketSweep = &next
		}
		if next := sweeps.Next(journal.KindWorklist); !next.IsZero() {
			st.NextWorklistRun = &next
		}
		return st
	}
	apiSrv := apiPkg.NewServer(apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, store, status, sweeps.Trigger, ring, logger.With("component", "api"))
	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("wirebotd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
