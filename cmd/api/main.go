// Command api runs the certificate-renewal orchestration service: webhook
// ingestion, deferred-step replay, and the background maintenance loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"renewflow/certification"
	"renewflow/config"
	"renewflow/db"
	"renewflow/httpapi"
	"renewflow/ledger"
	"renewflow/renewal"
	"renewflow/retry"
	"renewflow/ticketflow"
	"renewflow/token"
	"renewflow/workers"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "renewflow",
		Short:         "Digital certificate renewal orchestration service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newWorkersCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	return root
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and all background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), *configPath, true)
		},
	}
}

func newWorkersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "Run only the background workers, without the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), *configPath, false)
		},
	}
}

func runService(ctx context.Context, configPath string, withHTTP bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	app, err := buildApp(pool, cfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.supervisor.Run(ctx)
	})

	if withHTTP {
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           app.server,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("http server listening", "addr", cfg.HTTP.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Std())
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err == context.Canceled {
		err = nil
	}
	return err
}

// app is the fully wired service graph.
type app struct {
	server     *httpapi.Server
	supervisor *workers.Supervisor
	facade     *certification.Facade
}

// buildApp wires the durable-store components and the orchestration facade.
// The vendor API adapters implement the certification collaborator
// interfaces and are provided by the deployment's integration layer; until
// one is linked, outbound calls fail with a named error while inbound
// recording and deferral keep working.
func buildApp(pool *pgxpool.Pool, cfg config.Config, log *slog.Logger) (*app, error) {
	cases := renewal.NewRepository(pool)
	events := ledger.NewRepository(pool)

	integrations := buildIntegrations(cfg, pool, log)

	facade := certification.NewFacade(
		cases, events,
		integrations.messages, integrations.tickets, integrations.contacts,
		integrations.sales, integrations.billing, integrations.crm,
		retry.NewPolicy(2*time.Second),
		certification.Config{
			DepartmentID:          cfg.Digisac.DepartmentID,
			RetentionDepartmentID: cfg.Digisac.RetentionDepartmentID,
			BotUserID:             cfg.Digisac.BotUserID,
			ProposalWorkflowID:    cfg.Bitrix.ProposalWorkflowID,
		},
		log,
	)
	registry := ticketflow.NewRegistry(facade.Handlers())
	queue := ticketflow.NewQueue(pool, registry)
	facade.AttachGuard(ticketflow.NewGuard(queue, facade, log))

	drain := ticketflow.NewWorker(queue, registry, cfg.Workers.ReplayInterval.Std(), log)
	sweeper := workers.NewSessionSweeper(cases, facade,
		cfg.Workers.SweepInterval.Std(), cfg.Workers.SessionIdleAfter.Std(), log)
	refresher := workers.NewTokenRefresher(integrations.tokenManagers,
		cfg.Workers.TokenRefreshInterval.Std(), log)

	server := httpapi.NewServer(facade, cases, httpapi.ServerConfig{
		WebhookSecret: cfg.HTTP.WebhookSecret,
		APIKeyHash:    cfg.HTTP.APIKeyHash,
	}, log)

	return &app{
		server:     server,
		supervisor: workers.NewSupervisor(drain, sweeper, refresher),
		facade:     facade,
	}, nil
}

// integrations groups the remote-system collaborators and their token
// managers.
type integrations struct {
	messages      certification.MessageSender
	tickets       certification.TicketService
	contacts      certification.ContactResolver
	sales         certification.SaleService
	billing       certification.BillingService
	crm           certification.CRMClient
	tokenManagers map[string]*token.Manager
}

func buildIntegrations(_ config.Config, pool *pgxpool.Pool, log *slog.Logger) integrations {
	tokens := token.NewStore(pool)
	stub := unconfiguredIntegration{}
	return integrations{
		messages: stub,
		tickets:  stub,
		contacts: stub,
		sales:    stub,
		billing:  stub,
		crm:      stub,
		tokenManagers: map[string]*token.Manager{
			"digisac":    token.NewManager("digisac", tokens, stub, log),
			"conta_azul": token.NewManager("conta_azul", tokens, stub, log),
		},
	}
}
