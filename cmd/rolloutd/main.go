// The rolloutd command runs the progressive-delivery controller: it
// owns the rollout state, reconciles traffic against Kubernetes, gates
// promotions on Prometheus analysis, and serves the control-plane API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	wfsqlite "github.com/cschleiden/go-workflows/backend/sqlite"
	"github.com/cschleiden/go-workflows/client"
	"github.com/cschleiden/go-workflows/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ljluestc/canary/internal/application"
	"github.com/ljluestc/canary/internal/configuration"
	"github.com/ljluestc/canary/internal/domain"
	"github.com/ljluestc/canary/internal/infrastructure/goworkflows"
	"github.com/ljluestc/canary/internal/infrastructure/httpapi"
	"github.com/ljluestc/canary/internal/infrastructure/kuberouter"
	"github.com/ljluestc/canary/internal/infrastructure/prometheus"
	"github.com/ljluestc/canary/internal/infrastructure/sqlite"
	"github.com/ljluestc/canary/internal/infrastructure/syncworkflow"
)

func main() {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:          "rolloutd",
		Short:        "Progressive-delivery rollout controller",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, debug bool) error {
	cfg, err := configuration.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	templates, err := cfg.AnalysisTemplates()
	if err != nil {
		return err
	}

	kubeClient, err := newKubeClient(cfg)
	if err != nil {
		return err
	}

	var provider domain.MetricsProvider
	if cfg.Prometheus.Address != "" {
		p, err := prometheus.NewProvider(cfg.Prometheus.Address)
		if err != nil {
			return err
		}
		p.Timeout = cfg.Prometheus.Timeout.Std()
		provider = p
	}

	runRepo := &sqlite.RunRepo{DB: db}
	analysisRepo := &sqlite.AnalysisRunRepo{DB: db}

	wf := &domain.TickWorkflow{
		Runs:      runRepo,
		Analyses:  analysisRepo,
		Router:    &kuberouter.Router{Client: kubeClient, Namespace: cfg.Kubernetes.Namespace},
		Health:    &kuberouter.HealthChecker{Client: kubeClient, Namespace: cfg.Kubernetes.Namespace},
		Engine:    &domain.AnalysisEngine{Provider: provider},
		Templates: templates,
		Policies:  cfg.TickPolicies(),
	}

	ticks, err := newTickRunner(ctx, cfg, wf)
	if err != nil {
		return err
	}

	orch := &application.Orchestrator{
		Runs:        runRepo,
		Ticks:       ticks,
		Interval:    cfg.Orchestrator.Interval.Std(),
		MaxBackoff:  cfg.Orchestrator.MaxBackoff.Std(),
		RetryBudget: cfg.Orchestrator.RetryBudget,
		Logger:      logger,
	}
	service := &application.RolloutService{
		Specs:        &sqlite.SpecRepo{DB: db},
		Runs:         runRepo,
		Analyses:     analysisRepo,
		Templates:    templates,
		Orchestrator: orch,
		Logger:       logger,
	}
	orch.OnFinished = service.HandleFinished

	if err := orch.Start(ctx); err != nil {
		return err
	}

	api := &httpapi.Server{Service: service, Logger: logger}
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("control-plane API listening", zap.String("addr", cfg.Listen))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	group.Go(orch.Wait)

	return group.Wait()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newKubeClient(cfg configuration.Config) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubernetes.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("kubernetes config: %w", err)
	}
	return kubernetes.NewForConfig(restCfg)
}

// newTickRunner selects the tick engine: synchronous in-process, or
// durable execution over a go-workflows sqlite backend kept separate
// from the controller's own database.
func newTickRunner(ctx context.Context, cfg configuration.Config, wf *domain.TickWorkflow) (domain.TickRunner, error) {
	if cfg.Engine == "sync" {
		engine := &syncworkflow.Engine{}
		return engine.TickRunner(wf)
	}

	b := wfsqlite.NewSqliteBackend(cfg.DatabasePath + ".workflows")
	w := worker.New(b, nil)
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("start workflow worker: %w", err)
	}
	engine := &goworkflows.Engine{Worker: w, Client: client.New(b)}
	return engine.TickRunner(wf)
}
