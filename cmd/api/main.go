package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"stead.org/internal/audit"
	"stead.org/internal/auth"
	"stead.org/internal/config"
	"stead.org/internal/crm"
	"stead.org/internal/guard"
	"stead.org/internal/httpapi"
	"stead.org/internal/obs"
	"stead.org/internal/provision"
	"stead.org/internal/rbac"
	"stead.org/internal/store/pg"
	"stead.org/internal/team"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const devOrg = "demo"

type stores struct {
	roles   rbac.AdminStore
	records crm.Store
	audits  audit.Store
	ready   httpapi.ReadyProbe
	close   func()
	// seed provisions a development organization; nil on PostgreSQL.
	seed func(ctx context.Context, roles rbac.AdminStore) error
}

func main() {
	if err := run(); err != nil {
		obs.Error("api_exit", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	for _, w := range cfg.Warnings {
		obs.Warn("config_warning", map[string]any{"detail": w})
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	resolver, err := rbac.NewResolver(st.roles)
	if err != nil {
		return err
	}
	recorder, err := audit.NewRecorder(st.audits, audit.WithRetries(cfg.AuditRetries))
	if err != nil {
		return err
	}
	g, err := guard.New(resolver, st.records, recorder, st.audits, guard.WithAlwaysWritable(cfg.AlwaysWritable...))
	if err != nil {
		return err
	}
	members, err := team.NewCache(st.roles, team.Config{TTL: cfg.TeamCacheTTL})
	if err != nil {
		return err
	}
	defer members.Close()
	if st.seed != nil {
		if err := st.seed(ctx, members.Track(st.roles)); err != nil {
			return err
		}
	}
	tokens, err := auth.NewTokens(cfg.AuthSecret)
	if err != nil {
		return err
	}

	api, err := httpapi.New(st.ready, version, httpapi.Deps{
		Tokens:       tokens,
		Guard:        g,
		Resolver:     resolver,
		Team:         members,
		RatePerSec:   cfg.RateLimitRPS,
		RateBurst:    cfg.RateLimitBurst,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(st.ready, 10*time.Second)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	obs.Info("api_start", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPCAddr,
		"postgres":  cfg.PGDSN != "",
	})

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		if err := grpcSrv.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		health.Run(gctx)
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		obs.Info("api_shutdown", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil {
		return err
	}
	obs.Info("api_stopped", nil)
	return nil
}

// openStores connects to PostgreSQL when a DSN is configured. Without one it
// runs on in-memory stores and seeds a demo organization once the team cache
// exists.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.PGDSN != "" {
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		return &stores{
			roles:   db,
			records: db.Records(),
			audits:  db.Audit(),
			ready:   httpapi.ReadyProbe{DB: db.DB()},
			close:   func() { _ = db.Close() },
		}, nil
	}

	return &stores{
		roles:   rbac.NewMemoryStore(),
		records: crm.NewInMemory(),
		audits:  audit.NewMemoryStore(),
		close:   func() {},
		seed:    seedDevOrg,
	}, nil
}

func seedDevOrg(ctx context.Context, roles rbac.AdminStore) error {
	created, err := provision.Apply(ctx, roles, devOrg, provision.Default())
	if err != nil {
		return fmt.Errorf("provision %s: %w", devOrg, err)
	}
	for _, r := range created {
		switch {
		case r.Omnipotent():
			err = roles.AssignRole(ctx, devOrg, "admin", r.ID)
		case r.IsDefault:
			err = roles.AssignRole(ctx, devOrg, "rep", r.ID)
		}
		if err != nil {
			return err
		}
	}
	obs.Warn("in_memory_stores", map[string]any{"org_id": devOrg, "users": []string{"admin", "rep"}})
	return nil
}
