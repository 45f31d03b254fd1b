package countersigncmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	auditchain "github.com/cuihairu/countersign/internal/audit/chain"
	"github.com/cuihairu/countersign/internal/auth/rbac"
	common "github.com/cuihairu/countersign/internal/cli/common"
	"github.com/cuihairu/countersign/internal/db"
	"github.com/cuihairu/countersign/internal/dispatch"
	"github.com/cuihairu/countersign/internal/events"
	"github.com/cuihairu/countersign/internal/objstore"
	"github.com/cuihairu/countersign/internal/policy"
	gormapprovals "github.com/cuihairu/countersign/internal/repo/gorm/approvals"
	gormchains "github.com/cuihairu/countersign/internal/repo/gorm/chains"
	"github.com/cuihairu/countersign/internal/service/approvals"
	"github.com/cuihairu/countersign/internal/service/chains"
	"github.com/cuihairu/countersign/internal/telemetry"
	"github.com/cuihairu/countersign/internal/worker"
)

// app holds every component a command may need. Built once per invocation.
type app struct {
	settings  *common.Settings
	log       *slog.Logger
	gdb       *gorm.DB
	telemetry *telemetry.Provider
	policy    *policy.Provider
	authz     *rbac.Authorizer
	approvals *approvals.Service
	templates *chains.Templates
	engine    *chains.Engine
	registry  *dispatch.Registry
	worker    *worker.Worker

	closers []func() error
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// newApp wires the store, policy, services and dispatch pipeline from s.
func newApp(ctx context.Context, s *common.Settings, log *slog.Logger) (_ *app, err error) {
	a := &app{settings: s, log: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	tp, err := telemetry.NewProvider(ctx, s.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tp
	a.onClose(func() error { return tp.Shutdown(context.WithoutCancel(ctx)) })

	gdb, err := db.Open(s.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a.gdb = gdb
	a.onClose(func() error { return db.Close(gdb) })

	pub, err := events.New(s.Events, log)
	if err != nil {
		return nil, err
	}
	a.onClose(pub.Close)

	tplRepo := gormchains.NewTemplateRepo(gdb)
	stepRepo := gormchains.NewStepRepo(gdb)

	var rules *policy.Rules
	if s.Policy.Path != "" {
		if rules, err = policy.Load(s.Policy.Path); err != nil {
			return nil, err
		}
	}
	opts := []policy.Option{policy.WithTemplates(tplRepo), policy.WithEvents(pub), policy.WithLogger(log)}
	if s.Audit.Path != "" {
		aw, err := auditchain.NewWriter(s.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		a.onClose(aw.Close)
		opts = append(opts, policy.WithAudit(aw))
	}
	a.policy = policy.NewProvider(rules, opts...)
	a.onClose(a.policy.Close)

	if a.authz, err = rbac.New(s.RBAC.Policy, log); err != nil {
		return nil, err
	}

	a.approvals = approvals.NewService(gormapprovals.NewRepo(gdb),
		approvals.WithAudit(a.policy),
		approvals.WithMetrics(tp.Metrics),
		approvals.WithLogger(log),
		approvals.WithTTL(s.Approvals.TTL),
		approvals.WithChains(stepRepo),
		approvals.WithTransactor(db.Transactor(gdb)),
	)
	a.templates = chains.NewTemplates(tplRepo, stepRepo, a.policy, log)
	a.engine = chains.NewEngine(stepRepo, a.templates, a.approvals, a.policy, log)

	a.registry = dispatch.NewRegistry()
	if err := dispatch.RegisterBuiltins(a.registry, log); err != nil {
		return nil, err
	}
	exec := dispatch.NewExecutor(a.registry, dispatch.RetryPolicy{
		MaxAttempts: s.Dispatch.MaxAttempts,
		BaseDelay:   s.Dispatch.BaseDelay,
		MaxDelay:    s.Dispatch.MaxDelay,
	})
	exec.Tracer = telemetry.Tracer()

	wopts := []worker.Option{worker.WithMetrics(tp.Metrics), worker.WithLogger(log)}
	if s.Archive.Enabled() {
		store, err := objstore.Open(ctx, s.Archive)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		arch := objstore.NewArchive(store, s.Archive.Prefix)
		a.onClose(arch.Close)
		wopts = append(wopts, worker.WithArchive(arch))
	}
	a.worker = worker.New(a.approvals, exec, s.Worker, wopts...)
	return a, nil
}

// migrate creates or updates every table.
func (a *app) migrate() error {
	if err := gormapprovals.AutoMigrate(a.gdb); err != nil {
		return fmt.Errorf("migrate approvals: %w", err)
	}
	if err := gormchains.AutoMigrate(a.gdb); err != nil {
		return fmt.Errorf("migrate chains: %w", err)
	}
	return nil
}
