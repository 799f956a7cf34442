package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/actions"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/apiclient"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/database"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/events"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/guard"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/integrity"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/security"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/state"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/store"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/syncer"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/undo"
)

// device is one hydrated client: the local database and every engine component.
type device struct {
	config       config.ClientConfig
	logger       *zap.Logger
	db           *gorm.DB
	owner        ledger.OwnerID
	store        *store.Store
	state        *state.Container
	bus          *events.Bus
	resolver     *conflicts.Resolver
	undo         *undo.Controller
	gate         *security.Gate
	client       *apiclient.Client
	orchestrator *syncer.Orchestrator
	integrity    *integrity.Gatekeeper
	actions      *actions.Service
}

func openDevice(ctx context.Context) (*device, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenLocal(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	d := &device{config: cfg, logger: logger, db: db, owner: ledger.OwnerID(cfg.OwnerID)}
	if err := d.wire(); err != nil {
		d.close()
		return nil, err
	}
	if _, err := d.orchestrator.Hydrate(ctx, d.owner); err != nil {
		d.close()
		return nil, err
	}
	if err := d.store.SaveSessionToken(ctx, d.owner, cfg.Token); err != nil {
		d.close()
		return nil, err
	}
	if err := d.undo.Resume(ctx); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *device) wire() error {
	var err error
	cfg, logger := d.config, d.logger
	d.state = state.NewContainer()
	d.bus = events.NewBus()

	if d.store, err = store.New(store.Config{Database: d.db, Logger: logger.Named("store")}); err != nil {
		return err
	}
	if d.resolver, err = conflicts.NewResolver(conflicts.Config{
		Database:   d.db,
		Store:      d.store,
		Publisher:  d.bus,
		Policy:     cfg.ConflictPolicy,
		IDProvider: ledger.NewUUIDProvider(),
		Logger:     logger.Named("conflicts"),
	}); err != nil {
		return err
	}
	if d.undo, err = undo.NewController(undo.Config{
		Database: d.db,
		Store:    d.store,
		Window:   cfg.UndoWindow,
		Logger:   logger.Named("undo"),
	}); err != nil {
		return err
	}
	if d.gate, err = security.NewGate(security.Config{
		State:     d.state,
		Publisher: d.bus,
		Purgers:   []security.Purger{d.store, d.resolver, d.undo},
		Logger:    logger.Named("security"),
	}); err != nil {
		return err
	}
	if d.client, err = apiclient.New(apiclient.Config{
		BaseURL: cfg.RemoteURL,
		Token:   cfg.Token,
		Logger:  logger.Named("apiclient"),
	}); err != nil {
		return err
	}
	if d.orchestrator, err = syncer.New(syncer.Config{
		Store:        d.store,
		Remote:       d.client,
		Conflicts:    d.resolver,
		Gate:         d.gate,
		State:        d.state,
		Bus:          d.bus,
		Purgers:      []syncer.Purger{d.resolver, d.undo},
		Interval:     cfg.SyncInterval,
		PullPageSize: cfg.PullPageSize,
		Logger:       logger.Named("syncer"),
	}); err != nil {
		return err
	}
	if d.integrity, err = integrity.NewGatekeeper(integrity.Config{
		Store:      d.store,
		Remote:     d.client,
		Reconciler: d.orchestrator,
		Gate:       d.gate,
		Publisher:  d.bus,
		Interval:   cfg.IntegrityInterval,
		Threshold:  cfg.InconsistencyThreshold,
		Logger:     logger.Named("integrity"),
	}); err != nil {
		return err
	}
	actionGuard, err := guard.New(guard.Config{
		State:          d.state,
		DefaultTimeout: cfg.ActionTimeout,
		Logger:         logger.Named("guard"),
	})
	if err != nil {
		return err
	}
	d.actions, err = actions.NewService(actions.Config{
		Guard:         actionGuard,
		Store:         d.store,
		Undo:          d.undo,
		Sync:          d.orchestrator,
		Conflicts:     d.resolver,
		ActionTimeout: cfg.ActionTimeout,
		Logger:        logger.Named("actions"),
	})
	return err
}

func (d *device) close() {
	if d.logger != nil {
		_ = d.logger.Sync()
	}
	if d.db == nil {
		return
	}
	if sqlDB, err := d.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// syncOnce runs one cycle followed by a digest check of both collections.
func (d *device) syncOnce(ctx context.Context, out io.Writer) error {
	report, err := d.orchestrator.SetReachable(ctx, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pushed=%d pulled=%d deferred=%d rejected=%d conflicts=%d mode=%s\n",
		report.Pushed, report.Pulled, report.Deferred, report.Rejected, report.Conflicts, d.state.Mode())
	checks, err := d.integrity.CheckAll(ctx, d.owner)
	for _, check := range checks {
		fmt.Fprintf(out, "%s digest matched=%t reconciled=%t count=%d\n",
			check.Kind, check.Matched, check.Reconciled, check.Local.Count)
	}
	return err
}

// watch keeps the device online until interrupted: periodic cycles, the realtime
// stream and periodic integrity checks.
func (d *device) watch(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	unsubscribe := d.orchestrator.Subscribe(func(event events.Event) {
		switch event.Type {
		case events.TypeSyncProgress:
			if event.Progress != nil && event.Progress.IsComplete {
				d.logger.Debug("sync complete", zap.Int("records", event.Progress.Total))
			}
		case events.TypeLockdown:
			d.logger.Warn("device locked down", zap.String("reason", event.Reason))
			stop()
		default:
			d.logger.Info("engine event", zap.String("type", string(event.Type)), zap.String("reason", event.Reason))
		}
	})
	defer unsubscribe()

	if err := d.orchestrator.InitRealtime(ctx, apiclient.NewStream(d.client), d.owner); err != nil {
		return err
	}
	if _, err := d.orchestrator.SetReachable(ctx, true); err != nil && !errors.Is(err, ledger.ErrTransport) {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- d.orchestrator.Run(ctx) }()
	go func() { errCh <- d.integrity.Run(ctx, d.owner) }()

	err := <-errCh
	stop()
	<-errCh
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newSyncCommand(defaults *viper.Viper) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local ledger with the server of record",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			defer d.close()
			if watch {
				return d.watch(cmd.Context())
			}
			return d.syncOnce(cmd.Context(), cmd.OutOrStdout())
		},
	}
	clientFlags(cmd, defaults)
	cmd.Flags().BoolVar(&watch, "watch", false, "Stay online and follow realtime changes until interrupted")
	return cmd
}

// runAction opens the device, runs one intent, reports it and pushes the result when
// the server is reachable.
func runAction(cmd *cobra.Command, intent func(ctx context.Context, d *device) guard.Result) error {
	ctx := cmd.Context()
	d, err := openDevice(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	result := intent(ctx, d)
	if result.IsBlocked {
		return fmt.Errorf("action blocked: %s: %w", result.BlockReason, result.Err)
	}
	if result.Err != nil {
		return result.Err
	}
	describe(cmd.OutOrStdout(), result.Data)

	if _, err := d.orchestrator.SetReachable(ctx, true); err != nil {
		if ledger.IsRetryable(err) {
			fmt.Fprintf(cmd.ErrOrStderr(), "saved locally; sync deferred: %v\n", err)
			return nil
		}
		return err
	}
	return nil
}

func describe(out io.Writer, data any) {
	switch value := data.(type) {
	case ledger.Record:
		fmt.Fprintf(out, "%s %s version=%d sync=%s\n", value.Kind, value.ClientID, value.Version, value.SyncState)
	case undo.PendingDeletion:
		fmt.Fprintf(out, "%s pending deletion until %s\n", value.RecordClientID, time.UnixMilli(value.ExpiresAtMillis).Format(time.RFC3339))
	case conflicts.Outcome:
		fmt.Fprintf(out, "conflict %s resolved=%t decision=%s winner=%s\n", value.ConflictID, value.Resolved, value.Decision, value.Winner)
	case syncer.Report:
		fmt.Fprintf(out, "pushed=%d pulled=%d\n", value.Pushed, value.Pulled)
	default:
		fmt.Fprintln(out, "ok")
	}
}
