package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/legacyguard/stronghold/backend/cmd/stronghold-sync/handlers"
	"github.com/legacyguard/stronghold/backend/internal/config"
	"github.com/legacyguard/stronghold/backend/internal/db"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	syncengine "github.com/legacyguard/stronghold/backend/internal/sync"
	"github.com/legacyguard/stronghold/backend/internal/telemetry"
)

// =====================================================
// run
// =====================================================

func newRunCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync agent until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sess, err := opts.openSession(ctx, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, kind := range []syncengine.EventKind{
				syncengine.EventSyncCompleted,
				syncengine.EventSyncFailed,
				syncengine.EventConflictDetected,
				syncengine.EventConflictResolved,
				syncengine.EventRealTimeConnected,
				syncengine.EventRealTimeDisconnected,
				syncengine.EventOnlineStatusChanged,
			} {
				sess.engine.On(kind, logEvent)
			}
			stats := telemetry.NewCollector()
			stats.Attach(sess.engine)

			g, gctx := errgroup.WithContext(ctx)
			if addr := opts.cfg.Agent.Addr; addr != "" {
				api := &http.Server{
					Addr:              addr,
					Handler:           handlers.NewSyncHandler(sess.engine, stats).Routes(),
					ReadHeaderTimeout: 10 * time.Second,
				}
				g.Go(func() error {
					logging.Info("Agent API listening", map[string]interface{}{"addr": addr})
					if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return api.Shutdown(shutdownCtx)
				})
			}

			logging.Info("Sync agent running", map[string]interface{}{
				"device_id": sess.engine.Device().DeviceID,
				"online":    sess.engine.IsOnline(),
			})
			<-gctx.Done()
			err = g.Wait()
			logging.Info("Shutting down sync agent", stats.Fields())
			return err
		},
	}
	cmd.Flags().String("listen", "", "address for the local agent API, e.g. 127.0.0.1:8790")
	_ = opts.v.BindPFlag("agent.addr", cmd.Flags().Lookup("listen"))
	return cmd
}

func logEvent(ev syncengine.Event) {
	fields := map[string]interface{}{"event": ev.Kind.String()}
	if ev.EntityID != "" {
		fields["entity_id"] = ev.EntityID
	}
	if ev.Session != nil {
		fields["session_id"] = ev.Session.ID
		fields["entities_synced"] = ev.Session.EntitiesSynced
	}
	if ev.Kind == syncengine.EventOnlineStatusChanged {
		fields["online"] = ev.Online
	}
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	logging.Info("Sync event", fields)
}

// =====================================================
// sync
// =====================================================

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var incremental bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session and print its summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer sess.Close()

			out := cmd.OutOrStdout()
			if incremental {
				sess.engine.PerformIncrementalSync(cmd.Context())
				return printSession(out, opts.JSON, sess.engine.LastSession())
			}
			result, err := sess.engine.PerformFullSync(cmd.Context())
			if result != nil {
				if perr := printSession(out, opts.JSON, result); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&incremental, "incremental", false, "only upload pending changes")
	return cmd
}

// =====================================================
// status
// =====================================================

type statusReport struct {
	DeviceID   string                `json:"deviceId"`
	Cursor     *time.Time            `json:"cursor,omitempty"`
	Entities   int                   `json:"entities"`
	Pending    int                   `json:"pending"`
	Tombstones int                   `json:"tombstones"`
	Sessions   []*models.SyncSession `json:"sessions"`
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local sync state without contacting the coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.OpenStore(opts.cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			defer store.Close()

			report := statusReport{}
			if report.DeviceID, err = store.DeviceID(); err != nil {
				return err
			}
			cursor, err := store.Cursor()
			if err != nil {
				return err
			}
			if !cursor.IsZero() {
				report.Cursor = &cursor
			}
			if report.Entities, report.Pending, report.Tombstones, err = store.Counts(); err != nil {
				return err
			}
			if report.Sessions, err = store.ListSessions(limit); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, report)
			}
			device := report.DeviceID
			if device == "" {
				device = "(not initialized)"
			}
			fmt.Fprintf(out, "DEVICE:  %s\n", device)
			if report.Cursor != nil {
				fmt.Fprintf(out, "CURSOR:  %s\n", report.Cursor.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "CURSOR:  never downloaded")
			}
			fmt.Fprintf(out, "ENTITIES: %d (%d pending, %d deleted)\n", report.Entities, report.Pending, report.Tombstones)
			if len(report.Sessions) > 0 {
				fmt.Fprintf(out, "\nRECENT SESSIONS (%d):\n", len(report.Sessions))
				for _, s := range report.Sessions {
					fmt.Fprintf(out, "  %s  %-11s %-9s %d entities\n",
						s.StartTime.Format(time.RFC3339), s.Kind, s.Status, s.EntitiesSynced)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "number of recent sessions to show")
	return cmd
}

// =====================================================
// put / delete
// =====================================================

// entityFlags are the fields a put command may set.
type entityFlags struct {
	id       string
	typ      string
	payload  string
	priority string
	policy   string
	org      string
	tags     []string
}

func (f *entityFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.id, "id", "", "entity id (generated when empty)")
	fs.StringVar(&f.typ, "type", "", "entity type, required for new entities")
	fs.StringVar(&f.payload, "payload", "", "JSON object payload")
	fs.StringVar(&f.priority, "priority", "", "priority (low|normal|high|critical)")
	fs.StringVar(&f.policy, "policy", "", "conflict policy (auto|manual)")
	fs.StringVar(&f.org, "org", "", "organization id")
	fs.StringSliceVar(&f.tags, "tags", nil, "comma separated tags")
}

func (f *entityFlags) input(fs *pflag.FlagSet) (syncengine.EntityInput, error) {
	in := syncengine.EntityInput{
		ID:             f.id,
		Type:           f.typ,
		OrganizationID: f.org,
		Priority:       models.Priority(f.priority),
		ConflictPolicy: models.ConflictPolicy(f.policy),
	}
	if f.payload != "" {
		if err := json.Unmarshal([]byte(f.payload), &in.Payload); err != nil {
			return in, fmt.Errorf("invalid --payload: %w", err)
		}
	}
	if fs.Changed("tags") {
		in.Tags = f.tags
	}
	return in, nil
}

func newPutCommand(opts *rootOptions) *cobra.Command {
	flags := &entityFlags{}

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or update an entity and upload it",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := flags.input(cmd.Flags())
			if err != nil {
				return err
			}
			sess, err := opts.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer sess.Close()

			id, err := sess.engine.SyncEntity(cmd.Context(), in)
			if err != nil {
				return err
			}
			sess.engine.PerformIncrementalSync(cmd.Context())

			out := cmd.OutOrStdout()
			offlineNotice(cmd.ErrOrStderr(), sess.engine)
			fmt.Fprintln(out, id)
			return nil
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity and upload the deletion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := sess.engine.DeleteEntity(cmd.Context(), args[0]); err != nil {
				return err
			}
			sess.engine.PerformIncrementalSync(cmd.Context())
			offlineNotice(cmd.ErrOrStderr(), sess.engine)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// =====================================================
// conflicts / resolve
// =====================================================

// Conflicts live in memory, so both commands run a full sync to rebuild the queue.

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Sync and list conflicts waiting for a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := opts.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer sess.Close()

			if _, err := sess.engine.PerformFullSync(cmd.Context()); err != nil {
				return err
			}
			queue := sess.engine.GetConflictQueue()

			out := cmd.OutOrStdout()
			if opts.JSON {
				return printJSON(out, queue)
			}
			if len(queue) == 0 {
				fmt.Fprintln(out, "no conflicts")
				return nil
			}
			for _, c := range queue {
				fmt.Fprintf(out, "%s  %-8s %-8s local v%d  remote v%d\n",
					c.EntityID, c.ConflictType, c.ResolutionStrategy,
					versionOf(c.LocalVersion), versionOf(c.RemoteVersion))
			}
			return nil
		},
	}
}

func versionOf(e *models.SyncEntity) int64 {
	if e == nil {
		return 0
	}
	return e.Version
}

func newResolveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <id> <client|server|merge>",
		Short: "Decide a conflict and upload the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := models.ResolutionStrategy(args[1])
			if !decision.IsDecision() {
				return fmt.Errorf("unknown decision %q", args[1])
			}
			sess, err := opts.openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer sess.Close()

			if _, err := sess.engine.PerformFullSync(cmd.Context()); err != nil {
				return err
			}
			if err := sess.engine.ManualConflictResolution(cmd.Context(), args[0], decision); err != nil {
				return err
			}
			sess.engine.PerformIncrementalSync(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", args[0], decision)
			return nil
		},
	}
}

// =====================================================
// config
// =====================================================

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:         "init [path]",
		Short:       "Write the default configuration as YAML",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = "stronghold.yaml"
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.Write(config.Default(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *opts.cfg
			if shown.Remote.AuthToken != "" {
				shown.Remote.AuthToken = "********"
			}
			return printJSON(cmd.OutOrStdout(), shown)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
