package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/legacyguard/stronghold/backend/internal/config"
	"github.com/legacyguard/stronghold/backend/internal/db"
	"github.com/legacyguard/stronghold/backend/internal/device"
	"github.com/legacyguard/stronghold/backend/internal/logging"
	"github.com/legacyguard/stronghold/backend/internal/models"
	syncengine "github.com/legacyguard/stronghold/backend/internal/sync"
	"github.com/legacyguard/stronghold/backend/internal/sync/remote"
)

// skipConfigAnnotation marks commands that must run without a loadable config.
const skipConfigAnnotation = "skip-config"

// rootOptions holds global flags and the configuration they resolve to.
type rootOptions struct {
	ConfigPath string
	Platform   string
	JSON       bool

	v        *viper.Viper
	cfg      *config.Config
	closeLog func() error
}

// NewRootCommand creates the root command for the stronghold-sync CLI.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{v: config.NewViper()}

	cmd := &cobra.Command{
		Use:          "stronghold-sync",
		Short:        "Cross-device entity synchronization",
		Long:         "Keeps a local entity store in sync with the coordinator and other devices.",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}
			return opts.load(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.closeLog != nil {
				return opts.closeLog()
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML config file")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("data-dir", "", "directory holding the local database")
	flags.String("base-url", "", "coordinator base URL")
	flags.StringVar(&opts.Platform, "platform", "", "override the detected platform (web|ios|android|desktop)")
	flags.BoolVar(&opts.JSON, "json", false, "print JSON output")

	_ = opts.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = opts.v.BindPFlag("storage.data_dir", flags.Lookup("data-dir"))
	_ = opts.v.BindPFlag("remote.base_url", flags.Lookup("base-url"))

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// load resolves the configuration and configures logging to stderr.
func (o *rootOptions) load(stderr io.Writer) error {
	cfg, err := config.LoadFrom(o.v, o.ConfigPath)
	if err != nil {
		return err
	}
	if o.Platform != "" && !models.Platform(o.Platform).Valid() {
		return fmt.Errorf("unknown platform %q", o.Platform)
	}
	o.cfg = cfg
	o.closeLog = logging.Configure(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Out:        stderr,
	})
	return nil
}

// session bundles an initialized engine with the store it owns.
type session struct {
	engine *syncengine.Engine
	store  *db.Store
}

func (s *session) Close() {
	s.engine.Destroy()
	if err := s.store.Close(); err != nil {
		logging.Warn("Failed to close store", map[string]interface{}{"error": err.Error()})
	}
}

// openSession opens the store and initializes an engine on it. Real-time is
// only enabled for long-running commands.
func (o *rootOptions) openSession(ctx context.Context, realtime bool) (*session, error) {
	store, err := db.OpenStore(o.cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	syncCfg := o.cfg.Sync
	syncCfg.EnableRealTime = realtime && syncCfg.EnableRealTime
	client := remote.New(o.cfg.Remote.BaseURL, o.cfg.Remote.AuthToken, o.cfg.Remote.RequestTimeout)
	engine := syncengine.New(store, client, syncengine.Options{
		Sync:     syncCfg,
		Remote:   o.cfg.Remote,
		Detector: device.RuntimeDetector{Override: models.Platform(o.Platform)},
	})

	if err := engine.Initialize(ctx); err != nil {
		engine.Destroy()
		store.Close()
		return nil, err
	}
	return &session{engine: engine, store: store}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSession(w io.Writer, asJSON bool, sess *models.SyncSession) error {
	if sess == nil {
		fmt.Fprintln(w, "no sync session ran")
		return nil
	}
	if asJSON {
		return printJSON(w, sess)
	}
	fmt.Fprintf(w, "SESSION %s (%s) %s\n", sess.ID, sess.Kind, sess.Status)
	fmt.Fprintf(w, "  entities synced:    %d\n", sess.EntitiesSynced)
	fmt.Fprintf(w, "  conflicts resolved: %d\n", sess.ConflictsResolved)
	fmt.Fprintf(w, "  bytes transferred:  %d\n", sess.BytesTransferred)
	if sess.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", sess.Error)
	}
	return nil
}

// offlineNotice tells the user the coordinator could not be reached.
func offlineNotice(w io.Writer, e *syncengine.Engine) {
	if !e.IsOnline() {
		fmt.Fprintln(w, "coordinator unreachable, working local-only")
	}
}

func init() {
	// Keep the default logger usable before the config is loaded.
	logging.Init(os.Stderr, logging.LevelWarn)
}
