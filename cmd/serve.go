package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/memberbase/ldapbridge/internal/bridge"
	"github.com/memberbase/ldapbridge/internal/ldapserver"
	"github.com/memberbase/ldapbridge/internal/logger"
	"github.com/memberbase/ldapbridge/internal/schema"
	"github.com/memberbase/ldapbridge/internal/stats"
	"github.com/memberbase/ldapbridge/internal/store"
)

type serveOpts struct {
	Listen           string
	BaseDN           string
	DSN              string
	DBPoolSize       int
	DBAcquireTimeout time.Duration
	SchemaFile       string
	MetricsListen    string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":10389", "LDAP listen address")
	serveCmd.Flags().String("base_dn", "dc=club,dc=example", "Base DN of the served tree")
	serveCmd.Flags().String("dsn", "", "PostgreSQL connection string")
	serveCmd.Flags().Int("db_pool_size", 16, "Maximum relational store connections")
	serveCmd.Flags().Duration("db_acquire_timeout", 5*time.Second, "Wait limit for a pooled connection")
	serveCmd.Flags().String("schema", "schema.json", "Path to the schema definition file")
	serveCmd.Flags().String("metrics_listen", "", "Prometheus listen address (empty disables)")
	serveCmd.Flags().Duration("read_timeout", 0, "Per-read deadline on client connections (0 lets idle connections persist)")
	serveCmd.Flags().Duration("write_timeout", 30*time.Second, "Per-write deadline on client connections")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the LDAP directory",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	f := NewFlagLoader(cmd)
	opts := serveOpts{
		Listen:           f.String("listen"),
		BaseDN:           f.String("base_dn"),
		DSN:              f.String("dsn"),
		DBPoolSize:       f.Int("db_pool_size"),
		DBAcquireTimeout: f.Duration("db_acquire_timeout"),
		SchemaFile:       f.String("schema"),
		MetricsListen:    f.String("metrics_listen"),
		ReadTimeout:      f.Duration("read_timeout"),
		WriteTimeout:     f.Duration("write_timeout"),
	}
	if opts.DSN == "" {
		return fmt.Errorf("a relational store DSN is required")
	}

	def, err := schema.LoadDefinition(opts.SchemaFile)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	registry, err := schema.NewRegistry(def)
	if err != nil {
		return fmt.Errorf("register schema: %w", err)
	}

	st, err := store.Open(store.Config{
		DSN:            opts.DSN,
		PoolSize:       opts.DBPoolSize,
		AcquireTimeout: opts.DBAcquireTimeout,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Ping(cmd.Context()); err != nil {
		logger.Warn().Err(err).Msg("relational store unreachable at startup")
	}

	b, err := bridge.New(registry, st, opts.BaseDN)
	if err != nil {
		return err
	}

	ldapserver.Logger = *logger.Get()
	server := ldapserver.NewServerWithHandlerSource(b)
	server.ReadTimeout = opts.ReadTimeout
	server.WriteTimeout = opts.WriteTimeout

	if opts.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info().Str("addr", opts.MetricsListen).Msg("metrics listener started")
			if err := http.ListenAndServe(opts.MetricsListen, mux); err != nil {
				logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", opts.Listen).Str("base_dn", b.BaseDN()).
			Msg("ldap listener started")
		errc <- server.ListenAndServe(opts.Listen)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err := <-errc:
			return err
		case sig := <-sigc:
			if sig == syscall.SIGHUP {
				reloadSchema(registry, opts.SchemaFile)
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			server.Stop()
			return nil
		}
	}
}

// reloadSchema publishes the schema file's current contents as a new
// version. Connected sessions keep the version they acquired; a structural
// conflict with an open search rejects the publication entirely.
func reloadSchema(registry *schema.Registry, path string) {
	def, err := schema.LoadDefinition(path)
	if err != nil {
		logger.Error().Err(err).Str("file", path).Msg("schema reload failed")
		return
	}
	v, err := registry.Publish(def)
	if err != nil {
		logger.Error().Err(err).Msg("schema publication rejected")
		return
	}
	stats.SchemaPublications.Inc()
	logger.Info().Uint64("version", v.Number()).Msg("schema version published")
}
