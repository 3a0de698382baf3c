package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"order-routing/config"
	"order-routing/internal/broker"
	"order-routing/internal/recovery"
	"order-routing/internal/routing"
	"order-routing/internal/store"
	"order-routing/internal/util"
	"order-routing/internal/workflow"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "routingctl",
	Short: "Operate the order routing service",
	Long: `routingctl runs one-off routing operations against the routing database:
sweeping expired acceptance requests, running a recovery pass, inspecting an
order's routing state and audit trail, and replaying dead letters.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return util.InitLogger(util.LogOptions{
			Service: "routingctl",
			Env:     viper.GetString("env"),
			Level:   viper.GetString("log-level"),
			Output:  "stderr",
		})
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROUTINGCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("db-driver", "", "database driver (postgres or sqlite); defaults to DATABASE_DRIVER")
	rootCmd.PersistentFlags().String("db-url", "", "database URL; defaults to DATABASE_URL")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "admin:cli", "actor recorded on manual actions")
	rootCmd.PersistentFlags().String("env", "development", "logger environment")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("db-driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	_ = viper.BindPFlag("db-url", rootCmd.PersistentFlags().Lookup("db-url"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(fallbackCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(deadLettersCmd())
}

// runtime is the routing stack wired against the configured database.
type runtime struct {
	cfg         *config.Config
	store       *store.Store
	router      *routing.Router
	scanner     *routing.Scanner
	coordinator *recovery.Coordinator
}

func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *runtime) error) error {
	cfg := config.Load()
	if d := viper.GetString("db-driver"); d != "" {
		cfg.Database.Driver = d
	}
	if u := viper.GetString("db-url"); u != "" {
		cfg.Database.URL = u
	}

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	notifications := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notifications.Close()
	events := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRoutingEvents)
	defer events.Close()

	engine := workflow.NewEngine(db)
	notifier := routing.NewNotifier(db, broker.NewEventPublisher(notifications, events), cfg.Routing.PhoneRegion)
	router := routing.NewRouter(db, nil, engine, notifier, config.StaticTunables(cfg.Routing.Defaults))
	defer router.Wait()

	return fn(ctx, &runtime{
		cfg:         cfg,
		store:       db,
		router:      router,
		scanner:     routing.NewScanner(db, router, cfg.Scanner.BatchSize, cfg.Scanner.Concurrency),
		coordinator: recovery.NewCoordinator(db, router, engine, cfg.Recovery),
	})
}

func parseOrderID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid order id %q", arg)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
