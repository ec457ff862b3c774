package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/arcuru/eidetica/pkg/database"
	"github.com/arcuru/eidetica/pkg/log"
	"github.com/arcuru/eidetica/pkg/security"
	"github.com/arcuru/eidetica/pkg/storage"
	esync "github.com/arcuru/eidetica/pkg/sync"
	"github.com/arcuru/eidetica/pkg/transport"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eidetica",
	Short: "Eidetica - decentralized content-addressed database",
	Long: `Eidetica is a decentralized, content-addressed, append-only database
built on Merkle-DAG and CRDT principles, with peer-to-peer
synchronization and no central coordination.`,
	Version: Version,
}

// envOr reads EIDETICA_<name>, falling back to def. Environment
// variables mirror the flags.
func envOr(name, def string) string {
	if v, ok := os.LookupEnv("EIDETICA_" + name); ok {
		return v
	}
	return def
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Eidetica version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(dbCmd)
}

func openStore(backend, dataDir string) (storage.Store, error) {
	switch backend {
	case "inmemory":
		return storage.NewMemStore(), nil
	case "embedded", "sqlite":
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltStore(dataDir)
	case "postgres":
		return nil, fmt.Errorf("the postgres persistence layer ships separately; use --backend embedded or inmemory")
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node: storage, sync engine, and transport servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		backend, _ := cmd.Flags().GetString("backend")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		quicPort, _ := cmd.Flags().GetInt("quic-port")

		store, err := openStore(backend, dataDir)
		if err != nil {
			return err
		}

		inst := database.New(store)
		defer inst.Close()

		sk, pk, err := security.Generate()
		if err != nil {
			return err
		}
		deviceID := uuid.New().String()
		inst.AddSigningKey("_device", sk)

		registry := transport.NewRegistry(
			transport.NewHTTPTransport(0),
			transport.NewQUICTransport(deviceID, 0),
		)

		var state esync.StateStore
		if bs, ok := store.(*storage.BoltStore); ok {
			state = esync.NewBoltState(bs)
		} else {
			state = esync.NewMemState()
		}

		engine := esync.NewEngine(esync.Config{
			Store:      store,
			State:      state,
			Validator:  inst.Validator(),
			Registry:   registry,
			Broker:     inst.Broker(),
			Keyring:    inst,
			DeviceID:   deviceID,
			PrivateKey: sk,
			PublicKey:  pk,
		})
		engine.Start()
		inst.AttachSync(engine)

		addr := fmt.Sprintf("%s:%d", host, port)
		if err := engine.StartServer(addr); err != nil {
			return err
		}
		if quicPort > 0 {
			if err := engine.StartServer(fmt.Sprintf("quic://%s:%d", host, quicPort)); err != nil {
				return err
			}
		}

		serveLogger := log.WithComponent("serve")
		serveLogger.Info().
			Str("addr", addr).
			Str("backend", backend).
			Msg("node running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		serveLogger.Info().Msg("shutting down")
		return engine.Shutdown()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health [URL]",
	Short: "Check a node's health endpoint",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := "http://localhost:" + envOr("PORT", "4690")
		if len(args) > 0 {
			url = args[0]
		}
		timeout, _ := cmd.Flags().GetInt("timeout")

		client := &http.Client{Timeout: time.Duration(timeout) * time.Second}
		resp, err := client.Get(url + "/health")
		if err != nil {
			fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "unhealthy: status %d\n", resp.StatusCode)
			os.Exit(1)
		}

		var body map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&body)
		fmt.Printf("healthy: %s\n", body["timestamp"])
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print build and runtime information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Version:    %s\n", Version)
		fmt.Printf("Commit:     %s\n", Commit)
		fmt.Printf("Built:      %s\n", BuildTime)
		fmt.Printf("Go:         %s\n", runtime.Version())
		fmt.Printf("Platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database operations",
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List databases in the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		store, err := openStore(backend, dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		roots, err := store.ListDatabases()
		if err != nil {
			return err
		}

		inst := database.New(store)
		for _, root := range roots {
			name := ""
			if db, err := inst.OpenDatabase(root); err == nil {
				name, _ = db.Name()
			}
			count, _ := inst.EntryCount(string(root))
			fmt.Printf("%s  %-20s  %d entries\n", root, name, count)
		}
		return nil
	},
}

func init() {
	defaultPort, _ := strconv.Atoi(envOr("PORT", "4690"))

	serveCmd.Flags().String("host", envOr("HOST", "0.0.0.0"), "Listen host")
	serveCmd.Flags().Int("port", defaultPort, "HTTP listen port")
	serveCmd.Flags().Int("quic-port", 0, "QUIC listen port (0 disables)")
	serveCmd.Flags().String("backend", envOr("BACKEND", "embedded"), "Storage backend (embedded, inmemory, sqlite, postgres)")
	serveCmd.Flags().String("data-dir", envOr("DATA_DIR", "./data"), "Data directory")
	serveCmd.Flags().String("postgres-url", envOr("POSTGRES_URL", ""), "Postgres connection URL")

	healthCmd.Flags().Int("timeout", 5, "Request timeout in seconds")

	dbListCmd.Flags().String("backend", envOr("BACKEND", "embedded"), "Storage backend")
	dbListCmd.Flags().String("data-dir", envOr("DATA_DIR", "./data"), "Data directory")
	dbCmd.AddCommand(dbListCmd)
}
