// Command oh_db runs the tree database server: it loads TLS material,
// binds a mutually-authenticated listener, and serves sessions until
// signalled to stop (spec §6).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oh-db/oh_db/internal/server"
)

var (
	address     string
	port        int
	caChain     string
	certificate string
	privateKey  string
	logLevel    string
	logTarget   string
	cacheSize   int
)

var rootCmd = &cobra.Command{
	Use:   "oh_db",
	Short: "Tree-structured configuration and state database server",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&address, "address", "0.0.0.0", "address to bind")
	flags.IntVar(&port, "port", 8080, "port to bind")
	flags.StringVar(&caChain, "ca-chain", "", "PEM file of CA certificates trusted for client auth")
	flags.StringVar(&certificate, "certificate", "", "PEM file of this server's certificate")
	flags.StringVar(&privateKey, "private-key", "", "PEM file of this server's private key")
	flags.StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	flags.StringVar(&logTarget, "log-target", "-", "log file path, or - for stderr")
	flags.IntVar(&cacheSize, "formula-cache-size", 0, "formula evaluation cache size (0 = default)")

	for _, name := range []string{"address", "port", "ca-chain", "certificate", "private-key", "log-level", "log-target", "formula-cache-size"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("OH_DB")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, _ []string) error {
	address = viper.GetString("address")
	port = viper.GetInt("port")
	caChain = viper.GetString("ca-chain")
	certificate = viper.GetString("certificate")
	privateKey = viper.GetString("private-key")
	logLevel = viper.GetString("log-level")
	logTarget = viper.GetString("log-target")
	cacheSize = viper.GetInt("formula-cache-size")

	if err := requireTLSFlags(caChain, certificate, privateKey); err != nil {
		return err
	}

	log, err := newLogger(logLevel, logTarget)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Address:        address,
		Port:           port,
		CAChainFile:    caChain,
		CertFile:       certificate,
		PrivateKeyFile: privateKey,
		CacheSize:      cacheSize,
	}, log)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

func requireTLSFlags(caChain, certificate, privateKey string) error {
	if caChain == "" || certificate == "" || privateKey == "" {
		return fmt.Errorf("--ca-chain, --certificate, and --private-key are all required")
	}
	return nil
}

// newLogger builds a logrus.Logger targeting either stderr or an
// append-mode log file, following the teacher's file-vs-stderr split in
// internal/debug/debug.go.
func newLogger(level, target string) (*logrus.Logger, error) {
	log := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	log.SetLevel(lvl)

	if target == "-" || target == "" {
		log.SetOutput(os.Stderr)
		return log, nil
	}
	f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log target %q: %w", target, err)
	}
	log.SetOutput(f)
	return log, nil
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oh_db:", err)
		os.Exit(1)
	}
}
