// Command oh_cli issues a single oh_db operation from argv and exits,
// supplementing the original interactive oh_cli.py REPL (spec §12) with
// a scriptable surface for manual testing and shell automation.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oh-db/oh_db/clientlib"
)

var (
	address     string
	port        int
	caChain     string
	certificate string
	privateKey  string
)

var rootCmd = &cobra.Command{
	Use:   "oh_cli",
	Short: "Issue a single oh_db operation against a running server",
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&address, "address", "127.0.0.1", "server address")
	flags.IntVar(&port, "port", 8080, "server port")
	flags.StringVar(&caChain, "ca-chain", "", "PEM file of CA certificates trusted for server auth")
	flags.StringVar(&certificate, "certificate", "", "PEM file of this client's certificate")
	flags.StringVar(&privateKey, "private-key", "", "PEM file of this client's private key")

	for _, name := range []string{"address", "port", "ca-chain", "certificate", "private-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("OH_DB")
	viper.AutomaticEnv()

	rootCmd.AddCommand(pingCmd, mkdirCmd, touchCmd, formulaCmd, rmCmd, lsCmd, getCmd, setCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oh_cli:", err)
		os.Exit(1)
	}
}

// dial connects using the bound address/credential flags. Every
// subcommand calls this first so none needs its own connection setup.
func dial(ctx context.Context) (*clientlib.Client, error) {
	addr := fmt.Sprintf("%s:%d", viper.GetString("address"), viper.GetInt("port"))
	return clientlib.Dial(ctx, addr, clientlib.Credentials{
		CAChainFile:    viper.GetString("ca-chain"),
		CertFile:       viper.GetString("certificate"),
		PrivateKeyFile: viper.GetString("private-key"),
	}, clientlib.DialOptions{MaxElapsedTime: 10 * time.Second})
}

var pingCmd = &cobra.Command{
	Use:   "ping [data]",
	Short: "Check a server is alive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data := "oh_cli"
		if len(args) == 1 {
			data = args[0]
		}
		ctx := cmd.Context()
		client, err := dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(ctx, data); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "pong")
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <parent> <name>",
	Short: "Create a directory node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		return client.CreateDirectory(cmd.Context(), args[0], args[1])
	},
}

var touchCmd = &cobra.Command{
	Use:   "touch <parent> <name>",
	Short: "Create a file node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		return client.CreateFile(cmd.Context(), args[0], args[1])
	},
}

var formulaInputs map[string]string

var formulaCmd = &cobra.Command{
	Use:   "formula <parent> <name> <expression>",
	Short: "Create a reactive formula node",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		return client.CreateFormula(cmd.Context(), args[0], args[1], formulaInputs, args[2])
	},
}

func init() {
	formulaCmd.Flags().StringToStringVar(&formulaInputs, "input", nil, "param=path, repeatable")
}

var rmCmd = &cobra.Command{
	Use:   "rm <parent> <name>",
	Short: "Remove a node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		return client.RemoveNode(cmd.Context(), args[0], args[1])
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <path>",
	Short: "List a directory's children",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		names, err := client.ListDirectory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print a file's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		value, err := client.GetFileContent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var setCmd = &cobra.Command{
	Use:   "set <glob> <value>",
	Short: "Write a file's content (glob may match several files)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()
		return client.SetFileContent(cmd.Context(), args[0], args[1])
	},
}
