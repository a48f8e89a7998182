// Command oh_populate loads a declarative YAML tree description into a
// freshly started, empty oh_db server -- the population client spec §6
// refers to when it says "the tree is rebuilt on each start by a
// population client" (spec §12, supplementing the dropped
// oh_populate.py).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/oh-db/oh_db/clientlib"
)

var (
	address     string
	port        int
	caChain     string
	certificate string
	privateKey  string
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:   "oh_populate",
	Short: "Load a YAML tree description into a pristine oh_db server",
	RunE:  run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&address, "address", "127.0.0.1", "server address")
	flags.IntVar(&port, "port", 8080, "server port")
	flags.StringVar(&caChain, "ca-chain", "", "PEM file of CA certificates trusted for server auth")
	flags.StringVar(&certificate, "certificate", "", "PEM file of this client's certificate")
	flags.StringVar(&privateKey, "private-key", "", "PEM file of this client's private key")
	flags.StringVar(&configPath, "config", "", "YAML tree description to load")
	_ = rootCmd.MarkFlagRequired("config")

	for _, name := range []string{"address", "port", "ca-chain", "certificate", "private-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("OH_DB")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "oh_populate:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if filepath.Ext(configPath) != ".yaml" && filepath.Ext(configPath) != ".yml" {
		return fmt.Errorf("--config must end in .yaml or .yml")
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", configPath, err)
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parsing %s: %w", configPath, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	addr := fmt.Sprintf("%s:%d", viper.GetString("address"), viper.GetInt("port"))
	client, err := clientlib.Dial(ctx, addr, clientlib.Credentials{
		CAChainFile:    viper.GetString("ca-chain"),
		CertFile:       viper.GetString("certificate"),
		PrivateKeyFile: viper.GetString("private-key"),
	}, clientlib.DialOptions{MaxElapsedTime: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer client.Close()

	existing, err := client.ListDirectory(ctx, "/")
	if err != nil {
		return fmt.Errorf("checking tree is empty: %w", err)
	}
	if len(existing) != 0 {
		return fmt.Errorf("tree at %s is not empty (found %d root entries), refusing to populate", addr, len(existing))
	}

	formulas, err := slurpConfig(ctx, client, "/", tree)
	if err != nil {
		return err
	}
	return createFormulas(ctx, client, formulas)
}

// pendingFormula defers formula creation until every plain node exists,
// since a formula's inputs must already be present (oh_populate.py's
// "we have to create formulas after all normal nodes" comment).
type pendingFormula struct {
	parent, name, expression string
	inputs                   map[string]string
}

// slurpConfig walks a parsed YAML tree, creating directories and files
// as it goes and collecting formula definitions for a later pass. A map
// value with both "formula" and "where" keys describes a formula node
// instead of a subdirectory; any other map value is a subdirectory;
// anything else becomes a file whose content is the value's string form.
func slurpConfig(ctx context.Context, client *clientlib.Client, parentPath string, config map[string]interface{}) ([]pendingFormula, error) {
	var formulas []pendingFormula
	for key, value := range config {
		if err := validateComponent(key); err != nil {
			return nil, err
		}
		path := joinPath(parentPath, key)

		node, ok := value.(map[string]interface{})
		if !ok {
			if err := client.CreateFile(ctx, parentPath, key); err != nil {
				return nil, fmt.Errorf("creating file %s: %w", path, err)
			}
			if err := client.SetFileContent(ctx, path, toContent(value)); err != nil {
				return nil, fmt.Errorf("writing %s: %w", path, err)
			}
			continue
		}

		formula, hasFormula := node["formula"]
		where, hasWhere := node["where"]
		if hasFormula && hasWhere {
			inputs, err := toStringMap(where)
			if err != nil {
				return nil, fmt.Errorf("formula %s: where: %w", path, err)
			}
			expr, ok := formula.(string)
			if !ok {
				return nil, fmt.Errorf("formula %s: formula value must be a string", path)
			}
			formulas = append(formulas, pendingFormula{parent: parentPath, name: key, expression: expr, inputs: inputs})
			continue
		}

		if err := client.CreateDirectory(ctx, parentPath, key); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		nested, err := slurpConfig(ctx, client, path, node)
		if err != nil {
			return nil, err
		}
		formulas = append(formulas, nested...)
	}
	return formulas, nil
}

func createFormulas(ctx context.Context, client *clientlib.Client, formulas []pendingFormula) error {
	for _, f := range formulas {
		if err := client.CreateFormula(ctx, f.parent, f.name, f.inputs, f.expression); err != nil {
			return fmt.Errorf("creating formula %s: %w", joinPath(f.parent, f.name), err)
		}
	}
	return nil
}

func validateComponent(name string) error {
	for _, bad := range []string{"/", "*", "?"} {
		if strings.Contains(name, bad) {
			return fmt.Errorf("invalid path component %q: must not contain %q", name, bad)
		}
	}
	return nil
}

func joinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func toContent(value interface{}) string {
	return fmt.Sprintf("%v", value)
}

func toStringMap(value interface{}) (map[string]string, error) {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("must be a mapping of input name to path")
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("input %q must be a string path", k)
		}
		out[k] = s
	}
	return out, nil
}
