// Command graphtx is the operational entry point: it opens a database and
// exposes maintenance subcommands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orneryd/graphtx/pkg/config"
	"github.com/orneryd/graphtx/pkg/kernel"
	"github.com/orneryd/graphtx/pkg/locking"
	"github.com/orneryd/graphtx/pkg/schema"
	"github.com/orneryd/graphtx/pkg/storage"
	"github.com/orneryd/graphtx/pkg/values"
)

const version = "0.1.0"

var inMemory bool

var rootCmd = &cobra.Command{
	Use:   "graphtx",
	Short: "Transactional graph mutation engine",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the graphtx version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("graphtx %s\n", version)
	},
}

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run an end-to-end write path check against the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSmoke(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&inMemory, "in-memory", false, "run against an ephemeral in-memory database")
	rootCmd.AddCommand(versionCmd, smokeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSmoke exercises the full write path: tokens, entities, a uniqueness
// constraint with its backing index build, and a rejected duplicate.
func runSmoke(ctx context.Context) error {
	cfg := config.FromEnv()
	log := cfg.NewLogger()

	var (
		engine *storage.Engine
		err    error
	)
	if inMemory || cfg.InMemory {
		engine, err = storage.OpenInMemory(storage.WithLogger(log))
	} else {
		engine, err = storage.Open(cfg.DataDir, storage.WithLogger(log))
	}
	if err != nil {
		return err
	}
	defer engine.Close()

	label, err := engine.LabelToken("Person")
	if err != nil {
		return err
	}
	emailKey, err := engine.PropertyKeyToken("email")
	if err != nil {
		return err
	}
	knows, err := engine.RelationshipTypeToken("KNOWS")
	if err != nil {
		return err
	}

	k := kernel.New(engine, locking.NewManager(),
		kernel.WithLogger(log),
		kernel.WithPopulationTimeout(cfg.PopulationTimeout))

	ops, err := k.Begin(ctx)
	if err != nil {
		return err
	}
	alice, err := ops.NodeCreate(ctx)
	if err != nil {
		return err
	}
	if _, err := ops.NodeAddLabel(ctx, alice, label); err != nil {
		return err
	}
	if _, err := ops.NodeSetProperty(ctx, alice, emailKey, values.String("alice@example.com")); err != nil {
		return err
	}
	bob, err := ops.NodeCreate(ctx)
	if err != nil {
		return err
	}
	if _, err := ops.NodeAddLabel(ctx, bob, label); err != nil {
		return err
	}
	if _, err := ops.NodeSetProperty(ctx, bob, emailKey, values.String("bob@example.com")); err != nil {
		return err
	}
	if _, err := ops.RelationshipCreate(ctx, alice, knows, bob); err != nil {
		return err
	}
	if err := ops.Tx().Commit(ctx); err != nil {
		return err
	}

	ops, err = k.Begin(ctx)
	if err != nil {
		return err
	}
	if _, err := ops.UniquePropertyConstraintCreate(ctx, schema.ForLabel(label, emailKey)); err != nil {
		return err
	}
	if err := ops.Tx().Commit(ctx); err != nil {
		return err
	}

	ops, err = k.Begin(ctx)
	if err != nil {
		return err
	}
	defer ops.Tx().Rollback()
	dup, err := ops.NodeCreate(ctx)
	if err != nil {
		return err
	}
	if _, err := ops.NodeSetProperty(ctx, dup, emailKey, values.String("alice@example.com")); err != nil {
		return err
	}
	if _, err := ops.NodeAddLabel(ctx, dup, label); err == nil {
		return fmt.Errorf("duplicate email was not rejected")
	}

	fmt.Println("smoke check passed")
	return nil
}
