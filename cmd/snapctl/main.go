// Command snapctl is the thin CLI surface over the snapshot store:
// inspecting an on-disk snapshot directory and driving one Snapshotter
// run against a chaindb path. Modeled on cmd/testgen/converter.go's use
// of gopkg.in/urfave/cli.v1 for an Action-per-subcommand app.
package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/ethdata/snapstore/chaindb"
	"github.com/ethdata/snapstore/snapshotter"
	"github.com/ethdata/snapstore/snapstore"
	"github.com/ethdata/snapstore/snaptype"
)

var (
	dirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "Snapshot store directory",
	}
	chaindbFlag = cli.StringFlag{
		Name:  "chaindb",
		Usage: "Mutable chain database path (LevelDB)",
	}
	finalizedFlag = cli.Uint64Flag{
		Name:  "finalized",
		Usage: "Finalized block number to snapshot up to",
	}
	parallelEVMFlag = cli.BoolFlag{
		Name:  "parallel-evm",
		Usage: "Pass-through flag only; no EVM execution runs in this binary",
	}
	sequentialEVMFlag = cli.BoolFlag{
		Name:  "sequential-evm",
		Usage: "Pass-through flag only; no EVM execution runs in this binary",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "snapctl"
	app.Usage = "inspect and drive an immutable segmented snapshot store"
	app.Commands = []cli.Command{
		{
			Name:   "inspect",
			Usage:  "print the segment index for a snapshot directory",
			Flags:  []cli.Flag{dirFlag},
			Action: inspectCommand,
		},
		{
			Name:   "snapshot",
			Usage:  "promote chaindb history up to a finalized block into the snapshot store",
			Flags:  []cli.Flag{dirFlag, chaindbFlag, finalizedFlag, parallelEVMFlag, sequentialEVMFlag},
			Action: snapshotCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func inspectCommand(ctx *cli.Context) error {
	dir := ctx.String(dirFlag.Name)
	if dir == "" {
		return cli.NewExitError("missing --datadir", 1)
	}

	sp, err := snapstore.NewSnapshotProvider(snapstore.Options{Path: dir})
	if err != nil {
		return err
	}
	defer sp.Close()
	if err := sp.UpdateIndex(); err != nil {
		return err
	}

	for _, seg := range []snaptype.Segment{snaptype.Headers, snaptype.Receipts, snaptype.Transactions} {
		if max, ok := sp.HighestSnapshotBlock(seg); ok {
			fmt.Printf("%-12s highest block = %d\n", seg, max)
		} else {
			fmt.Printf("%-12s (empty)\n", seg)
		}
	}
	return nil
}

// executorFlags validates the two mutually-exclusive pass-through
// flags; neither dispatches to an executor, since EVM execution is
// out of scope for this binary.
func executorFlags(ctx *cli.Context) (parallel bool, err error) {
	p, s := ctx.Bool(parallelEVMFlag.Name), ctx.Bool(sequentialEVMFlag.Name)
	if p && s {
		return false, cli.NewExitError("--parallel-evm and --sequential-evm are mutually exclusive", 1)
	}
	return p, nil
}

func snapshotCommand(ctx *cli.Context) error {
	dir := ctx.String(dirFlag.Name)
	dbPath := ctx.String(chaindbFlag.Name)
	finalized := ctx.Uint64(finalizedFlag.Name)
	if dir == "" || dbPath == "" {
		return cli.NewExitError("missing --datadir or --chaindb", 1)
	}
	if _, err := executorFlags(ctx); err != nil {
		return err
	}

	db, err := chaindb.NewDatabase(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sp, err := snapstore.NewSnapshotProvider(snapstore.Options{Path: dir})
	if err != nil {
		return err
	}
	defer sp.Close()
	if err := sp.UpdateIndex(); err != nil {
		return err
	}

	s := snapshotter.New(db, sp, nil)
	targets := s.GetSnapshotTargets(finalized)
	if !targets.Any() {
		fmt.Println("nothing to snapshot")
		return nil
	}
	if err := s.Run(targets); err != nil {
		return err
	}
	fmt.Println("snapshot run complete")
	return nil
}
