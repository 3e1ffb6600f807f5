// Command ddrqctl is the operator CLI for a DDRQ keyspace store: it
// seeds shard and team records that back the reference TeamProvider/
// KeyServersReader implementations, toggles the rebalance-disable flag,
// and inspects both the keyspace store and a running ddrqd's /metrics
// endpoint. It does not itself drive relocations; that only happens
// inside the ddrqd process that owns internal/ddrq/driver.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/shardmesh/ddrq/internal/backend/keyspace"
	"github.com/shardmesh/ddrq/internal/cli/output"
	"github.com/shardmesh/ddrq/internal/ddrq/keyrange"
	"github.com/shardmesh/ddrq/internal/infra/buildinfo"
)

func main() {
	app := &cli.App{
		Name:    "ddrqctl",
		Usage:   "operator CLI for a DDRQ keyspace store",
		Version: buildinfo.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data-dir", Usage: "path to the keyspace store's Badger directory", Required: true},
			&cli.StringFlag{Name: "format", Usage: "output format: table, json, yaml", Value: "table"},
		},
		Commands: []*cli.Command{
			shardCommand(),
			teamCommand(),
			rebalanceCommand(),
			metricsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ddrqctl:", err)
		os.Exit(1)
	}
}

func openStore(c *cli.Context) (*keyspace.Store, error) {
	return keyspace.Open(keyspace.DefaultConfig(c.String("data-dir")))
}

func formatter(c *cli.Context) output.Formatter {
	return output.NewFormatter(output.Format(c.String("format")), false)
}

// withSpinner runs a Badger write op behind an output.Spinner, so an
// operator driving ddrqctl against a busy store sees the command is
// still in flight rather than a silently hanging terminal.
func withSpinner(message string, op func() error) error {
	sp := output.NewSpinner(os.Stdout, message)
	sp.Start()
	if err := op(); err != nil {
		sp.Fail(message + ": " + err.Error())
		return err
	}
	sp.Success(message)
	return nil
}

func shardCommand() *cli.Command {
	return &cli.Command{
		Name:  "shard",
		Usage: "inspect and seed shard records",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list every shard record in the store",
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					return formatter(c).Format(os.Stdout, store.ShardLocations())
				},
			},
			{
				Name:  "assign",
				Usage: "create or update the shard covering [begin, end)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "begin", Required: true},
					&cli.StringFlag{Name: "end", Required: true},
					&cli.StringSliceFlag{Name: "server", Usage: "repeatable; replica server id", Required: true},
					&cli.StringFlag{Name: "team", Usage: "owning team id", Required: true},
					&cli.Int64Flag{Name: "bytes", Usage: "shard size in bytes"},
				},
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					r := keyrange.New(c.String("begin"), c.String("end"))
					return withSpinner(fmt.Sprintf("assigning shard [%s, %s)", r.Begin, r.End), func() error {
						return store.AssignShard(context.Background(), r, c.StringSlice("server"), c.String("team"), c.Int64("bytes"))
					})
				},
			},
		},
	}
}

func teamCommand() *cli.Command {
	return &cli.Command{
		Name:  "team",
		Usage: "inspect and seed candidate destination teams",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list every registered team for a dimension",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "dimension", Value: 0},
				},
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					teams, err := store.ListTeams(context.Background(), c.Int("dimension"))
					if err != nil {
						return err
					}
					return formatter(c).Format(os.Stdout, teams)
				},
			},
			{
				Name:  "register",
				Usage: "create or update a candidate destination team",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "dimension", Value: 0},
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringSliceFlag{Name: "server", Usage: "repeatable; replica server id", Required: true},
					&cli.BoolFlag{Name: "healthy", Value: true},
					&cli.Int64Flag{Name: "load-bytes"},
				},
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					return withSpinner(fmt.Sprintf("registering team %s", c.String("id")), func() error {
						return store.RegisterTeam(context.Background(), c.Int("dimension"), c.String("id"),
							c.StringSlice("server"), c.Bool("healthy"), c.Int64("load-bytes"))
					})
				},
			},
		},
	}
}

func rebalanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "rebalance",
		Usage: "inspect or toggle the rebalance-disable flag the Rebalancers poll",
		Subcommands: []*cli.Command{
			{
				Name:  "status",
				Usage: "report whether rebalancing is currently disabled",
				Action: func(c *cli.Context) error {
					store, err := openStore(c)
					if err != nil {
						return err
					}
					defer store.Close()
					disabled, err := store.RebalanceDisabled(context.Background())
					if err != nil {
						return err
					}
					fmt.Printf("rebalance disabled: %t\n", disabled)
					return nil
				},
			},
			{
				Name:  "disable",
				Usage: "stop the Mountain Chopper and Valley Filler from injecting new relocations",
				Action: func(c *cli.Context) error { return setRebalanceDisabled(c, true) },
			},
			{
				Name:  "enable",
				Usage: "resume rebalancer injection",
				Action: func(c *cli.Context) error { return setRebalanceDisabled(c, false) },
			},
		},
	}
}

func setRebalanceDisabled(c *cli.Context, disabled bool) error {
	store, err := openStore(c)
	if err != nil {
		return err
	}
	defer store.Close()
	action := "enabling"
	if disabled {
		action = "disabling"
	}
	return withSpinner(action+" rebalance", func() error {
		return store.SetRebalanceDisabled(context.Background(), disabled)
	})
}

func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "scrape a running ddrqd's /metrics endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "ddrqd metrics address, host:port", Required: true},
			&cli.StringFlag{Name: "filter", Usage: "only print lines containing this substring, e.g. ddrq_"},
		},
		Action: func(c *cli.Context) error {
			resp, err := http.Get("http://" + c.String("addr") + "/metrics")
			if err != nil {
				return fmt.Errorf("scrape metrics: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			filter := c.String("filter")
			for _, line := range strings.Split(string(body), "\n") {
				if filter == "" || strings.Contains(line, filter) {
					fmt.Println(line)
				}
			}
			return nil
		},
	}
}
