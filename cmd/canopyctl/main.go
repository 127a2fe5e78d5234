package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/yndnr/canopy-go/internal/infra/buildinfo"
	"github.com/yndnr/canopy-go/internal/infra/confloader"
	"github.com/yndnr/canopy-go/internal/journal"
)

func main() {
	app := &cli.App{
		Name:    "canopyctl",
		Usage:   "inspect canopy metadata journals",
		Version: buildinfo.String(),
		Commands: []*cli.Command{
			dumpCommand(),
			paramsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dumpCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump",
		Usage: "replay a journal and print the tree shape",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "journal", Usage: "journal directory", Required: true},
			&cli.Uint64Flag{Name: "cnid", Usage: "tree id", Value: 1},
		},
		Action: func(c *cli.Context) error {
			jnl, err := journal.NewBadger(journal.DefaultBadgerConfig(c.String("journal")))
			if err != nil {
				return err
			}
			defer jnl.Close()

			cnid := c.Uint64("cnid")

			type nodeInfo struct {
				edge   []byte
				kvsets []journal.AddRecord
			}
			nodes := map[uint64]*nodeInfo{}

			err = jnl.Replay(cnid, journal.Replay{
				OnNode: func(rec journal.NodeRecord) error {
					nodes[rec.NodeID] = &nodeInfo{edge: rec.EdgeKey}
					return nil
				},
				OnKvset: func(rec journal.AddRecord) error {
					ni := nodes[rec.NodeID]
					if ni == nil {
						ni = &nodeInfo{}
						nodes[rec.NodeID] = ni
					}
					ni.kvsets = append(ni.kvsets, rec)
					return nil
				},
			})
			if err != nil {
				return err
			}

			ids := lo.Keys(nodes)
			sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

			for _, id := range ids {
				ni := nodes[id]
				sort.Slice(ni.kvsets, func(a, b int) bool {
					return ni.kvsets[a].Meta.Dgen > ni.kvsets[b].Meta.Dgen
				})
				blocks := lo.SumBy(ni.kvsets, func(r journal.AddRecord) int {
					return 1 + len(r.Kblks) + len(r.Vblks)
				})
				fmt.Printf("node %d  edge=%q  kvsets=%d  blocks=%d\n",
					id, ni.edge, len(ni.kvsets), blocks)
				for _, r := range ni.kvsets {
					fmt.Printf("  kvset %d  dgen=%d compc=%d seqno_max=%d kblks=%d vblks=%d\n",
						r.KvsetID, r.Meta.Dgen, r.Meta.Compc, r.Meta.SeqnoMax,
						len(r.Kblks), len(r.Vblks))
				}
			}
			return nil
		},
	}
}

func paramsCommand() *cli.Command {
	return &cli.Command{
		Name:  "params",
		Usage: "print the effective runtime parameters",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "configuration file"},
		},
		Action: func(c *cli.Context) error {
			rp, err := confloader.LoadRuntimeParams(c.String("config"))
			if err != nil {
				return err
			}
			fmt.Printf("split_size_pct:   %d\n", rp.SplitSizePct)
			fmt.Printf("spill_seed_kblks: %d\n", rp.SpillSeedKblks)
			fmt.Printf("spill_seed_vblks: %d\n", rp.SpillSeedVblks)
			fmt.Printf("spill_seed_boost: %d\n", rp.SpillSeedBoost)
			fmt.Printf("trim_burst:       %d\n", rp.TrimBurst)
			return nil
		},
	}
}
