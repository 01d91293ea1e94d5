// Command pencilbench is a small operator tool for manually exercising a
// penciller instance on disk: push random batches, fetch a key, dump the
// manifest's per-level occupancy, or render that occupancy as an ASCII
// graph. Not part of the core module -- the equivalent of the teacher's
// own cloud/example/simple_example.go, which this module drops in favor
// of its own scope (see DESIGN.md).
package main

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/ledgerkv/penciller/internal/keycodec"
	"github.com/ledgerkv/penciller/pencil"
)

var rootDir string

func main() {
	root := &cobra.Command{
		Use:   "pencilbench",
		Short: "exercise a ledger penciller instance on disk",
	}
	root.PersistentFlags().StringVar(&rootDir, "root", "./pencilbench-data", "penciller root directory")

	root.AddCommand(pushCmd(), fetchCmd(), dumpManifestCmd(), compactStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openServer() (*pencil.Server, error) {
	return pencil.Open(&pencil.Config{RootDir: rootDir})
}

func pushCmd() *cobra.Command {
	var n int
	var keySpace int
	cmd := &cobra.Command{
		Use:   "push",
		Short: "push a batch of n random key/value records",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			defer s.Close()

			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			sqn := s.GetStartupSQN()
			records := make([]keycodec.Record, n)
			for i := range records {
				sqn++
				key := keycodec.UserKey(fmt.Sprintf("key-%08d", rng.Intn(keySpace)))
				records[i] = keycodec.Record{
					Key: key,
					Value: keycodec.Value{
						SQN:     sqn,
						Hash:    keycodec.MagicHash(key),
						Payload: []byte(fmt.Sprintf("value-%d", sqn)),
					},
				}
			}
			res, err := s.Push(records)
			if err != nil {
				return err
			}
			if res.Returned {
				fmt.Println("push rejected: penciller is flushing or has a work backlog, retry later")
				return nil
			}
			fmt.Printf("pushed %d records up to sqn %d\n", n, sqn)
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "count", 100, "number of records to push")
	cmd.Flags().IntVar(&keySpace, "keyspace", 1000, "number of distinct keys to draw from")
	return cmd
}

func fetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <key>",
		Short: "point-lookup a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			defer s.Close()

			key := keycodec.UserKey(args[0])
			rec, ok, err := s.Fetch(key, keycodec.MagicHash(key))
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("not found")
				return nil
			}
			fmt.Printf("sqn=%d tombstone=%v payload=%q\n", rec.Value.SQN, rec.Value.Status.Tombstone, rec.Value.Payload)
			return nil
		},
	}
	return cmd
}

func dumpManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump-manifest",
		Short: "print per-level entry counts and the current sequence counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			defer s.Close()

			m := s.Metrics()
			fmt.Printf("manifest_sqn=%d ledger_sqn=%d persisted_sqn=%d cache_size=%d snapshots=%d pending_deletes=%d\n",
				m.ManifestSQN, m.LedgerSQN, m.PersistedSQN, m.CacheSize, m.SnapshotCount, m.PendingDeletes)
			for lvl, n := range m.LevelSizes {
				fmt.Printf("  L%d: %d files\n", lvl, n)
			}
			return nil
		},
	}
	return cmd
}

func compactStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact-stats",
		Short: "render per-level occupancy as an ASCII graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openServer()
			if err != nil {
				return err
			}
			defer s.Close()

			m := s.Metrics()
			series := make([]float64, len(m.LevelSizes))
			for i, n := range m.LevelSizes {
				series[i] = float64(n)
			}
			graph := asciigraph.Plot(series,
				asciigraph.Caption("manifest entries per level (L0..L7)"),
				asciigraph.Height(10),
			)
			fmt.Println(graph)
			return nil
		},
	}
	return cmd
}
