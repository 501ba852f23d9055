package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/memory"
)

var (
	memSensitivity string
	memRedact      bool
	memDomains     []string
	memTopK        int
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Operate on the context memory store",
}

var memoryPutCmd = &cobra.Command{
	Use:   "put [domain] [key] [content]",
	Short: "Store a context record",
	Args:  cobra.ExactArgs(3),
	RunE:  memoryPut,
}

var memoryGetCmd = &cobra.Command{
	Use:   "get [domain] [key]",
	Short: "Fetch a context record",
	Args:  cobra.ExactArgs(2),
	RunE:  memoryGet,
}

var memorySearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search context records by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  memorySearch,
}

var memoryPurgeCmd = &cobra.Command{
	Use:   "purge [domain] [key]",
	Short: "Irreversibly remove a record and its cache entries",
	Args:  cobra.ExactArgs(2),
	RunE:  memoryPurge,
}

var memoryMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Compact the backing store and checkpoint its WAL",
	Args:  cobra.NoArgs,
	RunE:  memoryMaintain,
}

func init() {
	memoryPutCmd.Flags().StringVarP(&memSensitivity, "sensitivity", "s", "INTERNAL", "PUBLIC, INTERNAL, or SECRET")
	memoryPutCmd.Flags().BoolVar(&memRedact, "redact", false, "Redact detected PII instead of storing it verbatim")
	memorySearchCmd.Flags().StringSliceVarP(&memDomains, "domains", "d", nil, "Domains to search (required)")
	memorySearchCmd.Flags().IntVarP(&memTopK, "top", "k", 8, "Number of results")
	memoryCmd.AddCommand(memoryPutCmd, memoryGetCmd, memorySearchCmd, memoryPurgeCmd, memoryMaintainCmd)
}

// withMemoryEngine loads config, opens the engine, runs fn, and closes.
func withMemoryEngine(fn func(*memory.Engine) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if workspace != "." {
		cfg.Workspace = workspace
	}
	if err := logging.Initialize(cfg.Workspace, logging.Options{Debug: verbose, Level: cfg.Logging.Level}); err != nil {
		return err
	}
	defer logging.Shutdown()

	eng, err := openMemoryEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

func memoryPut(cmd *cobra.Command, args []string) error {
	sens, err := memory.ParseSensitivity(memSensitivity)
	if err != nil {
		return err
	}
	return withMemoryEngine(func(eng *memory.Engine) error {
		id, err := eng.Put(cmd.Context(), args[0], args[1], args[2], sens, memory.PutOptions{Redact: memRedact})
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

func memoryGet(cmd *cobra.Command, args []string) error {
	return withMemoryEngine(func(eng *memory.Engine) error {
		content, err := eng.Get(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Println(content)
		return nil
	})
}

func memorySearch(cmd *cobra.Command, args []string) error {
	if len(memDomains) == 0 {
		return fmt.Errorf("--domains is required")
	}
	return withMemoryEngine(func(eng *memory.Engine) error {
		results, err := eng.Search(cmd.Context(), memDomains, strings.Join(args, " "), memTopK)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("no results")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SCORE\tDOMAIN\tKEY\tSNIPPET")
		for _, r := range results {
			fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", r.Score, r.Domain, r.Key, r.Snippet)
		}
		return w.Flush()
	})
}

func memoryMaintain(cmd *cobra.Command, args []string) error {
	return withMemoryEngine(func(eng *memory.Engine) error {
		size, err := eng.Maintain(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("store compacted, %d bytes on disk\n", size)
		return nil
	})
}

func memoryPurge(cmd *cobra.Command, args []string) error {
	return withMemoryEngine(func(eng *memory.Engine) error {
		if err := eng.Purge(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("purged %s/%s\n", args[0], args[1])
		return nil
	})
}
