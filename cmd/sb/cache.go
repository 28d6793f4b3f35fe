package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/cache"
	"github.com/zulandar/signalbox/internal/models"
	"golang.org/x/term"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the query cache",
	}

	cmd.AddCommand(newCacheListCmd())
	cmd.AddCommand(newCacheShowCmd())
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheSetStatusCmd("deprecate", models.CacheStatusDeprecated, "Mark a cache entry deprecated"))
	cmd.AddCommand(newCacheSetStatusCmd("invalidate", models.CacheStatusInvalid, "Mark a cache entry invalid"))
	cmd.AddCommand(newCacheDeleteCmd())
	cmd.AddCommand(newCacheDeprecateTablesCmd())
	return cmd
}

// withCache opens the store for one command and closes the database after.
func withCache(configPath string, fn func(ctx context.Context, s *cache.Store) error) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer closeDB(gormDB)

	store, err := cache.NewStore(gormDB)
	if err != nil {
		return err
	}
	return fn(context.Background(), store)
}

func newCacheListCmd() *cobra.Command {
	var (
		configPath string
		filter     cache.ListFilter
		page       int
		size       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(configPath, func(ctx context.Context, s *cache.Store) error {
				entries, total, err := s.List(ctx, filter, page, size)
				if err != nil {
					return err
				}
				printCacheList(cmd.OutOrStdout(), entries, total)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status (active, deprecated, invalid)")
	cmd.Flags().StringVarP(&filter.Keyword, "keyword", "k", "", "match question text")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVarP(&size, "size", "n", cache.DefaultPageSize, "entries per page")
	return cmd
}

func printCacheList(out io.Writer, entries []models.CacheEntry, total int64) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No cache entries found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tSCORE\tHITS\tTABLES\tQUESTION")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\t%s\n",
			e.ID, e.Status, e.Score, e.HitCount, strings.Join(e.TableList(), ","), truncate(e.Question, 50))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d of %d entries\n", len(entries), total)
}

func newCacheShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCache(configPath, func(ctx context.Context, s *cache.Store) error {
				e, err := s.Get(ctx, id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:          %d\n", e.ID)
				fmt.Fprintf(out, "Status:      %s\n", e.Status)
				fmt.Fprintf(out, "Score:       %d\n", e.Score)
				fmt.Fprintf(out, "Hits:        %d\n", e.HitCount)
				fmt.Fprintf(out, "Fingerprint: %s\n", e.Fingerprint)
				fmt.Fprintf(out, "Tables:      %s\n", strings.Join(e.TableList(), ", "))
				fmt.Fprintf(out, "Created:     %s\n", formatTime(e.CreatedAt))
				fmt.Fprintf(out, "Question:    %s\n", e.Question)
				if e.RewrittenQuestion != "" && e.RewrittenQuestion != e.Question {
					fmt.Fprintf(out, "Rewritten:   %s\n", e.RewrittenQuestion)
				}
				fmt.Fprintf(out, "\n%s\n", e.QueryText)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(configPath, func(ctx context.Context, s *cache.Store) error {
				st, err := s.Stats(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Entries:    %s (active %s, deprecated %s, invalid %s)\n",
					formatCount(st.Total), formatCount(st.Active), formatCount(st.Deprecated), formatCount(st.Invalid))
				fmt.Fprintf(out, "Total hits: %s\n", formatCount(st.TotalHits))
				fmt.Fprintf(out, "Avg score:  %.1f\n", st.AvgScore)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

func newCacheSetStatusCmd(use, status, short string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withCache(configPath, func(ctx context.Context, s *cache.Store) error {
				if err := s.SetStatusByID(ctx, id, status); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cache entry %d is now %s\n", id, status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

func newCacheDeleteCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete a cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(cmd, fmt.Sprintf("This will permanently delete cache entry %d.", id))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			return withCache(configPath, func(ctx context.Context, s *cache.Store) error {
				if err := s.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted cache entry %d\n", id)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func newCacheDeprecateTablesCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "deprecate-tables <table>...",
		Short: "Deprecate every active entry that reads any of the given tables",
		Long:  "Use after a warehouse table changes shape, so cached queries against it are no longer served.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				ok, err := confirm(cmd, fmt.Sprintf("This will deprecate all cached queries reading %s.", strings.Join(args, ", ")))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
					return nil
				}
			}
			return withCache(configPath, func(ctx context.Context, s *cache.Store) error {
				n, err := s.DeprecateByTables(ctx, args)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deprecated %d cache entries\n", n)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

// confirm asks the user to type "yes". A piped stdin cannot confirm; the
// caller must pass --yes instead.
func confirm(cmd *cobra.Command, warning string) (bool, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errors.New("stdin is not a terminal; pass --yes to confirm")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, warning)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes", nil
	}
	return false, nil
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(id), nil
}
