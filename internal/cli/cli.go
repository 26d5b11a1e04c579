// ============================================================================
// linescout CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: 以 Cobra 提供擷取、富化、查詢與監看的命令列介面
//
// Command Structure:
//   linescout                      # Root command
//   ├── --config, -c               # 設定檔路徑（預設 configs/linescout.yaml）
//   ├── run <course-id>            # 擷取課程並等待富化完成
//   │   └── --serve                # 完成後繼續提供 API / gRPC
//   ├── serve                      # 只啟動 API、gRPC 與設定檔監看
//   ├── reenrich                   # 以目前設定重新富化所有線路
//   ├── status                     # 顯示儲存狀態（--addr 時查詢執行中的服務）
//   ├── lines                      # 列出已富化線路
//   │   └── --sort --order --course --limit --json
//   ├── traverse <graph.json>      # 離線展開局面圖成線路
//   │   └── --start --fen
//   └── watch                      # 訂閱即時事件
//       └── --addr
//
// Signal Handling:
//   run / serve / reenrich / watch 收到 SIGINT、SIGTERM 後取消 context，
//   errgroup 內所有服務結束後關閉協調器與儲存
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/linescout/internal/config"
	"github.com/ChuLiYu/linescout/internal/coordinator"
	"github.com/ChuLiYu/linescout/internal/course"
	"github.com/ChuLiYu/linescout/internal/driver"
	"github.com/ChuLiYu/linescout/internal/lines"
	"github.com/ChuLiYu/linescout/internal/normalizer"
	"github.com/ChuLiYu/linescout/internal/server"
	"github.com/ChuLiYu/linescout/internal/settings"
	"github.com/ChuLiYu/linescout/internal/storage"
	"github.com/ChuLiYu/linescout/internal/traversal"
	"github.com/ChuLiYu/linescout/pkg/types"
)

// DefaultGRPCAddr status / watch 預設連線位址
const DefaultGRPCAddr = "localhost:50051"

var (
	configFile string

	// ErrMissingCourseSource 沒有設定課程來源
	ErrMissingCourseSource = errors.New("course.base_url is not configured")
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "linescout",
		Short: "linescout: extract opening lines from a course and enrich them with explorer stats",
		Long: `linescout walks every unit of an online chess course, expands each
move graph into complete lines, and enriches every line with
white/draw/black results from an opening explorer.

- Graph traversal with cycle handling
- Batched, rate-limit aware enrichment queue
- SQLite or JSON-file persistence
- HTTP API, gRPC event stream and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildReenrichCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildLinesCommand())
	rootCmd.AddCommand(buildTraverseCommand())
	rootCmd.AddCommand(buildWatchCommand())

	return rootCmd
}

// loadConfig 讀取設定並設定全域 logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var serve bool

	cmd := &cobra.Command{
		Use:   "run <course-id>",
		Short: "Extract a course and enrich every line",
		Long:  "Fetch the course structure, traverse every unit graph, and wait until the enrichment queue drains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCourse(cmd.Context(), cmd.OutOrStdout(), args[0], serve)
		},
	}

	cmd.Flags().BoolVar(&serve, "serve", false, "keep serving API / gRPC after the run")

	return cmd
}

func runCourse(parent context.Context, out io.Writer, courseID string, serve bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Course.BaseURL == "" {
		return ErrMissingCourseSource
	}

	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if serve {
		if err := a.serve(gctx, g); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	slog.Info("Starting run", "course", courseID)
	report, runErr := a.driver.Run(gctx, courseID)
	printReport(out, report)
	if runErr != nil {
		stop()
		_ = g.Wait()
		return runErr
	}

	if err := a.coord.WaitIdle(gctx); err != nil && !errors.Is(err, context.Canceled) {
		stop()
		_ = g.Wait()
		return err
	}
	printCoordinatorStatus(out, a.coord.Status())

	if serve {
		slog.Info("Run finished, still serving (Ctrl+C to stop)")
		return g.Wait()
	}
	stop()
	return g.Wait()
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, gRPC events and settings watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.start(ctx); err != nil {
				return fmt.Errorf("failed to start coordinator: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			if err := a.serve(gctx, g); err != nil {
				stop()
				_ = g.Wait()
				return err
			}
			slog.Info("linescout started", "api", cfg.API.Enabled, "grpc", cfg.GRPC.Enabled, "watch", cfg.Settings.Watch)

			err = g.Wait()
			slog.Info("Received shutdown signal, stopping gracefully")
			return err
		},
	}
}

// ============================================================================
// reenrich
// ============================================================================

func buildReenrichCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reenrich",
		Short: "Clear the stats cache and re-enrich every stored line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(cfg, slog.Default())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.coord.Start(ctx); err != nil {
				return fmt.Errorf("failed to start coordinator: %w", err)
			}

			// 設定檔與儲存不同時 ApplySettings 已經重新排隊
			before := a.coord.Settings()
			n, err := a.syncSettingsFile(ctx)
			if err != nil {
				return err
			}
			if before.Equal(a.coord.Settings()) {
				if n, err = a.coord.Reenrich(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Re-enriching %d lines\n", n)
			if err := a.coord.WaitIdle(ctx); err != nil {
				return err
			}
			printCoordinatorStatus(out, a.coord.Status())
			return nil
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display stored line and cache counts, or query a running server with --addr",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if addr != "" {
				return showRemoteStatus(cmd.Context(), out, addr)
			}
			return showStatus(cmd.Context(), out)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of a running linescout (e.g. "+DefaultGRPCAddr+")")

	return cmd
}

func showRemoteStatus(ctx context.Context, out io.Writer, addr string) error {
	conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var st coordinator.Status
	if err := server.FetchStatus(ctx, conn, &st); err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}
	printCoordinatorStatus(out, st)
	return nil
}

func showStatus(ctx context.Context, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	lineCount, err := store.Count(ctx, storage.CollectionEnrichedLines)
	if err != nil {
		return err
	}
	cached, err := store.Count(ctx, storage.CollectionStatsCache)
	if err != nil {
		return err
	}
	current, err := settings.NewStore(store).Load(ctx)
	if err != nil {
		return err
	}
	all, err := lines.NewRepository(store).All(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, l := range all {
		if l.Stats == nil {
			failed++
		}
	}

	fmt.Fprintln(out, "linescout status")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  └─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  └─ Batch:           %d every %s (cooldown %s)\n",
		cfg.Coordinator.BatchSize, cfg.Coordinator.BatchWindow, cfg.Coordinator.Cooldown)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  ├─ Driver:          %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Fprintf(out, "  ├─ Lines:           %d\n", lineCount)
	fmt.Fprintf(out, "  │  └─ Without stats: %d\n", failed)
	fmt.Fprintf(out, "  └─ Cached stats:    %d\n", cached)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Explorer settings:")
	fmt.Fprintf(out, "  ├─ Ratings:         %s\n", joinInts(current.Ratings))
	fmt.Fprintf(out, "  └─ Speeds:          %s\n", strings.Join(current.Speeds, ","))
	return nil
}

func printCoordinatorStatus(out io.Writer, st coordinator.Status) {
	fmt.Fprintln(out, "Enrichment:")
	fmt.Fprintf(out, "  ├─ State:           %s", st.State)
	if st.CoolingDown {
		fmt.Fprint(out, " (cooling down)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  ├─ Pending:         %d\n", st.Pending)
	fmt.Fprintf(out, "  ├─ In-Flight:       %d\n", st.InFlight)
	fmt.Fprintf(out, "  ├─ Processed:       %d\n", st.Processed)
	fmt.Fprintf(out, "  ├─ Failed:          %d\n", st.Failed)
	fmt.Fprintf(out, "  ├─ Cache Hits:      %d\n", st.CacheHits)
	fmt.Fprintf(out, "  ├─ Illegal:         %d\n", st.Illegal)
	fmt.Fprintf(out, "  └─ Rate Limited:    %d\n", st.RateLimited)
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", st.LastError)
	}
}

func printReport(out io.Writer, r driver.Report) {
	if r.RunID == "" {
		return
	}
	fmt.Fprintf(out, "Run %s: %s\n", r.RunID, r.Course)
	fmt.Fprintf(out, "  ├─ Units:           %d (failed %d, empty %d)\n", r.Units, r.UnitsFailed, r.UnitsEmpty)
	fmt.Fprintf(out, "  ├─ Lines:           %d\n", r.Lines)
	fmt.Fprintf(out, "  ├─ Illegal:         %d\n", r.Illegal)
	fmt.Fprintf(out, "  ├─ Cache Hits:      %d\n", r.CacheHits)
	fmt.Fprintf(out, "  └─ Enqueued:        %d\n", r.Enqueued)
}

// ============================================================================
// lines
// ============================================================================

func buildLinesCommand() *cobra.Command {
	var (
		sortKey  string
		order    string
		courseID string
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "lines",
		Short: "List enriched lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc := false
			switch order {
			case "asc", "":
			case "desc":
				desc = true
			default:
				return fmt.Errorf("order must be asc or desc, got %q", order)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}
			defer store.Close()

			repo := lines.NewRepository(store)
			var list []types.EnrichedLine
			if courseID != "" {
				list, err = repo.ByCourse(cmd.Context(), courseID)
			} else {
				list, err = repo.All(cmd.Context())
			}
			if err != nil {
				return err
			}
			if err := lines.Sort(list, sortKey, desc); err != nil {
				return err
			}
			if limit > 0 && len(list) > limit {
				list = list[:limit]
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			printLines(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().StringVar(&sortKey, "sort", lines.SortVariation, "sort key: total|white|draws|black|moves|variation")
	cmd.Flags().StringVar(&order, "order", "asc", "sort order: asc|desc")
	cmd.Flags().StringVar(&courseID, "course", "", "only lines of this course")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of lines (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	return cmd
}

func printLines(out io.Writer, list []types.EnrichedLine) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHAPTER\tUNIT\tVAR\tGAMES\tWHITE\tDRAW\tBLACK\tMOVES")
	for _, l := range list {
		if l.Stats == nil {
			fmt.Fprintf(tw, "%s\t%s\t%d\t-\t-\t-\t-\t%s\n",
				l.Chapter, l.Unit, l.Variation, strings.Join(l.Moves, " "))
			continue
		}
		s := l.Stats
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f%%\t%.1f%%\t%.1f%%\t%s\n",
			l.Chapter, l.Unit, l.Variation, s.Total, s.WhitePct(), s.DrawPct(), s.BlackPct(),
			strings.Join(l.Moves, " "))
	}
	tw.Flush()
}

// ============================================================================
// traverse
// ============================================================================

func buildTraverseCommand() *cobra.Command {
	var (
		start   string
		showFEN bool
	)

	cmd := &cobra.Command{
		Use:   "traverse <graph.json>",
		Short: "Expand a unit graph file into lines",
		Long:  "Read a position graph (or move tree) in the course source format and print every line it contains",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return traverseFile(cmd.OutOrStdout(), args[0], start, showFEN)
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "override the start position key")
	cmd.Flags().BoolVar(&showFEN, "fen", false, "replay each line and print its final position")

	return cmd
}

func traverseFile(out io.Writer, path, start string, showFEN bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open graph file: %w", err)
	}
	defer f.Close()

	g, err := course.DecodeGraph(f)
	if err != nil {
		return err
	}
	if start == "" {
		start = g.Start
	}
	if len(g.Positions) == 0 {
		return errors.New("graph has no positions")
	}
	resolved, fellBack := traversal.ResolveStart(g.Positions, start)
	if fellBack {
		slog.Warn("Start position not in graph, using fallback", "start", start, "fallback", resolved)
	}

	var norm *normalizer.Normalizer
	if showFEN {
		if norm, err = normalizer.New(nil, 0); err != nil {
			return err
		}
	}

	found := traversal.Traverse(g.Positions, resolved)
	for _, l := range found {
		fmt.Fprintf(out, "%d. %s\n", l.VariationIndex, strings.Join(l.Moves, " "))
		if norm == nil {
			continue
		}
		key, err := norm.Normalize(l.Moves)
		if err != nil {
			fmt.Fprintf(out, "   illegal: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "   %s\n", key)
	}
	fmt.Fprintf(out, "%d lines\n", len(found))
	return nil
}

// ============================================================================
// watch
// ============================================================================

func buildWatchCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return watchEvents(ctx, cmd.OutOrStdout(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", DefaultGRPCAddr, "gRPC address of a running linescout")

	return cmd
}

func watchEvents(ctx context.Context, out io.Writer, addr string) error {
	conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	enc := json.NewEncoder(out)
	return server.Watch(ctx, conn, func(ev types.Event) error {
		return enc.Encode(ev)
	})
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
