package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zen-systems/backstop/pkg/config"
	"github.com/zen-systems/backstop/pkg/log"
	"github.com/zen-systems/backstop/pkg/manager"
	"github.com/zen-systems/backstop/pkg/race"
)

var (
	configFile string
	debugFlag  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "backstop",
		Short: "Provider resilience layer with health-aware failover",
		Long: `Backstop sits between agent workflows and unreliable LLM, search and
translation services. It tracks backend health, enforces rate budgets,
retries with backoff, fails over between backends, and races redundant
translation endpoints to pick the best result.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debugFlag {
				log.SetDebugMode()
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to resilience config file")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(translateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(failoverCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadWithResilienceFile(configFile)
	}
	return config.Load()
}

func newManager() (*manager.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return manager.New(cfg)
}

func askCmd() *cobra.Command {
	var backendFlag string
	var modelFlag string
	var noFallback bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send a prompt through the failover router",
		Long: `Sends the prompt to the active generation backend, retrying with
backoff and failing over to the next healthy backend as needed.

Use --backend to try a specific backend first, and --no-fallback to
restrict the call to that backend alone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			result, err := m.Generate(context.Background(), args[0], manager.GenerateOptions{
				Model:      modelFlag,
				Preferred:  backendFlag,
				NoFallback: noFallback,
			})
			if err != nil {
				return err
			}

			fmt.Println(result.Content)
			fmt.Fprintf(os.Stderr, "\n[backend=%s units=%d cost=$%.4f latency=%dms]\n",
				result.Backend, result.UnitsUsed, result.Cost, result.LatencyMs)
			return nil
		},
	}

	cmd.Flags().StringVar(&backendFlag, "backend", "", "backend to try first")
	cmd.Flags().StringVar(&modelFlag, "model", "", "model override")
	cmd.Flags().BoolVar(&noFallback, "no-fallback", false, "do not fail over to other backends")
	return cmd
}

func searchCmd() *cobra.Command {
	var typeFlag string
	var maxResults int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a search through the failover router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			result, err := m.Search(context.Background(), args[0], typeFlag, manager.SearchOptions{
				MaxResults: maxResults,
			})
			if err != nil {
				return err
			}

			for i, r := range result.Results {
				fmt.Printf("%d. %s\n   %s\n", i+1, r.Title, r.URL)
				if r.Snippet != "" {
					fmt.Printf("   %s\n", r.Snippet)
				}
			}
			fmt.Fprintf(os.Stderr, "\n[backend=%s total=%d]\n", result.Backend, result.TotalResults)
			return nil
		},
	}

	cmd.Flags().StringVar(&typeFlag, "type", "", "search type hint")
	cmd.Flags().IntVar(&maxResults, "max-results", 10, "maximum results")
	return cmd
}

func translateCmd() *cobra.Command {
	var langFlag string

	cmd := &cobra.Command{
		Use:   "translate [file]",
		Short: "Translate a document via racing redundant endpoints",
		Long: `Sends the document to every configured translation endpoint
concurrently, waits for all results, and picks the best one by length
validity and endpoint priority. If no endpoint produces a valid
translation the original content is kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			translated, err := m.TranslateDocument(context.Background(), string(data), langFlag)
			if err != nil {
				if errors.Is(err, race.ErrNoValidResult) {
					fmt.Fprintln(os.Stderr, "no valid translation produced, keeping original")
					fmt.Print(string(data))
					return nil
				}
				return err
			}

			fmt.Print(translated)
			return nil
		},
	}

	cmd.Flags().StringVar(&langFlag, "lang", "es", "target language")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend health, active backends and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			status := m.GetStatus()
			if jsonFlag {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			printStatus(status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonFlag, "json", false, "output as JSON")
	return cmd
}

func printStatus(status manager.Status) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "BACKEND\tSTATUS\tFAILS\tREQUESTS\tSUCCESS\tAVG LATENCY")
	names := make([]string, 0, len(status.Backends))
	for name := range status.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := status.Backends[name]
		u := status.Usage[name]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f%%\t%.0fms\n",
			name, h.Status, h.ConsecutiveFails, u.Requests, u.SuccessRate(), u.AvgLatencyMs)
	}
	w.Flush()

	fmt.Println()
	roles := make([]string, 0, len(status.Active))
	for role := range status.Active {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		fmt.Printf("active %s backend: %s\n", role, status.Active[role])
	}

	for _, role := range roles {
		events := status.RecentEvents[role]
		if len(events) == 0 {
			continue
		}
		fmt.Printf("\nrecent %s failovers:\n", role)
		start := 0
		if len(events) > 5 {
			start = len(events) - 5
		}
		for _, ev := range events[start:] {
			line := fmt.Sprintf("  %s  %s -> %s  (%s)", ev.Time.Format("15:04:05"), ev.From, ev.To, ev.Reason)
			if ev.Error != "" {
				line += "  " + strings.SplitN(ev.Error, "\n", 2)[0]
			}
			fmt.Println(line)
		}
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [backend]",
		Short: "Force a health probe of one backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			result := m.Probe(context.Background(), args[0])
			fmt.Printf("%s: %s (latency=%s)\n", result.Backend, result.Status, result.Latency)
			if result.Error != "" {
				fmt.Printf("error: %s\n", result.Error)
			}
			return nil
		},
	}
}

func failoverCmd() *cobra.Command {
	var roleFlag string

	cmd := &cobra.Command{
		Use:   "failover [backend]",
		Short: "Manually switch the active backend for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.ForceFailover(roleFlag, args[0]); err != nil {
				return err
			}
			fmt.Printf("active %s backend switched to %s\n", roleFlag, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&roleFlag, "role", manager.RoleGeneration, "role to switch (generation|search)")
	return cmd
}
