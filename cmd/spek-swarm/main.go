// Package main provides the CLI entry point for spek-swarm-go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	spekswarm "github.com/DNYoussef/spek-swarm-go/pkg/spek-swarm"
)

var (
	version = "1.2.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spek-swarm",
	Short: "SPEK Swarm - Byzantine fault tolerant task orchestration",
	Long: `SPEK Swarm coordinates decomposition tasks across six fixed princess
domains and commits results only under Byzantine consensus.

It provides:
  - Queen coordinator with bounded per-domain pipeline slots
  - Parallel execution with independent per-domain voting
  - 2/3 quorum plus digest agreement before any commit
  - Durable task and vote state in SQLite or PostgreSQL
  - Optional AMQP task intake and Redis status publishing`,
	Version: version,
}

// ============================================================================
// Serve Command
// ============================================================================

var serveDemo bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the swarm coordinator",
	Long: `Run the queen coordinator and its six domain workers until
interrupted. Tasks are recovered from the durable store on startup and
scheduling resumes where the previous process stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := spekswarm.NewConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		log := spekswarm.NewLogger(cfg.Logger)
		defer log.Sync()

		st, err := spekswarm.NewStore(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open task store: %w", err)
		}
		defer st.Close()

		var exec spekswarm.Executor
		if serveDemo {
			exec = spekswarm.NewScriptedExecutor()
		} else {
			exec, err = spekswarm.NewExecutor(cfg.Executor, log)
			if err != nil {
				return fmt.Errorf("failed to build executor: %w", err)
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var sink spekswarm.Sink = spekswarm.NewLogSink(log)
		if cfg.Status.Sink == "redis" {
			redisSink, err := spekswarm.NewRedisSink(ctx, spekswarm.RedisSinkConfig{
				Addr:     cfg.Status.Addr,
				Password: cfg.Status.Password,
				DB:       cfg.Status.DB,
				TTL:      time.Duration(cfg.Status.TTLSec) * time.Second,
			}, log)
			if err != nil {
				return fmt.Errorf("failed to connect status sink: %w", err)
			}
			defer redisSink.Close()
			sink = redisSink
		}

		swarm, err := spekswarm.NewSwarm(spekswarm.SwarmOptions{
			Config:   spekswarm.QueenConfigFromSwarm(cfg.Swarm),
			Store:    st,
			Executor: exec,
			Bus:      spekswarm.NewEventBus(),
			Sink:     sink,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("failed to create swarm: %w", err)
		}

		if err := swarm.Start(ctx); err != nil {
			return fmt.Errorf("failed to start swarm: %w", err)
		}

		if cfg.Intake.Enabled {
			consumer, err := spekswarm.NewConsumer(cfg.Intake.URL, cfg.Intake.Queue, log)
			if err != nil {
				swarm.Stop()
				return fmt.Errorf("failed to connect task intake: %w", err)
			}
			defer consumer.Close()

			go func() {
				if err := consumer.Start(ctx, swarm); err != nil {
					log.Error("task intake stopped", zap.Error(err))
				}
			}()
		}

		fmt.Printf("Swarm coordinator running (store=%s, sink=%s)\n", cfg.Store.Driver, cfg.Status.Sink)
		fmt.Println("Press Ctrl+C to stop")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down...")
		cancel()
		swarm.Stop()
		return nil
	},
}

// ============================================================================
// Submit Command
// ============================================================================

var submitDomain string
var submitSize int
var submitQuorum []string
var submitRemote bool

var submitCmd = &cobra.Command{
	Use:   "submit [payload-ref]",
	Short: "Submit a decomposition task",
	Long: `Submit a decomposition task for consensus execution.

By default the task is written straight to the durable store, where a
running coordinator adopts it within a few scheduling ticks. With --remote
the submission is published to the AMQP intake queue instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := spekswarm.NewConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		sub := &spekswarm.TaskSubmission{
			PayloadRef:   args[0],
			SizeEstimate: submitSize,
		}
		if submitDomain != "" {
			sub.DomainHint = spekswarm.PrincessDomain(submitDomain)
		}
		for _, domain := range submitQuorum {
			sub.RequiredQuorumDomains = append(sub.RequiredQuorumDomains,
				spekswarm.PrincessDomain(strings.TrimSpace(domain)))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if submitRemote {
			consumer, err := spekswarm.NewConsumer(cfg.Intake.URL, cfg.Intake.Queue, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to connect task intake: %w", err)
			}
			defer consumer.Close()

			if err := consumer.Publish(ctx, sub); err != nil {
				return fmt.Errorf("failed to publish submission: %w", err)
			}
			fmt.Printf("Submission queued on %s\n", cfg.Intake.Queue)
			return nil
		}

		task, err := spekswarm.NewTaskFromSubmission(sub)
		if err != nil {
			return err
		}

		st, err := spekswarm.NewStore(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open task store: %w", err)
		}
		defer st.Close()

		if err := st.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("failed to persist task: %w", err)
		}

		output, _ := json.MarshalIndent(task, "", "  ")
		fmt.Println(string(output))
		return nil
	},
}

// ============================================================================
// Status Command
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show swarm status",
	Long: `Show the current swarm status.

When the Redis status sink is configured, the last published live snapshot
is shown. Otherwise the durable store is summarized.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := spekswarm.NewConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if cfg.Status.Sink == "redis" {
			sink, err := spekswarm.NewRedisSink(ctx, spekswarm.RedisSinkConfig{
				Addr:     cfg.Status.Addr,
				Password: cfg.Status.Password,
				DB:       cfg.Status.DB,
			}, zap.NewNop())
			if err != nil {
				return fmt.Errorf("failed to connect status sink: %w", err)
			}
			defer sink.Close()

			snapshot, err := sink.Fetch(ctx)
			if err != nil {
				return fmt.Errorf("no live status snapshot (is a coordinator running?): %w", err)
			}

			output, _ := json.MarshalIndent(snapshot, "", "  ")
			fmt.Println(string(output))
			return nil
		}

		st, err := spekswarm.NewStore(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open task store: %w", err)
		}
		defer st.Close()

		stats, err := st.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read store stats: %w", err)
		}

		summary := map[string]interface{}{
			"version":      version,
			"store":        cfg.Store.Driver,
			"totalTasks":   stats.TotalTasks,
			"totalVotes":   stats.TotalVotes,
			"tasksByState": stats.TasksByState,
		}

		output, _ := json.MarshalIndent(summary, "", "  ")
		fmt.Println(string(output))
		return nil
	},
}

// ============================================================================
// Tasks Command
// ============================================================================

var tasksState string
var tasksLimit int
var tasksFormat string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List persisted tasks",
	Long:  `List tasks from the durable store, optionally filtered by state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := spekswarm.NewConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		st, err := spekswarm.NewStore(cfg.Store)
		if err != nil {
			return fmt.Errorf("failed to open task store: %w", err)
		}
		defer st.Close()

		filter := &spekswarm.TaskFilter{Limit: tasksLimit}
		if tasksState != "" {
			for _, state := range strings.Split(tasksState, ",") {
				filter.States = append(filter.States,
					spekswarm.TaskState(strings.TrimSpace(state)))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		tasks, err := st.ListTasks(ctx, filter)
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found")
			return nil
		}

		if tasksFormat == "json" {
			output, _ := json.MarshalIndent(tasks, "", "  ")
			fmt.Println(string(output))
			return nil
		}

		// Table format
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tPAYLOAD\tRESULT\tUPDATED")
		fmt.Fprintln(w, strings.Repeat("-", 80))

		for _, task := range tasks {
			result := "-"
			if task.ResultRef != "" {
				result = task.ResultRef
			} else if task.AbortReason != "" {
				result = task.AbortReason
			}
			updated := time.UnixMilli(task.UpdatedAt).Format(time.RFC3339)
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				task.ID, task.State, task.Attempts, task.PayloadRef, result, updated)
		}
		w.Flush()
		return nil
	},
}

func init() {
	// Serve command
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Use the in-process demo executor instead of the configured one")
	rootCmd.AddCommand(serveCmd)

	// Submit command
	submitCmd.Flags().StringVarP(&submitDomain, "domain", "d", "", "Preferred primary domain")
	submitCmd.Flags().IntVarP(&submitSize, "size", "s", 1, "Relative size estimate")
	submitCmd.Flags().StringSliceVarP(&submitQuorum, "quorum", "q", []string{}, "Domains whose votes count (default: all six)")
	submitCmd.Flags().BoolVarP(&submitRemote, "remote", "r", false, "Publish to the AMQP intake queue instead of the store")
	rootCmd.AddCommand(submitCmd)

	// Status command
	rootCmd.AddCommand(statusCmd)

	// Tasks command
	tasksCmd.Flags().StringVar(&tasksState, "state", "", "Comma-separated state filter (e.g. pending,voting)")
	tasksCmd.Flags().IntVarP(&tasksLimit, "limit", "l", 50, "Maximum tasks to list")
	tasksCmd.Flags().StringVarP(&tasksFormat, "format", "f", "table", "Output format (table or json)")
	rootCmd.AddCommand(tasksCmd)
}
