package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regionmesh/regiond/internal/event"
	"github.com/regionmesh/regiond/internal/oplog"
	"github.com/regionmesh/regiond/internal/projection"
	"github.com/regionmesh/regiond/internal/realtime"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "regiond",
	Short: "regiond - region node event log",
	Long:  `A region node keeping a signed, hash-chained event log with relational projections and live client updates`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "regiond.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(announceCmd)
	rootCmd.AddCommand(postStatusCmd)

	announceCmd.Flags().String("name", "", "node name (defaults to node.name)")
	announceCmd.Flags().String("ipv4", "", "public IPv4 address")
	announceCmd.Flags().String("domain-local", "", "local domain")
	announceCmd.Flags().String("domain-internet", "", "internet domain")
	announceCmd.Flags().Bool("update", false, "overwrite all node fields instead of announcing")

	postStatusCmd.Flags().String("state", string(event.StatusOK), "status state (ok, degraded, down, unknown)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("regiond v0.1.0-alpha")
		fmt.Printf("Payload version %d, header version %d\n", event.Version, oplog.HeaderVersion)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize node identity, log storage and projections",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := loadNode(context.Background())
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Printf("Initialized regiond node: %s\n", n.cfg.Node.Name)
		fmt.Printf("Node ID: %s\n", n.service.NodeID())
		fmt.Printf("Data directory: %s\n", n.cfg.Node.DataDir)
		fmt.Printf("Log storage: %s\n", n.cfg.Node.StoragePath())
		fmt.Printf("Projection database: %s\n", n.cfg.Database.Driver)

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start regiond node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Printf("Starting regiond node: %s (%s)\n", n.cfg.Node.Name, n.service.NodeID())

		if n.cfg.Node.Name != "" {
			if _, err := n.service.PublishLocalEvent(ctx, event.NodeAnnounced{Name: n.cfg.Node.Name}); err != nil {
				return err
			}
		}

		if interval := n.cfg.Verify.VerifyInterval(); interval > 0 {
			fmt.Printf("Background audit every %s\n", interval)
			if err := n.auditor.Start(ctx, interval); err != nil {
				return fmt.Errorf("failed to start auditor: %w", err)
			}
			defer n.auditor.Stop()
		}

		mux := http.NewServeMux()
		mux.Handle("/events", realtime.NewHandler(n.hub, n.logger))
		mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
			nodes, err := n.projections.ListNodes(r.Context())
			writeJSON(w, nodes, err)
		})
		mux.HandleFunc("/apps", func(w http.ResponseWriter, r *http.Request) {
			apps, err := n.projections.ListApps(r.Context())
			writeJSON(w, apps, err)
		})
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := n.projections.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		srv := &http.Server{
			Addr:              n.cfg.Realtime.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		fmt.Printf("Serving client events on ws://%s/events\n", n.cfg.Realtime.ListenAddr)
		fmt.Println("regiond node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigCh:
		case err := <-errCh:
			return fmt.Errorf("http server failed: %w", err)
		}

		fmt.Println("\nShutting down...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		n.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop http server: %w", err)
		}

		fmt.Println("regiond node stopped")
		return nil
	},
}

func writeJSON(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		fmt.Printf("Node ID: %s\n", n.service.NodeID())
		fmt.Printf("Data Directory: %s\n", n.cfg.Node.DataDir)

		refs, err := n.log.Logs()
		if err != nil {
			return err
		}
		fmt.Printf("\nLogs:\n")
		if len(refs) == 0 {
			fmt.Printf("  No operations yet\n")
		}
		for _, ref := range refs {
			fmt.Printf("  - %s/%s\n", ref.Author[:16], ref.LogID)
			fmt.Printf("    Entries: %d\n", ref.Length)
			fmt.Printf("    Head: %s\n", ref.Head[:16])
		}

		root, count, err := n.log.Digest()
		if err != nil {
			return err
		}
		if count > 0 {
			fmt.Printf("\nLog digest: %s (%d operations)\n", root[:16], count)
		}

		fmt.Printf("\nProjections:\n")
		for _, table := range projection.Tables {
			root, rows, err := n.projections.TableDigest(ctx, table)
			if err != nil {
				return err
			}
			if rows == 0 {
				fmt.Printf("  - %s: empty\n", table)
				continue
			}
			fmt.Printf("  - %s: %d rows, root %s\n", table, rows, root[:16])
		}

		if at, err := n.store.GetMetadata("last_audit_at"); err == nil {
			result, _ := n.store.GetMetadata("last_audit_result")
			fmt.Printf("\nLast audit: %s (%s)\n", at, result)
		}

		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every stored log and compare projections with a replay",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		refs, err := n.log.Logs()
		if err != nil {
			return err
		}

		failed := false
		for _, ref := range refs {
			fmt.Printf("Verifying log: %s/%s\n", ref.Author[:16], ref.LogID)
			if err := n.log.VerifyChain(ref.Author, ref.LogID); err != nil {
				fmt.Printf("  ❌ FAILED: %v\n", err)
				failed = true
			} else {
				fmt.Printf("  ✅ OK: %d entries, hash chain is intact\n", ref.Length)
			}
		}

		if failed {
			fmt.Println("Skipping projection check, log is corrupted")
		} else {
			fmt.Println("Comparing projections with a replay of the log")
			drifts, err := n.auditor.CheckProjections(ctx)
			if err != nil {
				return err
			}
			for _, d := range drifts {
				fmt.Printf("  ❌ %v\n", d)
			}
			if len(drifts) == 0 {
				fmt.Println("  ✅ OK: projections match the log")
			} else {
				fmt.Println("  Run 'regiond rebuild' to repair")
			}
		}

		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Clear projections and replay the whole log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		applied, err := n.service.Rebuild(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Rebuilt projections from %d operations\n", applied)
		return nil
	},
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Publish this node's name and addresses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = n.cfg.Node.Name
		}
		if name == "" {
			return fmt.Errorf("a node name is required (--name or node.name)")
		}
		ipv4, _ := cmd.Flags().GetString("ipv4")
		domainLocal, _ := cmd.Flags().GetString("domain-local")
		domainInternet, _ := cmd.Flags().GetString("domain-internet")
		update, _ := cmd.Flags().GetBool("update")

		var payload event.Payload = event.NodeAnnounced{
			Name:           name,
			PublicIPv4:     ipv4,
			DomainLocal:    domainLocal,
			DomainInternet: domainInternet,
		}
		if update {
			payload = event.NodeUpdated{
				Name:           name,
				PublicIPv4:     ipv4,
				DomainLocal:    domainLocal,
				DomainInternet: domainInternet,
			}
		}

		op, err := n.service.PublishLocalEvent(ctx, payload)
		if err != nil {
			return err
		}

		fmt.Printf("Published %s (seq=%d, id=%s)\n", payload.Type(), op.Header.SeqNum, op.Hash[:16])
		return nil
	},
}

var postStatusCmd = &cobra.Command{
	Use:   "post-status <text>",
	Short: "Publish a status message for this node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := loadNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		state, _ := cmd.Flags().GetString("state")
		if !event.StatusState(state).Valid() {
			return fmt.Errorf("invalid state: %s", state)
		}

		op, err := n.service.PublishLocalEvent(ctx, event.NodeStatusPosted{Text: args[0], State: event.StatusState(state)})
		if err != nil {
			return err
		}

		fmt.Printf("Published status (seq=%d, id=%s)\n", op.Header.SeqNum, op.Hash[:16])
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
