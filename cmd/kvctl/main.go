package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/brokerstore/kvengine/internal/storage"
)

var (
	dataDir       string
	checkpointDir string
	namespace     string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kvctl",
		Short: "kvctl operates a kvengine store directly against its data directory",
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "engine data directory")
	root.PersistentFlags().StringVar(&checkpointDir, "checkpoint-dir", "", "checkpoint directory (defaults to <data-dir>/checkpoints)")
	root.PersistentFlags().StringVar(&namespace, "namespace", storage.DefaultNamespace, "namespace to operate on")

	root.AddCommand(
		newServeCmd(),
		newPutCmd(),
		newGetCmd(),
		newDeleteCmd(),
		newClearRangeCmd(),
		newCheckpointCmd(),
		newCompactCmd(),
		newStatsCmd(),
		newGCCmd(),
		newBenchCmd(),
	)
	return root
}

func withEngine(fn func(ctx context.Context, e *storage.Engine) error) error {
	ctx := context.Background()
	e, err := storage.NewEngine(storage.Options{
		DataRoot:       dataDir,
		CheckpointRoot: checkpointDir,
		Logger:         loggerPtr(),
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer e.Stop(ctx)

	return fn(ctx, e)
}

func loggerPtr() *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	return &l
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "write a single key/value pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				return e.Put(ctx, namespace, []byte(args[0]), []byte(args[1]))
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "read a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				value, ok, err := e.Get(ctx, namespace, []byte(args[0]))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("key not found")
				}
				fmt.Println(string(value))
				return nil
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "remove a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				return e.Delete(ctx, namespace, []byte(args[0]))
			})
		},
	}
}

func newClearRangeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-range <start> <end>",
		Short: "delete every key in [start, end); empty string means unbounded",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				return e.ClearRange(ctx, namespace, rangeArg(args[0]), rangeArg(args[1]))
			})
		},
	}
}

// rangeArg maps the CLI's "-" sentinel to an unbounded side, since an empty
// positional cobra arg can't carry the distinction on its own.
func rangeArg(s string) []byte {
	if s == "-" {
		return nil
	}
	return []byte(s)
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <start> <end>",
		Short: "synchronously compact [start, end), bypassing the hint queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				return e.RunCompaction(ctx, namespace, rangeArg(args[0]), rangeArg(args[1]))
			})
		},
	}
}

func newCheckpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "manage checkpoints",
	}
	cp.AddCommand(
		&cobra.Command{
			Use:   "create",
			Short: "snapshot every namespace into a new checkpoint",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *storage.Engine) error {
					id, err := e.CreateCheckpoint(ctx)
					if err != nil {
						return err
					}
					fmt.Println(id)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "ls",
			Short: "list checkpoints",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *storage.Engine) error {
					list, err := e.ListCheckpoints()
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				})
			},
		},
		&cobra.Command{
			Use:   "rm <id>",
			Short: "delete a checkpoint",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(ctx context.Context, e *storage.Engine) error {
					return e.DeleteCheckpoint(args[0])
				})
			},
		},
	)
	return cp
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print engine-wide stats as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(e.Stats())
			})
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "run one checkpoint GC pass immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, e *storage.Engine) error {
				return e.RunGC()
			})
		},
	}
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a long-lived process exposing HTTP get/put/delete/stats and a Prometheus /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "http-addr", ":8080", "HTTP listen address")
	return cmd
}

func runServe(addr string) error {
	ctx := context.Background()
	e, err := storage.NewEngine(storage.Options{
		DataRoot:       dataDir,
		CheckpointRoot: checkpointDir,
		Logger:         loggerPtr(),
	})
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	if err := e.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	server := &http.Server{Addr: addr, Handler: newHTTPHandler(e)}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	return e.Stop(ctx)
}

func newHTTPHandler(e *storage.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ns, key := nsAndKey(r)
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		value, ok, err := e.Get(r.Context(), ns, []byte(key))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		w.Write(value)
	})

	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ns, key := nsAndKey(r)
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusBadRequest)
			return
		}
		if err := e.Put(r.Context(), ns, []byte(key), value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/delete", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ns, key := nsAndKey(r)
		if key == "" {
			http.Error(w, "key is required", http.StatusBadRequest)
			return
		}
		if err := e.Delete(r.Context(), ns, []byte(key)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(e.Stats())
	})

	if reg := e.Metrics().Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return mux
}

func nsAndKey(r *http.Request) (string, string) {
	ns := r.URL.Query().Get("ns")
	if ns == "" {
		ns = storage.DefaultNamespace
	}
	return ns, r.URL.Query().Get("key")
}
