package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pidestat/internal/app"
	"pidestat/internal/config"
	"pidestat/internal/db"
	"pidestat/internal/dump"
	"pidestat/internal/engine"
	"pidestat/internal/markup"
	"pidestat/internal/migrate"
	"pidestat/internal/repo"
	"pidestat/internal/server"
	"pidestat/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "pst",
	Short: "Document status aggregation for prover sessions",
	Long: `pst records the markup a checker reports for each command of a document
and aggregates it into per-node status and timing.
- Session: one editing session; owns every version.
- Version: a revision of the document; derived versions keep the history of surviving commands.
- Node: a named, ordered list of command ids (one theory in the prover).
- Markup: accepted, running, finished, warning, failed, timing:<secs> ... reported per evaluation attempt.
- Status: commands per bucket (unprocessed, running, warned, failed, finished) plus the node flags.
- Event log: every change is audited, view it with 'pst log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PIDESTAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("session", "", "session id (overrides config default)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(markupCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(timingCmd())
	rootCmd.AddCommand(dumpCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
		Long:  "A session is one editing session of a document; every version belongs to exactly one session.",
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("--id required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.InitSession(ctx, id, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "session id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	return cmd
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Description", "Created"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Description, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "version",
		Short: "Manage document versions",
		Long:  "A version is one revision of the document. A version derived from a parent keeps its nodes and the history of every surviving command.",
	}
	v.AddCommand(versionCreateCmd())
	v.AddCommand(versionListCmd())
	return v
}

func versionCreateCmd() *cobra.Command {
	var from string
	var root bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				parentID := ""
				if !root {
					parent, err := e.ResolveVersion(ctx, e.Config.Session.ID, from)
					switch {
					case err == nil:
						parentID = parent.ID
					case errors.Is(err, repo.ErrNotFound) && strings.TrimSpace(from) == "":
						// first version of the session
					default:
						return err
					}
				}
				v, err := e.CreateVersion(ctx, e.Config.Session.ID, parentID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "parent version id or latest (default latest, if any)")
	cmd.Flags().BoolVar(&root, "root", false, "create a version without parent")
	return cmd
}

func versionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListVersions(ctx, e.Config.Session.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Seq", "ID", "Parent", "Created"})
				for _, v := range items {
					parent := ""
					if v.ParentID != nil {
						parent = *v.ParentID
					}
					tw.AppendRow(table.Row{v.Seq, v.ID, parent, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func nodeCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "node",
		Short: "Manage nodes",
		Long:  "A node is a named, ordered list of command ids of one version, with its initialized and consolidated flags.",
	}
	n.AddCommand(nodeDefineCmd())
	n.AddCommand(nodeFlagsCmd())
	n.AddCommand(nodeListCmd())
	return n
}

func nodeDefineCmd() *cobra.Command {
	var versionRef, name string
	var commands []string
	cmd := &cobra.Command{
		Use:   "define",
		Short: "Define the commands of a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				n, err := e.DefineNode(ctx, v.ID, name, commands, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	cmd.Flags().StringVar(&name, "name", "", "node name")
	cmd.Flags().StringSliceVar(&commands, "commands", nil, "ordered command ids (comma separated)")
	return cmd
}

func nodeFlagsCmd() *cobra.Command {
	var versionRef, name string
	var initialized, consolidated bool
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Set node lifecycle flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			var initFlag, consFlag *bool
			if cmd.Flags().Changed("initialized") {
				initFlag = &initialized
			}
			if cmd.Flags().Changed("consolidated") {
				consFlag = &consolidated
			}
			if initFlag == nil && consFlag == nil {
				return fmt.Errorf("--initialized or --consolidated required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				n, err := e.SetNodeFlags(ctx, v.ID, name, initFlag, consFlag, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	cmd.Flags().StringVar(&name, "name", "", "node name")
	cmd.Flags().BoolVar(&initialized, "initialized", false, "node initialized")
	cmd.Flags().BoolVar(&consolidated, "consolidated", false, "node consolidated")
	return cmd
}

func nodeListCmd() *cobra.Command {
	var versionRef string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List nodes of a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				nodes, err := e.Repo.ListNodes(ctx, v.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Node", "Commands", "Initialized", "Consolidated"})
				for _, n := range nodes {
					tw.AppendRow(table.Row{n.Name, len(n.Commands), n.Initialized, n.Consolidated})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	return cmd
}

func markupCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "markup",
		Short: "Record checker markup",
		Long:  "Markup is what the checker reports for one evaluation attempt of a command: accepted, forked, joined, running, finished, warning, legacy, failed, error and timing:<seconds>.",
	}
	m.AddCommand(markupAddCmd())
	m.AddCommand(markupImportCmd())
	return m
}

func markupAddCmd() *cobra.Command {
	var versionRef, command, exec string
	cmd := &cobra.Command{
		Use:   "add TAG...",
		Short: "Append markup to an evaluation attempt",
		Example: `  pst markup add --command c1 --exec e1 accepted running
  pst markup add --command c1 --exec e1 finished timing:0.25`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" || exec == "" {
				return fmt.Errorf("--command and --exec required")
			}
			evs, err := markup.ParseAll(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				st, err := e.AppendMarkup(ctx, engine.MarkupBatch{VersionID: v.ID, CommandID: command, ExecID: exec, Events: evs}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	cmd.Flags().StringVar(&command, "command", "", "command id")
	cmd.Flags().StringVar(&exec, "exec", "", "evaluation attempt id")
	return cmd
}

// importRecord is one line of a markup import file.
type importRecord struct {
	Version string         `json:"version"`
	Command string         `json:"command"`
	Exec    string         `json:"exec"`
	Events  []markup.Event `json:"events"`
}

// readImport decodes JSON lines, skipping blank lines and # comments.
func readImport(r io.Reader) ([]importRecord, error) {
	var out []importRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var rec importRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if rec.Command == "" || rec.Exec == "" {
			return nil, fmt.Errorf("line %d: command and exec required", line)
		}
		if len(rec.Events) == 0 {
			return nil, fmt.Errorf("line %d: no events", line)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func markupImportCmd() *cobra.Command {
	var file, versionRef string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import markup from JSON lines",
		Long:  `Each line is {"command":"c1","exec":"e1","events":[{"kind":"finished"},{"kind":"timing","elapsed":0.5}]}, with an optional "version" overriding --version. Use --file - for stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			var in io.Reader = os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			records, err := readImport(in)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				resolved := map[string]string{}
				resolve := func(ref string) (string, error) {
					if ref == "" {
						ref = versionRef
					}
					if id, ok := resolved[ref]; ok {
						return id, nil
					}
					v, err := e.ResolveVersion(ctx, e.Config.Session.ID, ref)
					if err != nil {
						return "", err
					}
					resolved[ref] = v.ID
					return v.ID, nil
				}
				actor := viper.GetString("actor-id")
				for i, rec := range records {
					versionID, err := resolve(rec.Version)
					if err != nil {
						return fmt.Errorf("record %d: %w", i+1, err)
					}
					if _, err := e.AppendMarkup(ctx, engine.MarkupBatch{VersionID: versionID, CommandID: rec.Command, ExecID: rec.Exec, Events: rec.Events}, actor); err != nil {
						return fmt.Errorf("record %d: %w", i+1, err)
					}
				}
				out := map[string]any{"imported": len(records)}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("imported %d records\n", len(records))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON lines file, - for stdin")
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "default version id or latest")
	return cmd
}

func statusCmd() *cobra.Command {
	var versionRef, node string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Counts the commands of a node per bucket. Without --node every node of the version is listed with its percentage and overall state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				if node != "" {
					ns, err := e.NodeStatus(ctx, v.ID, node)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(ns)
					}
					printNodeStatus(node, ns)
					return nil
				}
				nodes, err := e.NodesStatus(ctx, v.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodesJSON(v.ID, nodes))
				}
				fmt.Printf("Version: %d (%s)\n", v.Seq, v.ID)
				printNodes(nodes)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	cmd.Flags().StringVar(&node, "node", "", "node name")
	return cmd
}

func timingCmd() *cobra.Command {
	var versionRef, node string
	var threshold float64
	cmd := &cobra.Command{
		Use:   "timing",
		Short: "Show node timing",
		Long:  "Sums the timing markup of a node. Commands at or above the threshold are listed individually.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if node == "" {
				return fmt.Errorf("--node required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				t := e.TimingThreshold()
				if cmd.Flags().Changed("threshold") {
					if err := markup.CheckSeconds(threshold); err != nil {
						return fmt.Errorf("--threshold: %w", err)
					}
					t = threshold
				}
				nt, err := e.NodeTiming(ctx, v.ID, node, t)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"version_id": v.ID,
						"node":       node,
						"threshold":  t,
						"total":      nt.Total,
						"commands":   nt.Commands,
					})
				}
				fmt.Printf("Node: %s  total %.3fs  threshold %gs\n", node, nt.Total, t)
				tw := newTable()
				tw.AppendHeader(table.Row{"Command", "Seconds"})
				for _, id := range sortedCommands(nt) {
					tw.AppendRow(table.Row{id, fmt.Sprintf("%.3f", nt.Commands[id])})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	cmd.Flags().StringVar(&node, "node", "", "node name")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "seconds (default from config)")
	return cmd
}

func dumpCmd() *cobra.Command {
	var versionRef, dir string
	var concurrency int
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write status and timing of every node to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ResolveVersion(ctx, e.Config.Session.ID, versionRef)
				if err != nil {
					return err
				}
				opts := dump.Options{
					Dir:         e.Config.Dump.Dir,
					Threshold:   e.TimingThreshold(),
					Concurrency: e.Config.Dump.Concurrency,
					Logger:      e.Logger,
				}
				if dir != "" {
					opts.Dir = dir
				}
				if concurrency > 0 {
					opts.Concurrency = concurrency
				}
				idx, err := dump.Run(ctx, e, v.ID, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(idx)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Node", "Dir", "Overall", "%"})
				for _, n := range idx.Nodes {
					tw.AppendRow(table.Row{n.Node, n.Dir, n.Overall, n.Percentage})
				}
				tw.Render()
				fmt.Printf("dumped %d nodes to %s\n", len(idx.Nodes), opts.Dir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionRef, "version", engine.LatestVersion, "version id or latest")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel node writers (default from config)")
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print node status whenever it changes",
		Long:  "Polls the latest version of the session and prints the node table each time a node status changes. Stops on interrupt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var nodes status.Nodes
				lastVersion := ""
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					v, err := e.ResolveVersion(ctx, e.Config.Session.ID, engine.LatestVersion)
					switch {
					case err == nil:
						snap, err := e.Snapshot(ctx, v.ID)
						if err != nil {
							return err
						}
						next, changed := nodes.Update(snap, snap, snap.NodeNames())
						if changed || v.ID != lastVersion {
							if viper.GetBool("json") {
								if err := printJSON(nodesJSON(v.ID, next)); err != nil {
									return err
								}
							} else {
								fmt.Printf("%s  version %d (%s)\n", time.Now().Format(time.TimeOnly), v.Seq, v.ID)
								printNodes(next)
							}
						}
						nodes, lastVersion = next, v.ID
					case errors.Is(err, repo.ErrNotFound):
						e.Logger.Debug("no version yet", "session", e.Config.Session.ID)
					default:
						return err
					}
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of the session: sessions, versions, node definitions, flags and markup batches.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.SessionID = e.Config.Session.ID
				events, err := e.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, secret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the status API, Prometheus metrics at /metrics and the OpenAPI document. Writes need a bearer token when a JWT secret is set (--jwt-secret or PIDESTAT_JWT_SECRET).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				if basePath == "" {
					basePath = e.Config.Server.BasePath
				}
				if secret == "" {
					secret = viper.GetString("jwt-secret")
				}
				if secret == "" {
					e.Logger.Warn("no JWT secret set; writes are accepted without authentication")
				}
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: e.Logger},
					Logger:   e.Logger,
					Registry: reg,
				})
				if err != nil {
					return err
				}
				server.StartWebhooks(ctx, e, e.Logger)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving pidestat API", "addr", "http://"+addr+basePath, "session", e.Config.Session.ID, "openapi", "/openapi.json", "docs", "/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret for bearer tokens")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, secret string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("jwt-secret")
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok, "subject": subject})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id carried by the token (default --actor-id)")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret (default PIDESTAT_JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity, 0 for no expiry")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "pidestat.yml in the workspace sets the default session, the timing threshold, dump options, the server address, logging and webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate pidestat.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var sessionID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default pidestat.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = viper.GetString("session")
			}
			if strings.TrimSpace(sessionID) == "" {
				return fmt.Errorf("--session-id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(sessionID)), 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"path": path, "session": sessionID})
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "default session id (default --session)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "pst",
		ReportTimestamp: true,
	})
	levelName := viper.GetString("log-level")
	if levelName == "" && cfg != nil {
		levelName = cfg.Logging.Level
	}
	if levelName != "" {
		level, err := log.ParseLevel(levelName)
		if err != nil {
			logger.Warn("ignoring log level", "level", levelName, "err", err)
		} else {
			logger.SetLevel(level)
		}
	}
	return logger
}

func openWorkspace(ctx context.Context) (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, nil)
	e.Logger = newLogger(nil)
	return e, func() { conn.Close() }, nil
}

// withWorkspace runs fn with an engine that has no active session yet.
func withWorkspace(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeFn, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	_, cfg, err := app.ResolveSessionAndConfig(ctx, viper.GetString("workspace"), viper.GetString("session"), viper.GetString("actor-id"), e)
	if err != nil {
		return err
	}
	e.Config = cfg.WithDefaults()
	e.Logger = newLogger(e.Config)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	e, closeFn, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, e.Repo)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printNodeStatus(name string, ns status.NodeStatus) {
	fmt.Printf("Node: %s  %d%%  %s\n", name, ns.Percentage(), ns.Overall())
	tw := newTable()
	tw.AppendHeader(table.Row{"Bucket", "Commands"})
	for _, b := range status.Buckets {
		tw.AppendRow(table.Row{b.String(), ns.Count(b)})
	}
	tw.AppendFooter(table.Row{"total", ns.Total()})
	tw.Render()
	fmt.Printf("initialized=%t consolidated=%t\n", ns.Initialized, ns.Consolidated)
}

func printNodes(nodes status.Nodes) {
	tw := newTable()
	header := table.Row{"Node"}
	for _, b := range status.Buckets {
		header = append(header, b.String())
	}
	header = append(header, "%", "Overall")
	tw.AppendHeader(header)
	for _, row := range nodeRows(nodes) {
		tw.AppendRow(row)
	}
	summary := nodes.Summary()
	tw.AppendFooter(table.Row{fmt.Sprintf("pending %d  ok %d  failed %d", summary[status.OverallPending], summary[status.OverallOK], summary[status.OverallFailed])})
	tw.Render()
}

// nodeRows renders one table row per node, sorted by name.
func nodeRows(nodes status.Nodes) []table.Row {
	rows := make([]table.Row, 0, len(nodes))
	for _, name := range nodes.Names() {
		ns := nodes[name]
		row := table.Row{name}
		for _, b := range status.Buckets {
			row = append(row, ns.Count(b))
		}
		row = append(row, ns.Percentage(), string(ns.Overall()))
		rows = append(rows, row)
	}
	return rows
}

type nodeSummaryJSON struct {
	Node       string                `json:"node"`
	Status     status.NodeStatusJSON `json:"status"`
	Percentage int                   `json:"percentage"`
	Overall    status.Overall        `json:"overall"`
}

func nodesJSON(versionID string, nodes status.Nodes) map[string]any {
	items := make([]nodeSummaryJSON, 0, len(nodes))
	for _, name := range nodes.Names() {
		ns := nodes[name]
		items = append(items, nodeSummaryJSON{Node: name, Status: ns.JSON(), Percentage: ns.Percentage(), Overall: ns.Overall()})
	}
	return map[string]any{"version_id": versionID, "nodes": items, "summary": nodes.Summary()}
}

// sortedCommands lists the reported commands of nt, slowest first.
func sortedCommands(nt status.NodeTiming) []status.CommandID {
	ids := make([]status.CommandID, 0, len(nt.Commands))
	for id := range nt.Commands {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := nt.Commands[ids[i]], nt.Commands[ids[j]]
		if a != b {
			return a > b
		}
		return ids[i] < ids[j]
	})
	return ids
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
