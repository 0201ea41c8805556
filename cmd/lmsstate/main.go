package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/lmsstate/internal/codec"
	"github.com/pavelanni/lmsstate/internal/handler"
	appI18n "github.com/pavelanni/lmsstate/internal/i18n"
	"github.com/pavelanni/lmsstate/internal/lms"
	"github.com/pavelanni/lmsstate/internal/lock"
	"github.com/pavelanni/lmsstate/internal/model"
	"github.com/pavelanni/lmsstate/internal/persist"
	"github.com/pavelanni/lmsstate/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lmsstate",
		Short: "Learner progress persistence for SCORM courses",
	}

	serve := serveCmd()
	root.AddCommand(serve, decodeCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `lmsstate --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the state HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "lmsstate.db", "SQLite database path")
	f.String("lms", "scorm12", "Simulated LMS host (none, scorm12, scorm2004)")
	f.StringP("compression", "c", "zstd", "LMS payload compression (zstd, snappy, lz4, none)")
	f.Duration("debounce", persist.DefaultDebounce, "Delay before a non-critical save is committed to the LMS")
	f.String("storage-key", persist.DefaultStorageKey, "Local storage key for the state document")
	f.String("lock", "local", "Writer lock backend (local, redis)")
	f.String("redis-addr", "localhost:6379", "Redis address for the writer lock")
	f.Duration("lock-ttl", lock.DefaultTTL, "Writer lock lease duration")
	f.StringP("lang", "l", "en", "Notice language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [payload]",
		Short: "Decode an LMS suspend-data payload to JSON",
		Long:  "Decode reads the payload from the argument, from --file, or from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDecode,
	}
	f := cmd.Flags()
	f.StringP("file", "f", "", "Read the payload from a file")
	f.Bool("raw", false, "Print the decoded JSON without schema validation")
	f.String("log-level", "warn", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored local and LMS state as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "lmsstate.db", "SQLite database path")
	f.StringSlice("namespace", []string{store.NamespaceLocal, store.NamespaceLMS}, "Namespaces to export (repeatable)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("LMSSTATE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("lmsstate")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/lmsstate")
	v.AddConfigPath("/etc/lmsstate")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	frame, err := hostFrame(v.GetString("lms"), db.Bucket(store.NamespaceLMS))
	if err != nil {
		return err
	}

	c, err := codec.New(v.GetString("compression"))
	if err != nil {
		return fmt.Errorf("create codec: %w", err)
	}

	storageKey := v.GetString("storage-key")
	locker, closeLock, err := newLocker(ctx, v, storageKey)
	if err != nil {
		return err
	}
	defer closeLock()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	engine := persist.New(
		lms.NewAdapter(frame),
		db.Bucket(store.NamespaceLocal),
		c,
		persist.WithLocker(locker),
		persist.WithDebounce(v.GetDuration("debounce")),
		persist.WithStorageKey(storageKey),
	)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	handler.New(engine).Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	slog.Info("starting server",
		"addr", addr,
		"lms", v.GetString("lms"),
		"compression", c.Format(),
		"debounce", v.GetDuration("debounce"),
		"lock", v.GetString("lock"),
		"lang", lang,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Flush and close an open session before the listener goes away.
		if st := engine.Status(); st.Initialized && !st.Terminated {
			if res := engine.Terminate(shutdownCtx); !res.OK {
				slog.Warn("terminate on shutdown", "layer", res.Layer, "error", res.Err)
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// hostFrame builds the window the adapter searches for a host API.
func hostFrame(kind string, backing lms.Backing) (*lms.Frame, error) {
	switch strings.ToLower(kind) {
	case "none", "":
		return &lms.Frame{}, nil
	case "scorm12", "1.2":
		return &lms.Frame{Objects: map[string]any{lms.NameAPI12: lms.NewHost12(backing)}}, nil
	case "scorm2004", "2004":
		return &lms.Frame{Objects: map[string]any{lms.NameAPI2004: lms.NewHost2004(backing)}}, nil
	default:
		return nil, fmt.Errorf("unknown lms host %q (want none, scorm12 or scorm2004)", kind)
	}
}

func newLocker(ctx context.Context, v *viper.Viper, name string) (lock.Locker, func(), error) {
	switch strings.ToLower(v.GetString("lock")) {
	case "local", "":
		return lock.NewBroker(name).Client(), func() {}, nil
	case "redis":
		addr := v.GetString("redis-addr")
		rdb, err := lock.Dial(ctx, addr)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
		}
		l := lock.NewRedis(rdb, "lmsstate:lock:"+name, v.GetDuration("lock-ttl"), slog.Default())
		return l, func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q (want local or redis)", v.GetString("lock"))
	}
}

func runDecode(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	payload, err := readPayload(cmd.InOrStdin(), v.GetString("file"), args)
	if err != nil {
		return err
	}

	// Any codec decodes every format; the prefix selects the decompressor.
	c, err := codec.New("none")
	if err != nil {
		return fmt.Errorf("create codec: %w", err)
	}

	var out any
	if v.GetBool("raw") {
		data, err := c.Decode(payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		out = json.RawMessage(data)
	} else {
		s, err := c.DecodeState(payload)
		if err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if err := model.Validate(s); err != nil {
			return err
		}
		out = s
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func readPayload(stdin io.Reader, path string, args []string) (string, error) {
	var data []byte
	var err error
	switch {
	case len(args) == 1:
		data = []byte(args[0])
	case path != "":
		data, err = os.ReadFile(path)
	default:
		data, err = io.ReadAll(stdin)
	}
	if err != nil {
		return "", fmt.Errorf("read payload: %w", err)
	}
	payload := strings.TrimSpace(string(data))
	if payload == "" {
		return "", errors.New("empty payload")
	}
	return payload, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	c, err := codec.New("none")
	if err != nil {
		return fmt.Errorf("create codec: %w", err)
	}
	decoders := map[string]store.DecodeFunc{
		store.NamespaceLocal: func(_, raw string) (*model.State, error) {
			s, err := model.Unmarshal([]byte(raw))
			if err != nil {
				return nil, err
			}
			return &s, nil
		},
		// The LMS bucket also holds status and score elements; only suspend data is a state document.
		store.NamespaceLMS: func(key, raw string) (*model.State, error) {
			if key != lms.KeySuspendData || raw == "" {
				return nil, nil
			}
			s, err := c.DecodeState(raw)
			if err != nil {
				return nil, err
			}
			return &s, nil
		},
	}

	var exports []model.StateExport
	for _, ns := range v.GetStringSlice("namespace") {
		decode, ok := decoders[ns]
		if !ok {
			return fmt.Errorf("unknown namespace %q", ns)
		}
		exp, err := db.ExportBucket(ns, decode)
		if err != nil {
			return fmt.Errorf("export %s: %w", ns, err)
		}
		exports = append(exports, exp)
	}

	data, err := json.MarshalIndent(exports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
