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
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/fruitsalade/dropzone/internal/auth"
	"github.com/fruitsalade/dropzone/internal/config"
	"github.com/fruitsalade/dropzone/internal/events"
	"github.com/fruitsalade/dropzone/internal/ingest"
	"github.com/fruitsalade/dropzone/internal/journal"
	"github.com/fruitsalade/dropzone/internal/logging"
	"github.com/fruitsalade/dropzone/internal/metrics"
	"github.com/fruitsalade/dropzone/internal/sink"
	"github.com/fruitsalade/dropzone/internal/storage"
	"github.com/fruitsalade/dropzone/internal/storage/local"
	s3storage "github.com/fruitsalade/dropzone/internal/storage/s3"
	"github.com/fruitsalade/dropzone/internal/transfer/remote"
)

// app is the upload pipeline shared by every command.
type app struct {
	cfg      *config.Config
	bus      *events.Broadcaster
	session  *auth.Session
	router   *storage.Router
	queue    *sink.Queue
	gate     *sink.Gate
	dropzone *sink.Dropzone
	journal  *journal.Store
	metrics  *http.Server
	needAuth bool

	eventCh    chan events.Event
	eventsDone chan struct{}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		bus:    events.NewBroadcaster(),
		router: storage.NewRouter(),
	}
	a.session = auth.NewSession(cfg.JWTSecret, a.bus)

	target, writable, err := a.openTarget(ctx)
	if err != nil {
		return nil, err
	}

	queueOpts := []sink.QueueOption{
		sink.WithWorkers(cfg.UploadWorkers),
		sink.WithEvents(a.bus),
		sink.WithPrefix(cfg.DestPrefix),
	}
	if cfg.DatabaseURL != "" {
		store, err := journal.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		a.journal = store
		queueOpts = append(queueOpts, sink.WithJournal(store))
	}

	a.queue = sink.NewQueue(target, queueOpts...)
	a.queue.Start(ctx)

	var authn sink.Authenticator
	if a.needAuth {
		authn = a.session
		a.restoreSession()
	}
	a.gate = sink.NewGate(a.queue, authn, a.bus)

	var ingestOpts []ingest.Option
	if cfg.MaxInFlight > 0 {
		ingestOpts = append(ingestOpts, ingest.WithMaxInFlight(cfg.MaxInFlight))
	}
	a.dropzone = sink.NewDropzone(a.gate, writable, ingestOpts...)

	a.startMetrics()
	if jsonEvents {
		a.streamEvents(os.Stderr)
	} else {
		a.bus.Handle(events.EventItemFailed, func(e events.Event) {
			fmt.Fprintf(os.Stderr, "failed: %s: %s\n", e.Path, e.Error)
		})
	}
	return a, nil
}

// streamEvents writes every event published on the bus to w, one JSON object
// per line. Slow writers lose events rather than stall uploads.
func (a *app) streamEvents(w io.Writer) {
	a.eventCh = a.bus.Subscribe()
	a.eventsDone = make(chan struct{})
	go func() {
		defer close(a.eventsDone)
		for e := range a.eventCh {
			data, err := events.MarshalEvent(e)
			if err != nil {
				logging.Debug("event not encodable", zap.String("type", e.Type), zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "%s\n", data)
		}
	}()
}

func (a *app) stopEvents() {
	if a.eventCh == nil {
		return
	}
	a.bus.Unsubscribe(a.eventCh)
	<-a.eventsDone
	a.eventCh = nil
}

// openTarget builds the upload destination and its writability check.
func (a *app) openTarget(ctx context.Context) (sink.Target, sink.WritableFunc, error) {
	cfg := a.cfg
	if cfg.StorageBackend == "remote" {
		a.needAuth = true
		client := remote.New(remote.Config{
			BaseURL: cfg.RemoteURL,
			Timeout: cfg.RemoteTimeout,
			Tokens:  a.session,
		})
		writable := func() error {
			if cfg.TargetReadOnly {
				return storage.ErrReadOnlyStorage
			}
			return nil
		}
		return client, writable, nil
	}

	var raw any
	switch cfg.StorageBackend {
	case "local":
		raw = local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true}
	case "s3":
		raw = s3Config(cfg)
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	backend, err := storage.NewBackendFromConfig(ctx, cfg.StorageBackend, rawJSON)
	if err != nil {
		return nil, nil, err
	}
	if err := a.router.Add(storage.Location{
		Name:      cfg.StorageBackend,
		Backend:   backend,
		ReadOnly:  cfg.TargetReadOnly,
		IsDefault: true,
	}); err != nil {
		return nil, nil, err
	}
	loc, err := a.router.Resolve("")
	if err != nil {
		return nil, nil, err
	}
	return loc.Backend, func() error { return a.router.CheckWritable(loc.Name) }, nil
}

func s3Config(cfg *config.Config) s3storage.BackendConfig {
	return s3storage.BackendConfig{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
	}
}

func tokenPath(cfg *config.Config) string {
	if cfg.TokenFile != "" {
		return cfg.TokenFile
	}
	return auth.TokenFilePath()
}

func (a *app) restoreSession() {
	if a.cfg.Token != "" {
		if err := a.session.Login(a.cfg.Token); err != nil {
			logging.Warn("DROPZONE_TOKEN rejected", zap.Error(err))
		}
		return
	}
	if err := a.session.Restore(tokenPath(a.cfg)); err != nil && !errors.Is(err, auth.ErrNoSession) {
		logging.Warn("saved token unusable", zap.Error(err))
	}
}

func (a *app) startMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}
	a.metrics = &http.Server{
		Addr:    a.cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", a.cfg.MetricsAddr))
		if err := a.metrics.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
}

// finish waits for the batch to upload, prompting for a token first when the
// gate is holding it back.
func (a *app) finish(ctx context.Context) error {
	if a.gate.Pending() > 0 {
		if err := a.promptLogin(); err != nil {
			return err
		}
	}
	if err := a.queue.Wait(ctx); err != nil {
		return err
	}

	s := a.queue.Stats()
	fmt.Printf("uploaded %d item(s), %d bytes", s.Uploaded, s.Bytes)
	if s.Failed > 0 {
		fmt.Printf(", %d failed\n", s.Failed)
		return fmt.Errorf("%d upload(s) failed", s.Failed)
	}
	fmt.Println()
	return nil
}

func (a *app) promptLogin() error {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return fmt.Errorf("not logged in: run 'dropzone login' or set DROPZONE_TOKEN")
	}
	fmt.Print("Not logged in. Token: ")
	tok, err := readSecret()
	if err != nil {
		return err
	}
	return a.session.Login(tok)
}

func readSecret() (string, error) {
	if term.IsTerminal(int(syscall.Stdin)) {
		b, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (a *app) Close() {
	a.queue.Close()
	a.stopEvents()
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	a.router.Close()
}

// printBatch summarizes what a gesture collected.
func printBatch(b *ingest.Batch) {
	fmt.Printf("batch %s: %d file(s), %d empty folder(s)\n", b.ID, len(b.Files), len(b.EmptyDirectories))
	if b.Stats.Dropped > 0 || b.Stats.PageFailures > 0 {
		fmt.Printf("  skipped %d unreadable file(s), %d folder read failure(s)\n", b.Stats.Dropped, b.Stats.PageFailures)
	}
	if b.Stats.Cancelled > 0 {
		fmt.Printf("  interrupted: %d folder(s) not fully read\n", b.Stats.Cancelled)
	}
}
