package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/banshee-data/posesync/internal/config"
	"github.com/banshee-data/posesync/internal/frames"
	"github.com/banshee-data/posesync/internal/metrics"
	"github.com/banshee-data/posesync/internal/monitoring"
	"github.com/banshee-data/posesync/internal/pose"
	"github.com/banshee-data/posesync/internal/statesync"
	"github.com/banshee-data/posesync/internal/store"
	"github.com/banshee-data/posesync/internal/subscription"
	"github.com/banshee-data/posesync/internal/transport"
)

// app wires the manager's components together.
type app struct {
	cfg      *config.Config
	graph    *frames.Graph
	store    *store.Store
	registry *subscription.Registry
	sync     *statesync.Synchronizer
	server   *transport.Server
	grpc     *grpc.Server
	promReg  *prometheus.Registry
	recorder *store.Recorder

	upstreamConn *grpc.ClientConn
	upstream     *transport.Client

	logf func(string, ...interface{})
}

func newApp(ctx context.Context, cfg *config.Config, upstreamAddr string, excluded []string) (*app, error) {
	a := &app{
		cfg:     cfg,
		graph:   frames.NewGraph(),
		promReg: prometheus.NewRegistry(),
		logf:    monitoring.Component("Manager"),
	}
	tol := pose.Tolerance{Position: cfg.GetPositionEpsilon(), Orientation: cfg.GetOrientationEpsilon()}

	if path := cfg.GetDatabasePath(); path != "" {
		st, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open catalogue %s: %w", path, err)
		}
		a.store = st
		n, err := st.LoadInto(ctx, a.graph)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load catalogue: %w", err)
		}
		a.logf("Loaded %d entities from %s", n, path)
	}

	if err := a.createEye(ctx); err != nil {
		a.close()
		return nil, err
	}

	if upstreamAddr != "" {
		conn, err := grpc.NewClient(upstreamAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("dial upstream %s: %w", upstreamAddr, err)
		}
		a.upstreamConn = conn
		client, err := transport.Connect(ctx, conn, a.graph, transport.ClientConfig{Exclude: excluded, Tolerance: tol, DeferUpdates: true})
		if err != nil {
			a.close()
			return nil, err
		}
		a.upstream = client
		a.registry = client.Registry()
		a.logf("Nested under %s (excluding %v)", upstreamAddr, excluded)
		if cfg.GetRecordUpstream() && a.store != nil {
			a.recorder = store.NewRecorder(a.store, cfg.GetSessionBuffer())
			a.registry.AppliedEvent.AddListener(a.recorder.Record)
			a.logf("Recording upstream states to %s", cfg.GetDatabasePath())
		}
	} else {
		a.registry = subscription.NewRegistry(a.graph, subscription.Config{Tolerance: tol})
	}

	a.sync = statesync.New(a.graph, statesync.Config{
		Registry:        a.registry,
		Tolerance:       tol,
		Metrics:         metrics.NewSync(a.promReg),
		StatsInterval:   cfg.GetStatsInterval(),
		SampleRetention: cfg.GetSampleRetention(),
	})
	a.server = transport.NewServer(a.sync, cfg.GetSessionBuffer())
	a.grpc = grpc.NewServer(transport.ServerOptions()...)
	a.server.Register(a.grpc)
	return a, nil
}

// createEye adds the default view's eye entity, or updates it if the
// catalogue already holds one, and persists it.
func (a *app) createEye(ctx context.Context) error {
	id, frame, tr, ok := a.cfg.Eye()
	if !ok {
		return nil
	}
	e, exists := a.graph.Get(id)
	if exists {
		e.SetReferenceFrame(frame)
		e.SetSource(frames.NewConstantPose(tr))
	} else {
		e = frames.NewEntity(id, frame, frames.NewConstantPose(tr))
		if err := a.graph.Add(e); err != nil {
			return fmt.Errorf("create eye: %w", err)
		}
	}
	if a.store != nil {
		if err := a.store.SaveEntity(ctx, e); err != nil {
			return fmt.Errorf("persist eye: %w", err)
		}
	}
	a.logf("Default view eye %q in %s", id, frame)
	return nil
}

// run serves sessions and drives the frame loop until ctx ends.
func (a *app) run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.GetListenAddr())
	if err != nil {
		a.close()
		return fmt.Errorf("failed to listen: %w", err)
	}
	return a.serve(ctx, lis)
}

func (a *app) serve(ctx context.Context, lis net.Listener) error {
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	go func() {
		a.logf("gRPC server listening on %s", lis.Addr())
		if err := a.grpc.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if addr := a.cfg.GetMetricsAddr(); addr != "" {
		metricsSrv = &http.Server{Addr: addr, Handler: metricsMux(a.promReg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			a.logf("Metrics listening on %s", addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics serve: %w", err)
			}
		}()
	}

	go func() {
		if err := a.sync.Run(ctx, a.cfg.GetFrameInterval(), nil); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	recorderDone := make(chan struct{})
	if a.recorder != nil {
		go func() {
			defer close(recorderDone)
			_ = a.recorder.Run(ctx)
		}()
	} else {
		close(recorderDone)
	}

	var upstreamDone <-chan struct{}
	if a.upstream != nil {
		upstreamDone = a.upstream.Done()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	case <-upstreamDone:
		if ctx.Err() == nil {
			runErr = fmt.Errorf("upstream session ended: %v", a.upstream.Err())
		}
	}
	cancel()

	a.logf("Shutting down...")
	stopped := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		a.grpc.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		done()
	}
	<-recorderDone
	return runErr
}

// forgetEntities removes ids and their samples from the catalogue at path.
func forgetEntities(ctx context.Context, path string, ids []string) error {
	if path == "" {
		return errors.New("no catalogue configured")
	}
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open catalogue %s: %w", path, err)
	}
	defer st.Close()
	for _, id := range ids {
		if err := st.DeleteEntity(ctx, id); err != nil {
			return err
		}
		log.Printf("Removed %s from %s", id, path)
	}
	return nil
}

func metricsMux(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

func (a *app) close() {
	if a.upstream != nil {
		_ = a.upstream.Close()
	}
	if a.upstreamConn != nil {
		_ = a.upstreamConn.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logf("close catalogue: %v", err)
		}
	}
}
