// Package agent is the worker process launched on every host: it runs the
// task in the background and reports status and logs over HTTP.
package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/telemetry"
)

const serviceName = "biopoem-agent"

// Agent owns the job goroutine and the HTTP surface of one host.
type Agent struct {
	cfg     Config
	logger  zerolog.Logger
	engine  Engine
	status  *StatusStore
	metrics *metrics
	client  *http.Client

	startOnce sync.Once
	done      chan struct{}
}

// New validates cfg and builds an Agent. A nil engine runs cfg.EngineCommand.
func New(cfg Config, engine Engine, logger zerolog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	workdir, err := filepath.Abs(cfg.Workdir)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	cfg.Workdir = workdir
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}

	if engine == nil {
		engine = CommandEngine{Command: cfg.EngineCommand, WebhookURL: cfg.WebhookURL, Dir: workdir}
	}

	a := &Agent{
		cfg:     cfg,
		logger:  logger.With().Str("component", "agent").Logger(),
		engine:  engine,
		status:  NewStatusStore(workdir),
		metrics: newMetrics(),
		client:  &http.Client{Timeout: 5 * time.Minute, Transport: telemetry.Transport(nil)},
		done:    make(chan struct{}),
	}
	a.metrics.setStatus(string(agentapi.StatusRunning))
	return a, nil
}

// Done is closed when the job has finished and its status is recorded.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Status returns the current job status.
func (a *Agent) Status() (agentapi.Status, error) {
	return a.status.Read()
}

// Start prepares the task and launches the job in the background. It
// returns once the job goroutine is running.
func (a *Agent) Start(ctx context.Context) error {
	var err error
	started := false
	a.startOnce.Do(func() {
		started = true
		err = a.start(ctx)
	})
	if !started {
		return errors.New("agent already started")
	}
	return err
}

func (a *Agent) start(ctx context.Context) error {
	if err := a.status.Reset(); err != nil {
		return err
	}
	taskPath, err := PrepareTask(ctx, a.client, a.cfg.Workdir, a.cfg.Task)
	if err != nil {
		return err
	}
	clientLog, err := os.OpenFile(filepath.Join(a.cfg.Workdir, agentapi.ClientLog), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open client log: %w", err)
	}

	a.logger.Info().Str("task", taskPath).Msg("launching workload engine")
	go a.runJob(ctx, taskPath, clientLog)
	return nil
}

func (a *Agent) runJob(ctx context.Context, taskPath string, clientLog *os.File) {
	defer close(a.done)
	defer clientLog.Close()

	start := time.Now()
	fmt.Fprintf(clientLog, "[%s] launch %s\n", start.Format(time.DateTime), taskPath)
	code, err := a.engine.Run(ctx, taskPath, clientLog)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(clientLog, "[%s] engine error: %v\n", time.Now().Format(time.DateTime), err)
		a.logger.Error().Err(err).Msg("workload engine did not run")
	}
	fmt.Fprintf(clientLog, "[%s] engine exited with code %d after %s\n", time.Now().Format(time.DateTime), code, elapsed.Round(time.Second))

	status, werr := a.status.Complete(code)
	if werr != nil {
		a.logger.Error().Err(werr).Msg("write status")
	}
	a.metrics.jobDuration.Observe(elapsed.Seconds())
	a.metrics.setStatus(string(status))
	a.logger.Info().Int("exit_code", code).Str("status", string(status)).Dur("duration", elapsed).Msg("job finished")
}

// Router returns the HTTP handler of the agent.
func (a *Agent) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.metrics.instrument)
	if a.cfg.RateLimit > 0 {
		r.Use(httprate.Limit(a.cfg.RateLimit, time.Minute, httprate.WithKeyFuncs(keyByRemoteAddr)))
	}

	r.Get(agentapi.PathHealth, func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	r.Method(http.MethodGet, agentapi.PathMetrics, a.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(a.requireSecret)
		r.Get(agentapi.PathStatus, a.handleStatus)
		r.Get(agentapi.PathClientLog, a.handleLog(agentapi.ClientLog))
		r.Get(agentapi.PathInitLog, a.handleLog(agentapi.InitLog))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusNotFound, agentapi.NotFoundBody)
	})

	return telemetry.Middleware(serviceName, a.logger)(r)
}

func (a *Agent) requireSecret(next http.Handler) http.Handler {
	expected := []byte(a.cfg.SecretKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := []byte(r.URL.Query().Get(agentapi.SecretParam))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			a.metrics.authFailures.Inc()
			writeText(w, http.StatusUnauthorized, agentapi.AuthFailedBody)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.status.Read()
	if err != nil {
		a.logger.Error().Err(err).Msg("read status")
		writeText(w, http.StatusInternalServerError, "cannot read status")
		return
	}
	writeText(w, http.StatusOK, string(status))
}

func (a *Agent) handleLog(name string) http.HandlerFunc {
	path := filepath.Join(a.cfg.Workdir, name)
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			writeText(w, http.StatusOK, "")
			return
		}
		if err != nil {
			a.logger.Error().Err(err).Str("log", name).Msg("open log")
			writeText(w, http.StatusInternalServerError, "cannot read log")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			writeText(w, http.StatusInternalServerError, "cannot read log")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

// keyByRemoteAddr keys the rate limit on the connection peer; forwarding
// headers are ignored.
func keyByRemoteAddr(r *http.Request) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, nil
	}
	return host, nil
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

// Serve starts the job and serves HTTP until ctx is cancelled.
func (a *Agent) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (a *Agent) ServeListener(ctx context.Context, ln net.Listener) error {
	if err := a.Start(ctx); err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("agent listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("agent shutdown")
	}
	return nil
}
