// Package monitor polls every agent in the registry and prints the fleet
// status as a table.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"biopoem/pkg/agentapi"
	"biopoem/pkg/bus"
	"biopoem/pkg/errs"
	"biopoem/pkg/telemetry"
	"biopoem/services/registry"
)

// Status is what the table shows for a host.
type Status string

const (
	StatusRunning      = Status(agentapi.StatusRunning)
	StatusSuccess      = Status(agentapi.StatusSuccess)
	StatusFailed       = Status(agentapi.StatusFailed)
	StatusUnreachable  Status = "Unreachable"
	StatusUnauthorized Status = "Unauthorized"
)

// Defaults.
const (
	DefaultInterval  = time.Minute
	DefaultTailBytes = 2048
	pollConcurrency  = 16
)

// Row is one host observed at one tick.
type Row struct {
	Timestamp     time.Time `json:"timestamp"`
	Hostname      string    `json:"hostname"`
	Status        Status    `json:"status"`
	ClientLogURL  string    `json:"client_log"`
	InitLogURL    string    `json:"init_log"`
	ClientLogTail string    `json:"client_log_tail,omitempty"`
	InitLogTail   string    `json:"init_log_tail,omitempty"`
}

// Sink receives every row as it is observed.
type Sink interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Options control polling.
type Options struct {
	SecretKey string
	AgentPort int
	Online    bool
	Interval  time.Duration
	// Tail fetches the last TailBytes of both logs for every host.
	Tail      bool
	TailBytes int64
	Timeout   time.Duration
}

// Monitor polls a fixed set of hosts.
type Monitor struct {
	hosts  []registry.Host
	opts   Options
	client *http.Client
	out    io.Writer
	logger zerolog.Logger
	sink   Sink
	now    func() time.Time

	mu    sync.Mutex
	last  []Row
	ticks int
}

// New returns a Monitor printing to out.
func New(hosts []registry.Host, opts Options, out io.Writer, logger zerolog.Logger) *Monitor {
	if opts.AgentPort == 0 {
		opts.AgentPort = agentapi.DefaultPort
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = DefaultTailBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Monitor{
		hosts:  hosts,
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout, Transport: telemetry.Transport(nil)},
		out:    out,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    time.Now,
	}
}

// WithSink publishes rows to s in addition to printing them.
func (m *Monitor) WithSink(s Sink) *Monitor {
	m.sink = s
	return m
}

// WithClient replaces the HTTP client used for polling.
func (m *Monitor) WithClient(c *http.Client) *Monitor {
	m.client = c
	return m
}

// Last returns the rows of the most recent tick. Earlier ticks are not
// retained.
func (m *Monitor) Last() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Row(nil), m.last...)
}

// Ticks is the number of completed polls.
func (m *Monitor) Ticks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

// Run polls once, then every Interval while Online, until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.opts.SecretKey == "" {
		return errs.Configf("secret-key", "is required to query agents")
	}
	for {
		rows := m.Poll(ctx)
		fmt.Fprintln(m.out, RenderTable(rows))
		if m.opts.Tail {
			fmt.Fprint(m.out, RenderTails(rows))
		}
		if !m.opts.Online {
			return nil
		}

		timer := time.NewTimer(m.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Poll queries every host once. Rows come back in registry order.
func (m *Monitor) Poll(ctx context.Context) []Row {
	ts := m.now()
	rows := make([]Row, len(m.hosts))

	var g errgroup.Group
	g.SetLimit(pollConcurrency)
	for i, host := range m.hosts {
		g.Go(func() error {
			rows[i] = m.pollHost(ctx, host, ts)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.last = rows
	m.ticks++
	m.mu.Unlock()

	if m.sink != nil {
		for _, row := range rows {
			if err := m.sink.Publish(ctx, bus.SubjectFleetStatus, row); err != nil {
				m.logger.Warn().Err(err).Str("host", row.Hostname).Msg("publish status")
			}
		}
	}
	return rows
}

func (m *Monitor) pollHost(ctx context.Context, host registry.Host, ts time.Time) Row {
	row := Row{
		Timestamp:    ts,
		Hostname:     host.Hostname,
		ClientLogURL: agentapi.URL(host.IPAddr, m.opts.AgentPort, agentapi.PathClientLog, m.opts.SecretKey),
		InitLogURL:   agentapi.URL(host.IPAddr, m.opts.AgentPort, agentapi.PathInitLog, m.opts.SecretKey),
	}
	statusURL := agentapi.URL(host.IPAddr, m.opts.AgentPort, agentapi.PathStatus, m.opts.SecretKey)

	code, body, err := m.get(ctx, statusURL, "")
	if err != nil {
		perr := &errs.PollError{Host: host.Hostname, URL: redact(statusURL), Err: err}
		m.logger.Warn().Err(perr).Msg("agent unreachable")
		row.Status = StatusUnreachable
		return row
	}
	row.Status = classify(code, body)

	if m.opts.Tail && row.Status != StatusUnauthorized {
		row.ClientLogTail = m.tail(ctx, host, row.ClientLogURL)
		row.InitLogTail = m.tail(ctx, host, row.InitLogURL)
	}
	return row
}

// classify maps a reachable agent's reply to a table status.
func classify(code int, body string) Status {
	if code == http.StatusUnauthorized {
		return StatusUnauthorized
	}
	if s, ok := agentapi.ParseStatus(body); ok {
		return Status(s)
	}
	return StatusRunning
}

func (m *Monitor) tail(ctx context.Context, host registry.Host, url string) string {
	code, body, err := m.get(ctx, url, fmt.Sprintf("bytes=-%d", m.opts.TailBytes))
	if err != nil {
		m.logger.Debug().Err(&errs.PollError{Host: host.Hostname, URL: redact(url), Err: err}).Msg("fetch log tail")
		return ""
	}
	switch code {
	case http.StatusOK, http.StatusPartialContent:
		return body
	default:
		return ""
	}
}

func (m *Monitor) get(ctx context.Context, url, byteRange string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	limit := int64(64 << 10)
	if m.opts.TailBytes > 0 && byteRange != "" {
		limit = m.opts.TailBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(data), nil
}

func redact(url string) string {
	if i := strings.Index(url, agentapi.SecretParam+"="); i >= 0 {
		return url[:i] + agentapi.SecretParam + "=***"
	}
	return url
}
