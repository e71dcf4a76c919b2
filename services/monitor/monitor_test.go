package monitor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"biopoem/pkg/agentapi"
	"biopoem/services/registry"
)

const secret = "s3cret"

// fleetTransport routes requests to an in-process handler per host IP;
// hosts without a handler fail as if the connection was refused.
type fleetTransport map[string]http.Handler

func (f fleetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	host, _, _ := net.SplitHostPort(req.URL.Host)
	h, ok := f[host]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func agentHandler(status string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(agentapi.SecretParam) != secret {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(agentapi.AuthFailedBody))
			return
		}
		switch r.URL.Path {
		case agentapi.PathStatus:
			w.Write([]byte(status))
		case agentapi.PathClientLog:
			http.ServeContent(w, r, "client.log", time.Time{}, strings.NewReader(strings.Repeat("x", 4096)+"tail of client"))
		case agentapi.PathInitLog:
			w.Write([]byte("init ok\n"))
		default:
			http.NotFound(w, r)
		}
	})
}

func fleet(n int) []registry.Host {
	private := make([]string, n)
	public := make([]string, n)
	for i := range private {
		private[i] = "172.16.0." + string(rune('1'+i))
		public[i] = "10.0.0." + string(rune('1'+i))
	}
	hosts, _ := registry.GenHosts(private, public)
	return hosts
}

func newTestMonitor(hosts []registry.Host, transport http.RoundTripper, opts Options, out *bytes.Buffer) *Monitor {
	if opts.SecretKey == "" {
		opts.SecretKey = secret
	}
	m := New(hosts, opts, out, zerolog.Nop()).WithClient(&http.Client{Transport: transport})
	m.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return m
}

func TestPollDistinguishesStatuses(t *testing.T) {
	hosts := fleet(5)
	transport := fleetTransport{
		"10.0.0.1": agentHandler("Success"),
		"10.0.0.2": agentHandler("Failed"),
		"10.0.0.4": agentHandler("<html>starting</html>"),
		"10.0.0.5": agentHandler("Running"),
	}
	var out bytes.Buffer
	m := newTestMonitor(hosts, transport, Options{}, &out)

	rows := m.Poll(context.Background())
	want := []Status{StatusSuccess, StatusFailed, StatusUnreachable, StatusRunning, StatusRunning}
	for i, row := range rows {
		if row.Hostname != hosts[i].Hostname {
			t.Fatalf("row %d hostname = %s, want %s", i, row.Hostname, hosts[i].Hostname)
		}
		if row.Status != want[i] {
			t.Fatalf("row %d status = %s, want %s", i, row.Status, want[i])
		}
	}
	if rows[1].Status == rows[2].Status {
		t.Fatalf("failed and unreachable hosts share status %s", rows[1].Status)
	}
	if !strings.Contains(rows[0].ClientLogURL, "secret_key="+secret) || !strings.HasPrefix(rows[0].InitLogURL, "http://10.0.0.1:3000/log/init") {
		t.Fatalf("log URLs = %s, %s", rows[0].ClientLogURL, rows[0].InitLogURL)
	}
}

func TestPollUnauthorized(t *testing.T) {
	var out bytes.Buffer
	m := newTestMonitor(fleet(1), fleetTransport{"10.0.0.1": agentHandler("Success")}, Options{SecretKey: "wrong"}, &out)
	rows := m.Poll(context.Background())
	if rows[0].Status != StatusUnauthorized {
		t.Fatalf("status = %s, want %s", rows[0].Status, StatusUnauthorized)
	}
}

func TestRunOncePrintsTable(t *testing.T) {
	var out bytes.Buffer
	m := newTestMonitor(fleet(2), fleetTransport{"10.0.0.1": agentHandler("Success")}, Options{}, &out)

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	text := out.String()
	for _, want := range append(Columns, "biopoem001", "biopoem002", "Success", "Unreachable", "2026-01-02 03:04:05") {
		if !strings.Contains(text, want) {
			t.Fatalf("table missing %q:\n%s", want, text)
		}
	}
	if got := len(m.Last()); got != 2 {
		t.Fatalf("Last() has %d rows, want 2", got)
	}
}

func TestRunRequiresSecret(t *testing.T) {
	m := New(fleet(1), Options{}, &bytes.Buffer{}, zerolog.Nop())
	if err := m.Run(context.Background()); err == nil {
		t.Fatalf("Run() error = nil, want missing secret")
	}
}

func TestRunOnlineStopsOnCancel(t *testing.T) {
	var out bytes.Buffer
	m := newTestMonitor(fleet(1), fleetTransport{"10.0.0.1": agentHandler("Running")}, Options{Online: true, Interval: time.Millisecond}, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for m.Ticks() < 3 {
		select {
		case <-deadline:
			t.Fatalf("monitor did not keep polling")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestTailFetchesLastBytes(t *testing.T) {
	var out bytes.Buffer
	m := newTestMonitor(fleet(1), fleetTransport{"10.0.0.1": agentHandler("Running")}, Options{Tail: true, TailBytes: 14}, &out)

	rows := m.Poll(context.Background())
	if rows[0].ClientLogTail != "tail of client" {
		t.Fatalf("client tail = %q, want %q", rows[0].ClientLogTail, "tail of client")
	}
	if rows[0].InitLogTail != "init ok\n" {
		t.Fatalf("init tail = %q", rows[0].InitLogTail)
	}
	tails := RenderTails(rows)
	if !strings.Contains(tails, "==> biopoem001 client.log <==\ntail of client\n") {
		t.Fatalf("RenderTails() = %q", tails)
	}
}

func TestOnlyLatestTickRetained(t *testing.T) {
	hosts := fleet(5)
	transport := fleetTransport{}
	for _, h := range hosts {
		transport[h.IPAddr] = agentHandler("Running")
	}
	var out bytes.Buffer
	m := newTestMonitor(hosts, transport, Options{Tail: true}, &out)

	for i := 0; i < 200; i++ {
		m.Poll(context.Background())
	}
	if got := m.Ticks(); got != 200 {
		t.Fatalf("Ticks() = %d, want 200", got)
	}
	last := m.Last()
	if len(last) != len(hosts) {
		t.Fatalf("Last() has %d rows after 200 ticks, want %d", len(last), len(hosts))
	}
	for i, row := range last {
		if row.Hostname != hosts[i].Hostname || row.Status != StatusRunning {
			t.Fatalf("row %d = %+v", i, row)
		}
	}
}

type recordingSink struct {
	mu   sync.Mutex
	subj []string
	rows []Row
}

func (s *recordingSink) Publish(_ context.Context, subj string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subj = append(s.subj, subj)
	s.rows = append(s.rows, v.(Row))
	return nil
}

func TestPollPublishesRows(t *testing.T) {
	sink := &recordingSink{}
	var out bytes.Buffer
	m := newTestMonitor(fleet(2), fleetTransport{"10.0.0.2": agentHandler("Success")}, Options{}, &out).WithSink(sink)
	m.Poll(context.Background())

	if len(sink.rows) != 2 || sink.subj[0] != "biopoem.fleet.status" {
		t.Fatalf("sink received %v on %v", sink.rows, sink.subj)
	}
	if sink.rows[1].Status != StatusSuccess {
		t.Fatalf("published status = %s", sink.rows[1].Status)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		body string
		want Status
	}{
		{code: 200, body: "Success", want: StatusSuccess},
		{code: 200, body: "Failed", want: StatusFailed},
		{code: 200, body: "garbage", want: StatusRunning},
		{code: 500, body: "cannot read status", want: StatusRunning},
		{code: 401, body: "Authentication failed", want: StatusUnauthorized},
	}
	for _, tt := range tests {
		if got := classify(tt.code, tt.body); got != tt.want {
			t.Fatalf("classify(%d, %q) = %s, want %s", tt.code, tt.body, got, tt.want)
		}
	}
}
