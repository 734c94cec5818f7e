package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/websocket"
)

// Config for a load run. Env vars set the defaults, flags override them.
type Config struct {
	WSURL             string        `env:"LOADTEST_WS_URL" envDefault:"ws://localhost:8081/"`
	HealthURL         string        `env:"LOADTEST_HEALTH_URL" envDefault:"http://localhost:8081/health"`
	TargetConnections int           `env:"LOADTEST_CONNECTIONS" envDefault:"150"`
	RampRate          int           `env:"LOADTEST_RAMP_RATE" envDefault:"25"` // connections per second
	Sustain           time.Duration `env:"LOADTEST_SUSTAIN" envDefault:"60s"`
	SendInterval      time.Duration `env:"LOADTEST_SEND_INTERVAL" envDefault:"500ms"`
	ReportInterval    time.Duration `env:"LOADTEST_REPORT_INTERVAL" envDefault:"10s"`
	DialTimeout       time.Duration `env:"LOADTEST_DIAL_TIMEOUT" envDefault:"10s"`
}

// State tracks run metrics
type State struct {
	open      int64
	created   int64
	dialFails int64

	queuedNotices    int64
	coldStartNotices int64
	relayedEvents    int64
	sentEvents       int64
	upstreamErrors   int64 // upstream "error" events relayed back

	closeCodes sync.Map // map[int]*int64

	startTime time.Time
}

func (s *State) recordClose(code int) {
	v, _ := s.closeCodes.LoadOrStore(code, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// relayHealth is the subset of /health the report prints
type relayHealth struct {
	Status    string `json:"status"`
	Admission struct {
		Active   int `json:"active"`
		Queued   int `json:"queued"`
		Capacity int `json:"capacity"`
	} `json:"admission"`
	System struct {
		CPUPercent float64 `json:"cpu_percent"`
		MemoryMB   float64 `json:"memory_mb"`
	} `json:"system"`
}

func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	flag.StringVar(&cfg.WSURL, "url", cfg.WSURL, "relay websocket URL")
	flag.StringVar(&cfg.HealthURL, "health", cfg.HealthURL, "relay health URL")
	flag.IntVar(&cfg.TargetConnections, "connections", cfg.TargetConnections, "number of clients")
	flag.IntVar(&cfg.RampRate, "ramp", cfg.RampRate, "new clients per second")
	flag.DurationVar(&cfg.Sustain, "sustain", cfg.Sustain, "how long to hold the load after ramp-up")
	flag.DurationVar(&cfg.SendInterval, "send-interval", cfg.SendInterval, "per-client event interval")
	flag.DurationVar(&cfg.ReportInterval, "report", cfg.ReportInterval, "report interval")
	flag.Parse()

	if cfg.TargetConnections < 1 || cfg.RampRate < 1 {
		return nil, errors.New("connections and ramp must be > 0")
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	state := &State{startTime: time.Now()}

	log.Printf("%s", strings.Repeat("=", 72))
	log.Printf("RELAY LOAD TEST")
	log.Printf("   Target:   %d clients at %d/sec", cfg.TargetConnections, cfg.RampRate)
	log.Printf("   Sustain:  %s", cfg.Sustain)
	log.Printf("   Relay:    %s", cfg.WSURL)
	log.Printf("%s", strings.Repeat("=", 72))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("Received shutdown signal, stopping clients...")
		cancel()
	}()

	go periodicReports(ctx, cfg, state)

	var wg sync.WaitGroup
	ramp(ctx, cfg, state, &wg)

	select {
	case <-time.After(cfg.Sustain):
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()

	printReport(cfg, state)
	log.Printf("Load test finished")
}

// ramp opens clients at the configured rate until the target is reached
func ramp(ctx context.Context, cfg *Config, state *State, wg *sync.WaitGroup) {
	interval := time.Second / time.Duration(cfg.RampRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < cfg.TargetConnections; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		atomic.AddInt64(&state.created, 1)
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id, cfg, state)
		}(i)
	}
	log.Printf("Ramp-up complete: %d clients started", cfg.TargetConnections)
}

// runClient behaves like a browser: it starts sending right away, even while
// queued, and keeps going until the relay or the test closes the socket.
func runClient(ctx context.Context, id int, cfg *Config, state *State) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.WSURL, nil)
	if err != nil {
		atomic.AddInt64(&state.dialFails, 1)
		return
	}
	atomic.AddInt64(&state.open, 1)
	defer atomic.AddInt64(&state.open, -1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, state)
	}()

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(v)
	}

	if err := send(map[string]any{
		"type":    "session.update",
		"session": map[string]any{"modalities": []string{"text"}, "instructions": fmt.Sprintf("load client %d", id)},
	}); err == nil {
		atomic.AddInt64(&state.sentEvents, 1)
	}

	ticker := time.NewTicker(cfg.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			writeMu.Unlock()
			conn.Close()
			<-done
			return
		case <-ticker.C:
			if err := send(map[string]any{
				"type": "conversation.item.create",
				"item": map[string]any{"type": "message", "role": "user", "content": []map[string]string{{"type": "input_text", "text": "ping"}}},
			}); err != nil {
				conn.Close()
				<-done
				return
			}
			atomic.AddInt64(&state.sentEvents, 1)
		}
	}
}

func readLoop(conn *websocket.Conn, state *State) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				state.recordClose(closeErr.Code)
			} else {
				state.recordClose(websocket.CloseAbnormalClosure)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "queued":
			atomic.AddInt64(&state.queuedNotices, 1)
		case "cold_start":
			atomic.AddInt64(&state.coldStartNotices, 1)
		case "error":
			atomic.AddInt64(&state.upstreamErrors, 1)
			atomic.AddInt64(&state.relayedEvents, 1)
		default:
			atomic.AddInt64(&state.relayedEvents, 1)
		}
	}
}

func fetchHealth(url string) (*relayHealth, error) {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var h relayHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func periodicReports(ctx context.Context, cfg *Config, state *State) {
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport(cfg, state)
		}
	}
}

func printReport(cfg *Config, state *State) {
	elapsed := time.Since(state.startTime).Round(time.Second)

	log.Printf("%s", strings.Repeat("-", 72))
	log.Printf("Elapsed: %s", elapsed)
	log.Printf("Clients:  open %d / created %d / dial failures %d",
		atomic.LoadInt64(&state.open), atomic.LoadInt64(&state.created), atomic.LoadInt64(&state.dialFails))
	log.Printf("Notices:  queued %d / cold_start %d",
		atomic.LoadInt64(&state.queuedNotices), atomic.LoadInt64(&state.coldStartNotices))
	log.Printf("Events:   sent %d / relayed back %d / upstream errors %d",
		atomic.LoadInt64(&state.sentEvents), atomic.LoadInt64(&state.relayedEvents), atomic.LoadInt64(&state.upstreamErrors))

	var codes []int
	state.closeCodes.Range(func(k, _ any) bool {
		codes = append(codes, k.(int))
		return true
	})
	sort.Ints(codes)
	for _, code := range codes {
		v, _ := state.closeCodes.Load(code)
		log.Printf("Closed:   %d (%s) x%d", code, closeCodeName(code), atomic.LoadInt64(v.(*int64)))
	}

	if h, err := fetchHealth(cfg.HealthURL); err == nil {
		log.Printf("Relay:    %s, active %d/%d, queued %d, cpu %.1f%%, mem %.1fMB",
			h.Status, h.Admission.Active, h.Admission.Capacity, h.Admission.Queued, h.System.CPUPercent, h.System.MemoryMB)
	} else {
		log.Printf("Relay:    health unavailable: %v", err)
	}
}

func closeCodeName(code int) string {
	switch code {
	case websocket.CloseNormalClosure:
		return "normal"
	case websocket.CloseGoingAway:
		return "going away"
	case websocket.ClosePolicyViolation:
		return "invalid path"
	case websocket.CloseMessageTooBig:
		return "pending overflow"
	case websocket.CloseInternalServerErr:
		return "upstream failure"
	case websocket.CloseTryAgainLater:
		return "queue timeout"
	case websocket.CloseAbnormalClosure:
		return "abnormal"
	default:
		return "other"
	}
}
