// Command pika-sim serves a fake PWRcell device API, or proxies a real one, so the
// bridge can be run without an appliance on the network.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// simDevice is one device on the simulated bus.
type simDevice struct {
	category string
	rcpn     string
	moduleID int
	kind     string
	status   int
	power    float64 // nominal, signed
	soc      *float64
}

// Simulator produces bus dumps whose samples advance every interval.
type Simulator struct {
	devices  []simDevice
	interval time.Duration
	start    time.Time
	frozen   bool
	grid     float64
	now      func() time.Time

	mutex sync.Mutex
	rng   *rand.Rand
}

// NewSimulator creates a simulator with an inverter, a PV link and a battery.
func NewSimulator(interval time.Duration, frozen bool) *Simulator {
	soc := 45.5
	return &Simulator{
		devices: []simDevice{
			{category: "inverters", rcpn: "EEEE0002FFFF", moduleID: 1, kind: "PWRcell Inverter", status: 0x2010, power: 1000},
			{category: "pvlinks", rcpn: "AAAA0003BBBB", moduleID: 3, kind: "PV Link", status: 0x2010, power: 800},
			{category: "batteries", rcpn: "CCCC0005DDDD", moduleID: 5, kind: "PWRcell Battery", status: 0x2010, power: -200, soc: &soc},
		},
		interval: interval,
		start:    time.Now(),
		frozen:   frozen,
		grid:     -150,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(1, 2)),
	}
}

// lastHeard returns the seconds since the current sample was taken. A frozen feed keeps aging.
func (s *Simulator) lastHeard() int {
	elapsed := s.now().Sub(s.start)
	if s.frozen {
		return int(elapsed.Seconds())
	}
	return int((elapsed % s.interval).Seconds())
}

// jitter varies a nominal reading by up to 10%.
func (s *Simulator) jitter(v float64) float64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return math.Round(v * (0.9 + 0.2*s.rng.Float64()))
}

// Devices renders the bus dump served on /devices.
func (s *Simulator) Devices() map[string][]map[string]interface{} {
	heard := s.lastHeard()
	dump := make(map[string][]map[string]interface{})
	for _, d := range s.devices {
		entry := map[string]interface{}{
			"rcpn":      d.rcpn,
			"modID":     d.moduleID,
			"lastheard": heard,
			"power":     s.jitter(d.power),
			"type":      d.kind,
			"st":        d.status,
		}
		if d.soc != nil {
			entry["soc"] = *d.soc
		}
		dump[d.category] = append(dump[d.category], entry)
	}
	return dump
}

// InverterStatus renders the inverter status of moduleID, false when no inverter has it.
func (s *Simulator) InverterStatus(moduleID int) (map[string]interface{}, bool) {
	for _, d := range s.devices {
		if d.category == "inverters" && d.moduleID == moduleID {
			return map[string]interface{}{
				"fixed": map[string]interface{}{"CTPow": s.jitter(s.grid)},
			}, true
		}
	}
	return nil, false
}

// newRouter serves the simulator, or forwards everything to proxy when set.
func newRouter(sim *Simulator, proxy *url.URL) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware)

	if proxy != nil {
		router.PathPrefix("/").Handler(httputil.NewSingleHostReverseProxy(proxy))
		return router
	}

	router.HandleFunc("/devices", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, sim.Devices())
	}).Methods("GET")

	router.HandleFunc("/device/{id:[0-9]+}/model/inverter_status", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.Atoi(mux.Vars(r)["id"])
		status, ok := sim.InverterStatus(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such inverter"})
			return
		}
		writeJSON(w, http.StatusOK, status)
	}).Methods("GET")

	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(start)).
			Msg("Request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		listen   = flag.String("listen", ":8000", "Address to serve the device API on")
		proxy    = flag.String("proxy", "", "Forward every request to this appliance URL instead of simulating")
		interval = flag.Duration("interval", 5*time.Second, "Interval at which samples advance")
		frozen   = flag.Bool("frozen", false, "Never advance samples, to exercise stale feed recovery")
		verbose  = flag.Bool("verbose", false, "Enable request logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	var target *url.URL
	if *proxy != "" {
		u, err := url.Parse(*proxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			fmt.Fprintf(os.Stderr, "invalid proxy target %q\n", *proxy)
			return 1
		}
		target = u
	}
	if *interval <= 0 {
		fmt.Fprintln(os.Stderr, "interval must be positive")
		return 1
	}

	server := &http.Server{
		Addr:              *listen,
		Handler:           newRouter(NewSimulator(*interval, *frozen), target),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	event := log.Info().Str("address", *listen)
	if target != nil {
		event = event.Str("proxy", target.String())
	}
	event.Msg("pika-sim listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Server failed")
		return 1
	}
	return 0
}
