// Command eida-crawl-fdsnws-station warms the federator's response
// cache by re-requesting its own station service once per cell of a
// network/station/location/channel filter grid, the way
// utils/crawl/fdsnws_station.py drives the federator from outside
// (spec.md §6): it is a client of the federator, not part of it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/kaestli/eida-federator/internal/logging"
	"github.com/kaestli/eida-federator/internal/pool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type cliFlags struct {
	federatorURL string
	networks     string
	stations     string
	locations    string
	channels     string
	level        string
	format       string
	domains      string
	workers      int
	timeout      time.Duration
	pidFile      string
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.federatorURL, "federator-url", "http://localhost:8080", "base URL of the federator's station service")
	flag.StringVar(&f.networks, "network", "*", "comma-separated network codes")
	flag.StringVar(&f.stations, "station", "*", "comma-separated station codes")
	flag.StringVar(&f.locations, "location", "*", "comma-separated location codes")
	flag.StringVar(&f.channels, "channel", "*", "comma-separated channel codes")
	flag.StringVar(&f.level, "level", "station", "FDSN station level: network, station, channel, response")
	flag.StringVar(&f.format, "format", "xml", "response format: xml or text")
	flag.StringVar(&f.domains, "domains", "", "comma-separated allow-list of domains the federator URL must match (empty = no filtering)")
	flag.IntVar(&f.workers, "workers", 4, "concurrent sweep requests")
	flag.DurationVar(&f.timeout, "timeout", 10*time.Minute, "total crawl timeout")
	flag.StringVar(&f.pidFile, "pidfile", "", "PID file path used to prevent concurrent runs (empty disables locking)")
	flag.Parse()
	return f
}

// pidLock is an O_EXCL sentinel-file lock: the pack carries no flock
// binding (golang.org/x/sys/unix is unused by every example repo), so
// a create-exclusive file plays the same role — a second crawler run
// against the same pidFile fails to acquire it instead of racing the
// first (see DESIGN.md).
type pidLock struct {
	path string
	file *os.File
}

func acquirePIDLock(path string) (*pidLock, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("pidfile %q already exists: another crawl is running", path)
		}
		return nil, fmt.Errorf("creating pidfile %q: %w", path, err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing pidfile %q: %w", path, err)
	}
	return &pidLock{path: path, file: f}, nil
}

func (l *pidLock) release() {
	if l == nil {
		return
	}
	l.file.Close()
	os.Remove(l.path)
}

func run() error {
	f := parseFlags()

	logger := logging.New("info", false)

	lock, err := acquirePIDLock(f.pidFile)
	if err != nil {
		return err
	}
	defer lock.release()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, f.timeout)
	defer timeoutCancel()

	allowed := allowList(f.domains)
	if !allowed(f.federatorURL) {
		return fmt.Errorf("federator url %q is not in the domain allow-list", f.federatorURL)
	}

	cells := grid(splitCSV(f.networks), splitCSV(f.stations), splitCSV(f.locations), splitCSV(f.channels))
	logger.WithField("cells", len(cells)).Info("eida-crawl-fdsnws-station: starting sweep")

	client := &http.Client{Timeout: 2 * time.Minute}
	wp := pool.New(ctx, f.workers)

	var warmed, failed int64
	for _, cell := range cells {
		cell := cell
		_ = wp.Submit(func(ctx context.Context) error {
			if err := warmCell(ctx, client, f, cell); err != nil {
				logger.WithError(err).WithField("cell", cell.String()).Warn("eida-crawl-fdsnws-station: sweep cell failed")
				atomic.AddInt64(&failed, 1)
				return nil // one failed cell doesn't cancel the sweep
			}
			atomic.AddInt64(&warmed, 1)
			return nil
		})
	}

	if err := wp.Join(); err != nil {
		return fmt.Errorf("crawl sweep: %w", err)
	}

	logger.WithField("warmed", warmed).WithField("failed", failed).Info("eida-crawl-fdsnws-station: sweep complete")
	return nil
}

type cell struct {
	network, station, location, channel string
}

func (c cell) String() string {
	return strings.Join([]string{c.network, c.station, c.location, c.channel}, ".")
}

func grid(networks, stations, locations, channels []string) []cell {
	var cells []cell
	for _, n := range networks {
		for _, s := range stations {
			for _, l := range locations {
				for _, c := range channels {
					cells = append(cells, cell{network: n, station: s, location: l, channel: c})
				}
			}
		}
	}
	return cells
}

func splitCSV(s string) []string {
	if s == "" {
		return []string{"*"}
	}
	return strings.Split(s, ",")
}

// allowList builds a predicate from a comma-separated domain allow-
// list; an empty list allows everything (the default is not to
// restrict the crawler to a fixed domain set).
func allowList(domains string) func(rawURL string) bool {
	if domains == "" {
		return func(string) bool { return true }
	}
	allowed := make(map[string]bool)
	for _, d := range strings.Split(domains, ",") {
		allowed[strings.TrimSpace(d)] = true
	}
	return func(rawURL string) bool {
		for d := range allowed {
			if strings.Contains(rawURL, d) {
				return true
			}
		}
		return false
	}
}

func warmCell(ctx context.Context, client *http.Client, f cliFlags, c cell) error {
	u := strings.TrimRight(f.federatorURL, "/") + "/fdsnws/station/1/query"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("network", c.network)
	q.Set("station", c.station)
	if c.location != "*" {
		q.Set("location", c.location)
	}
	q.Set("channel", c.channel)
	q.Set("level", f.level)
	q.Set("format", f.format)
	q.Set("starttime", time.Now().AddDate(-10, 0, 0).Format("2006-01-02"))
	req.URL.RawQuery = q.Encode()

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("federator returned %s for %s", resp.Status, c)
	}
	return nil
}
