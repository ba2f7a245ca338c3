package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"safnode/internal/config"
	"safnode/internal/daemon"
	"safnode/internal/logging"
	"safnode/internal/metrics"
	"safnode/internal/node"
	"safnode/internal/peer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "stats":
		return runStats(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "send":
		return runSend(args[1:], stdout, stderr)
	case "retrieve":
		return runRetrieve(args[1:], stdout, stderr)
	case "inbox":
		return runInbox(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: saf-node <run|status|stats|peers|id|send|retrieve|inbox> [args]")
	fmt.Fprintln(w, "  run       [--config <file>] [--listen <ip:port>] [--http <ip:port>] [--devtls]")
	fmt.Fprintln(w, "  status    [--config <file>] [--home <dir>]")
	fmt.Fprintln(w, "  stats     [--http <ip:port>]")
	fmt.Fprintln(w, "  peers     [--config <file>] [--home <dir>]")
	fmt.Fprintln(w, "  id        [--config <file>] [--home <dir>]")
	fmt.Fprintln(w, "  send      --to <node_id> --text <msg> [--priority low|high] [--ttl 6h] [--direct] [--http <ip:port>]")
	fmt.Fprintln(w, "  retrieve  [--since <unix_ms>] [--max <n>] [--broad] [--timeout 30s] [--http <ip:port>]")
	fmt.Fprintln(w, "  inbox     [--http <ip:port>]")
}

// loadConfig resolves the config file, environment and flag overrides.
func loadConfig(path, home string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if home != "" {
		cfg.Home = home
	}
	return cfg, nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	home := fs.String("home", "", "node home directory")
	listen := fs.String("listen", "", "listen addr (host:port)")
	httpAddr := fs.String("http", "", "http api addr, empty keeps the configured one")
	devTLS := fs.Bool("devtls", false, "verify peers against the deterministic dev certificate")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *home)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Node.ListenAddr = *listen
	}
	if *httpAddr != "" {
		cfg.HTTP.Addr = *httpAddr
	}
	if *devTLS {
		cfg.Node.DevTLS = true
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if cfg.Node.DevTLS {
		fmt.Fprintln(stderr, color.YellowString("WARNING: using deterministic dev TLS certificates"))
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: stderr})
	runner, err := daemon.NewRunner(cfg, daemon.Options{Logger: logger, Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-runner.Ready():
			banner(stdout, cfg, runner)
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func banner(w io.Writer, cfg *config.Config, r *daemon.Runner) {
	title := color.New(color.FgCyan, color.Bold)
	label := color.New(color.FgHiBlack)
	title.Fprintln(w, "saf-node ready")
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Node:"), hex.EncodeToString(r.Self.ID[:]))
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Listen:"), r.ListenAddr())
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Advertise:"), r.AdvertiseAddr())
	if cfg.HTTP.Addr != "" {
		fmt.Fprintf(w, "  %s %s\n", label.Sprint("HTTP:"), cfg.HTTP.Addr)
	}
	fmt.Fprintf(w, "  %s %s\n", label.Sprint("Storage:"), cfg.Storage.Backend)
	fmt.Fprintf(w, "  %s %d known\n", label.Sprint("Peers:"), r.Self.Peers.Len())
	fmt.Fprintf(w, "  %s %s@%s\n", label.Sprint("Bootstrap:"), hex.EncodeToString(r.Self.PubKey), r.AdvertiseAddr())
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	home := fs.String("home", "", "node home directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *home)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	snap, err := metrics.ReadSnapshot(filepath.Join(cfg.Home, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stdout, "status: no local snapshot (is the node running?)\n")
		return 1
	}
	printStatus(stdout, snap)
	return 0
}

func printStatus(w io.Writer, snap metrics.Snapshot) {
	head := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	head.Fprintf(w, "Store-and-forward status (%s)\n", snap.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  held: %d messages, %d bytes\n", snap.StoredMessages, snap.StoredBytes)
	fmt.Fprintf(w, "  store: stored=%d already_present=%d rejected=%d evicted=%d expired=%d\n",
		snap.Store.Stored, snap.Store.AlreadyPresent, snap.Store.Rejected, snap.Store.Evicted, snap.Store.Expired)
	fmt.Fprintf(w, "  served: requests=%d messages=%d batches=%d removed=%d\n",
		snap.Retrieve.Served, snap.Retrieve.MessagesServed, snap.Retrieve.BatchesSent, snap.Retrieve.RemovedOnDelivery)
	fmt.Fprintf(w, "  retrievals: requested=%d completed=%d delivered=%d duplicates=%d\n",
		snap.Retrieve.Requested, snap.Retrieve.Completed, snap.Retrieve.Delivered, snap.Retrieve.Duplicates)
	if snap.Retrieve.Partial > 0 {
		warn.Fprintf(w, "  partial retrievals: %d\n", snap.Retrieve.Partial)
	}
	fmt.Fprintf(w, "  outbound: sent=%d failed=%d retries=%d busy=%d\n",
		snap.Outbound.Sent, snap.Outbound.Failed, snap.Outbound.Retries, snap.Outbound.Busy)
	fmt.Fprintf(w, "  connections: %d conns, %d streams\n", snap.CurrentConns, snap.CurrentStreams)
	if len(snap.DropByReason) > 0 {
		reasons := make([]string, 0, len(snap.DropByReason))
		for k := range snap.DropByReason {
			reasons = append(reasons, k)
		}
		sort.Strings(reasons)
		parts := make([]string, 0, len(reasons))
		for _, k := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", k, snap.DropByReason[k]))
		}
		warn.Fprintf(w, "  dropped: %s\n", strings.Join(parts, " "))
	}
	for _, h := range snap.Recent {
		id := h.RequestID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "  recent: request=%s peers=%d messages=%d partial=%v %dms\n",
			id, h.Peers, h.Messages, h.Partial, h.DurationMs)
	}
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("http", defaultHTTPAddr(), "node http api addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var raw json.RawMessage
	if err := apiCall(http.MethodGet, *addr, "/saf/stats", nil, &raw); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	pretty.WriteByte('\n')
	_, _ = stdout.Write(pretty.Bytes())
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	home := fs.String("home", "", "node home directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *home)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	self, err := node.NewNode(cfg.Home, node.Options{PeerStoreCap: cfg.Node.PeerBookCap, PeerStoreTTL: cfg.Node.PeerTTL})
	if err != nil {
		fmt.Fprintf(stdout, "peers: node unavailable: %v\n", err)
		return 1
	}
	peers := self.Peers.List()
	sortPeersByID(peers)
	for _, p := range peers {
		id := hex.EncodeToString(p.NodeID[:])
		if p.Addr == "" {
			fmt.Fprintf(stdout, "%s addr=unknown\n", id)
			continue
		}
		fmt.Fprintf(stdout, "%s addr=%s\n", id, p.Addr)
	}
	return 0
}

func sortPeersByID(peers []peer.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		return bytes.Compare(peers[i].NodeID[:], peers[j].NodeID[:]) < 0
	})
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	home := fs.String("home", "", "node home directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*cfgPath, *home)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	self, err := node.NewNode(cfg.Home, node.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "id: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node_id=%s\n", hex.EncodeToString(self.ID[:]))
	fmt.Fprintf(stdout, "pubkey=%s\n", hex.EncodeToString(self.PubKey))
	addr := cfg.Node.AdvertiseAddr
	if addr == "" {
		addr = cfg.Node.ListenAddr
	}
	fmt.Fprintf(stdout, "bootstrap=%s@%s\n", hex.EncodeToString(self.PubKey), addr)
	return 0
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("http", defaultHTTPAddr(), "node http api addr")
	to := fs.String("to", "", "destination node id (hex)")
	text := fs.String("text", "", "message text")
	priority := fs.String("priority", "low", "low or high")
	ttl := fs.String("ttl", "", "time to live, e.g. 6h")
	direct := fs.Bool("direct", false, "try the destination before storing")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *to == "" || *text == "" {
		fmt.Fprintln(stderr, "missing --to or --text")
		return 1
	}
	req := map[string]any{
		"destination": *to,
		"text":        *text,
		"priority":    *priority,
		"direct":      *direct,
	}
	if *ttl != "" {
		req["ttl"] = *ttl
	}
	var res daemon.SendResult
	if err := apiCall(http.MethodPost, *addr, "/saf/send", req, &res); err != nil {
		fmt.Fprintf(stderr, "send: %v\n", err)
		return 1
	}
	if res.ID != "" {
		fmt.Fprintf(stdout, "mode=%s id=%s queued=%d\n", res.Mode, res.ID, res.Queued)
	} else {
		fmt.Fprintf(stdout, "mode=%s queued=%d\n", res.Mode, res.Queued)
	}
	return 0
}

func runRetrieve(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("retrieve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("http", defaultHTTPAddr(), "node http api addr")
	since := fs.Int64("since", 0, "only messages stored after this unix ms")
	max := fs.Int("max", 0, "max messages per peer")
	broad := fs.Bool("broad", false, "also collect messages for the neighbourhood")
	timeout := fs.String("timeout", "", "how long to wait for peers")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	req := map[string]any{"since_ms": *since, "max_count": *max, "broad": *broad}
	if *timeout != "" {
		req["timeout"] = *timeout
	}
	var res struct {
		RequestID string `json:"request_id"`
		Peers     int    `json:"peers"`
		Finished  int    `json:"finished"`
		Delivered int    `json:"delivered"`
		Partial   bool   `json:"partial"`
	}
	if err := apiCall(http.MethodPost, *addr, "/saf/retrieve", req, &res); err != nil {
		fmt.Fprintf(stderr, "retrieve: %v\n", err)
		return 1
	}
	line := fmt.Sprintf("request=%s peers=%d finished=%d delivered=%d", res.RequestID, res.Peers, res.Finished, res.Delivered)
	if res.Partial {
		line += " " + color.YellowString("partial")
	}
	fmt.Fprintln(stdout, line)
	return 0
}

func runInbox(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("inbox", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("http", defaultHTTPAddr(), "node http api addr")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	var msgs []daemon.InboxMessage
	if err := apiCall(http.MethodGet, *addr, "/saf/inbox", nil, &msgs); err != nil {
		fmt.Fprintf(stderr, "inbox: %v\n", err)
		return 1
	}
	for _, m := range msgs {
		origin := m.Origin
		if len(origin) > 16 {
			origin = origin[:16]
		}
		via := "direct"
		if m.Stored {
			via = "stored"
		}
		fmt.Fprintf(stdout, "%s from=%s via=%s %q\n", m.ReceivedAt.Format(time.RFC3339), origin, via, m.Body)
	}
	return 0
}

func defaultHTTPAddr() string {
	if v := strings.TrimSpace(os.Getenv("SAF_HTTP_ADDR")); v != "" {
		return v
	}
	return config.Default().HTTP.Addr
}

var apiClient = &http.Client{Timeout: 3 * time.Minute}

func apiCall(method, addr, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	req, err := http.NewRequest(method, strings.TrimRight(url, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return errors.New(resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
