package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/cuemby/snops/pkg/ids"
	"github.com/cuemby/snops/pkg/log"
	"github.com/cuemby/snops/pkg/metrics"
	"github.com/cuemby/snops/pkg/process"
	"github.com/cuemby/snops/pkg/reconcile"
	"github.com/cuemby/snops/pkg/rpcmux"
	"github.com/cuemby/snops/pkg/state"
	"github.com/cuemby/snops/pkg/transfer"
	"github.com/cuemby/snops/pkg/transport"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "snops-agent",
	Short: "snops-agent runs a single devnet node under a controller's supervision",
	Long: `snops-agent connects to a snops control plane over a websocket, reports
its local capabilities, and supervises the single snarkOS node process the
controller assigns it.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("snops-agent version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.Flags().String("endpoint", "http://localhost:8080", "controller endpoint (host, http(s)://, or ws(s)://)")
	rootCmd.Flags().String("id", "", "agent id (\"agent-\" plus a random uuid if unset)")
	rootCmd.Flags().String("mode", "", "comma-separated capability modes: validator,prover,client,compute")
	rootCmd.Flags().StringSlice("labels", nil, "comma-separated free-form labels")
	rootCmd.Flags().Bool("local-pk", false, "offer this agent's locally configured private key to the controller")
	rootCmd.Flags().String("private-key-file", "", "path to a local private key file, used when --local-pk is set")
	rootCmd.Flags().String("path", "./data", "data directory for jwt, pid, and node storage")
	rootCmd.Flags().String("binary", "snarkos", "node binary to supervise (path or $PATH lookup)")
	rootCmd.Flags().Uint16("node-port", 4130, "node P2P port")
	rootCmd.Flags().Uint16("bft-port", 5000, "BFT port")
	rootCmd.Flags().Uint16("rest-port", 3030, "REST port")
	rootCmd.Flags().Uint16("metrics-port", 9000, "metrics port")
	rootCmd.Flags().String("external", "", "external address to advertise, if this agent is reachable from outside its LAN")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOut, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func parseModeFlag(s string) (state.AgentMode, error) {
	var mode state.AgentMode
	if s == "" {
		return mode, nil
	}
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "validator":
			mode |= state.ModeValidator
		case "prover":
			mode |= state.ModeProver
		case "client":
			mode |= state.ModeClient
		case "compute":
			mode |= state.ModeCompute
		case "":
		default:
			return 0, fmt.Errorf("unknown mode %q", part)
		}
	}
	return mode, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	id, _ := cmd.Flags().GetString("id")
	modeFlag, _ := cmd.Flags().GetString("mode")
	labels, _ := cmd.Flags().GetStringSlice("labels")
	localPK, _ := cmd.Flags().GetBool("local-pk")
	privateKeyFile, _ := cmd.Flags().GetString("private-key-file")
	external, _ := cmd.Flags().GetString("external")
	dataDir, _ := cmd.Flags().GetString("path")
	binary, _ := cmd.Flags().GetString("binary")
	nodePort, _ := cmd.Flags().GetUint16("node-port")
	bftPort, _ := cmd.Flags().GetUint16("bft-port")
	restPort, _ := cmd.Flags().GetUint16("rest-port")
	metricsPort, _ := cmd.Flags().GetUint16("metrics-port")

	if id == "" {
		id = "agent-" + uuid.NewString()
	}
	if _, err := ids.NewAgentId(id); err != nil {
		return fmt.Errorf("snops-agent: %w", err)
	}

	mode, err := parseModeFlag(modeFlag)
	if err != nil {
		return fmt.Errorf("snops-agent: --mode: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("snops-agent: create data dir: %w", err)
	}

	ports := state.PortConfig{Node: nodePort, BFT: bftPort, Rest: restPort, Metrics: metricsPort}
	contentBase, err := httpContentBase(endpoint)
	if err != nil {
		return fmt.Errorf("snops-agent: %w", err)
	}

	supervisor := process.NewSupervisor(dataDir)
	monitor := transfer.NewMonitor()
	metrics.RegisterComponent("process", true, "")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		addr := fmt.Sprintf(":%d", metricsPort+1)
		log.Logger.Info().Str("addr", addr).Msg("snops-agent: serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Logger.Warn().Err(err).Msg("snops-agent: metrics server stopped")
		}
	}()

	jwtStore := transport.NewJWTStore(dataDir)
	cfg := transport.EndpointConfig{
		Endpoint: endpoint,
		Mode:     modeStrings(mode),
		ID:       id,
		Labels:   labels,
		LocalPK:  localPK,
	}

	var driver *reconcile.Driver
	var node *agentNode

	onConnected := func(mux *rpcmux.Mux) error {
		metrics.RegisterComponent("transport", true, "")
		child := mux.Child()

		addrResolver := reconcile.NewAddressResolveReconciler(child)
		envInfo := &reconcile.EnvInfoReconciler{Endpoint: child}
		storage := &reconcile.StorageReconciler{Dir: dataDir, Monitor: monitor, Client: http.DefaultClient}
		proc := &reconcile.ProcessReconciler{Supervisor: supervisor, Binary: binary, Build: newSnarkosCommandBuilder(ports, dataDir, privateKeyFile)}
		endStage := &reconcile.EndProcessReconciler{Supervisor: supervisor}

		node = &agentNode{
			addrs:    addrResolver,
			envInfo:  envInfo,
			storage:  storage,
			process:  proc,
			endStage: endStage,
			binaryURL: func(info state.EnvInfo) string {
				return contentBase + "/" + info.Storage.Network.String() + "/" + info.Storage.ID.String()
			},
		}
		driver = reconcile.NewDriver(node)
		go driver.Run(cmd.Context())

		registerAgentRPCs(mux, driver, node, supervisor, ports, external)
		return nil
	}

	client, err := transport.New(cfg, jwtStore, onConnected)
	if err != nil {
		return fmt.Errorf("snops-agent: %w", err)
	}

	log.Logger.Info().Str("id", id).Str("endpoint", endpoint).Msg("snops-agent: starting")
	return client.Run(cmd.Context())
}

func modeStrings(mode state.AgentMode) []string {
	var out []string
	if mode&state.ModeValidator != 0 {
		out = append(out, "validator")
	}
	if mode&state.ModeProver != 0 {
		out = append(out, "prover")
	}
	if mode&state.ModeClient != 0 {
		out = append(out, "client")
	}
	if mode&state.ModeCompute != 0 {
		out = append(out, "compute")
	}
	return out
}

// httpContentBase derives the controller's plain HTTP origin from the
// same --endpoint flag transport.BuildURL turns into a websocket URL, so
// storage file downloads hit /content/storage/... over HTTP rather than
// riding the rpcmux websocket.
func httpContentBase(endpoint string) (string, error) {
	raw := endpoint
	secure := false
	switch {
	case strings.HasPrefix(raw, "wss://"):
		secure, raw = true, "https://"+strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		raw = "http://" + strings.TrimPrefix(raw, "ws://")
	case strings.HasPrefix(raw, "https://"):
		secure = true
	case strings.HasPrefix(raw, "http://"):
	default:
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if secure {
		u.Scheme = "https"
	}
	u.Path = "/content/storage"
	return u.String(), nil
}
