package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/certen/signup-sequencer/pkg/batchformer"
	"github.com/certen/signup-sequencer/pkg/chainclient"
	"github.com/certen/signup-sequencer/pkg/chainsub"
	"github.com/certen/signup-sequencer/pkg/config"
	"github.com/certen/signup-sequencer/pkg/identitytree"
	"github.com/certen/signup-sequencer/pkg/intake"
	"github.com/certen/signup-sequencer/pkg/offchain"
	"github.com/certen/signup-sequencer/pkg/prover"
	"github.com/certen/signup-sequencer/pkg/server"
	"github.com/certen/signup-sequencer/pkg/store"
	"github.com/certen/signup-sequencer/pkg/submitter"
	"github.com/certen/signup-sequencer/pkg/supervisor"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags)

	var (
		configPath = flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE env var)")
		cmd        = flag.String("cmd", "serve", "serve | tool-insert-identity | tool-inclusion-proof")
		commitment = flag.String("commitment", "", "hex identity commitment for tool-insert-identity / tool-inclusion-proof")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	switch *cmd {
	case "serve":
		if err := serve(cfg); err != nil {
			log.Fatalf("sequencer exited with error: %v", err)
		}
	case "tool-insert-identity", "tool-inclusion-proof":
		if err := runTool(cfg, *cmd, *commitment); err != nil {
			log.Fatalf("tool command failed: %v", err)
		}
	default:
		log.Fatalf("unknown -cmd %q", *cmd)
	}
}

func serve(cfg *config.Config) error {
	if cfg.OffChainMode {
		if err := cfg.ValidateForDevelopment(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	} else if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("[Main] connecting to database")
	dbClient, err := store.NewClient(ctx, store.DefaultConfig(cfg.DatabaseURL),
		store.WithLogger(log.New(log.Writer(), "[Store] ", log.LstdFlags)))
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer dbClient.Close()
	repos := store.NewRepositories(dbClient)

	tree, err := identitytree.New(cfg.TreeDepth)
	if err != nil {
		return fmt.Errorf("create identity tree: %w", err)
	}

	ready := false

	intakeCfg := intake.DefaultConfig()
	intakeSvc := intake.New(intakeCfg, tree, repos)

	formed := make(chan batchformer.FormedBatch, 1)
	batchCfg := batchformer.DefaultConfig()
	batchCfg.MaxWait = cfg.BatchMaxWait
	batchCfg.PollInterval = cfg.BatchPollInterval
	if len(cfg.BatchSizes) > 0 {
		batchCfg.AllowedSizes = cfg.BatchSizes
	}
	former := batchformer.New(batchCfg, tree, repos, formed)

	sup, ctx := supervisor.New(ctx, supervisor.DefaultConfig())

	sup.Spawn("intake", intakeSvc.Run)
	sup.Spawn("batchformer", former.Run)

	if cfg.OffChainMode {
		log.Println("[Main] running in off-chain mode: batches advance to mined immediately")
		runner := offchain.New(tree, formed)
		sup.Spawn("offchain", runner.Run)
	} else {
		proverCfg := prover.DefaultConfig()
		for _, url := range cfg.ProverURLs {
			proverCfg.Instances = append(proverCfg.Instances,
				prover.Instance{URL: url, Kind: identitytree.Insertion, BatchSize: 0})
		}
		proverClient := prover.New(proverCfg)

		chainCfg := chainclient.DefaultConfig()
		chainCfg.RPCURL = cfg.ChainRPCURL
		chainCfg.IdentityManagerAddr = cfg.IdentityManagerAddr
		chainClient, err := chainclient.Dial(ctx, chainCfg)
		if err != nil {
			return fmt.Errorf("dial chain client: %w", err)
		}
		defer chainClient.Close()

		relayer, err := buildRelayer(cfg)
		if err != nil {
			return fmt.Errorf("build relayer: %w", err)
		}

		submitCfg := submitter.DefaultConfig()
		sub := submitter.New(submitCfg, proverClient, chainClient, relayer, repos, formed)
		sup.Spawn("submitter", sub.Run)

		latestRoot, err := chainClient.LatestRoot(ctx)
		if err != nil {
			log.Printf("[Main] warning: could not read latest on-chain root at startup: %v", err)
		}
		_ = latestRoot

		subCfg := chainsub.DefaultConfig()
		chainSubscriber := chainsub.New(subCfg, chainClient, tree, repos, 0)
		sup.Spawn("chainsub", chainSubscriber.Run)
	}

	handlers := server.NewHandlers(intakeSvc, tree, repos, func() bool { return ready }, cfg.MaxRootAgeSeconds)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handlers.Mux(),
	}

	go func() {
		log.Printf("[Main] HTTP API listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Main] HTTP server error: %v", err)
		}
	}()

	ready = true
	log.Println("[Main] sequencer ready")

	err = sup.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("[Main] HTTP server shutdown error: %v", shutdownErr)
	}

	log.Println("[Main] sequencer stopped")
	return err
}

func buildRelayer(cfg *config.Config) (submitter.Relayer, error) {
	switch cfg.RelayerKind {
	case "defender":
		return submitter.NewDefenderRelayer(cfg.RelayerURL, cfg.RelayerAPIKey, cfg.RelayerAPISecret, 30*time.Second), nil
	case "tx-sitter":
		return submitter.NewTxSitterRelayer(cfg.RelayerURL, cfg.RelayerAPIKey, 30*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown relayer kind %q", cfg.RelayerKind)
	}
}

// runTool provides a small set of one-shot operator commands against a
// running sequencer's HTTP API rather than standing up the full service.
func runTool(cfg *config.Config, cmd string, commitment string) error {
	if commitment == "" {
		return fmt.Errorf("-commitment is required for %q", cmd)
	}
	baseURL := "http://" + cfg.ListenAddr
	body, err := json.Marshal(map[string]string{"identityCommitment": commitment})
	if err != nil {
		return err
	}

	var url string
	switch cmd {
	case "tool-inclusion-proof":
		url = baseURL + "/inclusionProof"
	case "tool-insert-identity":
		url = baseURL + "/insertIdentity"
		body, err = json.Marshal(map[string][]string{"identityCommitments": {commitment}})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("tool %q not implemented as a standalone command", cmd)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return err
	}
	fmt.Printf("status: %s\nbody: %s\n", resp.Status, out.String())
	return nil
}
