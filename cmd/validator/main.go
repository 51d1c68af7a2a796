// Command validator runs a Sawtooth-style transaction validator: it opens
// the block store, bootstraps from genesis when needed, builds the block
// validator, block publisher and chain controller over the configured
// consensus engine, gossips over the peer network, and records health
// metrics. It serves no processor gRPC endpoint and does not drive the
// publisher, so it accepts no processor registrations and publishes no
// blocks.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"sawtooth-validator/core"
	"sawtooth-validator/core/network"
	"sawtooth-validator/core/processor"
	"sawtooth-validator/internal/health"
	"sawtooth-validator/pkg/config"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "validator"}
	root.AddCommand(startCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the validator node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment config overlay (SAWTOOTH_ENV if unset)")
	return cmd
}

func run(env string) error {
	log := logrus.WithField("component", "validator")

	cfg, err := config.Load(env)
	if err != nil {
		return err
	}

	signer, err := loadOrCreateKey(cfg.Storage.DataDir)
	if err != nil {
		return err
	}

	store, err := core.OpenBlockStore(filepath.Join(cfg.Storage.DataDir, "block-store"))
	if err != nil {
		return err
	}
	cache, err := core.NewBlockCache(256, store)
	if err != nil {
		return err
	}
	state := core.NewMerkleState()
	registry := processor.NewRegistry()

	consensusRegistry := core.NewConsensusRegistry()
	consensusRegistry.Register(core.NewDevModeEngine())
	engine, err := consensusRegistry.Resolve(cfg.Consensus.Algorithm)
	if err != nil {
		log.WithError(err).Warn("falling back to devmode consensus")
		engine = core.NewDevModeEngine()
	}

	injectorRegistry := core.NewBatchInjectorRegistry()
	injectors, err := injectorRegistry.Build([]string{"block_info"}, signer)
	if err != nil {
		return err
	}

	if need, err := core.NeedsGenesis(cfg.Storage.DataDir, store); err != nil {
		return err
	} else if need {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		genesisBlock, err := core.Bootstrap(ctx, cfg.Storage.DataDir, signer, state, registry, store)
		cancel()
		if err != nil {
			log.WithError(err).Fatal("genesis bootstrap failed")
		}
		log.WithField("block_id", genesisBlock.ID()).Info("genesis bootstrap complete")
	}

	validator := core.NewBlockValidator(cache, store, state, registry, engine)
	publisher := core.NewBlockPublisher(signer, state, registry, engine, injectors)
	events := core.NewEventBroadcaster(store)

	controller := core.NewChainController(validator, store, cache, publisher)
	_ = controller // not connected to the peer network below; no candidate blocks reach it in this command

	node, err := network.NewNode(network.Config{
		ListenAddr:      cfg.Network.ListenAddr,
		BootstrapPeers:  cfg.Network.BootstrapPeers,
		DiscoveryTag:    "sawtooth-validator",
		MinConnectivity: cfg.Network.MinConnectivity,
		MaxConnectivity: cfg.Network.MaxConnectivity,
		Roles:           []network.RoleEntry{{Resource: "network", Auth: network.AuthTrust}},
	})
	if err != nil {
		return err
	}
	defer node.Close()
	node.EnableMDNS()

	hlog, err := health.New(store, node, publisher, filepath.Join(cfg.Storage.DataDir, "health.log"))
	if err != nil {
		return err
	}
	defer hlog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.RunDiscoveryLoop(ctx)
	go hlog.Run(ctx, 10*time.Second)
	if cfg.Logging.Metrics != "" {
		srv := hlog.Serve(cfg.Logging.Metrics)
		defer srv.Close()
	}

	_ = events // no RPC or event-stream endpoint subscribes to it in this command

	log.WithField("peer_id", node.ID().String()).Info("validator running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	return nil
}

func loadOrCreateKey(dataDir string) (*secp256k1.PrivateKey, error) {
	path := filepath.Join(dataDir, "validator.priv")
	if raw, err := os.ReadFile(path); err == nil {
		key := secp256k1.PrivKeyFromBytes(raw)
		return key, nil
	}
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key.Serialize(), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
