package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/moltbunker/stakeledger/internal/api"
	"github.com/moltbunker/stakeledger/internal/asset"
	"github.com/moltbunker/stakeledger/internal/config"
	"github.com/moltbunker/stakeledger/internal/events"
	"github.com/moltbunker/stakeledger/internal/identity"
	"github.com/moltbunker/stakeledger/internal/ledger"
	"github.com/moltbunker/stakeledger/internal/logging"
	"github.com/moltbunker/stakeledger/internal/metrics"
)

// app is a fully wired daemon.
type app struct {
	cfg    *config.Config
	ledger *ledger.Ledger
	feed   *events.Feed
	server *api.Server
	chain  *asset.ChainClient
}

// collaborators are the asset-side pieces the ledger is built from.
type collaborators struct {
	custodian *asset.Custodian
	reward    ledger.RewardLedger
	token     *asset.Token // mock mode only
	chain     *asset.ChainClient
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	var (
		c   *collaborators
		err error
	)
	switch cfg.Ledger.Mode {
	case config.ModeMock:
		c, err = mockCollaborators(ctx, cfg)
	case config.ModeChain:
		c, err = chainCollaborators(ctx, cfg)
	default:
		err = fmt.Errorf("invalid ledger mode: %s", cfg.Ledger.Mode)
	}
	if err != nil {
		return nil, err
	}

	feed := events.NewFeed()
	pc := metrics.NewPrometheusCollector(nil)
	pc.RegisterFeed(feed)

	l, err := ledger.New(ledger.Options{
		Asset:           c.custodian,
		Reward:          c.reward,
		Administrator:   cfg.Ledger.AdministratorAddress(),
		LockDuration:    cfg.Ledger.LockDuration,
		NoLock:          cfg.Ledger.LockDuration == 0,
		TransferTimeout: cfg.Ledger.TransferTimeout,
		Sink:            feed,
		Observer:        pc,
	})
	if err != nil {
		if c.chain != nil {
			c.chain.Close()
		}
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}

	serverCfg := api.FromAPIConfig(cfg.API)
	serverCfg.Mode = cfg.Ledger.Mode
	server := api.NewServer(serverCfg, l)
	server.SetFeed(feed)
	server.SetMetrics(pc)
	server.SetCustody(c.custodian)
	if c.token != nil {
		server.SetToken(c.token, c.custodian.Account())
	}

	return &app{cfg: cfg, ledger: l, feed: feed, server: server, chain: c.chain}, nil
}

// mockCollaborators builds in-memory tokens seeded from the config.
func mockCollaborators(ctx context.Context, cfg *config.Config) (*collaborators, error) {
	token := asset.NewToken(cfg.Ledger.TokenSymbol)
	seed, err := cfg.Ledger.SeedBalances()
	if err != nil {
		return nil, err
	}
	for addr, bal := range seed {
		if bal.Sign() == 0 {
			continue
		}
		if err := token.Mint(ctx, addr, bal); err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", addr.Hex(), err)
		}
	}

	c := &collaborators{
		custodian: asset.NewCustodian(token, cfg.Ledger.Custody()),
		token:     token,
	}
	if cfg.Ledger.RewardEnabled() {
		minter, err := asset.NewRewardMinter(asset.NewToken(cfg.Ledger.RewardSymbol), rewardRate(cfg))
		if err != nil {
			return nil, err
		}
		c.reward = minter
	}

	logging.Info("mock asset ledger ready",
		"symbol", cfg.Ledger.TokenSymbol,
		"seeded_accounts", len(seed),
		"custody", cfg.Ledger.CustodyAddress,
		logging.Component("daemon"))
	return c, nil
}

// chainCollaborators connects to the configured EVM chain. The keystore
// wallet is the custody account and signs every transfer.
func chainCollaborators(ctx context.Context, cfg *config.Config) (*collaborators, error) {
	wm, err := identity.LoadWalletManager(cfg.Chain.KeystoreDir)
	if err != nil {
		return nil, err
	}
	if wm == nil {
		return nil, fmt.Errorf("no wallet in %s (create one with: stakectl wallet create)", cfg.Chain.KeystoreDir)
	}
	if wm.Address() != cfg.Ledger.Custody() {
		return nil, fmt.Errorf("custody_address %s does not match wallet %s", cfg.Ledger.CustodyAddress, wm.Address().Hex())
	}

	password, source, err := identity.ResolvePassword(cfg.Chain.PasswordFile)
	if err != nil {
		return nil, err
	}
	key, err := wm.PrivateKey(password)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock wallet: %w", err)
	}
	logging.Info("wallet unlocked",
		"address", wm.Address().Hex(),
		"password_source", source,
		logging.Component("daemon"))

	chainCfg := asset.DefaultChainConfig()
	chainCfg.RPCURL = cfg.Chain.RPCURL
	chainCfg.ChainID = cfg.Chain.ChainID
	chain, err := asset.NewChainClient(chainCfg, key)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := chain.Connect(dialCtx); err != nil {
		return nil, err
	}

	token, err := asset.NewChainToken(chain, common.HexToAddress(cfg.Chain.TokenAddress))
	if err != nil {
		chain.Close()
		return nil, err
	}
	c := &collaborators{
		custodian: asset.NewCustodian(token, chain.Address()),
		chain:     chain,
	}
	if cfg.Ledger.RewardEnabled() {
		rewardToken, err := asset.NewChainToken(chain, common.HexToAddress(cfg.Chain.RewardTokenAddress))
		if err != nil {
			chain.Close()
			return nil, err
		}
		minter, err := asset.NewRewardMinter(rewardToken, rewardRate(cfg))
		if err != nil {
			chain.Close()
			return nil, err
		}
		c.reward = minter
	}
	return c, nil
}

func rewardRate(cfg *config.Config) asset.RewardRate {
	return asset.RewardRate{Num: cfg.Ledger.RewardRateNum, Den: cfg.Ledger.RewardRateDen}
}

// start runs the API server.
func (a *app) start(ctx context.Context) error {
	return a.server.Start(ctx)
}

// stop shuts the server down and releases the chain connection.
func (a *app) stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	a.ledger.Close()
	a.feed.Close()
	if a.chain != nil {
		a.chain.Close()
	}
	return err
}
