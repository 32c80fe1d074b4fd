package liquidatord

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"liquidator/internal/adminapi"
	"liquidator/internal/asset"
	"liquidator/internal/auditstore"
	"liquidator/internal/blockloop"
	"liquidator/internal/broadcast"
	"liquidator/internal/chain"
	"liquidator/internal/config"
	"liquidator/internal/eventrouter"
	"liquidator/internal/fanout"
	"liquidator/internal/feeds"
	"liquidator/internal/hfengine"
	"liquidator/internal/notifier"
	"liquidator/internal/observability/metrics"
	"liquidator/internal/pipeline"
	"liquidator/internal/priceagg"
	"liquidator/internal/quoter"
	"liquidator/internal/registry"
	"liquidator/internal/seedstore"
	"liquidator/internal/signer"
	"liquidator/internal/statemachine"
)

// Agent bundles every running component so Main can start and stop them as
// a unit.
type Agent struct {
	Registry  *registry.Registry
	Prices    *priceagg.Aggregator
	Assets    *asset.Table
	Router    *eventrouter.Router
	FanOut    *fanout.FanOut
	Pipeline  *pipeline.Pipeline
	BlockLoop *blockloop.Loop

	LogWatcher    *chain.LogWatcher
	AuditStore    *auditstore.Store
	AuditExporter *auditstore.Exporter
	SeedStore     *seedstore.Store

	AdminServer *http.Server

	feedCancel func()
	closers    []func() error

	Logger *slog.Logger
}

// Close releases every resource build opened, best-effort.
func (a *Agent) Close() {
	if a.feedCancel != nil {
		a.feedCancel()
	}
	for _, fn := range a.closers {
		_ = fn()
	}
}

func (a *Agent) runAdmin(ctx context.Context) {
	errs := make(chan error, 1)
	go func() { errs <- a.AdminServer.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.AdminServer.Shutdown(shutdownCtx)
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			a.Logger.Error("admin server failed", "error", err)
		}
	}
}

// build wires every component from cfg. It performs the startup-only chain
// reads (reserve token addresses, decimals) before returning, since those
// never change without a restart (spec.md §6: chain_id and rpc_url are
// startup-only, and this agent treats reserve wiring the same way).
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Agent, error) {
	bands := statemachine.Bands{Watch: cfg.Bands.Watch, Critical: cfg.Bands.Critical, Liquidatable: cfg.Bands.Liquidatable}

	thresholds := make(map[string]float64, len(cfg.TargetCollateralAssets))
	for _, t := range cfg.TargetCollateralAssets {
		thresholds[strings.ToLower(t.Address)] = t.Threshold
	}

	reg := registry.New(bands)
	staleAfter := time.Duration(cfg.PriceStaleMS) * time.Millisecond
	prices := priceagg.New(cfg.PriceUpdateDebounce.Duration, staleAfter)
	assets := asset.NewTable(thresholds)

	poolABI, err := chain.PoolABI()
	if err != nil {
		return nil, fmt.Errorf("parse pool abi: %w", err)
	}
	erc20ABI, err := chain.ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	flashABI, err := chain.FlashLiquidatorABI()
	if err != nil {
		return nil, fmt.Errorf("parse flash liquidator abi: %w", err)
	}

	evmClient, err := chain.NewEVMClient(ctx, cfg.RPCURL, cfg.RPCRequestsPerSecond, poolABI, erc20ABI)
	if err != nil {
		return nil, fmt.Errorf("dial evm client: %w", err)
	}

	rawEth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial raw eth client: %w", err)
	}

	poolAddr := common.HexToAddress(cfg.PoolAddress)

	startBlock, err := evmClient.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read starting block: %w", err)
	}
	fromBlock := uint64(0)
	if startBlock > cfg.SeedLookbackBlocks {
		fromBlock = startBlock - cfg.SeedLookbackBlocks
	}
	logWatcher := chain.NewLogWatcher(rawEth, poolAddr, cfg.BlockPollInterval.Duration, cfg.EventConfirmations, fromBlock)

	var oracleClient *chain.OracleClient
	if strings.TrimSpace(cfg.OracleAddress) != "" {
		oracleClient, err = chain.NewOracleClient(rawEth, common.HexToAddress(cfg.OracleAddress), cfg.RPCRequestsPerSecond)
		if err != nil {
			return nil, fmt.Errorf("build oracle client: %w", err)
		}
	}

	encoder := chain.NewABIEncoder(poolABI, flashABI)

	collateralReserves, err := resolveReserves(ctx, evmClient, poolAddr, cfg.TargetCollateralAssets, true)
	if err != nil {
		return nil, fmt.Errorf("resolve collateral reserves: %w", err)
	}
	debtReserves, err := resolveReserves(ctx, evmClient, poolAddr, cfg.TargetDebtAssets, false)
	if err != nil {
		return nil, fmt.Errorf("resolve debt reserves: %w", err)
	}

	db, err := auditstore.Dial(cfg.Audit.DSN)
	if err != nil {
		return nil, fmt.Errorf("dial audit store: %w", err)
	}
	if err := auditstore.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate audit store: %w", err)
	}
	auditStore := auditstore.New(db, logger)
	auditExporter := auditstore.NewExporter(auditStore, cfg.Audit.ParquetExportDir, logger)

	var seedStore *seedstore.Store
	if strings.TrimSpace(cfg.SeedStore.Path) != "" {
		seedStore, err = seedstore.Open(cfg.SeedStore.Path)
		if err != nil {
			return nil, fmt.Errorf("open seed store: %w", err)
		}
		if batch, ok, err := seedStore.LoadBatch(); err == nil && ok {
			_ = seedstore.Seed(reg, seedStore, batch, time.Now())
		}
	}

	router := eventrouter.New(reg, eventrouter.ChainBalanceReader{Client: evmClient}, oracleClient, auditStore, logger, eventrouter.Config{
		CollateralReserves: collateralReserves,
		DebtReserves:       debtReserves,
		MinDebtUSD:         cfg.MinDebtUSD,
	})
	router.OnClosed = func(borrowerAddr, reason string) {
		auditStore.RecordClosed(context.Background(), borrowerAddr, reason, time.Now())
	}

	relay, err := broadcast.New(broadcast.Mode(cfg.RelayMode), evmClient, cfg.PrivateRelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build broadcast transport: %w", err)
	}

	var txSigner signer.Signer
	if cfg.EnableExecution && !cfg.DryRun {
		switch {
		case strings.TrimSpace(cfg.SignerKey) != "":
			txSigner, err = signer.NewPrivateKeySigner(cfg.SignerKey)
		case strings.TrimSpace(cfg.KeystorePath) != "":
			txSigner, err = signer.NewKeystoreSigner(cfg.KeystorePath, cfg.KeystorePass)
		}
		if err != nil {
			return nil, fmt.Errorf("load signer: %w", err)
		}
	}

	oneInch := quoter.NewOneInchQuoter(cfg.OneInchRouterAddress, cfg.MaxSlippageBps, cfg.RPCRequestsPerSecond)

	var notif notifier.Notifier = notifier.NoopNotifier{}
	if strings.TrimSpace(cfg.NotifierWebhookURL) != "" {
		notif = notifier.NewWebhookNotifier(cfg.NotifierWebhookURL, logger)
	}

	debtAssetAddrs := assetAddresses(cfg.TargetDebtAssets)
	collateralAssetAddrs := assetAddresses(cfg.TargetCollateralAssets)
	configuredSources := []asset.Source{asset.SourceBinance, asset.SourcePyth}

	chainIDBig := chainIDFromConfig(cfg.ChainID)

	pl := pipeline.New(pipeline.Config{
		ChainID:            chainIDBig,
		Pool:               poolAddr,
		FlashLiquidator:    common.HexToAddress(cfg.FlashLiquidatorAddress),
		NativeAssetAddr:    strings.ToLower(cfg.NativeAssetAddress),
		OracleBaseDecimals: cfg.OracleBaseDecimals,
		DebtAssets:         debtAssetAddrs,
		CollateralAssets:   collateralAssetAddrs,
		ConfiguredSources:  configuredSources,
		Bonus:              hfengine.DefaultBonus,
		MinDebtUSD:         cfg.MinDebtUSD,
		MaxGasUSD:          cfg.MaxGasUSD,
		MinProfitUSD:       cfg.MinProfitUSD,
		TxCacheTTLBlocks:   cfg.TxCacheTTLBlocks,
		MaxConcurrentTx:    cfg.MaxConcurrentTx,
		EnableExecution:    cfg.EnableExecution,
		DryRun:             cfg.DryRun,
		FlashLoanMode:      cfg.FlashLoanMode,
		ReceiveAToken:      cfg.ReceiveAToken,
		MaxSlippageBps:     cfg.MaxSlippageBps,
		TxTimeout:          30 * time.Second,
		Bands:              bands,
	}, pipeline.Pipeline{
		Registry: reg,
		Prices:   prices,
		Assets:   assets,
		Chain:    evmClient,
		Encoder:  encoder,
		Quoter:   oneInch,
		Signer:   txSigner,
		Relay:    relay,
		Notifier: notif,
		Logger:   logger,
		Metrics:  metrics.Registry(),
	})

	thresholdLookup := hfengine.ThresholdLookup(assets.Threshold)
	fo := fanout.New(reg, prices, pl, thresholdLookup, logger)
	router.Notify = func(borrowerAddr string) {
		select {
		case fo.BorrowerUpdates <- borrowerAddr:
		default:
		}
	}

	loop := &blockloop.Loop{
		Registry:         reg,
		Prices:           prices,
		Chain:            evmClient,
		Pipeline:         pl,
		Logger:           logger,
		PollInterval:     cfg.BlockPollInterval.Duration,
		StatsEveryN:      60,
		DebtAssets:       debtAssetAddrs,
		CollateralAssets: collateralAssetAddrs,
		Thresholds:       thresholdLookup,
	}

	feedCtx, feedCancel := context.WithCancel(context.Background())
	startFeeds(feedCtx, cfg, prices, logger)

	agent := &Agent{
		Registry:      reg,
		Prices:        prices,
		Assets:        assets,
		Router:        router,
		FanOut:        fo,
		Pipeline:      pl,
		BlockLoop:     loop,
		LogWatcher:    logWatcher,
		AuditStore:    auditStore,
		AuditExporter: auditExporter,
		SeedStore:     seedStore,
		Logger:        logger,
		feedCancel:    feedCancel,
	}
	agent.closers = append(agent.closers, func() error { return seedStore.Close() })

	if cfg.Admin.ListenAddress != "" {
		authCfg := adminapi.AuthConfig{Enabled: cfg.Admin.JWTSecret != "", HMACSecret: cfg.Admin.JWTSecret}
		adminSrv := &adminapi.Server{Registry: reg, Auth: adminapi.NewAuthenticator(authCfg), Logger: logger}
		agent.AdminServer = &http.Server{
			Addr:         cfg.Admin.ListenAddress,
			Handler:      adminSrv.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	return agent, nil
}

func assetAddresses(thresholds []config.AssetThreshold) []string {
	out := make([]string, 0, len(thresholds))
	for _, t := range thresholds {
		out = append(out, strings.ToLower(t.Address))
	}
	return out
}

func resolveReserves(ctx context.Context, client *chain.EVMClient, pool common.Address, thresholds []config.AssetThreshold, collateral bool) ([]eventrouter.ReserveAssets, error) {
	out := make([]eventrouter.ReserveAssets, 0, len(thresholds))
	for _, t := range thresholds {
		reserveAddr := common.HexToAddress(t.Address)
		decimals, err := client.ERC20Decimals(ctx, reserveAddr)
		if err != nil {
			return nil, fmt.Errorf("decimals for %s: %w", t.Address, err)
		}
		aToken, debtToken, err := client.ReserveTokens(ctx, pool, reserveAddr)
		if err != nil {
			return nil, fmt.Errorf("reserve tokens for %s: %w", t.Address, err)
		}
		entry := eventrouter.ReserveAssets{
			Underlying: asset.Asset{Address: strings.ToLower(t.Address), Symbol: t.Symbol, Decimals: decimals},
		}
		if collateral {
			entry.AToken = aToken
		} else {
			entry.DebtToken = debtToken
		}
		out = append(out, entry)
	}
	return out, nil
}

func startFeeds(ctx context.Context, cfg config.Config, sink feeds.Sink, logger *slog.Logger) {
	if len(cfg.Feeds.BinanceSymbols) > 0 {
		bc := &feeds.BinanceConnector{Symbols: cfg.Feeds.BinanceSymbols, Mapping: feeds.SymbolMap(cfg.Feeds.BinanceSymbolMap), Logger: logger}
		go func() {
			if err := bc.Run(ctx, sink); err != nil && ctx.Err() == nil {
				logger.Error("binance connector exited", "error", err)
			}
		}()
	}
	if len(cfg.Feeds.PythFeedIDs) > 0 {
		pc := &feeds.PythConnector{FeedIDs: cfg.Feeds.PythFeedIDs, Mapping: feeds.SymbolMap(cfg.Feeds.PythFeedMap), Logger: logger}
		go func() {
			if err := pc.Run(ctx, sink); err != nil && ctx.Err() == nil {
				logger.Error("pyth connector exited", "error", err)
			}
		}()
	}
}

func chainIDFromConfig(id int64) *big.Int {
	return big.NewInt(id)
}
