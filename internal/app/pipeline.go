package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/mevengine/internal/chainfeed"
	"github.com/alanyoungcy/mevengine/internal/config"
	"github.com/alanyoungcy/mevengine/internal/crypto"
	"github.com/alanyoungcy/mevengine/internal/detector"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/engine"
	"github.com/alanyoungcy/mevengine/internal/execution"
	"github.com/alanyoungcy/mevengine/internal/oracle"
	"github.com/alanyoungcy/mevengine/internal/platform/evm"
	"github.com/alanyoungcy/mevengine/internal/platform/flashbots"
	"github.com/alanyoungcy/mevengine/internal/profit"
	"github.com/alanyoungcy/mevengine/internal/risk"
	"github.com/alanyoungcy/mevengine/internal/selector"
)

// pipeline is the assembled detection-to-execution stack.
type pipeline struct {
	engine      *engine.Engine
	feeds       *chainfeed.Manager
	oracle      *oracle.Aggregator
	coordinator *execution.Coordinator
	runners     []func(ctx context.Context) error
	close       func()
}

// reserveRelay lets the local simulator read the engine's reserve views,
// which exist only after the engine is built.
type reserveRelay struct {
	eng atomic.Pointer[engine.Engine]
}

func (r *reserveRelay) Reserves(chainID uint64) detector.ReserveView {
	if e := r.eng.Load(); e != nil {
		return e.Reserves(chainID)
	}
	return detector.ReserveView{}
}

// chainRoutes dispatches a strategy's submissions by chain.
type chainRoutes struct {
	name    string
	byChain map[uint64]execution.Submitter
}

func (c chainRoutes) Name() string { return c.name }

func (c chainRoutes) Submit(ctx context.Context, intent domain.ExecutionIntent, payload domain.SignedPayload) (domain.Receipt, error) {
	s, ok := c.byChain[intent.ChainID]
	if !ok {
		return domain.Receipt{}, fmt.Errorf("app: %s has no route on chain %d", c.name, intent.ChainID)
	}
	return s.Submit(ctx, intent, payload)
}

// riskLimits converts the file limits.
func riskLimits(cfg config.RiskConfig) domain.RiskLimits {
	per := make(map[string]*big.Int, len(cfg.StrategyLimits))
	for id, v := range cfg.StrategyLimits {
		per[id] = v.Int()
	}
	return domain.RiskLimits{
		MaxTradeSize:         cfg.MaxTradeSize.Int(),
		MaxStrategyExposure:  per,
		DefaultStrategyLimit: cfg.DefaultStrategyLimit.Int(),
		MaxDailyLoss:         cfg.MaxDailyLoss.Int(),
		MaxTotalExposure:     cfg.MaxTotalExposure.Int(),
		MaxConcentrationBps:  cfg.MaxConcentrationBps,
		CapOversized:         cfg.CapOversized,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
	}
}

func usdPairs(chains []config.ChainConfig) map[uint64]string {
	out := make(map[uint64]string, len(chains))
	for _, ch := range chains {
		out[ch.ID] = ch.USDPair
	}
	return out
}

// filterCatalog keeps the strategies the router can submit.
func filterCatalog(cat selector.Catalog, router *execution.Router) selector.Catalog {
	out := make(selector.Catalog, 0, len(cat))
	for _, s := range cat {
		if router.Supports(s.ID) {
			out = append(out, s)
		}
	}
	return out
}

// loadSigner returns the configured local signer. Dry runs without a key
// get an ephemeral one; live runs without a key get UnavailableSigner.
func loadSigner(cfg config.SignerConfig, dryRun bool, logger *slog.Logger) (execution.Signer, *crypto.LocalSigner, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.PrivateKey,
		EncryptedKeyPath: cfg.EncryptedKeyPath,
		KeyPassword:      cfg.KeyPassword,
	})
	switch {
	case err == nil:
		local := crypto.NewLocalSigner(key)
		return local, local, nil
	case errors.Is(err, crypto.ErrNoKey) && dryRun:
		key, err = ethcrypto.GenerateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("app: ephemeral key: %w", err)
		}
		local := crypto.NewLocalSigner(key)
		logger.Warn("app: no signing key configured; dry run uses an ephemeral key",
			slog.String("address", local.Address().Hex()))
		return local, local, nil
	case errors.Is(err, crypto.ErrNoKey):
		logger.Warn("app: no signing key configured; every intent will expire unsigned")
		return crypto.UnavailableSigner{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("app: load signing key: %w", err)
	}
}

// sourceConfig subscribes to the logs of every registered pool and lending
// market on the chain.
func sourceConfig(ch config.ChainConfig, spec *detector.ChainSpec) evm.SourceConfig {
	if spec == nil {
		spec = &detector.ChainSpec{}
	}
	addrs := make([]common.Address, 0, len(spec.Pools)+len(spec.Lending))
	for a := range spec.Pools {
		addrs = append(addrs, a)
	}
	for a := range spec.Lending {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })

	routers := make([]common.Address, 0, len(spec.Routers))
	for a := range spec.Routers {
		routers = append(routers, a)
	}
	sort.Slice(routers, func(i, j int) bool { return routers[i].Cmp(routers[j]) < 0 })

	return evm.SourceConfig{
		ChainID:   ch.ID,
		Name:      ch.Name,
		WSURL:     ch.WSURL,
		Addresses: addrs,
		Topics:    []common.Hash{detector.SyncTopic, detector.PositionUpdatedTopic},
		Pending:   ch.PendingTxs,
		Routers:   routers,
	}
}

// buildPipeline assembles feeds, oracle, profit, risk, selection and
// execution over deps. In a dry run every route only simulates.
func (a *App) buildPipeline(ctx context.Context, deps *Dependencies, dryRun bool) (*pipeline, error) {
	cfg := a.cfg
	logger := a.logger
	p := &pipeline{close: func() {}}

	registry, err := detector.BuildConfig(*cfg)
	if err != nil {
		return nil, err
	}
	table, err := detector.NewTable(registry)
	if err != nil {
		return nil, err
	}

	// --- Chain feeds ---
	adapters := make([]*chainfeed.Adapter, 0, len(cfg.Chains))
	sources := make(map[uint64]engine.EventSource, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		src := evm.NewSource(sourceConfig(ch, registry.Chain(ch.ID)), logger)
		ad := chainfeed.NewAdapter(chainfeed.AdapterConfig{
			ChainID:   ch.ID,
			QueueSize: cfg.Feed.QueueSize,
			Backoff: chainfeed.Backoff{
				Base:      cfg.Feed.BackoffBase.Duration,
				Cap:       cfg.Feed.BackoffCap.Duration,
				JitterPct: cfg.Feed.JitterPct,
			},
			DegradedAfter: cfg.Feed.DegradedAfter,
		}, src, deps.Metrics, logger)
		adapters = append(adapters, ad)
		sources[ch.ID] = ad.Queue()
	}
	p.feeds = chainfeed.NewManager(adapters, logger)
	p.runners = append(p.runners, p.feeds.Run)

	// --- Oracle ---
	pairs := make([]oracle.PairSpec, 0, len(cfg.Oracle.Pairs))
	for _, pr := range cfg.Oracle.Pairs {
		pairs = append(pairs, oracle.PairSpec{ChainID: pr.ChainID, Pair: pr.Pair, QuoteDecimals: pr.QuoteDecimals})
	}
	p.oracle = oracle.New(oracle.Config{
		MaxDeviationBps: cfg.Oracle.MaxDeviationBps,
		StaleAfter:      cfg.Oracle.StaleAfter.Duration,
		Weights:         cfg.Oracle.SourceWeights,
		Pairs:           pairs,
	}, deps.PriceCache, deps.Metrics, logger)
	p.runners = append(p.runners, p.oracle.Run)
	if deps.SignalBus != nil && cfg.Oracle.RedisChannel != "" {
		p.runners = append(p.runners, oracle.NewBusFeed(deps.SignalBus, cfg.Oracle.RedisChannel, p.oracle, logger).Run)
	}
	for _, f := range cfg.Oracle.HTTPFeeds {
		p.runners = append(p.runners, oracle.NewHTTPFeed(f.Name, f.URL, f.APIKey, f.Interval.Duration, p.oracle, logger).Run)
	}

	// --- RPC clients and signer ---
	urls := make(map[uint64]string, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		urls[ch.ID] = ch.HTTPURL
	}
	clients, err := evm.DialClients(ctx, urls, logger)
	if err != nil {
		return nil, err
	}
	p.close = clients.Close

	signer, local, err := loadSigner(cfg.Signer, dryRun, logger)
	if err != nil {
		p.close()
		return nil, err
	}
	var (
		account common.Address
		auth    flashbots.AuthSigner
	)
	if local != nil {
		account, auth = local.Address(), local
	}
	if cfg.Relay.AuthKey != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: cfg.Relay.AuthKey})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("app: relay auth key: %w", err)
		}
		auth = crypto.NewLocalSigner(key)
	}

	// --- Profit ---
	relay := &reserveRelay{}
	gas := profit.GasEstimates{
		Arbitrage: cfg.Detector.ArbGasEstimate,
		FlashArb:  cfg.Detector.FlashGasEstimate,
		Sandwich:  cfg.Detector.SandwichGasEstimate,
	}
	var sim profit.Simulator = profit.NewLocalSimulator(registry, relay, gas)
	if executors, ok := executorContracts(cfg.Chains); ok {
		sim = evm.NewCallSimulator(clients, executors, account, sim)
		logger.Info("app: simulating with eth_call against executor contracts")
	}
	calc := profit.NewCalculator(profit.Config{
		MinNetProfit:    cfg.Profit.MinNetProfit.Int(),
		PriorityTip:     cfg.Profit.PriorityTip.Int(),
		StaleAfter:      cfg.Oracle.StaleAfter.Duration,
		SimulateTimeout: cfg.Profit.SimulateTimeout.Duration,
	}, sim)

	// --- Risk ---
	assessor := risk.NewAssessor(usdPairs(cfg.Chains))
	portfolio, err := risk.LoadPortfolio(ctx, deps.Portfolio, assessor, riskLimits(cfg.Risk), logger)
	if err != nil {
		p.close()
		return nil, err
	}
	if _, err := portfolio.Reconcile(ctx, deps.Intents); err != nil {
		p.close()
		return nil, fmt.Errorf("app: reconcile portfolio: %w", err)
	}

	// --- Execution ---
	fbRelay := flashbots.NewRelay(flashbots.Config{
		URL:        cfg.Relay.URL,
		Timeout:    cfg.Relay.Timeout.Duration,
		RateLimit:  cfg.Relay.RateLimit,
		RateWindow: cfg.Relay.RateWindow.Duration,
	}, auth, deps.RateLimiter, logger)
	router := execution.NewRouter(a.routes(clients, fbRelay, dryRun))

	targets := make(map[uint64]execution.ChainTarget, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		var exec common.Address
		if ch.ExecutorContract != "" {
			exec = common.HexToAddress(ch.ExecutorContract)
		}
		targets[ch.ID] = execution.ChainTarget{Executor: exec, MaxGasPerBundle: ch.MaxGasPerBundle}
	}
	builder := execution.NewBuilder(execution.BuilderConfig{
		Chains:      targets,
		PriorityTip: cfg.Profit.PriorityTip.Int(),
	}, execution.NewNonceManager(clients, account), signer.Ref())

	var dist domain.LockManager
	if cfg.Execution.DistributedLocks {
		dist = deps.LockManager
	}
	p.coordinator = execution.NewCoordinator(execution.Config{
		MaxRetries:       cfg.Execution.MaxRetries,
		FeeBumpBps:       cfg.Execution.FeeBumpBps,
		SubmissionWindow: cfg.Execution.SubmissionWindow.Duration,
		SignerFatalAfter: cfg.Execution.SignerFatalAfter,
		LaunchTimeout:    cfg.Execution.LaunchTimeout.Duration,
	}, builder, signer, router, execution.NewLocks(dist, cfg.Execution.LockTTL.Duration), deps.Intents, deps.Metrics, logger)

	catalog := filterCatalog(selector.DefaultCatalog(), router)
	if len(catalog) == 0 {
		p.close()
		return nil, errors.New("app: no execution strategy has a submission route")
	}

	// --- Engine ---
	eng, err := engine.New(engine.Config{
		Workers:            cfg.Engine.Workers,
		CandidateBuffer:    cfg.Engine.CandidateBuffer,
		TickInterval:       cfg.Selector.TickInterval.Duration,
		GasBudget:          cfg.Selector.GasBudget,
		MaxInFlight:        cfg.Selector.MaxInFlight,
		GasQuantum:         cfg.Selector.GasQuantum,
		CheckpointInterval: cfg.Engine.CheckpointInterval.Duration,
	}, engine.Deps{
		Sources:       sources,
		Detector:      table,
		Oracle:        p.oracle,
		Profit:        calc,
		Assessor:      assessor,
		Portfolio:     portfolio,
		Catalog:       catalog,
		Launcher:      p.coordinator,
		Opportunities: deps.Opportunities,
		Audit:         deps.Audit,
		Events:        deps.Events,
		Metrics:       deps.Metrics,
		Logger:        logger,
	})
	if err != nil {
		p.close()
		return nil, err
	}
	relay.eng.Store(eng)
	p.engine = eng

	ids := make([]string, 0, len(catalog))
	for _, s := range catalog {
		ids = append(ids, s.ID)
	}
	logger.Info("app: pipeline assembled",
		slog.Int("chains", len(cfg.Chains)),
		slog.Any("strategies", ids),
		slog.String("signer", signer.Ref()),
		slog.Bool("dry_run", dryRun),
	)
	return p, nil
}

// executorContracts returns every chain's executor when all chains have one
// and an HTTP endpoint to call it through.
func executorContracts(chains []config.ChainConfig) (map[uint64]common.Address, bool) {
	out := make(map[uint64]common.Address, len(chains))
	for _, ch := range chains {
		if ch.ExecutorContract == "" || ch.HTTPURL == "" {
			return nil, false
		}
		out[ch.ID] = common.HexToAddress(ch.ExecutorContract)
	}
	return out, len(out) > 0
}

// routes maps strategy ids to submitters. The public mempool route needs an
// HTTP endpoint; private routes exist on chains whose submit_mode is not
// "public". A dry run simulates every route through eth_callBundle.
func (a *App) routes(clients *evm.Clients, relay *flashbots.Relay, dryRun bool) map[string]execution.Submitter {
	readers := flashbots.ClientReaders(clients)
	if dryRun {
		sim := flashbots.NewSimulateSubmitter(relay, readers, a.logger)
		return map[string]execution.Submitter{
			selector.PublicMempool:   sim,
			selector.PrivateBundle:   sim,
			selector.FlashloanBundle: sim,
		}
	}

	poll := a.cfg.Execution.ReceiptPoll.Duration
	var (
		public  = map[uint64]execution.Submitter{}
		private = map[uint64]execution.Submitter{}
		bundle  = flashbots.NewBundleSubmitter(relay, readers, poll, 2, a.logger)
		mempool = evm.NewPublicSubmitter(clients, poll, a.logger)
	)
	for _, ch := range a.cfg.Chains {
		if ch.HTTPURL == "" {
			continue
		}
		public[ch.ID] = mempool
		if ch.SubmitMode != "public" {
			private[ch.ID] = bundle
		}
	}

	routes := map[string]execution.Submitter{}
	if len(public) > 0 {
		routes[selector.PublicMempool] = chainRoutes{name: selector.PublicMempool, byChain: public}
	}
	if len(private) > 0 {
		routes[selector.PrivateBundle] = chainRoutes{name: selector.PrivateBundle, byChain: private}
		routes[selector.FlashloanBundle] = chainRoutes{name: selector.FlashloanBundle, byChain: private}
	}
	return routes
}
