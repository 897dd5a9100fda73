package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/lkcomu/lkcomu/pkg/config"
	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/metrics"
	"github.com/lkcomu/lkcomu/pkg/storage"
	"github.com/lkcomu/lkcomu/pkg/types"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is how many accounts are refreshed at once.
const DefaultConcurrency = 4

// historyWindow is how far back invoices and payments are looked up.
const historyWindow = 365 * 24 * time.Hour

// UnsupportedAccount is an account of the profile that no handler serves.
type UnsupportedAccount struct {
	Code         string            `json:"code"`
	Provider     types.Provider    `json:"provider,omitempty"`
	ProviderCode int               `json:"providerCode,omitempty"`
	ServiceType  types.ServiceType `json:"serviceType"`
	Reason       string            `json:"reason"`
}

// ClientFactory builds a gateway client for the credentials in a config.
type ClientFactory func(cfg *config.Config) *energosbyt.Client

// accountUpdater is implemented by handlers that can take a new account
// snapshot without losing their meter wrappers.
type accountUpdater interface {
	SetAccount(acc types.Account)
}

type accountState struct {
	account types.Account
	handler energosbyt.AccountHandler
}

// Poller owns the gateway session, the account handlers and the entity
// index. It refreshes every entity kind on its own interval.
type Poller struct {
	registry  *energosbyt.Registry
	db        storage.Database
	newClient ClientFactory
	limit     int
	now       func() time.Time
	reload    chan struct{}

	mu          sync.RWMutex
	cfg         *config.Config
	client      *energosbyt.Client
	accounts    map[string]*accountState
	unsupported []UnsupportedAccount
	reported    map[string]bool
	entities    map[types.EntityKind]map[string]*types.Entity
	meters      map[string]*energosbyt.Meter
}

// New creates a Poller. Nothing is fetched until Setup.
func New(cfg *config.Config, registry *energosbyt.Registry, db storage.Database, newClient ClientFactory) *Poller {
	p := &Poller{
		registry:  registry,
		db:        db,
		newClient: newClient,
		limit:     DefaultConcurrency,
		now:       time.Now,
		reload:    make(chan struct{}, 1),
		cfg:       cfg,
		accounts:  make(map[string]*accountState),
		reported:  make(map[string]bool),
		entities:  make(map[types.EntityKind]map[string]*types.Entity),
		meters:    make(map[string]*energosbyt.Meter),
	}
	for _, kind := range types.EntityKinds {
		p.entities[kind] = make(map[string]*types.Entity)
	}
	return p
}

// Configured sets up the Poller based on flags and the config file.
func Configured(loader *config.Loader, db storage.Database) *Poller {
	gatewayURL := lflag.String("gateway-url", energosbyt.DefaultBaseURL, "Base URL of the billing portal gateway")
	timeout := lflag.Duration("gateway-timeout", energosbyt.DefaultTimeout, "Timeout of a single gateway request")

	p := New(nil, energosbyt.DefaultRegistry(), db, nil)
	lflag.Do(func() {
		cfg, err := loader.Load()
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		p.cfg = cfg
		p.newClient = func(cfg *config.Config) *energosbyt.Client {
			return energosbyt.NewClient(energosbyt.ClientConfig{
				BaseURL:   *gatewayURL,
				Username:  cfg.Username,
				Password:  cfg.Password,
				UserAgent: cfg.UserAgent,
				Timeout:   *timeout,
			})
		}
	})
	return p
}

// Config returns the active config.
func (p *Poller) Config() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// ProfileID identifies the active portal profile in storage.
func (p *Poller) ProfileID() string {
	return p.Config().ProfileID()
}

func (p *Poller) logger(ctx context.Context) (context.Context, *slog.Logger) {
	cfg := p.Config()
	l := log.Ctx(ctx).With(
		slog.String("provider", string(cfg.Provider)),
		slog.String("username", log.MaskUsername(cfg.Username)),
	)
	return log.With(ctx, l), l
}

// Setup logs in, lists the accounts and instantiates their handlers.
func (p *Poller) Setup(ctx context.Context) ([]types.Account, error) {
	ctx, l := p.logger(ctx)

	p.mu.Lock()
	if p.client == nil {
		p.client = p.newClient(p.cfg)
	}
	client := p.client
	p.mu.Unlock()

	if err := client.Login(ctx); err != nil {
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if err := p.syncAccounts(ctx, client, true); err != nil {
		return nil, err
	}
	accounts := p.Accounts()
	l.InfoContext(ctx, "poller set up", slog.Int("accounts", len(accounts)), slog.Int("unsupported", len(p.Unsupported())))
	return accounts, nil
}

// syncAccounts reconciles the handler index with the profile's account list.
func (p *Poller) syncAccounts(ctx context.Context, client *energosbyt.Client, refresh bool) error {
	rows, err := client.Accounts(ctx, refresh)
	if err != nil {
		return err
	}
	cfg := p.Config()

	var (
		fresh       []*accountState
		unsupported []UnsupportedAccount
	)
	for _, raw := range rows {
		handler, err := p.registry.Instantiate(client, raw)
		if err != nil {
			var ue *energosbyt.UnsupportedAccountError
			if !errors.As(err, &ue) {
				log.Ctx(ctx).WarnContext(ctx, "skipping invalid account row", slog.Any("error", err))
				continue
			}
			unsupported = append(unsupported, UnsupportedAccount{
				Code:         string(raw.Code),
				Provider:     ue.Provider,
				ProviderCode: ue.ProviderCode,
				ServiceType:  ue.ServiceType,
				Reason:       ue.Error(),
			})
			continue
		}
		acc := handler.Account()
		if !cfg.AccountEnabled(acc.Code) {
			log.Ctx(ctx).DebugContext(ctx, "account filtered out", slog.String("account", acc.Code))
			continue
		}
		fresh = append(fresh, &accountState{account: acc, handler: handler})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, u := range unsupported {
		if p.reported[u.Code] {
			continue
		}
		p.reported[u.Code] = true
		log.Ctx(ctx).WarnContext(ctx, "unsupported account", slog.String("account", u.Code), slog.String("reason", u.Reason))
	}
	p.unsupported = unsupported

	next, removed := energosbyt.Reconcile(
		p.accounts,
		fresh,
		func(s *accountState) string { return s.account.Code },
		func(s *accountState) *accountState { return s },
		func(old, s *accountState) {
			// a new handler is only needed when the routing data changed,
			// otherwise the old one keeps its meter wrappers
			if old.account.Provider != s.account.Provider ||
				old.account.ServiceType != s.account.ServiceType ||
				old.account.ProviderPayload != s.account.ProviderPayload {
				old.handler = s.handler
			} else if u, ok := old.handler.(accountUpdater); ok {
				u.SetAccount(s.account)
			}
			old.account = s.account
		},
	)
	for _, code := range removed {
		log.Ctx(ctx).InfoContext(ctx, "account removed", slog.String("account", code))
		acc := p.accounts[code].account
		metrics.DeleteAccountBalance(string(acc.Provider), acc.Code)
		p.dropAccountLocked(code)
	}
	p.accounts = next
	return nil
}

// dropAccountLocked forgets every entity of an account. p.mu must be held.
func (p *Poller) dropAccountLocked(code string) {
	for _, byKey := range p.entities {
		for key, e := range byKey {
			if e.AccountCode == code {
				delete(byKey, key)
			}
		}
	}
	for key, m := range p.meters {
		if m.Account().Code == code {
			delete(p.meters, key)
		}
	}
}

func (p *Poller) snapshot() (*config.Config, []accountState) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	states := make([]accountState, 0, len(p.accounts))
	for _, s := range p.accounts {
		states = append(states, *s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].account.Code < states[j].account.Code })
	return p.cfg, states
}

// fetchResult is what one account contributed to a refresh.
type fetchResult struct {
	entities []*types.Entity
	meters   map[string]*energosbyt.Meter
}

// Refresh runs one refresh of an entity kind. Accounts are fetched
// concurrently and a failing account keeps its previous entities.
func (p *Poller) Refresh(ctx context.Context, kind types.EntityKind) error {
	ctx, l := p.logger(ctx)
	ctx = log.With(ctx, l.With(slog.String("kind", string(kind))))
	start := p.now()
	defer func() { metrics.ObserveRefresh(string(kind), time.Since(start)) }()

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return errors.New("poller is not set up")
	}

	if kind == types.KindAccounts {
		if err := p.syncAccounts(ctx, client, true); err != nil {
			metrics.ObserveRefreshFailure(string(kind))
			return fmt.Errorf("failed to refresh accounts: %w", err)
		}
	}

	cfg, states := p.snapshot()
	now := p.now()

	var (
		mu      sync.Mutex
		results = make(map[string]fetchResult, len(states))
		failed  = make(map[string]bool)
		g       errgroup.Group
	)
	g.SetLimit(p.limit)
	for _, st := range states {
		if !cfg.EntityEnabled(kind, st.account.Code) {
			continue
		}
		g.Go(func() error {
			actx := log.With(ctx, log.Ctx(ctx).With(slog.String("account", st.account.Code)))
			res, err := p.fetch(actx, cfg, st, kind, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Ctx(actx).ErrorContext(actx, "failed to refresh account", slog.Any("error", err))
				metrics.ObserveRefreshFailure(string(kind))
				failed[st.account.Code] = true
				return nil
			}
			results[st.account.Code] = res
			return nil
		})
	}
	// goroutines never return errors so siblings keep running
	_ = g.Wait()

	p.apply(ctx, kind, results, failed)
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d accounts failed to refresh", len(failed), len(states))
	}
	return nil
}

// RefreshAll refreshes every entity kind in order.
func (p *Poller) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, kind := range types.EntityKinds {
		if err := p.Refresh(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Poller) fetch(ctx context.Context, cfg *config.Config, st accountState, kind types.EntityKind, now time.Time) (fetchResult, error) {
	acc, h := st.account, st.handler
	switch kind {
	case types.KindAccounts:
		return p.fetchAccount(ctx, cfg, acc, h, now)

	case types.KindMeters:
		meters, err := h.FetchMeters(ctx)
		if errors.Is(err, energosbyt.ErrNotSupported) {
			return fetchResult{}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		res := fetchResult{meters: make(map[string]*energosbyt.Meter, len(meters))}
		for _, m := range meters {
			e := meterEntity(cfg, acc, m, now)
			res.entities = append(res.entities, e)
			res.meters[e.Key] = m
		}
		return res, nil

	case types.KindInvoices:
		invoices, err := h.FetchInvoices(ctx, now.Add(-historyWindow), now)
		if errors.Is(err, energosbyt.ErrNotSupported) {
			return fetchResult{}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		if len(invoices) == 0 {
			return fetchResult{}, nil
		}
		// newest first
		return fetchResult{entities: []*types.Entity{invoiceEntity(cfg, acc, invoices[0], now)}}, nil

	case types.KindPayments:
		payments, err := h.FetchPayments(ctx, now.Add(-historyWindow), now)
		if errors.Is(err, energosbyt.ErrNotSupported) {
			return fetchResult{}, nil
		}
		if err != nil {
			return fetchResult{}, err
		}
		if len(payments) == 0 {
			return fetchResult{}, nil
		}
		return fetchResult{entities: []*types.Entity{paymentEntity(cfg, acc, payments[0], now)}}, nil
	}
	return fetchResult{}, fmt.Errorf("unknown entity kind: %s", kind)
}

func (p *Poller) fetchAccount(ctx context.Context, cfg *config.Config, acc types.Account, h energosbyt.AccountHandler, now time.Time) (fetchResult, error) {
	var balance *float64
	amount, err := h.FetchCurrentBalance(ctx)
	switch {
	case errors.Is(err, energosbyt.ErrNotSupported):
	case err != nil:
		return fetchResult{}, fmt.Errorf("failed to fetch balance: %w", err)
	default:
		balance = &amount
		metrics.SetAccountBalance(string(acc.Provider), acc.Code, amount)
		b := types.Balance{AccountCode: acc.Code, Amount: amount, Timestamp: now}
		if err := p.db.UpsertBalance(ctx, cfg.ProfileID(), b); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store balance", slog.Any("error", err))
		}
	}

	days, err := h.FetchRemainingSubmissionDays(ctx)
	if err != nil && !errors.Is(err, energosbyt.ErrNotSupported) {
		// the account itself is still usable
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch remaining submission days", slog.Any("error", err))
		days = nil
	}
	return fetchResult{entities: []*types.Entity{accountEntity(cfg, acc, balance, days, now)}}, nil
}

// apply reconciles the fetched entities of a kind into the index. Entities of
// failed accounts are carried over unchanged.
func (p *Poller) apply(ctx context.Context, kind types.EntityKind, results map[string]fetchResult, failed map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.entities[kind]
	var fresh []*types.Entity
	for _, e := range old {
		if failed[e.AccountCode] {
			fresh = append(fresh, e)
		}
	}
	for _, res := range results {
		fresh = append(fresh, res.entities...)
	}

	next, removed := energosbyt.Reconcile(
		old,
		fresh,
		func(e *types.Entity) string { return e.Key },
		func(e *types.Entity) *types.Entity { return e },
		func(cur, e *types.Entity) {
			if cur != e {
				*cur = *e
			}
		},
	)
	p.entities[kind] = next

	if kind == types.KindMeters {
		for _, res := range results {
			for key, m := range res.meters {
				p.meters[key] = m
			}
		}
	}
	for _, key := range removed {
		log.Ctx(ctx).InfoContext(ctx, "entity removed", slog.String("key", key))
		delete(p.meters, key)
		if kind == types.KindAccounts {
			if acc, ok := p.accountByEntityKeyLocked(key); ok {
				metrics.DeleteAccountBalance(string(acc.Provider), acc.Code)
			}
		}
	}
}

func (p *Poller) accountByEntityKeyLocked(key string) (types.Account, bool) {
	for code, s := range p.accounts {
		if accountKey(code) == key {
			return s.account, true
		}
	}
	return types.Account{}, false
}

// Run refreshes every entity kind on its configured interval until ctx is
// cancelled. A config change restarts the tickers with the new intervals.
func (p *Poller) Run(ctx context.Context) {
	for {
		runCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		cfg := p.Config()
		for _, kind := range types.EntityKinds {
			interval := cfg.ScanIntervalFor(kind)
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.tick(runCtx, kind, interval)
			}()
		}

		select {
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return
		case <-p.reload:
			cancel()
			wg.Wait()
			log.Ctx(ctx).InfoContext(ctx, "restarting refresh tickers")
		}
	}
}

func (p *Poller) tick(ctx context.Context, kind types.EntityKind, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, kind); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.String("kind", string(kind)), slog.Any("error", err))
			}
		}
	}
}

// ApplyConfig switches to a new config. Filters, intervals and name formats
// apply without a new session, changed credentials log in again.
func (p *Poller) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	p.mu.Lock()
	old, oldClient := p.cfg, p.client
	p.cfg = cfg
	relogin := old == nil || !old.CredentialsEqual(cfg)
	if relogin {
		p.client = nil
		p.accounts = make(map[string]*accountState)
		p.unsupported = nil
		p.reported = make(map[string]bool)
		for kind := range p.entities {
			p.entities[kind] = make(map[string]*types.Entity)
		}
		p.meters = make(map[string]*energosbyt.Meter)
	} else {
		for _, byKey := range p.entities {
			for _, e := range byKey {
				if s, ok := p.accounts[e.AccountCode]; ok {
					e.Name = cfg.EntityName(s.account, e.Kind, e.Code)
				}
			}
		}
	}
	p.mu.Unlock()

	select {
	case p.reload <- struct{}{}:
	default:
	}

	if !relogin {
		// re-apply the account filter from the cached list
		p.mu.RLock()
		client := p.client
		p.mu.RUnlock()
		if client == nil {
			return nil
		}
		return p.syncAccounts(ctx, client, false)
	}

	if oldClient != nil {
		if err := oldClient.Logout(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to logout old session", slog.Any("error", err))
		}
		_ = oldClient.Close()
	}
	if _, err := p.Setup(ctx); err != nil {
		return err
	}
	return p.RefreshAll(ctx)
}

// Teardown ends the session.
func (p *Poller) Teardown(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	var errs []error
	if err := client.Logout(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to logout: %w", err))
	}
	if err := client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Accounts returns the handled accounts sorted by code.
func (p *Poller) Accounts() []types.Account {
	_, states := p.snapshot()
	accounts := make([]types.Account, len(states))
	for i, s := range states {
		accounts[i] = s.account
	}
	return accounts
}

// Handler returns the handler of an account.
func (p *Poller) Handler(accountCode string) (energosbyt.AccountHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.accounts[accountCode]
	if !ok {
		return nil, false
	}
	return s.handler, true
}

// Unsupported returns the accounts no handler serves.
func (p *Poller) Unsupported() []UnsupportedAccount {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]UnsupportedAccount(nil), p.unsupported...)
}

// Entities returns copies of the entities of a kind, or of every kind when
// kind is empty, sorted by key.
func (p *Poller) Entities(kind types.EntityKind) []types.Entity {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []types.Entity
	for k, byKey := range p.entities {
		if kind != "" && k != kind {
			continue
		}
		for _, e := range byKey {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Meter returns the meter behind a meter entity key.
func (p *Poller) Meter(key string) (*energosbyt.Meter, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.meters[key]
	return m, ok
}
