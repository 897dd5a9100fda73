package poller

import (
	"context"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/lkcomu/lkcomu/pkg/config"
	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/energosbyt/energosbyttest"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/storage"
	"github.com/lkcomu/lkcomu/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

const (
	tomskCode = "7012345678"
	trashCode = "1234567890"
)

var testNow = time.Date(2026, time.October, 16, 12, 0, 0, 0, types.ProviderTomsk.Location())

func testConfig(t *testing.T, extra string) *config.Config {
	cfg, err := config.Parse([]byte("provider_type: tomsk\nusername: user@example.com\npassword: secret\n"+extra), "")
	require.NoError(t, err)
	return cfg
}

var equipment = []map[string]any{
	{
		"id_counter": 555, "nm_counter": "0123", "nm_model": "СЕ 102",
		"nn_zone": 1, "nm_zone": "день", "vl_last_ind": 120, "vl_today_ind": 124, "dt_last_ind": "2026-09-21",
		"nn_ind_receive_start": 15, "nn_ind_receive_end": 26,
	},
}

// byPlugin routes a proxy query shared by several handlers.
func byPlugin(replies map[string]map[string]any) func(url.Values) map[string]any {
	return func(form url.Values) map[string]any {
		if r, ok := replies[form.Get("plugin")]; ok {
			return r
		}
		return energosbyttest.Error(500, "unexpected plugin")
	}
}

func testGateway(t *testing.T) *energosbyttest.Gateway {
	gw := energosbyttest.NewGateway(t)
	gw.Handle("LSList", []map[string]any{
		{"nn_ls": tomskCode, "id_service": 11, "kd_provider": 2, "kd_service_type": 1, "vl_provider": `{"id":7}`, "data": map[string]any{"nm_street": "Томск, ул. Ленина, 1"}},
		{"nn_ls": trashCode, "id_service": 12, "kd_provider": 1, "kd_service_type": 2, "vl_provider": `{"id":8}`},
		{"nn_ls": "555", "id_service": 13, "kd_provider": 99, "kd_service_type": 1},
	})
	gw.HandleFunc("AbonentCurrentBalance", byPlugin(map[string]map[string]any{
		"smorodinaTransProxy": energosbyttest.OK([]map[string]any{{"vl_debt": 210}}),
		"trashProxy":          energosbyttest.OK([]map[string]any{{"sm_balance": 15}}),
	}))
	gw.Handle("AbonentEquipment", equipment)
	gw.HandleFunc("AbonentChargeDetail", byPlugin(map[string]map[string]any{
		"smorodinaTransProxy": energosbyttest.OK([]map[string]any{
			{"id_pd": "pd-9", "dt_period": "2026-09-01", "nm_service": "Электроэнергия", "sm_charged": 400.123, "sm_total": 400.123},
			{"id_pd": "pd-8", "dt_period": "2026-08-01", "nm_service": "Электроэнергия", "sm_charged": 380, "sm_total": 380},
		}),
		"trashProxy": energosbyttest.Error(500, "internal error"),
	}))
	gw.HandleFunc("AbonentPays", byPlugin(map[string]map[string]any{
		"smorodinaTransProxy": energosbyttest.OK([]map[string]any{{"dt_pay": "2026-10-02", "sm_pay": 400, "nm_status": "Принят"}}),
		"trashProxy":          energosbyttest.OK([]map[string]any{{"dt_pay": "2026-10-03", "sm_pay": 150, "nm_status": "В обработке"}}),
	}))
	return gw
}

func testPoller(t *testing.T, gw *energosbyttest.Gateway, cfg *config.Config) (*Poller, storage.Database) {
	db := storage.NewMemory()
	p := New(cfg, energosbyt.DefaultRegistry(), db, func(cfg *config.Config) *energosbyt.Client {
		return energosbyt.NewClient(energosbyt.ClientConfig{
			BaseURL:           gw.URL(),
			Username:          cfg.Username,
			Password:          cfg.Password,
			RequestsPerSecond: 1000,
			Now:               func() time.Time { return testNow },
		})
	})
	p.now = func() time.Time { return testNow }
	return p, db
}

func entityByKey(entities []types.Entity, key string) (types.Entity, bool) {
	for _, e := range entities {
		if e.Key == key {
			return e, true
		}
	}
	return types.Entity{}, false
}

func TestPollerSetup(t *testing.T) {
	ctx := context.Background()
	gw := testGateway(t)
	p, _ := testPoller(t, gw, testConfig(t, ""))

	accounts, err := p.Setup(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, trashCode, accounts[0].Code)
	assert.Equal(t, types.ServiceTypeTrash, accounts[0].ServiceType)
	assert.Equal(t, tomskCode, accounts[1].Code)
	assert.Equal(t, types.ProviderTomsk, accounts[1].Provider)

	unsupported := p.Unsupported()
	require.Len(t, unsupported, 1)
	assert.Equal(t, "555", unsupported[0].Code)
	assert.Equal(t, 99, unsupported[0].ProviderCode)

	h, ok := p.Handler(tomskCode)
	require.True(t, ok)
	assert.IsType(t, &energosbyt.SmorodinaAccount{}, h)
	assert.Equal(t, 1, gw.LoginCount())
	assert.Equal(t, "tomsk-user@example.com", p.ProfileID())

	t.Run("Filter", func(t *testing.T) {
		gw := testGateway(t)
		p, _ := testPoller(t, gw, testConfig(t, "filter: {default: true, \""+tomskCode+"\": false}\n"))
		accounts, err := p.Setup(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 1)
		assert.Equal(t, trashCode, accounts[0].Code)
	})

	t.Run("Login Failure", func(t *testing.T) {
		gw := testGateway(t)
		gw.SetLoginReply(func(url.Values) map[string]any {
			return energosbyttest.OK([]map[string]any{{"id_profile": nil, "nm_result": "Неверный пароль"}})
		})
		p, _ := testPoller(t, gw, testConfig(t, ""))
		_, err := p.Setup(ctx)
		var authErr *energosbyt.AuthenticationError
		assert.ErrorAs(t, err, &authErr)
	})
}

func TestPollerRefresh(t *testing.T) {
	ctx := context.Background()
	gw := testGateway(t)
	p, db := testPoller(t, gw, testConfig(t, ""))
	_, err := p.Setup(ctx)
	require.NoError(t, err)

	t.Run("Accounts", func(t *testing.T) {
		require.NoError(t, p.Refresh(ctx, types.KindAccounts))
		entities := p.Entities(types.KindAccounts)
		require.Len(t, entities, 2)

		tomsk, ok := entityByKey(entities, "account_"+tomskCode)
		require.True(t, ok)
		assert.Equal(t, -210.0, tomsk.State)
		assert.Equal(t, "TOMSK "+tomskCode+" Account", tomsk.Name)
		assert.Equal(t, "Томск, ул. Ленина, 1", tomsk.Attributes["address"])
		assert.Equal(t, "tomsk", tomsk.Attributes["provider_type"])
		assert.Nil(t, tomsk.Attributes["remaining_days"])

		trash, ok := entityByKey(entities, "account_"+trashCode)
		require.True(t, ok)
		assert.Equal(t, 15.0, trash.State)

		balances, err := db.GetBalanceHistory(ctx, "tomsk-user@example.com", tomskCode, testNow.Add(-time.Minute), testNow.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, balances, 1)
		assert.Equal(t, -210.0, balances[0].Amount)
	})

	t.Run("Meters", func(t *testing.T) {
		require.NoError(t, p.Refresh(ctx, types.KindMeters))
		entities := p.Entities(types.KindMeters)
		require.Len(t, entities, 1)
		e := entities[0]
		assert.Equal(t, "meter_"+tomskCode+"_0123", e.Key)
		assert.Equal(t, types.StateOK, e.State)
		assert.Equal(t, "TOMSK "+tomskCode+" Meter 0123", e.Name)
		assert.Equal(t, true, e.Attributes["submit_period_active"])
		assert.Equal(t, 120.0, e.Attributes["zone_t1_last_indication"])
		assert.Equal(t, 124.0, e.Attributes["zone_t1_submitted_indication"])
		assert.Equal(t, "день", e.Attributes["zone_t1_name"])

		m, ok := p.Meter(e.Key)
		require.True(t, ok)
		assert.Equal(t, "0123", m.Code())

		// the wrapper survives a refresh
		require.NoError(t, p.Refresh(ctx, types.KindMeters))
		again, ok := p.Meter(e.Key)
		require.True(t, ok)
		assert.Same(t, m, again)
	})

	t.Run("Failing Account Is Isolated", func(t *testing.T) {
		err := p.Refresh(ctx, types.KindInvoices)
		require.Error(t, err)

		entities := p.Entities(types.KindInvoices)
		require.Len(t, entities, 1)
		inv := entities[0]
		assert.Equal(t, "invoice_"+tomskCode, inv.Key)
		assert.Equal(t, 400.12, inv.State)
		assert.Equal(t, "pd-9", inv.Attributes["invoice_id"])
		assert.Equal(t, "2026-09-01", inv.Attributes["period"])
	})

	t.Run("Payments", func(t *testing.T) {
		require.NoError(t, p.Refresh(ctx, types.KindPayments))
		tomsk, ok := entityByKey(p.Entities(types.KindPayments), "payment_"+tomskCode)
		require.True(t, ok)
		assert.Equal(t, types.StateOn, tomsk.State)
		assert.Equal(t, 400.0, tomsk.Attributes["amount"])

		trash, ok := entityByKey(p.Entities(types.KindPayments), "payment_"+trashCode)
		require.True(t, ok)
		assert.Equal(t, types.StateOff, trash.State)
	})

	t.Run("Account Snapshot Reaches Handler", func(t *testing.T) {
		before, ok := p.Handler(tomskCode)
		require.True(t, ok)
		meter, ok := p.Meter("meter_" + tomskCode + "_0123")
		require.True(t, ok)

		gw.Handle("LSList", []map[string]any{
			{"nn_ls": tomskCode, "id_service": 11, "kd_provider": 2, "kd_service_type": 1, "vl_provider": `{"id":7}`, "data": map[string]any{"nm_street": "Томск, пр. Кирова, 5"}},
			{"nn_ls": trashCode, "id_service": 12, "kd_provider": 1, "kd_service_type": 2, "vl_provider": `{"id":8}`},
		})
		require.NoError(t, p.Refresh(ctx, types.KindAccounts))

		after, ok := p.Handler(tomskCode)
		require.True(t, ok)
		assert.Same(t, before, after)
		assert.Equal(t, "Томск, пр. Кирова, 5", after.Account().Address)
		assert.Equal(t, "Томск, пр. Кирова, 5", meter.Account().Address)
	})

	t.Run("All Kinds", func(t *testing.T) {
		assert.Len(t, p.Entities(""), 2+1+1+2)
	})

	t.Run("Meter Removed", func(t *testing.T) {
		gw.Handle("AbonentEquipment", []map[string]any{})
		require.NoError(t, p.Refresh(ctx, types.KindMeters))
		assert.Empty(t, p.Entities(types.KindMeters))
		_, ok := p.Meter("meter_" + tomskCode + "_0123")
		assert.False(t, ok)
	})
}

func TestPollerApplyConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("Names And Filter Without Relogin", func(t *testing.T) {
		gw := testGateway(t)
		p, _ := testPoller(t, gw, testConfig(t, ""))
		_, err := p.Setup(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Refresh(ctx, types.KindAccounts))

		cfg := testConfig(t, "name_format: {accounts: \"ЛС {account_code}\"}\nfilter: {\""+trashCode+"\": false}\n")
		require.NoError(t, p.ApplyConfig(ctx, cfg))
		assert.Equal(t, 1, gw.LoginCount())

		accounts := p.Accounts()
		require.Len(t, accounts, 1)
		assert.Equal(t, tomskCode, accounts[0].Code)

		entities := p.Entities(types.KindAccounts)
		require.Len(t, entities, 1)
		assert.Equal(t, "ЛС "+tomskCode, entities[0].Name)
	})

	t.Run("New Credentials Relogin", func(t *testing.T) {
		gw := testGateway(t)
		gw.Handle("AbonentChargeDetail", []map[string]any{})
		p, _ := testPoller(t, gw, testConfig(t, ""))
		_, err := p.Setup(ctx)
		require.NoError(t, err)

		cfg, err := config.Parse([]byte("provider_type: tomsk\nusername: other@example.com\npassword: secret\n"), "")
		require.NoError(t, err)
		require.NoError(t, p.ApplyConfig(ctx, cfg))
		assert.Equal(t, 2, gw.LoginCount())
		assert.Equal(t, "tomsk-other@example.com", p.ProfileID())
		assert.Len(t, p.Accounts(), 2)
	})
}

func TestPollerRun(t *testing.T) {
	gw := testGateway(t)
	p, _ := testPoller(t, gw, testConfig(t, ""))
	_, err := p.Setup(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// a reload restarts the tickers without blocking
	require.NoError(t, p.ApplyConfig(context.Background(), testConfig(t, "scan_interval: 120")))
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestPollerTeardown(t *testing.T) {
	gw := testGateway(t)
	p, _ := testPoller(t, gw, testConfig(t, ""))
	_, err := p.Setup(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Teardown(context.Background()))
	assert.Error(t, p.Refresh(context.Background(), types.KindAccounts))
	// a second teardown is a no-op
	assert.NoError(t, p.Teardown(context.Background()))
}
