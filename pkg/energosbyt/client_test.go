package energosbyt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/lkcomu/lkcomu/pkg/energosbyt/energosbyttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLogin(t *testing.T) {
	t.Run("Payload", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		c := testClient(gw)

		require.NoError(t, c.Login(context.Background()))
		assert.False(t, c.LoggedInAt().IsZero())

		logins := gw.CallsNamed("login")
		require.Len(t, logins, 1)
		form := logins[0].Form
		assert.Equal(t, "user@example.com", form.Get("login"))
		assert.Equal(t, "secret", form.Get("psw"))
		assert.Equal(t, "true", form.Get("remember"))

		var info map[string]string
		require.NoError(t, json.Unmarshal([]byte(form.Get("vl_device_info")), &info))
		assert.Equal(t, deviceAppVersion, info["appver"])
		assert.Equal(t, "browser", info["type"])
		assert.Equal(t, DefaultUserAgent, info["userAgent"])

		// the session routines run right after login
		assert.Len(t, gw.CallsNamed("Init"), 1)
		assert.Len(t, gw.CallsNamed("NoticeRoutine"), 1)
	})

	t.Run("Rejected Profile", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		gw.SetLoginReply(func(url.Values) map[string]any {
			return energosbyttest.OK([]map[string]any{{"id_profile": nil, "nm_result": "Неверный логин или пароль"}})
		})
		err := testClient(gw).Login(context.Background())
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "Неверный логин или пароль", authErr.Message)
	})

	t.Run("Auth Error Code", func(t *testing.T) {
		for _, code := range []int{114, 127, 131} {
			gw := energosbyttest.NewGateway(t)
			gw.SetLoginReply(func(url.Values) map[string]any {
				return energosbyttest.Error(code, "blocked")
			})
			err := testClient(gw).Login(context.Background())
			var authErr *AuthenticationError
			require.ErrorAs(t, err, &authErr, "code %d", code)
			assert.Equal(t, code, authErr.Code)
		}
	})

	t.Run("Session Routine Rejected", func(t *testing.T) {
		for _, query := range []string{"Init", "NoticeRoutine"} {
			gw := energosbyttest.NewGateway(t)
			gw.HandleFunc(query, func(url.Values) map[string]any {
				return energosbyttest.Error(energosbyttest.SessionExpiredCode, "session expired")
			})
			c := testClient(gw)
			err := c.Login(context.Background())
			var authErr *AuthenticationError
			require.ErrorAs(t, err, &authErr, query)
			assert.Equal(t, energosbyttest.SessionExpiredCode, authErr.Code)
			assert.Contains(t, authErr.Message, query)
			assert.True(t, c.LoggedInAt().IsZero(), query)
		}
	})

	t.Run("Session Routine Failed", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		gw.HandleFunc("Init", func(url.Values) map[string]any {
			return energosbyttest.Error(500, "internal")
		})
		c := testClient(gw)
		err := c.Login(context.Background())
		var be *BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 500, be.Code)
		assert.True(t, c.LoggedInAt().IsZero())
		assert.Empty(t, gw.CallsNamed("NoticeRoutine"))
	})

	t.Run("Missing Credentials", func(t *testing.T) {
		c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
		var authErr *AuthenticationError
		require.ErrorAs(t, c.Login(context.Background()), &authErr)
	})
}

func TestClientSessionExpiry(t *testing.T) {
	t.Run("Single Relogin", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		gw.Handle("LSList", []map[string]any{{"nn_ls": "123"}})
		c := testClient(gw)

		require.NoError(t, c.Login(context.Background()))
		gw.ExpireSessions()

		rows, err := c.Accounts(context.Background(), true)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "123", string(rows[0].Code))

		assert.Equal(t, 2, gw.LoginCount())
		calls := gw.CallsNamed("LSList")
		require.Len(t, calls, 2)
		assert.Equal(t, "session-1", calls[0].Session)
		assert.Equal(t, "session-2", calls[1].Session)
	})

	t.Run("Expired Again", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		gw.Handle("LSList", []map[string]any{})
		c := testClient(gw)
		require.NoError(t, c.Login(context.Background()))
		gw.SetAlwaysExpire(true)

		_, err := c.Accounts(context.Background(), true)
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, energosbyttest.SessionExpiredCode, authErr.Code)
		// the original login plus exactly one re-login
		assert.Equal(t, 2, gw.LoginCount())
		assert.Len(t, gw.CallsNamed("LSList"), 2)
	})

	t.Run("Concurrent Requests Relogin Once", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		gw.Handle("LSList", []map[string]any{})
		c := testClient(gw)
		require.NoError(t, c.Login(context.Background()))
		gw.ExpireSessions()

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = c.SQL(context.Background(), "LSList", nil, nil)
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 2, gw.LoginCount())
	})
}

func TestClientErrors(t *testing.T) {
	t.Run("Backend Error", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		gw.HandleFunc("LSList", func(url.Values) map[string]any {
			return energosbyttest.Error(500, "internal")
		})
		_, err := testClient(gw).Accounts(context.Background(), false)
		var be *BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 500, be.Code)
		assert.Equal(t, "internal", be.Message)
	})

	t.Run("HTTP Status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer ts.Close()
		c := NewClient(ClientConfig{BaseURL: ts.URL, Username: "u", Password: "p"})
		err := c.Login(context.Background())
		var te *TransportError
		require.ErrorAs(t, err, &te)
	})

	t.Run("Invalid JSON", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>maintenance</html>"))
		}))
		defer ts.Close()
		c := NewClient(ClientConfig{BaseURL: ts.URL, Username: "u", Password: "p"})
		err := c.Login(context.Background())
		var te *TransportError
		require.ErrorAs(t, err, &te)
		assert.Contains(t, te.Error(), "invalid JSON")
	})

	t.Run("Context Cancelled", func(t *testing.T) {
		gw := energosbyttest.NewGateway(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := testClient(gw).Login(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestSnippet(t *testing.T) {
	t.Run("Short", func(t *testing.T) {
		assert.Equal(t, "ok", snippet([]byte("ok")))
	})

	t.Run("Rune Boundary", func(t *testing.T) {
		// the odd prefix puts the cut in the middle of a two byte rune
		body := "a" + strings.Repeat("я", maxRawSnippet)
		got := snippet([]byte(body))
		assert.True(t, utf8.ValidString(got))
		assert.True(t, strings.HasSuffix(got, "..."))
		assert.LessOrEqual(t, len(got), maxRawSnippet+len("..."))
		assert.True(t, strings.HasPrefix(body, strings.TrimSuffix(got, "...")))
	})
}

func TestClientCaches(t *testing.T) {
	gw := energosbyttest.NewGateway(t)
	gw.Handle("LSList", []map[string]any{{"nn_ls": "1"}})
	gw.Handle("GetProfileAttributesValues", []map[string]any{
		{"nm_attribute": "email", "vl_attribute": "user@example.com"},
		{"nm_attribute": "phone", "vl_attribute": "79161234567"},
	})
	c := testClient(gw)
	ctx := context.Background()

	_, err := c.Accounts(ctx, false)
	require.NoError(t, err)
	_, err = c.Accounts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, gw.CallsNamed("LSList"), 1)

	phone, err := c.ContactPhone(ctx)
	require.NoError(t, err)
	assert.Equal(t, "79161234567", phone)
	_, err = c.ContactPhone(ctx)
	require.NoError(t, err)
	assert.Len(t, gw.CallsNamed("GetProfileAttributesValues"), 1)

	c.storeFloatFlag("bytProxy/1", true)

	require.NoError(t, c.Logout(ctx))
	assert.True(t, c.LoggedInAt().IsZero())
	_, ok := c.cachedFloatFlag("bytProxy/1")
	assert.False(t, ok)

	_, err = c.Accounts(ctx, false)
	require.NoError(t, err)
	assert.Len(t, gw.CallsNamed("LSList"), 2)
	assert.Equal(t, 2, gw.LoginCount())
}
