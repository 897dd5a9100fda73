package energosbyt

import (
	"log/slog"

	"github.com/lkcomu/lkcomu/pkg/energosbyt/energosbyttest"
	"github.com/lkcomu/lkcomu/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func testClient(gw *energosbyttest.Gateway) *Client {
	return NewClient(ClientConfig{
		BaseURL:           gw.URL(),
		Username:          "user@example.com",
		Password:          "secret",
		RequestsPerSecond: 1000,
	})
}
