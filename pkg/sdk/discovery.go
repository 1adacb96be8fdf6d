package sdk

import (
	"time"

	"github.com/celerix-dev/celerix-rewards/pkg/engine"
	"go.uber.org/zap"
)

// Config selects between a remote daemon and the embedded engine.
type Config struct {
	// Addr of a remote daemon. Empty means embedded mode.
	Addr       string
	DataDir    string
	Timeout    time.Duration
	DisableTLS bool
}

// Embedded is returned for the in-process engine so callers can flush
// pending persistence on shutdown.
type Embedded struct {
	*engine.MemStore
}

// New initializes the store based on the configuration.
// It returns the interface, so the app doesn't care if it's local or remote.
// A configured remote address that cannot be reached is an error rather than
// a silent fallback: two processes with private embedded stores would each
// grant rewards against their own balances.
func New(cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Addr != "" {
		client, err := Dial(cfg.Addr, Options{Timeout: cfg.Timeout, DisableTLS: cfg.DisableTLS, Logger: log})
		if err != nil {
			return nil, err
		}
		log.Info("connected to remote store", zap.String("addr", cfg.Addr))
		return client, nil
	}

	// Embedded mode uses the same engine the daemon uses, inside the app process.
	p, err := engine.NewPersistence(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	p.SetLogger(log)

	allData, err := p.LoadAll()
	if err != nil {
		return nil, err
	}

	log.Info("using embedded store", zap.String("data_dir", cfg.DataDir), zap.Int("personas", len(allData)))
	return Embedded{engine.NewMemStore(allData, p)}, nil
}
