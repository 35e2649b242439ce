// Package app assembles the components both binaries run: storage, the relay
// session, the ledger and the dividend engine.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/config"
	"github.com/vultisig/bonserver/internal/crypto"
	"github.com/vultisig/bonserver/internal/dividend"
	"github.com/vultisig/bonserver/internal/ledger"
	"github.com/vultisig/bonserver/internal/logging"
	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/types"
	"github.com/vultisig/bonserver/relay"
	"github.com/vultisig/bonserver/storage"
	"github.com/vultisig/bonserver/storage/postgres"
)

type App struct {
	Config  *config.Config
	Store   storage.DatabaseStorage
	Relay   *relay.Connection
	Ledger  *ledger.Ledger
	Volume  *dividend.VolumeTracker
	Engine  *dividend.Engine
	Metrics *metrics.Reporter
	Logger  *logrus.Entry

	statsd *statsd.Client
}

// New reads configuration, opens storage, connects to the relay and follows
// the market's announcements.
func New(ctx context.Context, name string) (*App, error) {
	cfg, err := config.ReadConfig(name)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(*cfg); err != nil {
		return nil, fmt.Errorf("fail to init logger, err: %w", err)
	}
	a := &App{Config: cfg, Logger: logging.Module(name)}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		return nil, fmt.Errorf("fail to create statsd client, err: %w", err)
	}
	a.statsd = sdClient
	a.Metrics = metrics.NewReporter(sdClient, logging.Module("metrics"))

	a.Store, err = openStorage(*cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("fail to open storage, err: %w", err)
	}

	if err := a.ensureMarket(ctx); err != nil {
		a.Close()
		return nil, err
	}

	key, err := relayKey(cfg.Relay.PrivateKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Relay = relay.NewConnection(relay.NewWebsocketDialer(), relay.Options{
		ReconnectBase:  cfg.Relay.ReconnectBase,
		ReconnectCap:   cfg.Relay.ReconnectCap,
		MaxAttempts:    cfg.Relay.MaxReconnectAttempt,
		PublishTimeout: cfg.Relay.PublishTimeout,
		Metrics:        a.Metrics,
		Logger:         logging.Module("relay"),
	})

	a.Ledger, err = ledger.NewLedger(a.Store, relay.NewAnnouncer(a.Relay, key), ledger.Options{
		OfferTTL: cfg.Transfer.OfferTTL,
		Metrics:  a.Metrics,
		Logger:   logging.Module("ledger"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Volume = dividend.NewVolumeTracker()
	a.Engine = dividend.NewEngine(a.Ledger, a.Store, a.Volume, dividend.ParamsFromConfig(cfg.Dividend), a.Metrics)

	if _, err := a.Relay.Subscribe([]relay.Filter{relay.AnnouncementFilter(cfg.Market.ID)}, a.onAnnouncement); err != nil {
		a.Logger.WithError(err).Warn("fail to subscribe to announcements")
	}
	if cfg.Relay.Address != "" {
		if err := a.Relay.Connect(ctx, cfg.Relay.Address); err != nil {
			// the connection keeps retrying in the background
			a.Logger.WithError(err).Warn("relay is not reachable yet")
		}
	}
	return a, nil
}

// openStorage picks postgres when a DSN is configured and redis otherwise.
func openStorage(cfg config.Config) (storage.DatabaseStorage, error) {
	if cfg.Database.DSN != "" {
		backend, err := postgres.NewPostgresBackend(false, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
	backend, err := storage.NewRedisStorage(cfg)
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// ensureMarket derives the market key from the configured passphrase and
// stores the market record when it is not known yet.
func (a *App) ensureMarket(ctx context.Context) error {
	cfg := a.Config.Market
	if cfg.ID == "" {
		return fmt.Errorf("market id is required")
	}
	_, err := a.Store.GetMarket(ctx, cfg.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("fail to get market %s: %w", cfg.ID, err)
	}
	if cfg.Passphrase == "" {
		return fmt.Errorf("market %s is unknown and no passphrase is configured", cfg.ID)
	}
	key := crypto.DeriveMarketKey(cfg.Passphrase, []byte(cfg.Salt))
	defer crypto.Zero(key)
	return a.Store.SaveMarket(ctx, &types.Market{
		ID:        cfg.ID,
		Name:      cfg.ID,
		Key:       key,
		RelayURL:  a.Config.Relay.Address,
		CreatedAt: time.Now().UTC(),
	})
}

func relayKey(hexKey string) (*btcec.PrivateKey, error) {
	if hexKey == "" {
		return btcec.NewPrivateKey()
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("relay private key must be %d hex bytes", btcec.PrivKeyBytesLen)
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	return key, nil
}

func (a *App) onAnnouncement(msg relay.Inbound) {
	em, ok := msg.(*relay.EventMessage)
	if !ok {
		return
	}
	v, err := relay.ParseAnnouncement(&em.Event)
	if err != nil {
		a.Logger.WithError(err).Debug("ignoring announcement")
		return
	}
	a.Volume.Observe(v)
	if err := a.Ledger.RecordAnnouncement(context.Background(), v); err != nil {
		a.Logger.WithField("voucher", v.ID).WithError(err).Error("fail to record announcement")
	}
}

func (a *App) Close() {
	if a.Relay != nil {
		if err := a.Relay.Close(); err != nil {
			a.Logger.WithError(err).Error("fail to close relay")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.WithError(err).Error("fail to close storage")
		}
	}
	if a.statsd != nil {
		_ = a.statsd.Close()
	}
}
