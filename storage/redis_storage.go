package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vultisig/bonserver/config"
	"github.com/vultisig/bonserver/contexthelper"
	"github.com/vultisig/bonserver/internal/types"
)

// RedisStorage keeps vouchers and participant state as JSON values in redis.
// Holder membership is tracked in one set per holder.
type RedisStorage struct {
	cfg    config.Config
	client *redis.Client
}

var _ DatabaseStorage = (*RedisStorage)(nil)

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return NewRedisStorageWithClient(cfg, client), nil
}

func NewRedisStorageWithClient(cfg config.Config, client *redis.Client) *RedisStorage {
	return &RedisStorage{
		cfg:    cfg,
		client: client,
	}
}

func holderKey(holderID string) string { return "holder-" + holderID }
func contactsKey(publicKey string) string { return "contacts-" + publicKey }
func marketKey(marketID string) string { return "market-" + marketID }
func dividendKey(participant string) string { return "dividend-" + participant }

func (r *RedisStorage) setJSON(ctx context.Context, key string, value any) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("fail to serialize %s to json, err: %w", key, err)
	}
	return r.client.Set(ctx, key, string(buf), 0).Err()
}

func (r *RedisStorage) getJSON(ctx context.Context, key string, value any) error {
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s: %w", key, types.ErrNotFound)
		}
		return fmt.Errorf("fail to get %s, err: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), value); err != nil {
		return fmt.Errorf("fail to deserialize %s, err: %w", key, err)
	}
	return nil
}

func (r *RedisStorage) GetVoucher(ctx context.Context, id string) (*types.Voucher, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	var v types.Voucher
	if err := r.getJSON(ctx, types.VoucherKey(id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// SaveVoucher writes the voucher and moves it between holder sets when the
// holder changed.
func (r *RedisStorage) SaveVoucher(ctx context.Context, v *types.Voucher) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	var previous types.Voucher
	err := r.getJSON(ctx, v.Key(), &previous)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fail to serialize voucher to json, err: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, v.Key(), string(buf), 0)
		if previous.HolderID != "" && previous.HolderID != v.HolderID {
			pipe.SRem(ctx, holderKey(previous.HolderID), v.ID)
		}
		if v.HolderID != "" {
			pipe.SAdd(ctx, holderKey(v.HolderID), v.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fail to save voucher %s, err: %w", v.ID, err)
	}
	return nil
}

func (r *RedisStorage) ListVouchers(ctx context.Context, holderID string) ([]*types.Voucher, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	ids, err := r.client.SMembers(ctx, holderKey(holderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("fail to list vouchers of %s, err: %w", holderID, err)
	}
	result := make([]*types.Voucher, 0, len(ids))
	for _, id := range ids {
		v, err := r.GetVoucher(ctx, id)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IssuedAt.Equal(result[j].IssuedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].IssuedAt.Before(result[j].IssuedAt)
	})
	return result, nil
}

func (r *RedisStorage) GetContacts(ctx context.Context, publicKey string) ([]types.Contact, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	var contacts []types.Contact
	if err := r.getJSON(ctx, contactsKey(publicKey), &contacts); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return contacts, nil
}

func (r *RedisStorage) SaveContacts(ctx context.Context, publicKey string, contacts []types.Contact) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	return r.setJSON(ctx, contactsKey(publicKey), contacts)
}

func (r *RedisStorage) GetMarket(ctx context.Context, id string) (*types.Market, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	var m types.Market
	if err := r.getJSON(ctx, marketKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *RedisStorage) SaveMarket(ctx context.Context, m *types.Market) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	return r.setJSON(ctx, marketKey(m.ID), m)
}

func (r *RedisStorage) GetDividendState(ctx context.Context, participant string) (*types.DividendState, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	var st types.DividendState
	if err := r.getJSON(ctx, dividendKey(participant), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *RedisStorage) SaveDividendState(ctx context.Context, st *types.DividendState) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	return r.setJSON(ctx, dividendKey(st.Participant), st)
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
