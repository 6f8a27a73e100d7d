package mailing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tg-mailing-bot/internal/domain"
	"tg-mailing-bot/internal/usecase/transportpool"
)

// Directory обновляет список чатов аккаунтов по их диалогам.
type Directory struct {
	accounts     domain.AccountRepo
	destinations domain.DestinationRepo
	pool         *transportpool.Pool
	log          zerolog.Logger
}

// NewDirectory создаёт синхронизатор чатов.
func NewDirectory(accounts domain.AccountRepo, destinations domain.DestinationRepo, pool *transportpool.Pool, logger zerolog.Logger) *Directory {
	return &Directory{accounts: accounts, destinations: destinations, pool: pool, log: logger}
}

// SyncAccount заменяет чаты аккаунта группами и каналами из его диалогов.
func (d *Directory) SyncAccount(ctx context.Context, accountID int64) (int, error) {
	account, err := d.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("аккаунт %d: %w", accountID, err)
	}
	if !account.Active {
		return 0, fmt.Errorf("аккаунт %d: %w", accountID, domain.ErrAccountDisabled)
	}
	handle, err := d.pool.Acquire(ctx, account)
	if err != nil {
		return 0, err
	}
	defer d.pool.Release(account.ID)

	found, err := handle.ListDestinations(ctx)
	if err != nil {
		return 0, fmt.Errorf("диалоги аккаунта %d: %w", accountID, err)
	}
	n, err := d.destinations.ReplaceDestinations(ctx, account.ID, found)
	if err != nil {
		return 0, fmt.Errorf("сохранение чатов аккаунта %d: %w", accountID, err)
	}
	d.log.Info().Int64("account", account.ID).Int("destinations", n).Msg("directory: чаты обновлены")
	return n, nil
}

// SyncAll обновляет чаты всех активных аккаунтов, продолжая после ошибок.
func (d *Directory) SyncAll(ctx context.Context) (map[int64]int, error) {
	accounts, err := d.accounts.ListAccounts(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("список аккаунтов: %w", err)
	}
	result := make(map[int64]int, len(accounts))
	var errs []error
	for _, account := range accounts {
		n, err := d.SyncAccount(ctx, account.ID)
		if err != nil {
			d.log.Warn().Err(err).Int64("account", account.ID).Msg("directory: аккаунт пропущен")
			errs = append(errs, err)
			continue
		}
		result[account.ID] = n
	}
	return result, errors.Join(errs...)
}
