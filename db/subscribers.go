package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// Subscribe inserts the subscriber if absent and reactivates it if inactive.
// subscribed_at is never reset.
func (d *DB) Subscribe(ctx context.Context, info SubscriberInfo) (Subscriber, Change, error) {
	if info.Id == "" {
		return Subscriber{}, Unchanged, errors.New("subscriber id is empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	var (
		result Subscriber
		change Change
	)
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		s := Subscriber{Id: info.Id}
		err := tx.NewSelect().Model(&s).WherePK().Scan(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		now := d.now()
		if err != nil {
			s = Subscriber{
				Id:           info.Id,
				Name:         info.Name,
				Username:     info.Username,
				Active:       true,
				SubscribedAt: now,
				UpdatedAt:    now,
			}
			if _, err := tx.NewInsert().Model(&s).Exec(ctx); err != nil {
				return err
			}
			result, change = s, Created
			return nil
		}
		if s.Active {
			result, change = s, Unchanged
			return nil
		}
		s.Active = true
		s.UpdatedAt = now
		if info.Name != "" {
			s.Name = info.Name
		}
		if info.Username != "" {
			s.Username = info.Username
		}
		_, err = tx.NewUpdate().
			Model(&s).
			Column("active", "updated_at", "name", "username").
			WherePK().
			Exec(ctx)
		if err != nil {
			return err
		}
		result, change = s, Reactivated
		return nil
	})
	if err != nil {
		return Subscriber{}, Unchanged, storageErr(err, "subscribe")
	}
	return result, change, nil
}

// Unsubscribe deactivates the subscriber and keeps the record. It reports
// whether the state actually changed.
func (d *DB) Unsubscribe(ctx context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	res, err := d.db.NewUpdate().
		Model((*Subscriber)(nil)).
		Set("active = ?", false).
		Set("updated_at = ?", d.now()).
		Where("id = ?", id).
		Where("active = ?", true).
		Exec(ctx)
	if err != nil {
		return false, storageErr(err, "unsubscribe")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err, "unsubscribe")
	}
	return n > 0, nil
}

func (d *DB) GetSubscriber(ctx context.Context, id string) (Subscriber, error) {
	s := Subscriber{Id: id}
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	err := d.db.NewSelect().Model(&s).WherePK().Scan(ctx)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, storageErr(err, "get subscriber")
	}
	return s, nil
}

func (d *DB) IsActive(ctx context.Context, id string) (bool, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	exists, err := d.db.NewSelect().
		Model((*Subscriber)(nil)).
		Where("id = ?", id).
		Where("active = ?", true).
		Exists(ctx)
	if err != nil {
		return false, storageErr(err, "is active")
	}
	return exists, nil
}

// ListActive returns active subscribers oldest first.
func (d *DB) ListActive(ctx context.Context) ([]Subscriber, error) {
	subscribers := make([]Subscriber, 0)
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	err := d.db.NewSelect().
		Model(&subscribers).
		Where("active = ?", true).
		Order("subscribed_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, storageErr(err, "list active")
	}
	return subscribers, nil
}

func (d *DB) CountActive(ctx context.Context) (int, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	n, err := d.db.NewSelect().
		Model((*Subscriber)(nil)).
		Where("active = ?", true).
		Count(ctx)
	if err != nil {
		return 0, storageErr(err, "count active")
	}
	return n, nil
}
