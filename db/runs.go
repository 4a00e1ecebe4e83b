package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// BeginRun persists a run in the running state. A second scheduler run for
// the same date is rejected with ErrAlreadyRan.
func (d *DB) BeginRun(ctx context.Context, run BroadcastRun) (BroadcastRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	run.Status = RunRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = d.now()
	}
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if run.TriggeredBy == TriggerScheduler {
			exists, err := scheduledRunExists(ctx, tx, run.RunDate)
			if err != nil {
				return err
			}
			if exists {
				return ErrAlreadyRan
			}
		}
		_, err := tx.NewInsert().Model(&run).Exec(ctx)
		return err
	})
	if errors.Is(err, ErrAlreadyRan) {
		return BroadcastRun{}, ErrAlreadyRan
	}
	if err != nil {
		return BroadcastRun{}, storageErr(err, "begin run")
	}
	return run, nil
}

// FinishRun finalizes a running record. Finished runs are never touched again.
func (d *DB) FinishRun(ctx context.Context, run BroadcastRun) (BroadcastRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	if run.Status == RunRunning || run.Status == "" {
		run.Status = RunDone
	}
	finished := d.now()
	run.FinishedAt = &finished
	res, err := d.db.NewUpdate().
		Model(&run).
		Column("status", "event_count", "delivered", "failed", "degraded", "error", "finished_at").
		WherePK().
		Where("status = ?", RunRunning).
		Exec(ctx)
	if err != nil {
		return BroadcastRun{}, storageErr(err, "finish run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return BroadcastRun{}, storageErr(err, "finish run")
	}
	if n == 0 {
		return BroadcastRun{}, errors.Wrapf(ErrNotFound, "no running broadcast %v", run.Id)
	}
	return run, nil
}

func (d *DB) GetRun(ctx context.Context, id string) (BroadcastRun, error) {
	run := BroadcastRun{Id: id}
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	err := d.db.NewSelect().Model(&run).WherePK().Scan(ctx)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return BroadcastRun{}, ErrNotFound
	}
	if err != nil {
		return BroadcastRun{}, storageErr(err, "get run")
	}
	return run, nil
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]BroadcastRun, error) {
	runs := make([]BroadcastRun, 0)
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	q := d.db.NewSelect().Model(&runs).Order("started_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, storageErr(err, "list runs")
	}
	return runs, nil
}

func (d *DB) LastRun(ctx context.Context) (BroadcastRun, error) {
	runs, err := d.ListRuns(ctx, 1)
	if err != nil {
		return BroadcastRun{}, err
	}
	if len(runs) == 0 {
		return BroadcastRun{}, ErrNotFound
	}
	return runs[0], nil
}

// HasScheduledRun reports whether the scheduler already fired for date.
func (d *DB) HasScheduledRun(ctx context.Context, date string) (bool, error) {
	ctx, cancel := d.opContext(ctx)
	defer cancel()
	exists, err := scheduledRunExists(ctx, d.db, date)
	if err != nil {
		return false, storageErr(err, "has scheduled run")
	}
	return exists, nil
}

func scheduledRunExists(ctx context.Context, db bun.IDB, date string) (bool, error) {
	return db.NewSelect().
		Model((*BroadcastRun)(nil)).
		Where("run_date = ?", date).
		Where("triggered_by = ?", TriggerScheduler).
		Exists(ctx)
}

// FailInterrupted finalizes runs left running by a previous process.
func (d *DB) FailInterrupted(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := d.opContext(ctx)
	defer cancel()

	finished := d.now()
	res, err := d.db.NewUpdate().
		Model((*BroadcastRun)(nil)).
		Set("status = ?", RunFailed).
		Set("error = ?", "interrupted").
		Set("finished_at = ?", finished).
		Where("status = ?", RunRunning).
		Exec(ctx)
	if err != nil {
		return 0, storageErr(err, "fail interrupted runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "fail interrupted runs")
	}
	return int(n), nil
}
