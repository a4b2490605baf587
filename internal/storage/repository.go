package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateTimestamp indicates a sample append collided with an
	// existing (product, checked_at) pair. The history is append-only and
	// strictly ordered, so the duplicate is rejected.
	ErrDuplicateTimestamp = errors.New("storage: duplicate sample timestamp")
)

const uniqueViolationCode = "23505"

const (
	insertProductSQL = `INSERT INTO products (
        id, name, search_query, target_price, check_interval_seconds, priority, status
    ) VALUES ($1,$2,$3,$4,$5,$6,$7);`

	getProductSQL = `SELECT
        id, name, search_query, target_price, check_interval_seconds,
        priority, status, last_checked_at, created_at, updated_at
    FROM products WHERE id = $1;`

	listProductsSQL = `SELECT
        id, name, search_query, target_price, check_interval_seconds,
        priority, status, last_checked_at, created_at, updated_at
    FROM products ORDER BY created_at;`

	listProductsByStatusSQL = `SELECT
        id, name, search_query, target_price, check_interval_seconds,
        priority, status, last_checked_at, created_at, updated_at
    FROM products WHERE status = $1 ORDER BY created_at;`

	updateProductSQL = `UPDATE products
    SET name = $2,
        search_query = $3,
        target_price = $4,
        check_interval_seconds = $5,
        priority = $6,
        updated_at = now()
    WHERE id = $1;`

	updateProductStatusSQL = `UPDATE products
    SET status = $2, updated_at = now()
    WHERE id = $1;`

	touchLastCheckedSQL = `UPDATE products
    SET last_checked_at = $2, updated_at = now()
    WHERE id = $1;`

	deleteProductSQL = `DELETE FROM products WHERE id = $1;`

	appendSampleSQL = `INSERT INTO price_samples (
        product_id, price, source, metadata, checked_at
    ) VALUES ($1,$2,$3,$4,$5);`

	readWindowSQL = `SELECT product_id, price, source, metadata, checked_at
    FROM (
        SELECT product_id, price, source, metadata, checked_at
        FROM price_samples
        WHERE product_id = $1
        ORDER BY checked_at DESC
        LIMIT $2
    ) recent
    ORDER BY checked_at;`

	listSamplesSinceSQL = `SELECT product_id, price, source, metadata, checked_at
    FROM price_samples
    WHERE product_id = $1 AND checked_at >= $2
    ORDER BY checked_at;`

	countSamplesSQL = `SELECT COUNT(*) FROM price_samples WHERE product_id = $1;`

	deleteSamplesBeforeSQL = `DELETE FROM price_samples WHERE checked_at < $1;`

	insertAlertSQL = `INSERT INTO alerts (
        product_id, kind, dedup_key, trigger_price, previous_price, savings, message, channels
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id, product_id, kind, dedup_key, trigger_price, previous_price,
        savings, message, channels, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	listProductAlertsSQL = `SELECT
        id, product_id, kind, dedup_key, trigger_price, previous_price,
        savings, message, channels, created_at
    FROM alerts
    WHERE product_id = $1
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	insertPredictionSQL = `INSERT INTO predictions (
        product_id, horizon_days, predicted_price, lower_bound, upper_bound,
        confidence, model_id, train_samples, generated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    RETURNING id;`

	listPredictionsSQL = `SELECT
        id, product_id, horizon_days, predicted_price, lower_bound, upper_bound,
        confidence, model_id, train_samples, generated_at
    FROM predictions
    WHERE product_id = $1
    ORDER BY generated_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ProductStore defines operations for product persistence.
type ProductStore interface {
	InsertProduct(ctx context.Context, p Product) error
	GetProduct(ctx context.Context, id string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	ListProductsByStatus(ctx context.Context, status ProductStatus) ([]Product, error)
	UpdateProduct(ctx context.Context, p Product) error
	UpdateProductStatus(ctx context.Context, id string, status ProductStatus) error
	TouchLastChecked(ctx context.Context, id string, at time.Time) error
	DeleteProduct(ctx context.Context, id string) error
}

// SampleStore defines operations for the append-only price history.
type SampleStore interface {
	AppendSample(ctx context.Context, sample PriceSample) error
	ReadWindow(ctx context.Context, productID string, count int) ([]PriceSample, error)
	ListSamplesSince(ctx context.Context, productID string, since time.Time) ([]PriceSample, error)
	CountSamples(ctx context.Context, productID string) (int64, error)
	DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	ListProductAlerts(ctx context.Context, productID string, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// PredictionStore defines operations for stored forecasts.
type PredictionStore interface {
	InsertPrediction(ctx context.Context, rec PredictionRecord) (int64, error)
	ListPredictions(ctx context.Context, productID string, limit int) ([]PredictionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to products, samples, alerts, and predictions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertProduct persists a new product.
func (s *Store) InsertProduct(ctx context.Context, p Product) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertProductSQL,
		p.ID,
		p.Name,
		p.SearchQuery,
		p.TargetPrice.String(),
		int64(p.CheckInterval/time.Second),
		string(p.Priority),
		string(p.Status),
	)
	if execErr != nil {
		return fmt.Errorf("insert product: %w", execErr)
	}
	return nil
}

// GetProduct loads a product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return Product{}, err
	}
	row := pool.QueryRow(ctx, getProductSQL, id)
	p, scanErr := scanProduct(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Product{}, ErrNotFound
		}
		return Product{}, scanErr
	}
	return p, nil
}

// ListProducts lists all products ordered by creation time.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	return s.queryProducts(ctx, listProductsSQL)
}

// ListProductsByStatus lists products in a given lifecycle status.
func (s *Store) ListProductsByStatus(ctx context.Context, status ProductStatus) ([]Product, error) {
	return s.queryProducts(ctx, listProductsByStatusSQL, string(status))
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list products: %w", queryErr)
	}
	defer rows.Close()

	products := make([]Product, 0)
	for rows.Next() {
		p, scanErr := scanProduct(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		products = append(products, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return products, nil
}

// UpdateProduct rewrites the caller-owned fields of a product.
func (s *Store) UpdateProduct(ctx context.Context, p Product) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateProductSQL,
		p.ID,
		p.Name,
		p.SearchQuery,
		p.TargetPrice.String(),
		int64(p.CheckInterval/time.Second),
		string(p.Priority),
	)
	if execErr != nil {
		return fmt.Errorf("update product: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProductStatus transitions a product lifecycle status.
func (s *Store) UpdateProductStatus(ctx context.Context, id string, status ProductStatus) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateProductStatusSQL, id, string(status))
	if execErr != nil {
		return fmt.Errorf("update product status: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastChecked records the latest successful check time.
func (s *Store) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, touchLastCheckedSQL, id, at); execErr != nil {
		return fmt.Errorf("touch last checked: %w", execErr)
	}
	return nil
}

// DeleteProduct removes a product and, via FK cascade, its history.
func (s *Store) DeleteProduct(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteProductSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete product: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendSample appends a price observation. A timestamp collision yields
// ErrDuplicateTimestamp.
func (s *Store) AppendSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, appendSampleSQL,
		sample.ProductID,
		sample.Price.String(),
		sample.Source,
		[]byte(sample.Metadata),
		sample.CheckedAt,
	)
	if execErr != nil {
		var pgErr *pgconn.PgError
		if errors.As(execErr, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateTimestamp
		}
		return fmt.Errorf("append sample: %w", execErr)
	}
	return nil
}

// ReadWindow returns up to count most recent samples in ascending time order.
func (s *Store) ReadWindow(ctx context.Context, productID string, count int) ([]PriceSample, error) {
	return s.querySamples(ctx, readWindowSQL, productID, count)
}

// ListSamplesSince returns samples observed at or after a cutoff, ascending.
func (s *Store) ListSamplesSince(ctx context.Context, productID string, since time.Time) ([]PriceSample, error) {
	return s.querySamples(ctx, listSamplesSinceSQL, productID, since)
}

func (s *Store) querySamples(ctx context.Context, query string, args ...any) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var (
			sample   PriceSample
			priceStr string
			metadata []byte
		)
		if err := rows.Scan(&sample.ProductID, &priceStr, &sample.Source, &metadata, &sample.CheckedAt); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sample price: %w", convErr)
		}
		sample.Price = price
		sample.Metadata = metadata
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// CountSamples counts stored samples for a product.
func (s *Store) CountSamples(ctx context.Context, productID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL, productID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// DeleteSamplesBefore prunes history older than the retention cutoff.
func (s *Store) DeleteSamplesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteSamplesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete samples before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	var previous any
	if alert.PreviousPrice != nil {
		previous = alert.PreviousPrice.String()
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ProductID,
		alert.Kind,
		alert.DedupKey,
		alert.TriggerPrice.String(),
		previous,
		alert.Savings.String(),
		alert.Message,
		alert.Channels,
	)
	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, nil
}

// ListRecentAlerts lists most recent alerts across all products.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	return s.queryAlerts(ctx, listRecentAlertsSQL, limit)
}

// ListProductAlerts lists most recent alerts for one product.
func (s *Store) ListProductAlerts(ctx context.Context, productID string, limit int) ([]AlertRecord, error) {
	return s.queryAlerts(ctx, listProductAlertsSQL, productID, limit)
}

func (s *Store) queryAlerts(ctx context.Context, query string, args ...any) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var (
			rec         AlertRecord
			triggerStr  string
			previousStr sql.NullString
			savingsStr  string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ProductID,
			&rec.Kind,
			&rec.DedupKey,
			&triggerStr,
			&previousStr,
			&savingsStr,
			&rec.Message,
			&rec.Channels,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.TriggerPrice, convErr = decimal.NewFromString(triggerStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trigger price: %w", convErr)
		}
		rec.Savings, convErr = decimal.NewFromString(savingsStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse savings: %w", convErr)
		}
		if previousStr.Valid {
			prev, prevErr := decimal.NewFromString(previousStr.String)
			if prevErr != nil {
				return nil, fmt.Errorf("parse previous price: %w", prevErr)
			}
			rec.PreviousPrice = &prev
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// InsertPrediction persists a generated forecast.
func (s *Store) InsertPrediction(ctx context.Context, rec PredictionRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var id int64
	scanErr := pool.QueryRow(ctx, insertPredictionSQL,
		rec.ProductID,
		rec.HorizonDays,
		rec.PredictedPrice.String(),
		rec.LowerBound.String(),
		rec.UpperBound.String(),
		rec.Confidence,
		rec.ModelID,
		rec.TrainSamples,
		rec.GeneratedAt,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert prediction: %w", scanErr)
	}
	return id, nil
}

// ListPredictions lists most recent forecasts for a product.
func (s *Store) ListPredictions(ctx context.Context, productID string, limit int) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listPredictionsSQL, productID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list predictions: %w", queryErr)
	}
	defer rows.Close()

	recs := make([]PredictionRecord, 0, limit)
	for rows.Next() {
		var (
			rec       PredictionRecord
			predStr   string
			lowerStr  string
			upperStr  string
			scanFails error
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ProductID,
			&rec.HorizonDays,
			&predStr,
			&lowerStr,
			&upperStr,
			&rec.Confidence,
			&rec.ModelID,
			&rec.TrainSamples,
			&rec.GeneratedAt,
		); err != nil {
			return nil, err
		}
		rec.PredictedPrice, scanFails = decimal.NewFromString(predStr)
		if scanFails != nil {
			return nil, fmt.Errorf("parse predicted price: %w", scanFails)
		}
		rec.LowerBound, scanFails = decimal.NewFromString(lowerStr)
		if scanFails != nil {
			return nil, fmt.Errorf("parse lower bound: %w", scanFails)
		}
		rec.UpperBound, scanFails = decimal.NewFromString(upperStr)
		if scanFails != nil {
			return nil, fmt.Errorf("parse upper bound: %w", scanFails)
		}
		recs = append(recs, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return recs, nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p               Product
		targetStr       string
		intervalSeconds int64
		priority        string
		status          string
		lastChecked     sql.NullTime
	)
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.SearchQuery,
		&targetStr,
		&intervalSeconds,
		&priority,
		&status,
		&lastChecked,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Product{}, err
	}

	target, convErr := decimal.NewFromString(targetStr)
	if convErr != nil {
		return Product{}, fmt.Errorf("parse target price: %w", convErr)
	}
	p.TargetPrice = target
	p.CheckInterval = time.Duration(intervalSeconds) * time.Second
	p.Priority = Priority(priority)
	p.Status = ProductStatus(status)
	if lastChecked.Valid {
		t := lastChecked.Time
		p.LastCheckedAt = &t
	}
	return p, nil
}
