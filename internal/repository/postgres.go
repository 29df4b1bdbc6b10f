// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/storefront-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateKey возвращается при нарушении уникального ограничения
// (ключ идемпотентности или платёжная ссылка уже заняты другим заказом).
var (
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если товар не найден.
	ErrProductNotFound = errors.New("product not found")
	// ErrLeadNotFound возвращается, если заявка не найдена.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrPageNotFound возвращается, если страница контента не найдена.
	ErrPageNotFound = errors.New("content page not found")
	// ErrNoDraft возвращается при публикации страницы без черновика.
	ErrNoDraft = errors.New("no draft to publish")
)

// ProductFilter описывает параметры выборки товаров каталога.
type ProductFilter struct {
	Query         string
	Category      string
	MinPriceCents *int64
	MaxPriceCents *int64
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при сбоях сериализации и дедлоках.
// Переподключениями занимается сам pgxpool.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// --- Заказы ---

const orderColumns = `id, status, total_cents, COALESCE(payment_ref, ''), COALESCE(idempotency_key, ''), COALESCE(customer_email, ''), items, created_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.Status, &o.TotalCents, &o.PaymentRef, &o.IdempotencyKey, &o.CustomerEmail, &o.Items, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	return &o, nil
}

// InsertOrder сохраняет новый заказ. При нарушении уникального ограничения
// возвращает ErrDuplicateKey: это проигранная гонка, а не сбой.
func (r *PostgresRepository) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO orders (id, status, total_cents, payment_ref, idempotency_key, customer_email, items)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7)`,
		o.ID, string(o.Status), o.TotalCents, o.PaymentRef, o.IdempotencyKey, o.CustomerEmail, o.Items,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.ConstraintName)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// FindOrderByID возвращает заказ по идентификатору.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, id string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// FindOrderByIdempotencyKey возвращает заказ по ключу идемпотентности.
func (r *PostgresRepository) FindOrderByIdempotencyKey(ctx context.Context, key string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	return scanOrder(row)
}

// FindOrderByPaymentRef возвращает заказ по ссылке платёжного процессора.
func (r *PostgresRepository) FindOrderByPaymentRef(ctx context.Context, ref string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, ref)
	return scanOrder(row)
}

// AttachPaymentRef записывает ссылку процессора на заказ. Повтор с тем же
// значением — no-op; уже занятую другой ссылкой строку запись не трогает.
func (r *PostgresRepository) AttachPaymentRef(ctx context.Context, orderID, ref string) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`UPDATE orders SET payment_ref = $2
			 WHERE id = $1 AND (payment_ref IS NULL OR payment_ref = $2)`,
			orderID, ref,
		)
		if err != nil {
			return fmt.Errorf("attach payment ref: %w", err)
		}
		return nil
	})
}

// UpdateOrderStatus переводит заказ в указанный статус.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, orderID string, status model.OrderStatus) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE orders SET status = $2 WHERE id = $1`,
			orderID, string(status),
		)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}

// UpdateOrderEmail обновляет контактный адрес заказа.
func (r *PostgresRepository) UpdateOrderEmail(ctx context.Context, orderID, email string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET customer_email = NULLIF($2, '') WHERE id = $1`,
		orderID, email,
	)
	if err != nil {
		return fmt.Errorf("update order email: %w", err)
	}
	return nil
}

// GetOrders возвращает все заказы, новые первыми.
func (r *PostgresRepository) GetOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// --- Каталог ---

const productColumns = `id, name, price_cents, category, stock, COALESCE(image_url, '')`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var p model.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.Category, &p.Stock, &p.ImageURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}
	return &p, nil
}

// GetProducts возвращает товары каталога с учётом фильтров.
func (r *PostgresRepository) GetProducts(ctx context.Context, filter ProductFilter) ([]model.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	var conditions []string
	var args []any

	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		conditions = append(conditions, fmt.Sprintf("name ILIKE $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.MinPriceCents != nil {
		args = append(args, *filter.MinPriceCents)
		conditions = append(conditions, fmt.Sprintf("price_cents >= $%d", len(args)))
	}
	if filter.MaxPriceCents != nil {
		args = append(args, *filter.MaxPriceCents)
		conditions = append(conditions, fmt.Sprintf("price_cents <= $%d", len(args)))
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var products []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// GetProductByID возвращает товар по идентификатору.
func (r *PostgresRepository) GetProductByID(ctx context.Context, id int64) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

// GetProductsByIDs возвращает товары по списку идентификаторов.
// Отсутствующие идентификаторы просто не попадают в результат.
func (r *PostgresRepository) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]model.Product, error) {
	if len(ids) == 0 {
		return map[int64]model.Product{}, nil
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("select products by ids: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]model.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[p.ID] = *p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return products, nil
}

// CreateProduct добавляет товар в каталог.
func (r *PostgresRepository) CreateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO products (name, price_cents, category, stock, image_url)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		 RETURNING `+productColumns,
		p.Name, p.PriceCents, p.Category, p.Stock, p.ImageURL,
	)
	return scanProduct(row)
}

// UpdateProduct сохраняет изменённый товар целиком.
func (r *PostgresRepository) UpdateProduct(ctx context.Context, p model.Product) (*model.Product, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE products
		 SET name = $2, price_cents = $3, category = $4, stock = $5, image_url = NULLIF($6, '')
		 WHERE id = $1
		 RETURNING `+productColumns,
		p.ID, p.Name, p.PriceCents, p.Category, p.Stock, p.ImageURL,
	)
	return scanProduct(row)
}

// DeleteProduct удаляет товар из каталога.
func (r *PostgresRepository) DeleteProduct(ctx context.Context, id int64) error {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// --- Заявки ---

const leadColumns = `id, first_name, last_name, email, phone, address, city, zip, service_type, urgency, COALESCE(notes, ''), status, created_at`

func scanLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	err := row.Scan(&l.ID, &l.FirstName, &l.LastName, &l.Email, &l.Phone, &l.Address,
		&l.City, &l.Zip, &l.ServiceType, &l.Urgency, &l.Notes, &l.Status, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, fmt.Errorf("scan lead: %w", err)
	}
	return &l, nil
}

// CreateLead сохраняет новую заявку.
func (r *PostgresRepository) CreateLead(ctx context.Context, l model.Lead) (*model.Lead, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO leads (first_name, last_name, email, phone, address, city, zip, service_type, urgency, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		 RETURNING `+leadColumns,
		l.FirstName, l.LastName, l.Email, l.Phone, l.Address, l.City, l.Zip, l.ServiceType, l.Urgency, l.Notes,
	)
	return scanLead(row)
}

// GetLeads возвращает все заявки, новые первыми.
func (r *PostgresRepository) GetLeads(ctx context.Context) ([]model.Lead, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select leads: %w", err)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return leads, nil
}

// UpdateLead обновляет статус и примечания заявки. Nil-поля не меняются.
func (r *PostgresRepository) UpdateLead(ctx context.Context, id int64, status, notes *string) (*model.Lead, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE leads
		 SET status = COALESCE($2, status), notes = COALESCE($3, notes)
		 WHERE id = $1
		 RETURNING `+leadColumns,
		id, status, notes,
	)
	return scanLead(row)
}

// --- Контент ---

// GetContentPage возвращает страницу контента по пути.
func (r *PostgresRepository) GetContentPage(ctx context.Context, path string) (*model.ContentPage, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT path, data, draft_data, updated_at FROM content_pages WHERE path = $1`, path)

	var p model.ContentPage
	err := row.Scan(&p.Path, &p.Data, &p.DraftData, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPageNotFound
		}
		return nil, fmt.Errorf("scan content page: %w", err)
	}

	return &p, nil
}

// SaveContentDraft сохраняет черновик страницы, создавая строку при необходимости.
func (r *PostgresRepository) SaveContentDraft(ctx context.Context, path string, data []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO content_pages (path, draft_data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (path) DO UPDATE SET draft_data = EXCLUDED.draft_data, updated_at = now()`,
		path, data,
	)
	if err != nil {
		return fmt.Errorf("save content draft: %w", err)
	}
	return nil
}

// PublishContent переносит черновик страницы в опубликованную версию.
func (r *PostgresRepository) PublishContent(ctx context.Context, path string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE content_pages SET data = draft_data, updated_at = now()
		 WHERE path = $1 AND draft_data IS NOT NULL`,
		path,
	)
	if err != nil {
		return fmt.Errorf("publish content: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNoDraft
	}
	return nil
}
