package ledger

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/Kinglowther/boda-dispatch/internal/models"
)

// PostgresLedger persists orders in Postgres. The orders row carries the
// mutable assignment fields and version; history lives in the append-only
// order_status_events table and is never updated or reordered.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

func (p *PostgresLedger) Create(o *models.Order) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO orders (
			id, customer_id, rider_id,
			pickup_address, pickup_lat, pickup_lon,
			dropoff_address, dropoff_lat, dropoff_lon,
			description, recipient_name, recipient_phone,
			price_cents, currency, version, created_at, updated_at
		) VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.CustomerID, o.RiderID,
		o.Pickup.Address, latOrNil(o.Pickup.Coord), lonOrNil(o.Pickup.Coord),
		o.Dropoff.Address, latOrNil(o.Dropoff.Coord), lonOrNil(o.Dropoff.Coord),
		o.Description, o.Recipient.Name, o.Recipient.Phone,
		o.PriceCents, o.Currency, o.Version, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	for _, h := range o.History {
		if _, err := tx.Exec(
			`INSERT INTO order_status_events (order_id, status, at) VALUES ($1,$2,$3)`,
			o.ID, string(h.Status), h.At,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresLedger) Get(id string) (*models.Order, error) {
	row := p.db.QueryRow(`
		SELECT id, customer_id, COALESCE(rider_id, ''),
		       pickup_address, pickup_lat, pickup_lon,
		       dropoff_address, dropoff_lat, dropoff_lon,
		       description, recipient_name, recipient_phone,
		       price_cents, currency, version, created_at, updated_at
		FROM orders WHERE id = $1`, id)

	var o models.Order
	var pLat, pLon, dLat, dLon sql.NullFloat64
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.RiderID,
		&o.Pickup.Address, &pLat, &pLon,
		&o.Dropoff.Address, &dLat, &dLon,
		&o.Description, &o.Recipient.Name, &o.Recipient.Phone,
		&o.PriceCents, &o.Currency, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Pickup.Coord = coordOrNil(pLat, pLon)
	o.Dropoff.Coord = coordOrNil(dLat, dLon)

	if o.History, err = p.history(id); err != nil {
		return nil, err
	}
	if o.DeclinedBy, err = p.declines(id); err != nil {
		return nil, err
	}
	return &o, nil
}

func (p *PostgresLedger) AppendStatus(id string, to models.OrderStatus, version int, riderID string) (bool, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	res, err := tx.Exec(`
		UPDATE orders
		SET version = version + 1,
		    rider_id = COALESCE(NULLIF($1, ''), rider_id),
		    updated_at = $2
		WHERE id = $3 AND version = $4`,
		riderID, now, id, version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// distinguish a lost race from a missing order
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if _, err := tx.Exec(
		`INSERT INTO order_status_events (order_id, status, at) VALUES ($1,$2,$3)`,
		id, string(to), now,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresLedger) AddDecline(id, riderID string, version int) (bool, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE orders SET version = version + 1, updated_at = $1
		WHERE id = $2 AND version = $3`,
		time.Now(), id, version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRow(`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, nil
	}
	if _, err := tx.Exec(
		`INSERT INTO order_declines (order_id, rider_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		id, riderID,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresLedger) ListByStatus(status models.OrderStatus) ([]*models.Order, error) {
	rows, err := p.db.Query(`
		SELECT o.id
		FROM orders o
		JOIN LATERAL (
			SELECT status FROM order_status_events
			WHERE order_id = o.id ORDER BY id DESC LIMIT 1
		) last ON true
		WHERE last.status = $1`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		o, err := p.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *PostgresLedger) history(id string) ([]models.StatusChange, error) {
	rows, err := p.db.Query(
		`SELECT status, at FROM order_status_events WHERE order_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StatusChange
	for rows.Next() {
		var h models.StatusChange
		var status string
		if err := rows.Scan(&status, &h.At); err != nil {
			return nil, err
		}
		h.Status = models.OrderStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) declines(id string) ([]string, error) {
	rows, err := p.db.Query(`SELECT rider_id FROM order_declines WHERE order_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func latOrNil(c *models.Coord) interface{} {
	if c == nil {
		return nil
	}
	return c.Lat
}

func lonOrNil(c *models.Coord) interface{} {
	if c == nil {
		return nil
	}
	return c.Lon
}

func coordOrNil(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}
