package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// Notification channels raised by the triggers in migrations/001.
const (
	chanRequestPending = "request_pending"
	chanDriverUpdate   = "driver_update"
)

// Postgres stores each collection as a JSONB document with the id and
// status lifted into indexed columns. Change feeds ride on
// LISTEN/NOTIFY; the assignment transaction takes row locks with
// SELECT ... FOR UPDATE so a losing racer aborts cleanly.
type Postgres struct {
	db  *sql.DB
	dsn string
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, dsn: dsn}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) CreateRequest(ctx context.Context, r *models.Request) (string, error) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = models.RequestPending
	}
	now := time.Now()
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
	r.UpdatedAt = now
	doc, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO requests(id, status, doc, updated_at) VALUES($1,$2,$3,$4)`,
		r.ID, string(r.Status), doc, now)
	return r.ID, err
}

func (p *Postgres) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM requests WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) UpdateRequest(ctx context.Context, id string, mutate func(*models.Request) error) (*models.Request, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM requests WHERE id=$1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	if err := mutate(&r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now()
	if err := updateRequestRow(ctx, tx, &r); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &r, nil
}

func updateRequestRow(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}, r *models.Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE requests SET status=$1, doc=$2, updated_at=$3 WHERE id=$4`,
		string(r.Status), doc, r.UpdatedAt, r.ID)
	return err
}

func (p *Postgres) ListRequests(ctx context.Context, statuses ...models.RequestStatus) ([]models.Request, error) {
	query := `SELECT doc FROM requests`
	var args []interface{}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(ss))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.Request
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertDriver(ctx context.Context, d *models.Driver) error {
	d.UpdatedAt = time.Now()
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO drivers(id, status, doc, updated_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`,
		d.ID, string(d.Status), doc, d.UpdatedAt)
	return err
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM drivers WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d models.Driver
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) ListDrivers(ctx context.Context, statuses ...models.DriverStatus) ([]models.Driver, error) {
	query := `SELECT doc FROM drivers`
	var args []interface{}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, s := range statuses {
			ss[i] = string(s)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(ss))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Driver
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var d models.Driver
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) PutOffer(ctx context.Context, o *models.Offer) error {
	if o.ID == "" {
		o.ID = models.OfferID(o.RequestID, o.DriverID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	doc, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO offers(id, request_id, driver_id, status, doc, updated_at) VALUES($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, doc=EXCLUDED.doc, updated_at=EXCLUDED.updated_at`,
		o.ID, o.RequestID, o.DriverID, string(o.Status), doc, time.Now())
	return err
}

func (p *Postgres) UpdateOfferStatus(ctx context.Context, requestID, driverID string, status models.OfferStatus) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE offers SET status=$1, doc = doc || jsonb_build_object('status', $1::text), updated_at=$2 WHERE id=$3`,
		string(status), time.Now(), models.OfferID(requestID, driverID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) GetRide(ctx context.Context, id string) (*models.ActiveRide, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id=$1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.ActiveRide
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) ListActiveRides(ctx context.Context) ([]models.ActiveRide, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM rides WHERE status = ANY($1) ORDER BY updated_at DESC`,
		pq.Array([]string{
			string(models.RideDriverAssigned),
			string(models.RideDriverArrived),
			string(models.RideInProgress),
		}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ActiveRide
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var r models.ActiveRide
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRideStatus(ctx context.Context, id string, status models.RideStatus) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM rides WHERE id=$1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var r models.ActiveRide
	if err := json.Unmarshal(doc, &r); err != nil {
		return err
	}
	now := time.Now()
	r.Status = status
	r.UpdatedAt = now
	switch status {
	case models.RideInProgress:
		r.StartedAt = &now
	case models.RideCompleted, models.RideCancelled:
		r.CompletedAt = &now
	}
	updated, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rides SET status=$1, doc=$2, updated_at=$3 WHERE id=$4`,
		string(status), updated, now, id); err != nil {
		return err
	}

	// Keep the driver's state in step with the ride it carries.
	var drvDoc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM drivers WHERE id=$1 FOR UPDATE`, r.DriverID).Scan(&drvDoc)
	if err == nil {
		var d models.Driver
		if err := json.Unmarshal(drvDoc, &d); err != nil {
			return err
		}
		changed := false
		switch status {
		case models.RideInProgress:
			d.Status = models.DriverOnTrip
			changed = true
		case models.RideCompleted, models.RideCancelled:
			d.Status = models.DriverOnline
			d.CurrentRideID = ""
			changed = true
		}
		if changed {
			d.UpdatedAt = now
			ddoc, err := json.Marshal(&d)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE drivers SET status=$1, doc=$2, updated_at=$3 WHERE id=$4`,
				string(d.Status), ddoc, now, d.ID); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	return tx.Commit()
}

func (p *Postgres) SetRidePayment(ctx context.Context, rideID, paymentIntentID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET doc = doc || jsonb_build_object('payment_intent_id', $1::text), updated_at=$2 WHERE id=$3`,
		paymentIntentID, time.Now(), rideID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// pgTx adapts a sql.Tx to the store.Tx view. Reads lock the rows they
// touch, so two racing transactions serialize and the loser observes
// the winner's writes.
type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) GetRequest(id string) (*models.Request, error) {
	var doc []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT doc FROM requests WHERE id=$1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r models.Request
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) GetDriver(id string) (*models.Driver, error) {
	var doc []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT doc FROM drivers WHERE id=$1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d models.Driver
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *pgTx) PutRequest(r *models.Request) error {
	r.UpdatedAt = time.Now()
	return updateRequestRow(t.ctx, t.tx, r)
}

func (t *pgTx) PutDriver(d *models.Driver) error {
	d.UpdatedAt = time.Now()
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE drivers SET status=$1, doc=$2, updated_at=$3 WHERE id=$4`,
		string(d.Status), doc, d.UpdatedAt, d.ID)
	return err
}

func (t *pgTx) CreateRide(ride *models.ActiveRide) (string, error) {
	if ride.ID == "" {
		ride.ID = NewID()
	}
	ride.UpdatedAt = time.Now()
	doc, err := json.Marshal(ride)
	if err != nil {
		return "", err
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT INTO rides(id, status, doc, updated_at) VALUES($1,$2,$3,$4)`,
		ride.ID, string(ride.Status), doc, ride.UpdatedAt)
	if err != nil {
		return "", err
	}
	return ride.ID, nil
}

func (p *Postgres) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&pgTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *Postgres) WatchPendingRequests(ctx context.Context) (<-chan models.Request, error) {
	return watch(ctx, p.dsn, chanRequestPending, func(id string) (*models.Request, bool) {
		r, err := p.GetRequest(ctx, id)
		if err != nil || r.Status != models.RequestPending {
			return nil, false
		}
		return r, true
	})
}

func (p *Postgres) WatchDrivers(ctx context.Context) (<-chan models.Driver, error) {
	return watch(ctx, p.dsn, chanDriverUpdate, func(id string) (*models.Driver, bool) {
		d, err := p.GetDriver(ctx, id)
		if err != nil {
			return nil, false
		}
		return d, true
	})
}

// watch bridges a NOTIFY channel carrying document ids into a typed
// change feed. Fetch failures are skipped; the trigger will fire again
// on the next write.
func watch[T any](ctx context.Context, dsn, channel string, fetch func(id string) (*T, bool)) (<-chan T, error) {
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, nil)
	if err := listener.Listen(channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	out := make(chan T, 64)
	go func() {
		defer close(out)
		defer listener.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					// reconnect event; nothing to forward
					continue
				}
				if doc, ok := fetch(n.Extra); ok {
					select {
					case out <- *doc:
					case <-ctx.Done():
						return
					}
				}
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()
	return out, nil
}
