package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BaseStore provides the shared query implementations that work across
// SQLite and PostgreSQL. It embeds a *sql.DB connection and a Dialect for
// handling SQL syntax differences.
//
// Query placeholders are written using SQLite style (?) and converted at
// runtime when using PostgreSQL, so the business queries exist once.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewBaseStore creates a new BaseStore with the given connection and dialect.
func NewBaseStore(db *sql.DB, dialect Dialect) *BaseStore {
	return &BaseStore{db: db, dialect: dialect}
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

// ============================================================================
// Users
// ============================================================================

// CreateUser inserts a new user.
func (s *BaseStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreateTime.IsZero() {
		user.CreateTime = time.Now()
	}
	_, err := s.execContext(ctx, `
		INSERT INTO users (id, name, permission, create_time)
		VALUES (?, ?, ?, ?)
	`, user.ID, user.Name, user.Permission, user.CreateTime)
	return err
}

// GetUser retrieves a user by id.
func (s *BaseStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.queryRowContext(ctx, `
		SELECT id, name, permission, create_time FROM users WHERE id = ?
	`, id).Scan(&user.ID, &user.Name, &user.Permission, &user.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ============================================================================
// Printers
// ============================================================================

const printerColumns = `id, url, api_key, driver, group_name, active, opcua_name, camera_url, model, create_time`

func scanPrinter(row interface{ Scan(...interface{}) error }) (*Printer, error) {
	var p Printer
	var apiKey, groupName, opcuaName, cameraURL, model sql.NullString
	err := row.Scan(&p.ID, &p.URL, &apiKey, &p.Driver, &groupName, &p.Active,
		&opcuaName, &cameraURL, &model, &p.CreateTime)
	if err != nil {
		return nil, err
	}
	p.APIKey = apiKey.String
	p.GroupName = groupName.String
	p.OpcuaName = opcuaName.String
	p.CameraURL = cameraURL.String
	p.Model = model.String
	return &p, nil
}

// CreatePrinter inserts a new printer and fills in its generated id.
func (s *BaseStore) CreatePrinter(ctx context.Context, printer *Printer) error {
	if printer.CreateTime.IsZero() {
		printer.CreateTime = time.Now()
	}
	return s.queryRowContext(ctx, `
		INSERT INTO printers (url, api_key, driver, group_name, active, opcua_name, camera_url, model, create_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, printer.URL, nullString(printer.APIKey), string(printer.Driver),
		nullString(printer.GroupName), printer.Active, nullString(printer.OpcuaName),
		nullString(printer.CameraURL), nullString(printer.Model), printer.CreateTime,
	).Scan(&printer.ID)
}

// UpdatePrinter updates a printer row.
func (s *BaseStore) UpdatePrinter(ctx context.Context, printer *Printer) error {
	res, err := s.execContext(ctx, `
		UPDATE printers
		SET url = ?, api_key = ?, driver = ?, group_name = ?, active = ?,
		    opcua_name = ?, camera_url = ?, model = ?
		WHERE id = ?
	`, printer.URL, nullString(printer.APIKey), string(printer.Driver),
		nullString(printer.GroupName), printer.Active, nullString(printer.OpcuaName),
		nullString(printer.CameraURL), nullString(printer.Model), printer.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("printer not found: %d", printer.ID)
	}
	return err
}

// GetPrinter retrieves a printer by id. Returns nil when it does not exist.
func (s *BaseStore) GetPrinter(ctx context.Context, id int64) (*Printer, error) {
	p, err := scanPrinter(s.queryRowContext(ctx,
		`SELECT `+printerColumns+` FROM printers WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// Printers lists printers, optionally filtered by group name and active flag.
func (s *BaseStore) Printers(ctx context.Context, filter PrinterFilter) ([]*Printer, error) {
	query := `SELECT ` + printerColumns + ` FROM printers WHERE 1=1`
	var args []interface{}
	if filter.GroupName != nil {
		query += ` AND group_name = ?`
		args = append(args, *filter.GroupName)
	}
	if filter.Active != nil {
		query += ` AND active = ?`
		args = append(args, *filter.Active)
	}
	query += ` ORDER BY id`

	rows, err := s.queryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var printers []*Printer
	for rows.Next() {
		p, err := scanPrinter(rows)
		if err != nil {
			return nil, err
		}
		printers = append(printers, p)
	}
	return printers, rows.Err()
}

// ActivePrinters lists printers that should have a running worker.
func (s *BaseStore) ActivePrinters(ctx context.Context) ([]*Printer, error) {
	active := true
	return s.Printers(ctx, PrinterFilter{Active: &active})
}

// ============================================================================
// Orders
// ============================================================================

// CreateOrder inserts a new order and fills in its generated id.
func (s *BaseStore) CreateOrder(ctx context.Context, order *Order) error {
	if order.CreateTime.IsZero() {
		order.CreateTime = time.Now()
	}
	return s.queryRowContext(ctx, `
		INSERT INTO orders (user_id, printer_id, cancelled, create_time)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, order.UserID, nullInt64(order.PrinterID), order.Cancelled, order.CreateTime,
	).Scan(&order.ID)
}

// GetOrder retrieves an order by id. Returns nil when it does not exist.
func (s *BaseStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var o Order
	var printerID sql.NullInt64
	err := s.queryRowContext(ctx, `
		SELECT id, user_id, printer_id, cancelled, create_time
		FROM orders WHERE id = ?
	`, id).Scan(&o.ID, &o.UserID, &printerID, &o.Cancelled, &o.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if printerID.Valid {
		o.PrinterID = &printerID.Int64
	}
	return &o, nil
}

// UserOrders lists all orders placed by a user.
func (s *BaseStore) UserOrders(ctx context.Context, userID string) ([]*Order, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, user_id, printer_id, cancelled, create_time
		FROM orders WHERE user_id = ?
		ORDER BY create_time
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		var printerID sql.NullInt64
		if err := rows.Scan(&o.ID, &o.UserID, &printerID, &o.Cancelled, &o.CreateTime); err != nil {
			return nil, err
		}
		if printerID.Valid {
			o.PrinterID = &printerID.Int64
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// ApproveOrder adds the Approved flag to every created-but-unapproved job of
// the order, appending one history row per touched job.
func (s *BaseStore) ApproveOrder(ctx context.Context, order *Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		jobs, err := s.orderJobsTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status.Has(StatusApproved) {
				continue
			}
			job.AddStatusFlag(StatusApproved)
			if err := s.updateJobTx(ctx, tx, job, StatusApproved); err != nil {
				return err
			}
		}
		return nil
	})
}

// CancelOrder marks the order cancelled and issues a cancel on its
// non-terminal jobs.
func (s *BaseStore) CancelOrder(ctx context.Context, order *Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.query(`UPDATE orders SET cancelled = ? WHERE id = ?`), true, order.ID)
		if err != nil {
			return err
		}
		order.Cancelled = true

		jobs, err := s.orderJobsTx(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status.Has(StatusCancelIssued) || job.Status.Has(StatusCancelled) || job.IsPicked() {
				continue
			}
			job.AddStatusFlag(StatusCancelIssued)
			if err := s.updateJobTx(ctx, tx, job, StatusCancelIssued); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Jobs
// ============================================================================

const jobColumns = `id, order_id, user_id, printer_id, status, from_server,
	gcode_file_path, original_filename, printer_filename, start_time, create_time`

func scanJob(row interface{ Scan(...interface{}) error }) (*Job, error) {
	var j Job
	var orderID, printerID sql.NullInt64
	var userID, gcodePath, origName, printerName sql.NullString
	var startTime sql.NullTime
	err := row.Scan(&j.ID, &orderID, &userID, &printerID, &j.Status, &j.FromServer,
		&gcodePath, &origName, &printerName, &startTime, &j.CreateTime)
	if err != nil {
		return nil, err
	}
	if orderID.Valid {
		j.OrderID = &orderID.Int64
	}
	if userID.Valid {
		j.UserID = &userID.String
	}
	if printerID.Valid {
		j.PrinterID = &printerID.Int64
	}
	j.GcodeFilePath = gcodePath.String
	j.OriginalFilename = origName.String
	j.PrinterFilename = printerName.String
	if startTime.Valid {
		t := startTime.Time
		j.StartTime = &t
	}
	return &j, nil
}

// CreateJob inserts a new job and appends a history row recording its
// initial status, in one transaction.
func (s *BaseStore) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == 0 {
		job.Status = StatusCreated
	}
	if job.CreateTime.IsZero() {
		job.CreateTime = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, s.query(`
			INSERT INTO jobs (order_id, user_id, printer_id, status, from_server,
				gcode_file_path, original_filename, printer_filename, start_time, create_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), nullInt64(job.OrderID), nullStringPtr(job.UserID), nullInt64(job.PrinterID),
			int(job.Status), job.FromServer, nullString(job.GcodeFilePath),
			nullString(job.OriginalFilename), nullString(job.PrinterFilename),
			nullTime(job.StartTime), job.CreateTime,
		).Scan(&job.ID)
		if err != nil {
			return err
		}
		return s.insertHistoryTx(ctx, tx, job.ID, job.Status.String())
	})
}

// UpdateJob persists the job row and, when newFlag is non-zero, adds the flag
// and appends exactly one history row in the same transaction.
func (s *BaseStore) UpdateJob(ctx context.Context, job *Job, newFlag JobStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if newFlag != 0 {
			job.AddStatusFlag(newFlag)
		}
		if err := s.updateJobRowTx(ctx, tx, job); err != nil {
			return err
		}
		if newFlag != 0 {
			return s.insertHistoryTx(ctx, tx, job.ID, newFlag.String())
		}
		return nil
	})
}

// updateJobTx adds newFlag's history row and persists the (already flagged)
// job inside an existing transaction.
func (s *BaseStore) updateJobTx(ctx context.Context, tx *sql.Tx, job *Job, newFlag JobStatus) error {
	if err := s.updateJobRowTx(ctx, tx, job); err != nil {
		return err
	}
	return s.insertHistoryTx(ctx, tx, job.ID, newFlag.String())
}

func (s *BaseStore) updateJobRowTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	_, err := tx.ExecContext(ctx, s.query(`
		UPDATE jobs
		SET order_id = ?, user_id = ?, printer_id = ?, status = ?,
		    gcode_file_path = ?, original_filename = ?, printer_filename = ?, start_time = ?
		WHERE id = ?
	`), nullInt64(job.OrderID), nullStringPtr(job.UserID), nullInt64(job.PrinterID),
		int(job.Status), nullString(job.GcodeFilePath), nullString(job.OriginalFilename),
		nullString(job.PrinterFilename), nullTime(job.StartTime), job.ID)
	return err
}

func (s *BaseStore) insertHistoryTx(ctx context.Context, tx *sql.Tx, jobID int64, status string) error {
	_, err := tx.ExecContext(ctx, s.query(`
		INSERT INTO job_history (job_id, status, create_time) VALUES (?, ?, ?)
	`), jobID, status, time.Now())
	return err
}

func (s *BaseStore) orderJobsTx(ctx context.Context, tx *sql.Tx, orderID int64) ([]*Job, error) {
	rows, err := tx.QueryContext(ctx, s.query(
		`SELECT `+jobColumns+` FROM jobs WHERE order_id = ? ORDER BY id`), orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetJob retrieves a job by id. Returns nil when it does not exist.
func (s *BaseStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.queryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// JobHistory returns the append-only status log of a job, oldest first.
// JobByPrinterFilename finds the open job tracked under a printer-side
// filename, skipping jobs that already left the bed.
func (s *BaseStore) JobByPrinterFilename(ctx context.Context, printerID int64, filename string) (*Job, error) {
	j, err := scanJob(s.queryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE printer_id = ? AND printer_filename = ?
		AND (status & ?) = 0 AND (status & ?) = 0
		ORDER BY id DESC LIMIT 1
	`, printerID, filename, int(StatusPicked), int(StatusCancelled)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *BaseStore) JobHistory(ctx context.Context, jobID int64) ([]*JobHistoryEntry, error) {
	rows, err := s.queryContext(ctx, `
		SELECT id, job_id, status, create_time
		FROM job_history WHERE job_id = ? ORDER BY id
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JobHistoryEntry
	for rows.Next() {
		var e JobHistoryEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Status, &e.CreateTime); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// UnapprovedJobs lists jobs that have not been approved yet.
func (s *BaseStore) UnapprovedJobs(ctx context.Context) ([]*Job, error) {
	return s.jobsWhere(ctx, `status < ?`, int(StatusApproved))
}

// UnscheduledJobs lists approved server jobs that have no printer assigned,
// ordered by creation time so the scheduler can assign FIFO.
func (s *BaseStore) UnscheduledJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND printer_id IS NULL AND from_server = ?
		ORDER BY create_time, id
	`, int(StatusToSchedule), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ScheduledJobs lists jobs that were assigned a printer but have not started.
func (s *BaseStore) ScheduledJobs(ctx context.Context) ([]*Job, error) {
	return s.jobsWhere(ctx, `status = ? AND printer_id IS NOT NULL`, int(StatusToPrint))
}

// NextPendingJob returns the first job scheduled on the printer that is
// waiting to start, or nil.
func (s *BaseStore) NextPendingJob(ctx context.Context, printerID int64) (*Job, error) {
	j, err := scanJob(s.queryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND printer_id = ?
		ORDER BY id LIMIT 1
	`, int(StatusToPrint), printerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// CurrentPrinterJob returns the single job the printer is responsible for:
// scheduled onto it and not yet picked. This includes pending jobs waiting
// for the printer to become ready. Two or more matches violate the
// one-job-per-printer invariant and are reported as an error.
func (s *BaseStore) CurrentPrinterJob(ctx context.Context, printerID int64) (*Job, error) {
	rows, err := s.queryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE printer_id = ? AND status > ? AND (status & ?) = 0
	`, printerID, int(StatusScheduled), int(StatusPicked))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	switch len(jobs) {
	case 0:
		return nil, nil
	case 1:
		return jobs[0], nil
	default:
		return nil, fmt.Errorf("printer %d has %d concurrent jobs, expected at most 1", printerID, len(jobs))
	}
}

func (s *BaseStore) jobsWhere(ctx context.Context, where string, args ...interface{}) ([]*Job, error) {
	rows, err := s.queryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ============================================================================
// Helpers
// ============================================================================

func (s *BaseStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
