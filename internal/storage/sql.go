package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"newsletter/internal/newsletter"
	logx "newsletter/pkg/logx"
)

const (
	tblMessages    = "messages"
	tblSubscribers = "subscribers"

	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	messageColumns = []string{
		"id", "subject", "body_html", "body_text", "status", "report",
		"scheduled_at", "created_at", "updated_at",
	}
	subscriberColumns = []string{
		"id", "email", "phone_number", "chat_handle",
		"subscribed_to_email", "subscribed_to_sms", "subscribed_to_chat",
		"is_active", "created_at", "updated_at",
	}
)

type dialect struct {
	name        string
	placeholder sq.PlaceholderFormat
	isUnique    func(error) bool
}

// DuplicateError reports a unique constraint violation on Field.
type DuplicateError struct {
	Field string
	Err   error
}

func (e *DuplicateError) Error() string {
	if e.Field == "" {
		return ErrDuplicate.Error()
	}
	return fmt.Sprintf("%s: %s already exists", ErrDuplicate, e.Field)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }
func (e *DuplicateError) Unwrap() error        { return e.Err }

type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
	queries
}

func newSQLStore(db *sqlx.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{
		db:  db,
		log: log,
		queries: queries{
			ext: db,
			sb:  sq.StatementBuilder.PlaceholderFormat(d.placeholder),
			d:   d,
			now: time.Now,
		},
	}
}

func (s *sqlStore) InTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	q := s.queries
	q.ext = tx
	if err := fn(&q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", logx.Err(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queries runs statements on either the pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
	sb  sq.StatementBuilderType
	d   dialect
	now func() time.Time
}

func (q *queries) get(ctx context.Context, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	err = sqlx.GetContext(ctx, q.ext, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (q *queries) sel(ctx context.Context, dest any, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q.ext, dest, query, args...)
}

// exec returns rows affected.
func (q *queries) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := q.ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, q.mapErr(err)
	}
	return res.RowsAffected()
}

func (q *queries) insertID(ctx context.Context, b sq.InsertBuilder) (int64, error) {
	query, args, err := b.Suffix("RETURNING id").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	var id int64
	if err := q.ext.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, q.mapErr(err)
	}
	return id, nil
}

func (q *queries) mapErr(err error) error {
	if err == nil || q.d.isUnique == nil || !q.d.isUnique(err) {
		return err
	}
	msg := err.Error()
	for _, f := range []string{"email", "phone_number", "chat_handle"} {
		if strings.Contains(msg, f) {
			return &DuplicateError{Field: f, Err: err}
		}
	}
	return &DuplicateError{Err: err}
}

func (q *queries) nowMillis() int64 { return q.now().UnixMilli() }

func clampList(opt ListOptions) (uint64, uint64) {
	limit := opt.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	return uint64(limit), uint64(max(opt.Offset, 0))
}

// ---- messages ----

type messageRow struct {
	ID          int64         `db:"id"`
	Subject     string        `db:"subject"`
	BodyHTML    string        `db:"body_html"`
	BodyText    string        `db:"body_text"`
	Status      string        `db:"status"`
	Report      string        `db:"report"`
	ScheduledAt sql.NullInt64 `db:"scheduled_at"`
	CreatedAt   int64         `db:"created_at"`
	UpdatedAt   int64         `db:"updated_at"`
}

func (r messageRow) message() newsletter.Message {
	m := newsletter.Message{
		ID:        r.ID,
		Subject:   r.Subject,
		BodyHTML:  r.BodyHTML,
		BodyText:  r.BodyText,
		Status:    newsletter.Status(r.Status),
		Report:    r.Report,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
	if r.ScheduledAt.Valid {
		t := fromMillis(r.ScheduledAt.Int64)
		m.ScheduledAt = &t
	}
	return m
}

func (q *queries) GetMessage(ctx context.Context, id int64) (newsletter.Message, error) {
	var row messageRow
	err := q.get(ctx, &row, q.sb.Select(messageColumns...).From(tblMessages).Where(sq.Eq{"id": id}))
	if err != nil {
		return newsletter.Message{}, err
	}
	return row.message(), nil
}

func (q *queries) ListMessages(ctx context.Context, opt ListOptions) ([]newsletter.Message, error) {
	limit, offset := clampList(opt)
	var rows []messageRow
	err := q.sel(ctx, &rows, q.sb.Select(messageColumns...).From(tblMessages).
		OrderBy("created_at DESC", "id DESC").Limit(limit).Offset(offset))
	if err != nil {
		return nil, err
	}
	out := make([]newsletter.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

func (q *queries) CreateMessage(ctx context.Context, m newsletter.Message) (newsletter.Message, error) {
	if m.Status == "" {
		m.Status = newsletter.StatusDraft
	}
	now := q.nowMillis()
	id, err := q.insertID(ctx, q.sb.Insert(tblMessages).
		Columns("subject", "body_html", "body_text", "status", "report", "scheduled_at", "created_at", "updated_at").
		Values(m.Subject, m.BodyHTML, m.BodyText, string(m.Status), m.Report, nullMillis(m.ScheduledAt), now, now))
	if err != nil {
		return newsletter.Message{}, err
	}
	return q.GetMessage(ctx, id)
}

func (q *queries) UpdateMessage(ctx context.Context, m newsletter.Message) (newsletter.Message, error) {
	n, err := q.exec(ctx, q.sb.Update(tblMessages).
		Set("subject", m.Subject).
		Set("body_html", m.BodyHTML).
		Set("body_text", m.BodyText).
		Set("scheduled_at", nullMillis(m.ScheduledAt)).
		Set("updated_at", q.nowMillis()).
		Where(sq.Eq{"id": m.ID}))
	if err != nil {
		return newsletter.Message{}, err
	}
	if n == 0 {
		return newsletter.Message{}, ErrNotFound
	}
	return q.GetMessage(ctx, m.ID)
}

func (q *queries) DeleteMessage(ctx context.Context, id int64) error {
	n, err := q.exec(ctx, q.sb.Delete(tblMessages).Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) SetMessageState(ctx context.Context, id int64, status newsletter.Status, report string) error {
	n, err := q.exec(ctx, q.sb.Update(tblMessages).
		Set("status", string(status)).
		Set("report", report).
		Set("updated_at", q.nowMillis()).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) TransitionStatus(ctx context.Context, id int64, from []newsletter.Status, to newsletter.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	if err := newsletter.CheckTransition(from, to); err != nil {
		return false, err
	}
	fs := make([]string, 0, len(from))
	for _, s := range from {
		fs = append(fs, string(s))
	}
	n, err := q.exec(ctx, q.sb.Update(tblMessages).
		Set("status", string(to)).
		Set("updated_at", q.nowMillis()).
		Where(sq.Eq{"id": id, "status": fs}))
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *queries) DueScheduled(ctx context.Context, now time.Time, limit int) ([]newsletter.Message, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var rows []messageRow
	err := q.sel(ctx, &rows, q.sb.Select(messageColumns...).From(tblMessages).
		Where(sq.Eq{"status": string(newsletter.StatusDraft)}).
		Where(sq.NotEq{"scheduled_at": nil}).
		Where(sq.LtOrEq{"scheduled_at": now.UnixMilli()}).
		OrderBy("scheduled_at", "id").
		Limit(uint64(limit)))
	if err != nil {
		return nil, err
	}
	out := make([]newsletter.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

// ---- subscribers ----

type subscriberRow struct {
	ID                int64          `db:"id"`
	Email             sql.NullString `db:"email"`
	PhoneNumber       sql.NullString `db:"phone_number"`
	ChatHandle        sql.NullString `db:"chat_handle"`
	SubscribedToEmail bool           `db:"subscribed_to_email"`
	SubscribedToSMS   bool           `db:"subscribed_to_sms"`
	SubscribedToChat  bool           `db:"subscribed_to_chat"`
	IsActive          bool           `db:"is_active"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r subscriberRow) subscriber() newsletter.Subscriber {
	return newsletter.Subscriber{
		ID:                r.ID,
		Email:             r.Email.String,
		PhoneNumber:       r.PhoneNumber.String,
		ChatHandle:        r.ChatHandle.String,
		SubscribedToEmail: r.SubscribedToEmail,
		SubscribedToSMS:   r.SubscribedToSMS,
		SubscribedToChat:  r.SubscribedToChat,
		IsActive:          r.IsActive,
		CreatedAt:         fromMillis(r.CreatedAt),
		UpdatedAt:         fromMillis(r.UpdatedAt),
	}
}

func subscribersOut(rows []subscriberRow) []newsletter.Subscriber {
	out := make([]newsletter.Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.subscriber())
	}
	return out
}

func (q *queries) GetSubscriber(ctx context.Context, id int64) (newsletter.Subscriber, error) {
	var row subscriberRow
	err := q.get(ctx, &row, q.sb.Select(subscriberColumns...).From(tblSubscribers).Where(sq.Eq{"id": id}))
	if err != nil {
		return newsletter.Subscriber{}, err
	}
	return row.subscriber(), nil
}

func (q *queries) ListSubscribers(ctx context.Context, opt ListOptions) ([]newsletter.Subscriber, error) {
	limit, offset := clampList(opt)
	var rows []subscriberRow
	err := q.sel(ctx, &rows, q.sb.Select(subscriberColumns...).From(tblSubscribers).
		OrderBy("created_at DESC", "id DESC").Limit(limit).Offset(offset))
	if err != nil {
		return nil, err
	}
	return subscribersOut(rows), nil
}

func (q *queries) CreateSubscriber(ctx context.Context, s newsletter.Subscriber) (newsletter.Subscriber, error) {
	now := q.nowMillis()
	id, err := q.insertID(ctx, q.sb.Insert(tblSubscribers).
		Columns("email", "phone_number", "chat_handle",
			"subscribed_to_email", "subscribed_to_sms", "subscribed_to_chat",
			"is_active", "created_at", "updated_at").
		Values(nullStr(s.Email), nullStr(s.PhoneNumber), nullStr(s.ChatHandle),
			s.SubscribedToEmail, s.SubscribedToSMS, s.SubscribedToChat,
			s.IsActive, now, now))
	if err != nil {
		return newsletter.Subscriber{}, err
	}
	return q.GetSubscriber(ctx, id)
}

func (q *queries) UpdateSubscriber(ctx context.Context, s newsletter.Subscriber) (newsletter.Subscriber, error) {
	n, err := q.exec(ctx, q.sb.Update(tblSubscribers).
		Set("email", nullStr(s.Email)).
		Set("phone_number", nullStr(s.PhoneNumber)).
		Set("chat_handle", nullStr(s.ChatHandle)).
		Set("subscribed_to_email", s.SubscribedToEmail).
		Set("subscribed_to_sms", s.SubscribedToSMS).
		Set("subscribed_to_chat", s.SubscribedToChat).
		Set("is_active", s.IsActive).
		Set("updated_at", q.nowMillis()).
		Where(sq.Eq{"id": s.ID}))
	if err != nil {
		return newsletter.Subscriber{}, err
	}
	if n == 0 {
		return newsletter.Subscriber{}, ErrNotFound
	}
	return q.GetSubscriber(ctx, s.ID)
}

func (q *queries) DeleteSubscriber(ctx context.Context, id int64) error {
	n, err := q.exec(ctx, q.sb.Delete(tblSubscribers).Where(sq.Eq{"id": id}))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *queries) EligibleSubscribers(ctx context.Context, ch newsletter.Channel) ([]newsletter.Subscriber, error) {
	flag, addr, err := channelColumns(ch)
	if err != nil {
		return nil, err
	}
	var rows []subscriberRow
	err = q.sel(ctx, &rows, q.sb.Select(subscriberColumns...).From(tblSubscribers).
		Where(sq.Eq{"is_active": true, flag: true}).
		Where(sq.NotEq{addr: nil}).
		Where(sq.Expr("TRIM(" + addr + ") <> ''")).
		OrderBy("id"))
	if err != nil {
		return nil, err
	}
	return subscribersOut(rows), nil
}

func channelColumns(ch newsletter.Channel) (flag, addr string, err error) {
	switch ch {
	case newsletter.Email:
		return "subscribed_to_email", "email", nil
	case newsletter.SMS:
		return "subscribed_to_sms", "phone_number", nil
	case newsletter.Chat:
		return "subscribed_to_chat", "chat_handle", nil
	}
	return "", "", fmt.Errorf("%w: unknown channel %q", newsletter.ErrInvalid, ch)
}

// ---- helpers ----

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// nullStr stores blank addresses as NULL so UNIQUE ignores them.
func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
