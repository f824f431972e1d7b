package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bravethewaves/backend/internal/models"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store over pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const userColumns = `id, email, name, role, amount_raised, amount_donated,
	COALESCE(donation_code, ''), team_id, bio, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.AmountRaised, &u.AmountDonated,
		&u.DonationCode, &u.TeamID, &u.Bio, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func collectUsers(rows pgx.Rows, err error) ([]models.User, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *u)
	}
	return list, rows.Err()
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// Users

func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) SyncUser(ctx context.Context, s UserSync) (*models.User, bool, error) {
	const insert = `INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + userColumns
	u, err := scanUser(p.pool.QueryRow(ctx, insert, s.ID, s.Email, s.Name))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert user: %w", err)
	}
	u, err = p.GetUser(ctx, s.ID)
	if err != nil {
		return nil, false, err
	}
	return u, false, nil
}

func (p *Postgres) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" {
		return nil, ErrNotFound
	}
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users
		WHERE email_normalized = $1 ORDER BY created_at LIMIT 1`, norm))
}

func (p *Postgres) FindUserByDonationCode(ctx context.Context, code string) (*models.User, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE donation_code = $1`, code))
}

func (p *Postgres) PromoteToPaddler(ctx context.Context, id, code string) (*models.User, error) {
	const q = `UPDATE users SET role = 'paddler',
		donation_code = COALESCE(donation_code, NULLIF($2, '')),
		updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns
	u, err := scanUser(p.pool.QueryRow(ctx, q, id, code))
	if isPgError(err, pgUniqueViolation) {
		return nil, ErrDonationCodeTaken
	}
	return u, err
}

func (p *Postgres) IncrementAmountRaised(ctx context.Context, id string, cents int64) error {
	return p.execOne(ctx, `UPDATE users SET amount_raised = amount_raised + $2, updated_at = NOW() WHERE id = $1`, id, cents)
}

func (p *Postgres) IncrementAmountDonated(ctx context.Context, id string, cents int64) error {
	return p.execOne(ctx, `UPDATE users SET amount_donated = COALESCE(amount_donated, 0) + $2, updated_at = NOW() WHERE id = $1`, id, cents)
}

func (p *Postgres) UpdateProfile(ctx context.Context, id string, u ProfileUpdate) (*models.User, error) {
	const q = `UPDATE users SET name = COALESCE($2, name), bio = COALESCE($3, bio), updated_at = NOW()
		WHERE id = $1 RETURNING ` + userColumns
	return scanUser(p.pool.QueryRow(ctx, q, id, u.Name, u.Bio))
}

func (p *Postgres) ListParticipants(ctx context.Context, q ListQuery) ([]models.User, error) {
	order := "name, id"
	if q.ByRaised {
		order = "amount_raised DESC, name, id"
	}
	sql := `SELECT ` + userColumns + ` FROM users
		WHERE role = 'paddler' AND ($1::text = '' OR strpos(lower(name), lower($1)) > 0)
		ORDER BY ` + order + ` LIMIT NULLIF($2, 0)`
	return collectUsers(p.pool.Query(ctx, sql, q.Search, q.Limit))
}

// Teams

const teamColumns = `t.id, t.name, t.invite_code, t.captain_id, t.division, t.description,
	t.total_raised, t.donation_goal,
	(SELECT COUNT(*) FROM users m WHERE m.team_id = t.id),
	t.created_at, t.updated_at`

func scanTeam(row pgx.Row) (*models.Team, error) {
	var t models.Team
	err := row.Scan(&t.ID, &t.Name, &t.InviteCode, &t.CaptainID, &t.Division, &t.Description,
		&t.TotalRaised, &t.DonationGoal, &t.MemberCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) CreateTeam(ctx context.Context, team *models.Team) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var current *uuid.UUID
		err := tx.QueryRow(ctx, `SELECT team_id FROM users WHERE id = $1 FOR UPDATE`, team.CaptainID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock captain: %w", err)
		}
		if current != nil {
			return ErrAlreadyOnTeam
		}
		const insert = `INSERT INTO teams (name, invite_code, captain_id, division, description, donation_goal)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at`
		err = tx.QueryRow(ctx, insert, team.Name, team.InviteCode, team.CaptainID, team.Division, team.Description, team.DonationGoal).
			Scan(&team.ID, &team.CreatedAt, &team.UpdatedAt)
		if isPgError(err, pgUniqueViolation) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert team: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET team_id = $2, updated_at = NOW() WHERE id = $1`, team.CaptainID, team.ID); err != nil {
			return fmt.Errorf("link captain: %w", err)
		}
		team.MemberCount = 1
		return nil
	})
}

func (p *Postgres) GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams t WHERE t.id = $1`, id))
}

func (p *Postgres) GetTeamByName(ctx context.Context, name string) (*models.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams t WHERE t.name = $1`, name))
}

func (p *Postgres) GetTeamByInviteCode(ctx context.Context, code string) (*models.Team, error) {
	return scanTeam(p.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams t WHERE t.invite_code = $1`, code))
}

func (p *Postgres) UpdateTeam(ctx context.Context, id uuid.UUID, u TeamUpdate) (*models.Team, error) {
	var division *string
	if u.Division != nil {
		d := string(*u.Division)
		division = &d
	}
	const q = `UPDATE teams t SET
		name = COALESCE($2, t.name),
		division = COALESCE($3, t.division),
		description = COALESCE($4, t.description),
		donation_goal = COALESCE($5, t.donation_goal),
		updated_at = NOW()
		WHERE t.id = $1
		RETURNING ` + teamColumns
	team, err := scanTeam(p.pool.QueryRow(ctx, q, id, u.Name, division, u.Description, u.DonationGoal))
	if isPgError(err, pgUniqueViolation) {
		return nil, ErrConflict
	}
	return team, err
}

func (p *Postgres) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE users SET team_id = NULL, updated_at = NOW() WHERE team_id = $1`, id); err != nil {
			return fmt.Errorf("clear members: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete team: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (p *Postgres) JoinTeam(ctx context.Context, userID string, teamID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET team_id = $2, updated_at = NOW() WHERE id = $1 AND team_id IS NULL`, userID, teamID)
	if isPgError(err, pgForeignKeyViolation) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := p.GetUser(ctx, userID); err != nil {
		return err
	}
	return ErrAlreadyOnTeam
}

func (p *Postgres) LeaveTeam(ctx context.Context, userID string, teamID uuid.UUID) error {
	return p.execOne(ctx, `UPDATE users SET team_id = NULL, updated_at = NOW() WHERE id = $1 AND team_id = $2`, userID, teamID)
}

func (p *Postgres) ListTeams(ctx context.Context, q ListQuery) ([]models.Team, error) {
	order := "t.name"
	if q.ByRaised {
		order = "t.total_raised DESC, t.name"
	}
	sql := `SELECT ` + teamColumns + ` FROM teams t
		WHERE ($1::text = '' OR strpos(lower(t.name), lower($1)) > 0)
		ORDER BY ` + order + ` LIMIT NULLIF($2, 0)`
	rows, err := p.pool.Query(ctx, sql, q.Search, q.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

func (p *Postgres) ListTeamMembers(ctx context.Context, teamID uuid.UUID) ([]models.User, error) {
	if _, err := p.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	return collectUsers(p.pool.Query(ctx, `SELECT `+userColumns+` FROM users WHERE team_id = $1 ORDER BY name, id`, teamID))
}

func (p *Postgres) IncrementTeamRaised(ctx context.Context, teamID uuid.UUID, cents int64) error {
	return p.execOne(ctx, `UPDATE teams SET total_raised = total_raised + $2, updated_at = NOW() WHERE id = $1`, teamID, cents)
}

// Registrations

const registrationColumns = `user_id, has_paid, COALESCE(customer_id, ''), COALESCE(transaction_id, ''),
	amount_paid, currency, paid_by, bundle_emails, created_at, updated_at`

func scanRegistration(row pgx.Row) (*models.Registration, error) {
	var r models.Registration
	err := row.Scan(&r.UserID, &r.HasPaid, &r.CustomerID, &r.TransactionID,
		&r.AmountPaid, &r.Currency, &r.PaidBy, &r.BundleEmails, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) GetRegistration(ctx context.Context, userID string) (*models.Registration, error) {
	return scanRegistration(p.pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM registrations WHERE user_id = $1`, userID))
}

func (p *Postgres) MarkRegistrationPaid(ctx context.Context, pay RegistrationPayment) (bool, error) {
	emails := normalizeEmails(pay.BundleEmails)
	var transitioned bool
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO registrations (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, pay.UserID); err != nil {
			return fmt.Errorf("ensure registration: %w", err)
		}
		var hasPaid bool
		if err := tx.QueryRow(ctx, `SELECT has_paid FROM registrations WHERE user_id = $1 FOR UPDATE`, pay.UserID).Scan(&hasPaid); err != nil {
			return fmt.Errorf("lock registration: %w", err)
		}
		transitioned = !hasPaid
		if transitioned {
			const q = `UPDATE registrations SET has_paid = TRUE, amount_paid = $2, currency = $3, paid_by = $4, updated_at = NOW()
				WHERE user_id = $1`
			if _, err := tx.Exec(ctx, q, pay.UserID, pay.AmountPaid, pay.Currency, pay.PaidBy); err != nil {
				return fmt.Errorf("mark paid: %w", err)
			}
		}
		const refresh = `UPDATE registrations SET
			customer_id = COALESCE(NULLIF($2, ''), customer_id),
			transaction_id = COALESCE(NULLIF($3, ''), transaction_id),
			bundle_emails = ARRAY(SELECT DISTINCT e FROM unnest(bundle_emails || $4::text[]) AS e ORDER BY e),
			updated_at = NOW()
			WHERE user_id = $1`
		if _, err := tx.Exec(ctx, refresh, pay.UserID, pay.CustomerID, pay.TransactionID, emails); err != nil {
			return fmt.Errorf("refresh registration: %w", err)
		}
		return nil
	})
	if isPgError(err, pgForeignKeyViolation) {
		return false, ErrNotFound
	}
	return transitioned, err
}

func (p *Postgres) FindBundleOwnerByEmail(ctx context.Context, email string) (*models.Registration, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" {
		return nil, ErrNotFound
	}
	return scanRegistration(p.pool.QueryRow(ctx, `SELECT `+registrationColumns+` FROM registrations
		WHERE has_paid AND bundle_emails @> ARRAY[$1]::text[]
		ORDER BY updated_at LIMIT 1`, norm))
}

// Donations

const donationColumns = `payment_intent_id, COALESCE(customer_id, ''), COALESCE(checkout_session_id, ''),
	amount, currency, status, donor_name, donor_email, donor_user_id, target_user_id,
	message, is_anonymous, created_at`

func collectDonations(rows pgx.Rows, err error) ([]models.Donation, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *d)
	}
	return list, rows.Err()
}

func scanDonation(row pgx.Row) (*models.Donation, error) {
	var d models.Donation
	err := row.Scan(&d.PaymentIntentID, &d.CustomerID, &d.CheckoutSessionID,
		&d.Amount, &d.Currency, &d.Status, &d.DonorName, &d.DonorEmail, &d.DonorUserID, &d.TargetUserID,
		&d.Message, &d.IsAnonymous, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) CreateDonation(ctx context.Context, d *models.Donation) (bool, error) {
	const q = `INSERT INTO donations (payment_intent_id, customer_id, checkout_session_id, amount, currency, status,
			donor_name, donor_email, donor_user_id, target_user_id, message, is_anonymous)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (payment_intent_id) DO NOTHING
		RETURNING created_at`
	err := p.pool.QueryRow(ctx, q, d.PaymentIntentID, d.CustomerID, d.CheckoutSessionID, d.Amount, d.Currency, d.Status,
		d.DonorName, d.DonorEmail, d.DonorUserID, d.TargetUserID, d.Message, d.IsAnonymous).Scan(&d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert donation: %w", err)
	}
	return true, nil
}

func (p *Postgres) GetDonation(ctx context.Context, paymentIntentID string) (*models.Donation, error) {
	return scanDonation(p.pool.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE payment_intent_id = $1`, paymentIntentID))
}

func (p *Postgres) SetDonationStatus(ctx context.Context, paymentIntentID string, status models.DonationStatus) error {
	return p.execOne(ctx, `UPDATE donations SET status = $2 WHERE payment_intent_id = $1`, paymentIntentID, status)
}

func (p *Postgres) ListDonationsForUser(ctx context.Context, userID string) ([]models.Donation, error) {
	return collectDonations(p.pool.Query(ctx, `SELECT `+donationColumns+` FROM donations
		WHERE target_user_id = $1 ORDER BY created_at DESC`, userID))
}

func (p *Postgres) ListDonationsForTeam(ctx context.Context, teamID uuid.UUID) ([]models.Donation, error) {
	return collectDonations(p.pool.Query(ctx, `SELECT `+donationColumns+` FROM donations
		WHERE target_user_id IN (SELECT id FROM users WHERE team_id = $1)
		ORDER BY created_at DESC`, teamID))
}

func (p *Postgres) ListDonationsByDonorEmail(ctx context.Context, email string) ([]models.Donation, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" {
		return nil, nil
	}
	return collectDonations(p.pool.Query(ctx, `SELECT `+donationColumns+` FROM donations
		WHERE donor_email_normalized = $1 ORDER BY created_at DESC`, norm))
}

// Rebuild

const (
	rebuildUsersSQL = `UPDATE users u SET
		amount_raised = COALESCE((SELECT SUM(d.amount) FROM donations d
			WHERE d.target_user_id = u.id AND d.status IN ('completed', 'refunded')), 0),
		amount_donated = COALESCE((SELECT SUM(d.amount) FROM donations d
			WHERE d.donor_user_id = u.id AND d.status IN ('completed', 'refunded')), 0),
		updated_at = NOW()`
	rebuildTeamsSQL = `UPDATE teams t SET
		total_raised = COALESCE((SELECT SUM(m.amount_raised) FROM users m WHERE m.team_id = t.id), 0),
		updated_at = NOW()`
)

func (p *Postgres) RebuildUserAggregates(ctx context.Context, userID string) error {
	return p.execOne(ctx, rebuildUsersSQL+` WHERE u.id = $1`, userID)
}

func (p *Postgres) RebuildTeamTotal(ctx context.Context, teamID uuid.UUID) error {
	return p.execOne(ctx, rebuildTeamsSQL+` WHERE t.id = $1`, teamID)
}

func (p *Postgres) RebuildAll(ctx context.Context) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, rebuildUsersSQL); err != nil {
			return fmt.Errorf("rebuild users: %w", err)
		}
		if _, err := tx.Exec(ctx, rebuildTeamsSQL); err != nil {
			return fmt.Errorf("rebuild teams: %w", err)
		}
		return nil
	})
}

// execOne runs an UPDATE expected to touch exactly one row.
func (p *Postgres) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
