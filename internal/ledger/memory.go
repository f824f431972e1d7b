package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bravethewaves/backend/internal/models"
)

// Memory is an in-process Store. A single mutex gives every method the same
// single-record atomicity the Postgres store provides. Used for local runs
// (STORE_DRIVER=memory) and tests.
type Memory struct {
	mu            sync.Mutex
	users         map[string]*models.User
	teams         map[uuid.UUID]*models.Team
	registrations map[string]*models.Registration
	donations     map[string]*models.Donation
	now           func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*models.User),
		teams:         make(map[uuid.UUID]*models.Team),
		registrations: make(map[string]*models.Registration),
		donations:     make(map[string]*models.Donation),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Users

func (m *Memory) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SyncUser(_ context.Context, s UserSync) (*models.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[s.ID]; ok {
		cp := *u
		return &cp, false, nil
	}
	now := m.now()
	u := &models.User{
		ID:        s.ID,
		Email:     strings.TrimSpace(s.Email),
		Name:      s.Name,
		Role:      models.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.users[s.ID] = u
	cp := *u
	return &cp, true, nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.User
	for _, u := range m.users {
		if models.NormalizeEmail(u.Email) != norm {
			continue
		}
		// oldest account wins, matching the Postgres ORDER BY
		if found == nil || u.CreatedAt.Before(found.CreatedAt) {
			found = u
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *Memory) FindUserByDonationCode(_ context.Context, code string) (*models.User, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.DonationCode == code {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) PromoteToPaddler(_ context.Context, id, code string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.DonationCode == "" && code != "" {
		for _, other := range m.users {
			if other.DonationCode == code {
				return nil, ErrDonationCodeTaken
			}
		}
		u.DonationCode = code
	}
	u.Role = models.RolePaddler
	u.UpdatedAt = m.now()
	cp := *u
	return &cp, nil
}

func (m *Memory) IncrementAmountRaised(_ context.Context, id string, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.AmountRaised += cents
	u.UpdatedAt = m.now()
	return nil
}

func (m *Memory) IncrementAmountDonated(_ context.Context, id string, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.AmountDonated += cents
	u.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateProfile(_ context.Context, id string, p ProfileUpdate) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Bio != nil {
		u.Bio = *p.Bio
	}
	u.UpdatedAt = m.now()
	cp := *u
	return &cp, nil
}

func (m *Memory) ListParticipants(_ context.Context, q ListQuery) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	search := strings.ToLower(q.Search)
	var list []models.User
	for _, u := range m.users {
		if u.Role != models.RolePaddler {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(u.Name), search) {
			continue
		}
		list = append(list, *u)
	}
	sort.Slice(list, func(i, j int) bool {
		if q.ByRaised && list[i].AmountRaised != list[j].AmountRaised {
			return list[i].AmountRaised > list[j].AmountRaised
		}
		return list[i].Name < list[j].Name
	})
	return limit(list, q.Limit), nil
}

// Teams

func (m *Memory) CreateTeam(_ context.Context, t *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	captain, ok := m.users[t.CaptainID]
	if !ok {
		return ErrNotFound
	}
	if captain.TeamID != nil {
		return ErrAlreadyOnTeam
	}
	for _, other := range m.teams {
		if other.Name == t.Name || other.InviteCode == t.InviteCode {
			return ErrConflict
		}
	}
	now := m.now()
	t.ID = uuid.New()
	t.CreatedAt, t.UpdatedAt = now, now
	stored := *t
	m.teams[t.ID] = &stored
	id := t.ID
	captain.TeamID = &id
	captain.UpdatedAt = now
	t.MemberCount = 1
	return nil
}

func (m *Memory) GetTeam(_ context.Context, id uuid.UUID) (*models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.teamView(t), nil
}

func (m *Memory) GetTeamByName(_ context.Context, name string) (*models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.teams {
		if t.Name == name {
			return m.teamView(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetTeamByInviteCode(_ context.Context, code string) (*models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.teams {
		if t.InviteCode == code {
			return m.teamView(t), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateTeam(_ context.Context, id uuid.UUID, u TeamUpdate) (*models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Name != nil && *u.Name != t.Name {
		for _, other := range m.teams {
			if other.Name == *u.Name {
				return nil, ErrConflict
			}
		}
		t.Name = *u.Name
	}
	if u.Division != nil {
		t.Division = *u.Division
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.DonationGoal != nil {
		t.DonationGoal = *u.DonationGoal
	}
	t.UpdatedAt = m.now()
	return m.teamView(t), nil
}

func (m *Memory) DeleteTeam(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[id]; !ok {
		return ErrNotFound
	}
	now := m.now()
	for _, u := range m.users {
		if u.TeamID != nil && *u.TeamID == id {
			u.TeamID = nil
			u.UpdatedAt = now
		}
	}
	delete(m.teams, id)
	return nil
}

func (m *Memory) JoinTeam(_ context.Context, userID string, teamID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.teams[teamID]; !ok {
		return ErrNotFound
	}
	if u.TeamID != nil {
		return ErrAlreadyOnTeam
	}
	id := teamID
	u.TeamID = &id
	u.UpdatedAt = m.now()
	return nil
}

func (m *Memory) LeaveTeam(_ context.Context, userID string, teamID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.TeamID == nil || *u.TeamID != teamID {
		return ErrNotFound
	}
	u.TeamID = nil
	u.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListTeams(_ context.Context, q ListQuery) ([]models.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	search := strings.ToLower(q.Search)
	var list []models.Team
	for _, t := range m.teams {
		if search != "" && !strings.Contains(strings.ToLower(t.Name), search) {
			continue
		}
		list = append(list, *m.teamView(t))
	}
	sort.Slice(list, func(i, j int) bool {
		if q.ByRaised && list[i].TotalRaised != list[j].TotalRaised {
			return list[i].TotalRaised > list[j].TotalRaised
		}
		return list[i].Name < list[j].Name
	})
	return limit(list, q.Limit), nil
}

func (m *Memory) ListTeamMembers(_ context.Context, teamID uuid.UUID) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		return nil, ErrNotFound
	}
	members := m.membersLocked(teamID)
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
	return members, nil
}

func (m *Memory) IncrementTeamRaised(_ context.Context, teamID uuid.UUID, cents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[teamID]
	if !ok {
		return ErrNotFound
	}
	t.TotalRaised += cents
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) membersLocked(teamID uuid.UUID) []models.User {
	var members []models.User
	for _, u := range m.users {
		if u.TeamID != nil && *u.TeamID == teamID {
			members = append(members, *u)
		}
	}
	return members
}

func (m *Memory) teamView(t *models.Team) *models.Team {
	cp := *t
	cp.MemberCount = len(m.membersLocked(t.ID))
	return &cp
}

// Registrations

func (m *Memory) GetRegistration(_ context.Context, userID string) (*models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.registrations[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRegistration(r), nil
}

func (m *Memory) MarkRegistrationPaid(_ context.Context, p RegistrationPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	r, ok := m.registrations[p.UserID]
	if !ok {
		r = &models.Registration{UserID: p.UserID, CreatedAt: now}
		m.registrations[p.UserID] = r
	}
	transitioned := !r.HasPaid
	if transitioned {
		r.HasPaid = true
		r.PaidBy = p.PaidBy
		r.AmountPaid = p.AmountPaid
		r.Currency = p.Currency
	}
	if p.CustomerID != "" {
		r.CustomerID = p.CustomerID
	}
	if p.TransactionID != "" {
		r.TransactionID = p.TransactionID
	}
	if len(p.BundleEmails) > 0 {
		// a payer may buy several bundles; every list stays claimable
		r.BundleEmails = normalizeEmails(append(append([]string{}, r.BundleEmails...), p.BundleEmails...))
	}
	r.UpdatedAt = now
	return transitioned, nil
}

func (m *Memory) FindBundleOwnerByEmail(_ context.Context, email string) (*models.Registration, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Registration
	for _, r := range m.registrations {
		if !r.HasPaid {
			continue
		}
		for _, e := range r.BundleEmails {
			if e == norm && (found == nil || r.UpdatedAt.Before(found.UpdatedAt)) {
				found = r
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyRegistration(found), nil
}

func copyRegistration(r *models.Registration) *models.Registration {
	cp := *r
	cp.BundleEmails = append([]string(nil), r.BundleEmails...)
	return &cp
}

// Donations

func (m *Memory) CreateDonation(_ context.Context, d *models.Donation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.donations[d.PaymentIntentID]; ok {
		return false, nil
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = m.now()
	}
	cp := *d
	m.donations[d.PaymentIntentID] = &cp
	return true, nil
}

func (m *Memory) GetDonation(_ context.Context, paymentIntentID string) (*models.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[paymentIntentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *Memory) SetDonationStatus(_ context.Context, paymentIntentID string, status models.DonationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[paymentIntentID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

func (m *Memory) ListDonationsForUser(_ context.Context, userID string) ([]models.Donation, error) {
	return m.filterDonations(func(d *models.Donation) bool {
		return d.TargetUserID != nil && *d.TargetUserID == userID
	}), nil
}

func (m *Memory) ListDonationsForTeam(_ context.Context, teamID uuid.UUID) ([]models.Donation, error) {
	m.mu.Lock()
	members := make(map[string]struct{})
	for _, u := range m.membersLocked(teamID) {
		members[u.ID] = struct{}{}
	}
	m.mu.Unlock()
	return m.filterDonations(func(d *models.Donation) bool {
		if d.TargetUserID == nil {
			return false
		}
		_, ok := members[*d.TargetUserID]
		return ok
	}), nil
}

func (m *Memory) ListDonationsByDonorEmail(_ context.Context, email string) ([]models.Donation, error) {
	norm := models.NormalizeEmail(email)
	if norm == "" {
		return nil, nil
	}
	return m.filterDonations(func(d *models.Donation) bool {
		return models.NormalizeEmail(d.DonorEmail) == norm
	}), nil
}

func (m *Memory) filterDonations(keep func(*models.Donation) bool) []models.Donation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []models.Donation
	for _, d := range m.donations {
		if keep(d) {
			list = append(list, *d)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

// Rebuild

func (m *Memory) RebuildUserAggregates(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	m.rebuildUserLocked(u)
	return nil
}

func (m *Memory) RebuildTeamTotal(_ context.Context, teamID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.teams[teamID]
	if !ok {
		return ErrNotFound
	}
	m.rebuildTeamLocked(t)
	return nil
}

func (m *Memory) RebuildAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		m.rebuildUserLocked(u)
	}
	for _, t := range m.teams {
		m.rebuildTeamLocked(t)
	}
	return nil
}

func (m *Memory) rebuildUserLocked(u *models.User) {
	var raised, donated int64
	for _, d := range m.donations {
		if !countsTowardAggregates(d.Status) {
			continue
		}
		if d.TargetUserID != nil && *d.TargetUserID == u.ID {
			raised += d.Amount
		}
		if d.DonorUserID != nil && *d.DonorUserID == u.ID {
			donated += d.Amount
		}
	}
	u.AmountRaised, u.AmountDonated = raised, donated
	u.UpdatedAt = m.now()
}

func (m *Memory) rebuildTeamLocked(t *models.Team) {
	var total int64
	for _, u := range m.membersLocked(t.ID) {
		total += u.AmountRaised
	}
	t.TotalRaised = total
	t.UpdatedAt = m.now()
}

// Refunds are not subtracted from the counters, so rebuilds count them too.
func countsTowardAggregates(s models.DonationStatus) bool {
	return s == models.DonationCompleted || s == models.DonationRefunded
}

func normalizeEmails(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, e := range in {
		n := models.NormalizeEmail(e)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func limit[T any](list []T, n int) []T {
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}
