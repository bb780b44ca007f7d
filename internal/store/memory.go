package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

type balanceKey struct{ userID, merchantID string }

type pairKey struct{ a, b string }

// MemoryStore is an in-process Store. Each operation holds a single mutex, which gives
// it the same atomicity as the transactional PostgresStore. It backs unit tests and
// local runs without a database.
type MemoryStore struct {
	mu sync.Mutex

	programs     map[string]*Program
	rules        map[string][]*Rule
	tiers        map[string][]*Tier
	members      map[pairKey]*Member // (user, program)
	tierChanges  []*TierChange
	segments     map[string]*Segment
	segMembers   map[pairKey]*SegmentMember // (segment, user)
	campaigns    map[string]*Campaign
	participants map[pairKey]*CampaignParticipant // (campaign, user)
	balances     map[balanceKey]int
	transactions []*PointsTransaction
	calculations map[string]*CalculationRecord
	redemptions  map[string]*Redemption
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		programs:     make(map[string]*Program),
		rules:        make(map[string][]*Rule),
		tiers:        make(map[string][]*Tier),
		members:      make(map[pairKey]*Member),
		segments:     make(map[string]*Segment),
		segMembers:   make(map[pairKey]*SegmentMember),
		campaigns:    make(map[string]*Campaign),
		participants: make(map[pairKey]*CampaignParticipant),
		balances:     make(map[balanceKey]int),
		calculations: make(map[string]*CalculationRecord),
		redemptions:  make(map[string]*Redemption),
	}
}

// --- Seeding and inspection helpers ---

// PutProgram stores p, replacing any program with the same id.
func (s *MemoryStore) PutProgram(p Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[p.ID] = &p
}

// PutRule stores r.
func (s *MemoryStore) PutRule(r Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.LoyaltyProgramID] = append(s.rules[r.LoyaltyProgramID], &r)
}

// PutTier stores t.
func (s *MemoryStore) PutTier(t Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tiers := append(s.tiers[t.LoyaltyProgramID], &t)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].PointsThreshold < tiers[j].PointsThreshold })
	s.tiers[t.LoyaltyProgramID] = tiers
}

// PutMember stores m keyed by user and program, assigning an id when m has none.
func (s *MemoryStore) PutMember(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.members[pairKey{m.UserID, m.LoyaltyProgramID}] = &m
}

// SetMemberPoints overwrites member points. Test-only: the engine never overwrites.
func (s *MemoryStore) SetMemberPoints(userID, programID string, points int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[pairKey{userID, programID}]; ok {
		m.Points = points
	}
}

// PutSegment stores seg.
func (s *MemoryStore) PutSegment(seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[seg.ID] = &seg
}

// PutCampaign stores c.
func (s *MemoryStore) PutCampaign(c Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.ID] = &c
}

// PutRedemption stores r, as PENDING when r has no status.
func (s *MemoryStore) PutRedemption(r Redemption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Status == "" {
		r.Status = StatusPending
	}
	s.redemptions[r.ID] = &r
}

// PutTransaction appends tx to the ledger.
func (s *MemoryStore) PutTransaction(tx PointsTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	s.transactions = append(s.transactions, &tx)
}

// AdjustBalance applies a relative balance change, as a manual adjustment would.
func (s *MemoryStore) AdjustBalance(userID, merchantID string, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{userID, merchantID}] += delta
}

// Transactions returns a snapshot of the ledger for a user.
func (s *MemoryStore) Transactions(userID string) []PointsTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PointsTransaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	return out
}

// TierChanges returns a snapshot of the tier audit log for a user.
func (s *MemoryStore) TierChanges(userID string) []TierChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TierChange
	for _, c := range s.tierChanges {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out
}

// --- ProgramRepository ---

// GetProgram returns the program by id.
func (s *MemoryStore) GetProgram(_ context.Context, programID string) (*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[programID]
	if !ok {
		return nil, ErrProgramNotFound
	}
	cp := *p
	return &cp, nil
}

// GetProgramByMerchant returns the active program of the merchant.
func (s *MemoryStore) GetProgramByMerchant(_ context.Context, merchantID string) (*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sortedPrograms() {
		if p.MerchantID == merchantID && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrProgramNotFound
}

// ListActivePrograms returns every active program.
func (s *MemoryStore) ListActivePrograms(_ context.Context) ([]*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Program
	for _, p := range s.sortedPrograms() {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListProgramsWithExpiration returns the active programs that expire points.
func (s *MemoryStore) ListProgramsWithExpiration(_ context.Context) ([]*Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Program
	for _, p := range s.sortedPrograms() {
		if p.IsActive && p.PointsExpirationDays != nil && *p.PointsExpirationDays > 0 {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) sortedPrograms() []*Program {
	out := make([]*Program, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- ConfigRepository ---

// ListActiveRules returns the active point rules of the program in creation order.
func (s *MemoryStore) ListActiveRules(_ context.Context, programID string) ([]*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Rule
	for _, r := range s.rules[programID] {
		if r.IsActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListTiers returns the program tiers ordered by threshold.
func (s *MemoryStore) ListTiers(_ context.Context, programID string) ([]*Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tier, 0, len(s.tiers[programID]))
	for _, t := range s.tiers[programID] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// --- MemberRepository ---

// GetMember returns the membership of the user in the program.
func (s *MemoryStore) GetMember(_ context.Context, userID, programID string) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[pairKey{userID, programID}]
	if !ok {
		return nil, ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

// UpdateMemberTier swaps the member tier when it still matches the expected one.
func (s *MemoryStore) UpdateMemberTier(_ context.Context, t TierTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var member *Member
	for _, m := range s.members {
		if m.ID == t.MemberID {
			member = m
			break
		}
	}
	if member == nil {
		return false, ErrMemberNotFound
	}
	if !sameTier(member.TierID, t.ExpectedTierID) {
		return false, nil
	}

	at := t.Change.CreatedAt
	member.TierID = copyString(t.Change.NewTierID)
	member.LastTierUpdate = &at

	change := t.Change
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	s.tierChanges = append(s.tierChanges, &change)
	return true, nil
}

// GetMemberActivity aggregates the facts segment criteria are evaluated against.
func (s *MemoryStore) GetMemberActivity(_ context.Context, userID, programID string) (*MemberActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[pairKey{userID, programID}]
	if !ok {
		return nil, ErrMemberNotFound
	}

	act := &MemberActivity{Points: m.Points, TierID: copyString(m.TierID)}
	if p, ok := s.programs[programID]; ok {
		act.Balance = s.balances[balanceKey{userID, p.MerchantID}]
	}
	for _, tx := range s.transactions {
		if tx.UserID != userID || tx.LoyaltyProgramID != programID {
			continue
		}
		switch tx.Type {
		case TxEarn:
			act.TransactionCount++
		case TxRedeem:
			act.RedemptionCount++
		}
		if tx.Type != TxExpiration && (act.LastActivityAt == nil || tx.CreatedAt.After(*act.LastActivityAt)) {
			at := tx.CreatedAt
			act.LastActivityAt = &at
		}
	}
	return act, nil
}

// ListActiveUserIDs pages the ids of users with activity in the program, by user id.
func (s *MemoryStore) ListActiveUserIDs(_ context.Context, programID, afterUserID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for k := range s.members {
		if k.b == programID && k.a > afterUserID {
			ids = append(ids, k.a)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// GetBalance returns the spendable balance, or zero without a balance row.
func (s *MemoryStore) GetBalance(_ context.Context, userID, merchantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{userID, merchantID}], nil
}

// --- SegmentRepository ---

// GetSegment returns the segment by id.
func (s *MemoryStore) GetSegment(_ context.Context, segmentID string) (*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return nil, ErrSegmentNotFound
	}
	cp := *seg
	return &cp, nil
}

// ListActiveSegments returns the active segments of the program.
func (s *MemoryStore) ListActiveSegments(_ context.Context, programID string) ([]*Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Segment
	for _, seg := range s.segments {
		if seg.LoyaltyProgramID == programID && seg.IsActive {
			cp := *seg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSegmentMember returns the membership row of the user in the segment.
func (s *MemoryStore) GetSegmentMember(_ context.Context, segmentID, userID string) (*SegmentMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.segMembers[pairKey{segmentID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// AddSegmentMember inserts the pair and reports whether it was new.
func (s *MemoryStore) AddSegmentMember(_ context.Context, m *SegmentMember) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{m.SegmentID, m.UserID}
	if _, exists := s.segMembers[key]; exists {
		return false, nil
	}
	cp := *m
	s.segMembers[key] = &cp
	return true, nil
}

// RemoveSegmentMember deletes the pair and reports whether it existed.
func (s *MemoryStore) RemoveSegmentMember(_ context.Context, segmentID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{segmentID, userID}
	if _, exists := s.segMembers[key]; !exists {
		return false, nil
	}
	delete(s.segMembers, key)
	return true, nil
}

// --- CampaignRepository ---

// GetCampaign returns the campaign by id.
func (s *MemoryStore) GetCampaign(_ context.Context, campaignID string) (*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[campaignID]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	return copyCampaign(c)
}

// ListActiveCampaigns returns the active campaigns of the program, by id.
func (s *MemoryStore) ListActiveCampaigns(_ context.Context, programID string) ([]*Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Campaign
	for _, c := range s.campaigns {
		if c.LoyaltyProgramID != programID || !c.IsActive {
			continue
		}
		cp, err := copyCampaign(c)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetParticipant returns the participant row of the user in the campaign.
func (s *MemoryStore) GetParticipant(_ context.Context, campaignID, userID string) (*CampaignParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[pairKey{campaignID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// AddParticipant inserts the participant and reports whether it was new.
func (s *MemoryStore) AddParticipant(_ context.Context, p *CampaignParticipant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{p.CampaignID, p.UserID}
	if _, exists := s.participants[key]; exists {
		return false, nil
	}
	cp := *p
	s.participants[key] = &cp
	return true, nil
}

// RemoveParticipant deletes the participant and reports whether it existed.
func (s *MemoryStore) RemoveParticipant(_ context.Context, campaignID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{campaignID, userID}
	if _, exists := s.participants[key]; !exists {
		return false, nil
	}
	delete(s.participants, key)
	return true, nil
}

// --- LedgerRepository ---

// BeginCalculation upserts the calculation record on its event id and counts the attempt.
func (s *MemoryStore) BeginCalculation(_ context.Context, rec *CalculationRecord) (*CalculationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.calculations[rec.EventID]
	if !ok {
		cp := *rec
		cp.Status = StatusPending
		cp.Attempts = 1
		cp.CreatedAt, cp.UpdatedAt = now, now
		s.calculations[rec.EventID] = &cp
		out := cp
		return &out, nil
	}
	if existing.Status != StatusCompleted {
		existing.Status = StatusPending
		existing.Attempts++
		existing.Error = ""
		existing.UpdatedAt = now
	}
	out := *existing
	return &out, nil
}

// CompleteCalculation swaps the record to COMPLETED and books the earning. It returns
// false when another attempt completed it first.
func (s *MemoryStore) CompleteCalculation(_ context.Context, e Earning) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calculations[e.Record.EventID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status == StatusCompleted {
		return false, nil
	}

	rec.Status = StatusCompleted
	rec.TotalPoints = e.Record.TotalPoints
	rec.MatchedRules = e.Record.MatchedRules
	rec.Error = ""
	rec.UpdatedAt = e.At

	if rec.TotalPoints <= 0 {
		return true, nil
	}

	member := s.ensureMember(rec.UserID, rec.LoyaltyProgramID, e.At)
	member.Points += rec.TotalPoints
	s.balances[balanceKey{rec.UserID, rec.MerchantID}] += rec.TotalPoints

	memberID := member.ID
	s.transactions = append(s.transactions, &PointsTransaction{
		ID:               e.TransactionID,
		UserID:           rec.UserID,
		MerchantID:       rec.MerchantID,
		ProgramMemberID:  &memberID,
		LoyaltyProgramID: rec.LoyaltyProgramID,
		Amount:           rec.TotalPoints,
		Type:             TxEarn,
		Reason:           e.Reason,
		Metadata:         e.Metadata,
		CreatedAt:        e.At,
	})
	return true, nil
}

func (s *MemoryStore) ensureMember(userID, programID string, at time.Time) *Member {
	key := pairKey{userID, programID}
	if m, ok := s.members[key]; ok {
		return m
	}
	m := &Member{ID: uuid.NewString(), UserID: userID, LoyaltyProgramID: programID, CreatedAt: at}
	s.members[key] = m
	return m
}

// FailCalculation marks the record FAILED unless it already completed.
func (s *MemoryStore) FailCalculation(_ context.Context, eventID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calculations[eventID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusCompleted {
		rec.Status = StatusFailed
		rec.Error = cause
		rec.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// GetCalculation returns the calculation record of an event.
func (s *MemoryStore) GetCalculation(_ context.Context, eventID string) (*CalculationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.calculations[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetRedemption returns the redemption by id.
func (s *MemoryStore) GetRedemption(_ context.Context, redemptionID string) (*Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.redemptions[redemptionID]
	if !ok {
		return nil, ErrRedemptionNotFound
	}
	cp := *r
	return &cp, nil
}

// CompleteRedemption debits the balance when it covers the points and appends the
// REDEEM entry.
func (s *MemoryStore) CompleteRedemption(_ context.Context, redemptionID, ledgerID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.redemptions[redemptionID]
	if !ok {
		return false, ErrRedemptionNotFound
	}
	if r.Status != StatusPending {
		return false, nil
	}
	key := balanceKey{r.UserID, r.MerchantID}
	if s.balances[key] < r.Points {
		return false, ErrInsufficientBalance
	}

	s.balances[key] -= r.Points
	r.Status = StatusCompleted
	r.UpdatedAt = at

	var memberID *string
	if m, ok := s.members[pairKey{r.UserID, r.LoyaltyProgramID}]; ok {
		id := m.ID
		memberID = &id
	}
	s.transactions = append(s.transactions, &PointsTransaction{
		ID:               ledgerID,
		UserID:           r.UserID,
		MerchantID:       r.MerchantID,
		ProgramMemberID:  memberID,
		LoyaltyProgramID: r.LoyaltyProgramID,
		Amount:           -r.Points,
		Type:             TxRedeem,
		Reason:           "redemption",
		Metadata:         map[string]any{"redemptionId": r.ID},
		CreatedAt:        at,
	})
	return true, nil
}

// FailRedemption swaps a PENDING redemption to FAILED.
func (s *MemoryStore) FailRedemption(_ context.Context, redemptionID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.redemptions[redemptionID]
	if !ok {
		return false, ErrRedemptionNotFound
	}
	if r.Status != StatusPending {
		return false, nil
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListExpirable pages the program's expirable transactions created before cutoff, by id.
func (s *MemoryStore) ListExpirable(_ context.Context, programID string, cutoff time.Time, afterID string, limit int) ([]*PointsTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PointsTransaction
	for _, tx := range s.transactions {
		if tx.LoyaltyProgramID != programID || tx.IsExpired || tx.Type == TxExpiration ||
			tx.Amount <= 0 || !tx.CreatedAt.Before(cutoff) || tx.ID <= afterID {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireTransaction flags the original as expired and, when the flag flips, books the
// compensating entry.
func (s *MemoryStore) ExpireTransaction(_ context.Context, e Expiry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var original *PointsTransaction
	for _, tx := range s.transactions {
		if tx.ID == e.Original.ID {
			original = tx
			break
		}
	}
	if original == nil {
		return false, ErrNotFound
	}
	if original.IsExpired {
		return false, nil
	}
	original.IsExpired = true

	s.transactions = append(s.transactions, &PointsTransaction{
		ID:               e.CompensatingID,
		UserID:           original.UserID,
		MerchantID:       original.MerchantID,
		ProgramMemberID:  copyString(original.ProgramMemberID),
		LoyaltyProgramID: original.LoyaltyProgramID,
		Amount:           -original.Amount,
		Type:             TxExpiration,
		Reason:           "points expired",
		Metadata:         map[string]any{"originalTransactionId": original.ID},
		CreatedAt:        e.At,
	})
	if m, ok := s.members[pairKey{original.UserID, original.LoyaltyProgramID}]; ok {
		m.Points -= original.Amount
	}
	s.balances[balanceKey{original.UserID, original.MerchantID}] -= original.Amount
	return true, nil
}

func sameTier(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// copyCampaign deep-copies the rule slice so compiled params stay private to the caller.
func copyCampaign(c *Campaign) (*Campaign, error) {
	cp := *c
	cp.Conditions.Rules = append([]RuleSpec(nil), c.Conditions.Rules...)
	cp.Conditions.TargetTierIDs = append([]string(nil), c.Conditions.TargetTierIDs...)
	if err := CompileRuleSpecs(cp.Conditions.Rules); err != nil {
		return nil, err
	}
	return &cp, nil
}
