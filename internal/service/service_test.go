package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aquaschedule/galon-system/internal/model"
	"github.com/aquaschedule/galon-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestCurrentPeriodFormat(t *testing.T) {
	ts := time.Date(2026, time.March, 5, 12, 0, 0, 0, time.UTC)
	if got := currentPeriod(ts); got != "2026-3" {
		t.Fatalf("currentPeriod = %q, want 2026-3", got)
	}
}

type stubRepo struct {
	members   map[string]*model.Member
	memberErr error

	room        *model.Room
	roomMembers []model.Member

	submitRes    *repository.PurchaseResult
	submitErr    error
	submitParams *repository.PurchaseParams

	bypassHelper *model.Member
	bypassErr    error

	order    *model.DeliveryOrder
	orderErr error

	statusSet map[string]model.MemberStatus
	onlineSet map[string]bool

	createdMember *model.Member
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateRoom(ctx context.Context, room *model.Room) error { return nil }

func (s *stubRepo) CreateMember(ctx context.Context, m *model.Member) error {
	s.createdMember = m
	return nil
}

func (s *stubRepo) GetMemberByLogin(ctx context.Context, login string) (*model.Member, error) {
	if s.memberErr != nil {
		return nil, s.memberErr
	}
	for _, m := range s.members {
		if m.Login == login {
			return m, nil
		}
	}
	return nil, repository.ErrMemberNotFound
}

func (s *stubRepo) GetMemberByUID(ctx context.Context, uid string) (*model.Member, error) {
	if s.memberErr != nil {
		return nil, s.memberErr
	}
	if m, ok := s.members[uid]; ok {
		return m, nil
	}
	return nil, repository.ErrMemberNotFound
}

func (s *stubRepo) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	if s.room == nil {
		return nil, repository.ErrRoomNotFound
	}
	return s.room, nil
}

func (s *stubRepo) GetRoomMembers(ctx context.Context, roomID string) ([]model.Member, error) {
	return s.roomMembers, nil
}

func (s *stubRepo) SubmitPurchase(ctx context.Context, params repository.PurchaseParams) (*repository.PurchaseResult, error) {
	s.submitParams = &params
	return s.submitRes, s.submitErr
}

func (s *stubRepo) BypassTurn(ctx context.Context, roomID, helpeeUID, helperUID string) (*model.Member, error) {
	return s.bypassHelper, s.bypassErr
}

func (s *stubRepo) ListPurchases(ctx context.Context, roomID string) ([]model.Purchase, error) {
	return nil, nil
}

func (s *stubRepo) GetDeliveryOrder(ctx context.Context, orderID string) (*model.DeliveryOrder, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) ListOrdersForCourier(ctx context.Context, courierUID string) ([]model.DeliveryOrder, error) {
	return nil, nil
}

func (s *stubRepo) ClaimDeliveryOrder(ctx context.Context, orderID, courierUID, courierName string) (*model.DeliveryOrder, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) CompleteDeliveryOrder(ctx context.Context, orderID, courierUID string, proofURLs []string) (*model.DeliveryOrder, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) CancelDeliveryOrder(ctx context.Context, orderID string) (*model.DeliveryOrder, error) {
	return s.order, s.orderErr
}

func (s *stubRepo) SetMemberStatus(ctx context.Context, uid string, status model.MemberStatus) error {
	if s.statusSet == nil {
		s.statusSet = map[string]model.MemberStatus{}
	}
	s.statusSet[uid] = status
	return nil
}

func (s *stubRepo) SetMemberOnline(ctx context.Context, uid string, online bool) error {
	if s.onlineSet == nil {
		s.onlineSet = map[string]bool{}
	}
	s.onlineSet[uid] = online
	return nil
}

func (s *stubRepo) ListOnlineCouriers(ctx context.Context) ([]model.Member, error) {
	return nil, nil
}

func (s *stubRepo) ResetExpiredQuotas(ctx context.Context, period string) (int64, error) {
	return 0, nil
}

func TestAuthenticateMember_InvalidCredentials(t *testing.T) {
	repo := &stubRepo{
		members: map[string]*model.Member{
			"u1": {UID: "u1", Login: "user", PasswordHash: hashPassword("user", "correct")},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.AuthenticateMember(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	_, err = svc.AuthenticateMember(context.Background(), "ghost", "pass")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown login must look like bad credentials, got %v", err)
	}
}

func TestGetRoomState_ResolvesCurrent(t *testing.T) {
	members := []model.Member{
		{UID: "u1", RoomID: "r1", TurnOrder: 1},
		{UID: "u2", RoomID: "r1", TurnOrder: 2},
	}
	repo := &stubRepo{
		members:     map[string]*model.Member{"u1": &members[0]},
		room:        &model.Room{ID: "r1", CurrentTurnIndex: 1},
		roomMembers: members,
	}
	svc := NewService(repo, nil, nil)

	state, err := svc.GetRoomState(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetRoomState error: %v", err)
	}
	if state.Current == nil || state.Current.UID != "u2" {
		t.Fatalf("Current = %+v, want u2", state.Current)
	}
}

func TestSubmitPurchase_GeneratesIdempotencyKey(t *testing.T) {
	buyer := &model.Member{UID: "u1", RoomID: "r1"}
	repo := &stubRepo{
		members:   map[string]*model.Member{"u1": buyer},
		submitRes: &repository.PurchaseResult{Next: *buyer},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.SubmitPurchase(context.Background(), "u1", PurchaseInput{Cost: 100})
	if err != nil {
		t.Fatalf("SubmitPurchase error: %v", err)
	}
	if repo.submitParams == nil || repo.submitParams.PurchaseID == "" {
		t.Fatalf("empty client key must be replaced with a generated one")
	}

	_, err = svc.SubmitPurchase(context.Background(), "u1", PurchaseInput{ID: "client-key"})
	if err != nil {
		t.Fatalf("SubmitPurchase error: %v", err)
	}
	if repo.submitParams.PurchaseID != "client-key" {
		t.Fatalf("client key must be preserved, got %q", repo.submitParams.PurchaseID)
	}
}

func TestSubmitPurchase_TargetedCourierMustBeCourier(t *testing.T) {
	repo := &stubRepo{
		members: map[string]*model.Member{
			"u1": {UID: "u1", RoomID: "r1"},
			"u2": {UID: "u2", Role: model.RoleStudent},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.SubmitPurchase(context.Background(), "u1", PurchaseInput{
		DeliveryType: model.DeliveryTypeCourier,
		CourierUID:   "u2",
	})
	if !errors.Is(err, repository.ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound for non-courier target, got %v", err)
	}
}

func TestSubmitPurchase_CourierDeliveryCreatesOrderParams(t *testing.T) {
	repo := &stubRepo{
		members: map[string]*model.Member{
			"u1": {UID: "u1", RoomID: "r1"},
			"c1": {UID: "c1", Role: model.RoleCourier, DisplayName: "Курьер"},
		},
		submitRes: &repository.PurchaseResult{Next: model.Member{UID: "u1"}},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.SubmitPurchase(context.Background(), "u1", PurchaseInput{
		DeliveryType: model.DeliveryTypeCourier,
		CourierUID:   "c1",
	})
	if err != nil {
		t.Fatalf("SubmitPurchase error: %v", err)
	}
	if repo.submitParams.Order == nil {
		t.Fatalf("courier delivery must create an order")
	}
	if repo.submitParams.Order.CourierUID != "c1" || repo.submitParams.Order.OrderID == "" {
		t.Fatalf("unexpected order params: %+v", repo.submitParams.Order)
	}
}

func TestBypassTurn_PropagatesQuotaError(t *testing.T) {
	repo := &stubRepo{
		members:   map[string]*model.Member{"u1": {UID: "u1", RoomID: "r1"}},
		bypassErr: repository.ErrNoBypassQuota,
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.BypassTurn(context.Background(), "u1", "u2")
	if !errors.Is(err, repository.ErrNoBypassQuota) {
		t.Fatalf("expected ErrNoBypassQuota, got %v", err)
	}
}

func TestSetOnline_RequiresCourierRole(t *testing.T) {
	repo := &stubRepo{
		members: map[string]*model.Member{
			"u1": {UID: "u1", Role: model.RoleStudent},
			"c1": {UID: "c1", Role: model.RoleCourier},
		},
	}
	svc := NewService(repo, nil, nil)

	if err := svc.SetOnline(context.Background(), "u1", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for student, got %v", err)
	}
	if err := svc.SetOnline(context.Background(), "c1", true); err != nil {
		t.Fatalf("SetOnline error: %v", err)
	}
	if !repo.onlineSet["c1"] {
		t.Fatalf("online flag was not stored")
	}
}

func TestCancelOrder_CourierMustOwnOrder(t *testing.T) {
	repo := &stubRepo{
		members: map[string]*model.Member{
			"c1":    {UID: "c1", Role: model.RoleCourier},
			"admin": {UID: "admin", Role: model.RoleAdmin},
		},
		order: &model.DeliveryOrder{ID: "o1", CourierUID: "c2", Status: model.OrderStatusProcessing},
	}
	svc := NewService(repo, nil, nil)

	if _, err := svc.CancelOrder(context.Background(), "c1", "o1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign order, got %v", err)
	}
	if _, err := svc.CancelOrder(context.Background(), "admin", "o1"); err != nil {
		t.Fatalf("admin cancel error: %v", err)
	}
}

func TestCreateMember_RequiresAdminAndAppliesDefaults(t *testing.T) {
	repo := &stubRepo{
		members: map[string]*model.Member{
			"u1":    {UID: "u1", Role: model.RoleStudent},
			"admin": {UID: "admin", Role: model.RoleAdmin},
		},
	}
	svc := NewService(repo, nil, nil)

	_, err := svc.CreateMember(context.Background(), "u1", MemberInput{Login: "new"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for student caller, got %v", err)
	}

	m, err := svc.CreateMember(context.Background(), "admin", MemberInput{Login: "new", Password: "pw"})
	if err != nil {
		t.Fatalf("CreateMember error: %v", err)
	}
	if m.Role != model.RoleStudent {
		t.Fatalf("Role = %s, want default student", m.Role)
	}
	if m.BypassQuota != defaultBypassQuota || m.MaxBypassQuota != defaultBypassQuota {
		t.Fatalf("quota = %d/%d, want %d/%d", m.BypassQuota, m.MaxBypassQuota, defaultBypassQuota, defaultBypassQuota)
	}
	if m.LastQuotaReset == "" {
		t.Fatalf("LastQuotaReset must be initialized")
	}
	if repo.createdMember == nil || repo.createdMember.UID != m.UID {
		t.Fatalf("member was not persisted")
	}
}

func TestStartQuotaResets_StopsOnContextCancel(t *testing.T) {
	svc := NewService(&stubRepo{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.StartQuotaResets(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("StartQuotaResets did not return")
	}
}
