// Package service реализует бизнес-логику планировщика очереди на галоны.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aquaschedule/galon-system/internal/model"
	"github.com/aquaschedule/galon-system/internal/repository"
)

// ErrForbidden возвращается, когда роль инициатора не допускает операцию.
var ErrForbidden = errors.New("operation not allowed for this role")

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateRoom(ctx context.Context, room *model.Room) error
	CreateMember(ctx context.Context, m *model.Member) error
	GetMemberByLogin(ctx context.Context, login string) (*model.Member, error)
	GetMemberByUID(ctx context.Context, uid string) (*model.Member, error)
	GetRoom(ctx context.Context, roomID string) (*model.Room, error)
	GetRoomMembers(ctx context.Context, roomID string) ([]model.Member, error)
	SubmitPurchase(ctx context.Context, params repository.PurchaseParams) (*repository.PurchaseResult, error)
	BypassTurn(ctx context.Context, roomID, helpeeUID, helperUID string) (*model.Member, error)
	ListPurchases(ctx context.Context, roomID string) ([]model.Purchase, error)
	GetDeliveryOrder(ctx context.Context, orderID string) (*model.DeliveryOrder, error)
	ListOrdersForCourier(ctx context.Context, courierUID string) ([]model.DeliveryOrder, error)
	ClaimDeliveryOrder(ctx context.Context, orderID, courierUID, courierName string) (*model.DeliveryOrder, error)
	CompleteDeliveryOrder(ctx context.Context, orderID, courierUID string, proofURLs []string) (*model.DeliveryOrder, error)
	CancelDeliveryOrder(ctx context.Context, orderID string) (*model.DeliveryOrder, error)
	SetMemberStatus(ctx context.Context, uid string, status model.MemberStatus) error
	SetMemberOnline(ctx context.Context, uid string, online bool) error
	ListOnlineCouriers(ctx context.Context) ([]model.Member, error)
	ResetExpiredQuotas(ctx context.Context, period string) (int64, error)
}

// Notifier описывает контракт отправки текстовых уведомлений.
type Notifier interface {
	Send(ctx context.Context, phone, text string) error
}

// Service содержит бизнес-логику планировщика очереди.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// AuthenticateMember проверяет логин и пароль участника.
func (s *Service) AuthenticateMember(ctx context.Context, login, password string) (*model.Member, error) {
	m, err := s.repo.GetMemberByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, repository.ErrMemberNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(m.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return m, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// RoomState описывает текущее состояние комнаты и её очереди.
type RoomState struct {
	Room    model.Room
	Members []model.Member
	// Current — текущий ответственный за покупку.
	Current *model.Member
}

// GetRoomState возвращает состояние комнаты участника.
func (s *Service) GetRoomState(ctx context.Context, memberUID string) (*RoomState, error) {
	m, err := s.repo.GetMemberByUID(ctx, memberUID)
	if err != nil {
		return nil, err
	}
	if m.RoomID == "" {
		return nil, repository.ErrRoomNotFound
	}

	room, err := s.repo.GetRoom(ctx, m.RoomID)
	if err != nil {
		return nil, err
	}

	members, err := s.repo.GetRoomMembers(ctx, m.RoomID)
	if err != nil {
		return nil, err
	}

	state := &RoomState{Room: *room, Members: members}
	if room.CurrentTurnIndex >= 0 && room.CurrentTurnIndex < len(members) {
		state.Current = &members[room.CurrentTurnIndex]
	}

	return state, nil
}

// PurchaseInput описывает входные данные покупки от текущего ответственного.
type PurchaseInput struct {
	// ID — клиентский ключ идемпотентности; пустой заменяется новым UUID.
	ID           string
	Cost         int64
	Description  string
	PhotoURLs    []string
	DeliveryType model.DeliveryType
	// CourierUID адресует заказ конкретному курьеру; пустой — широковещательный заказ.
	CourierUID string
}

// SubmitPurchase учитывает покупку инициатора и продвигает очередь комнаты.
func (s *Service) SubmitPurchase(ctx context.Context, buyerUID string, input PurchaseInput) (*repository.PurchaseResult, error) {
	buyer, err := s.repo.GetMemberByUID(ctx, buyerUID)
	if err != nil {
		return nil, err
	}
	if buyer.RoomID == "" {
		return nil, repository.ErrRoomNotFound
	}

	params := repository.PurchaseParams{
		PurchaseID:  input.ID,
		RoomID:      buyer.RoomID,
		BuyerUID:    buyer.UID,
		Cost:        input.Cost,
		Description: input.Description,
		PhotoURLs:   input.PhotoURLs,
	}
	if params.PurchaseID == "" {
		params.PurchaseID = uuid.NewString()
	}

	if input.DeliveryType == model.DeliveryTypeCourier {
		order := &repository.OrderParams{OrderID: uuid.NewString()}

		if input.CourierUID != "" {
			courier, err := s.repo.GetMemberByUID(ctx, input.CourierUID)
			if err != nil {
				return nil, err
			}
			if courier.Role != model.RoleCourier {
				return nil, fmt.Errorf("%w: %s is not a courier", repository.ErrMemberNotFound, input.CourierUID)
			}
			order.CourierUID = courier.UID
			order.CourierName = courier.DisplayName
		}

		params.Order = order
	}

	res, err := s.repo.SubmitPurchase(ctx, params)
	if err != nil {
		return nil, err
	}

	go s.notifyAfterPurchase(buyer, res)

	return res, nil
}

// BypassTurn передаёт текущую очередь инициатора выбранному помощнику.
func (s *Service) BypassTurn(ctx context.Context, helpeeUID, helperUID string) (*model.Member, error) {
	helpee, err := s.repo.GetMemberByUID(ctx, helpeeUID)
	if err != nil {
		return nil, err
	}
	if helpee.RoomID == "" {
		return nil, repository.ErrRoomNotFound
	}

	helper, err := s.repo.BypassTurn(ctx, helpee.RoomID, helpee.UID, helperUID)
	if err != nil {
		return nil, err
	}

	go s.notify(helper.PhoneNumber, fmt.Sprintf(
		"%s передал(а) тебе очередь на галон. Теперь покупка за тобой, взамен ты получаешь право пропуска.",
		helpee.DisplayName,
	))

	return helper, nil
}

// ListPurchases возвращает историю покупок комнаты участника.
func (s *Service) ListPurchases(ctx context.Context, memberUID string) ([]model.Purchase, error) {
	m, err := s.repo.GetMemberByUID(ctx, memberUID)
	if err != nil {
		return nil, err
	}
	if m.RoomID == "" {
		return nil, repository.ErrRoomNotFound
	}
	return s.repo.ListPurchases(ctx, m.RoomID)
}

// SetLeaveStatus переключает участие жильца в ротации.
func (s *Service) SetLeaveStatus(ctx context.Context, memberUID string, onLeave bool) error {
	status := model.MemberStatusActive
	if onLeave {
		status = model.MemberStatusOnLeave
	}
	return s.repo.SetMemberStatus(ctx, memberUID, status)
}

// SetOnline переключает доступность курьера для широковещательных заказов.
func (s *Service) SetOnline(ctx context.Context, memberUID string, online bool) error {
	m, err := s.repo.GetMemberByUID(ctx, memberUID)
	if err != nil {
		return err
	}
	if m.Role != model.RoleCourier {
		return ErrForbidden
	}
	return s.repo.SetMemberOnline(ctx, m.UID, online)
}

// ListCourierOrders возвращает рабочий список заказов курьера.
func (s *Service) ListCourierOrders(ctx context.Context, courierUID string) ([]model.DeliveryOrder, error) {
	if _, err := s.requireCourier(ctx, courierUID); err != nil {
		return nil, err
	}
	return s.repo.ListOrdersForCourier(ctx, courierUID)
}

// ClaimOrder захватывает заказ на доставку для курьера.
func (s *Service) ClaimOrder(ctx context.Context, courierUID, orderID string) (*model.DeliveryOrder, error) {
	courier, err := s.requireCourier(ctx, courierUID)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.ClaimDeliveryOrder(ctx, orderID, courier.UID, courier.DisplayName)
	if err != nil {
		return nil, err
	}

	go s.notifyBuyer(order.BuyerUID, fmt.Sprintf(
		"Курьер %s взял твой заказ на галон и уже в пути.", courier.DisplayName))

	return order, nil
}

// CompleteOrder завершает заказ курьера и прикладывает доказательства доставки.
func (s *Service) CompleteOrder(ctx context.Context, courierUID, orderID string, proofURLs []string) (*model.DeliveryOrder, error) {
	courier, err := s.requireCourier(ctx, courierUID)
	if err != nil {
		return nil, err
	}

	order, err := s.repo.CompleteDeliveryOrder(ctx, orderID, courier.UID, proofURLs)
	if err != nil {
		return nil, err
	}

	go s.notifyBuyer(order.BuyerUID, fmt.Sprintf(
		"Курьер %s доставил галон. Проверь фото-подтверждение в приложении.", courier.DisplayName))

	return order, nil
}

// CancelOrder отменяет заказ. Доступно администратору и курьеру,
// захватившему заказ.
func (s *Service) CancelOrder(ctx context.Context, callerUID, orderID string) (*model.DeliveryOrder, error) {
	caller, err := s.repo.GetMemberByUID(ctx, callerUID)
	if err != nil {
		return nil, err
	}

	if caller.Role != model.RoleAdmin {
		order, err := s.repo.GetDeliveryOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if caller.Role != model.RoleCourier || order.CourierUID != caller.UID {
			return nil, ErrForbidden
		}
	}

	return s.repo.CancelDeliveryOrder(ctx, orderID)
}

func (s *Service) requireCourier(ctx context.Context, uid string) (*model.Member, error) {
	m, err := s.repo.GetMemberByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if m.Role != model.RoleCourier {
		return nil, ErrForbidden
	}
	return m, nil
}

// CreateRoom создаёт новую комнату. Доступно только администратору.
func (s *Service) CreateRoom(ctx context.Context, callerUID, name string) (*model.Room, error) {
	if err := s.requireAdmin(ctx, callerUID); err != nil {
		return nil, err
	}

	room := &model.Room{
		ID:   uuid.NewString(),
		Name: name,
	}
	if err := s.repo.CreateRoom(ctx, room); err != nil {
		return nil, err
	}
	return room, nil
}

// MemberInput описывает входные данные нового участника.
type MemberInput struct {
	Login       string
	Password    string
	DisplayName string
	Role        model.Role
	RoomID      string
	TurnOrder   int
	PhoneNumber string
	// MaxBypassQuota нулевой заменяется дефолтной квотой.
	MaxBypassQuota int
}

const defaultBypassQuota = 3

// CreateMember создаёт нового участника. Доступно только администратору.
func (s *Service) CreateMember(ctx context.Context, callerUID string, input MemberInput) (*model.Member, error) {
	if err := s.requireAdmin(ctx, callerUID); err != nil {
		return nil, err
	}

	maxQuota := input.MaxBypassQuota
	if maxQuota == 0 {
		maxQuota = defaultBypassQuota
	}

	role := input.Role
	if role == "" {
		role = model.RoleStudent
	}

	m := &model.Member{
		UID:            uuid.NewString(),
		Login:          input.Login,
		PasswordHash:   hashPassword(input.Login, input.Password),
		DisplayName:    input.DisplayName,
		Role:           role,
		RoomID:         input.RoomID,
		TurnOrder:      input.TurnOrder,
		PhoneNumber:    input.PhoneNumber,
		BypassQuota:    maxQuota,
		MaxBypassQuota: maxQuota,
		Status:         model.MemberStatusActive,
		LastQuotaReset: currentPeriod(time.Now()),
	}
	if err := s.repo.CreateMember(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) requireAdmin(ctx context.Context, uid string) error {
	m, err := s.repo.GetMemberByUID(ctx, uid)
	if err != nil {
		return err
	}
	if m.Role != model.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// currentPeriod возвращает метку календарного месяца вида "2025-7".
func currentPeriod(t time.Time) string {
	return fmt.Sprintf("%d-%d", t.Year(), int(t.Month()))
}

// StartQuotaResets запускает фоновый процесс восстановления месячных квот bypass.
func (s *Service) StartQuotaResets(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		s.resetQuotas(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.resetQuotas(ctx)
			}
		}
	}()
}

func (s *Service) resetQuotas(ctx context.Context) {
	period := currentPeriod(time.Now())

	n, err := s.repo.ResetExpiredQuotas(ctx, period)
	if err != nil {
		s.logger.Error("reset bypass quotas", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("bypass quotas restored", zap.String("period", period), zap.Int64("members", n))
	}
}

func (s *Service) notifyAfterPurchase(buyer *model.Member, res *repository.PurchaseResult) {
	if res.DebtRemaining > 0 {
		s.notify(buyer.PhoneNumber, fmt.Sprintf(
			"Покупка учтена. Остался долг: ещё %d покупк(и) за тобой.", res.DebtRemaining))
	} else if res.Next.UID != buyer.UID {
		s.notify(res.Next.PhoneNumber,
			"Сейчас твоя очередь покупать галон. Не забудь приложить фото чека.")
	}

	if res.Order == nil {
		return
	}

	orderText := fmt.Sprintf("Новый заказ на доставку галона: комната %s, сумма %d. Открой приложение, чтобы взять заказ.",
		res.Order.RoomName, res.Order.Cost)

	if res.Order.CourierUID != "" {
		s.notifyByUID(res.Order.CourierUID, orderText)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	couriers, err := s.repo.ListOnlineCouriers(ctx)
	if err != nil {
		s.logger.Error("list online couriers", zap.Error(err))
		return
	}
	for _, c := range couriers {
		s.notify(c.PhoneNumber, orderText)
	}
}

func (s *Service) notifyBuyer(buyerUID, text string) {
	s.notifyByUID(buyerUID, text)
}

func (s *Service) notifyByUID(uid, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := s.repo.GetMemberByUID(ctx, uid)
	if err != nil {
		s.logger.Error("resolve notification target", zap.String("uid", uid), zap.Error(err))
		return
	}
	s.notify(m.PhoneNumber, text)
}

// notify отправляет уведомление, не влияя на исход доменной операции.
func (s *Service) notify(phone, text string) {
	if s.notifier == nil || phone == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.notifier.Send(ctx, phone, text); err != nil {
		s.logger.Error("send notification", zap.Error(err))
	}
}
