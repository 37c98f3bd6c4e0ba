// Package handler содержит HTTP-обработчики API планировщика очереди на галоны.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aquaschedule/galon-system/internal/middleware"
	"github.com/aquaschedule/galon-system/internal/model"
	"github.com/aquaschedule/galon-system/internal/repository"
	"github.com/aquaschedule/galon-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AuthenticateMember(ctx context.Context, login, password string) (*model.Member, error)
	GetRoomState(ctx context.Context, memberUID string) (*service.RoomState, error)
	SubmitPurchase(ctx context.Context, buyerUID string, input service.PurchaseInput) (*repository.PurchaseResult, error)
	BypassTurn(ctx context.Context, helpeeUID, helperUID string) (*model.Member, error)
	ListPurchases(ctx context.Context, memberUID string) ([]model.Purchase, error)
	SetLeaveStatus(ctx context.Context, memberUID string, onLeave bool) error
	SetOnline(ctx context.Context, memberUID string, online bool) error
	ListCourierOrders(ctx context.Context, courierUID string) ([]model.DeliveryOrder, error)
	ClaimOrder(ctx context.Context, courierUID, orderID string) (*model.DeliveryOrder, error)
	CompleteOrder(ctx context.Context, courierUID, orderID string, proofURLs []string) (*model.DeliveryOrder, error)
	CancelOrder(ctx context.Context, callerUID, orderID string) (*model.DeliveryOrder, error)
	CreateRoom(ctx context.Context, callerUID, name string) (*model.Room, error)
	CreateMember(ctx context.Context, callerUID string, input service.MemberInput) (*model.Member, error)
}

// Handler реализует HTTP-обработчики API планировщика.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// domainStatus сопоставляет доменные ошибки HTTP-статусам.
// Ноль означает неизвестную ошибку, которая логируется и отдаётся как 500.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, repository.ErrMemberNotFound),
		errors.Is(err, repository.ErrRoomNotFound),
		errors.Is(err, repository.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrSubstituteNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrNotYourTurn),
		errors.Is(err, repository.ErrNoBypassQuota),
		errors.Is(err, repository.ErrBypassPending),
		errors.Is(err, repository.ErrDebtOutstanding),
		errors.Is(err, repository.ErrPurchaseExists),
		errors.Is(err, repository.ErrOrderAlreadyClaimed),
		errors.Is(err, repository.ErrOrderNotProcessing),
		errors.Is(err, repository.ErrOrderTerminal),
		errors.Is(err, repository.ErrRoomEmpty),
		errors.Is(err, repository.ErrLoginExists),
		errors.Is(err, repository.ErrTurnOrderTaken):
		return http.StatusConflict
	default:
		return 0
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	if status := domainStatus(err); status != 0 {
		http.Error(w, err.Error(), status)
		return
	}
	h.logger.Error(msg, append(fields, zap.Error(err))...)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию участника и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.AuthenticateMember(r.Context(), req.Login, req.Password)
	if err != nil {
		h.writeError(w, err, "login error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, m.UID)
	h.writeJSON(w, http.StatusOK, memberView{
		UID:         m.UID,
		DisplayName: m.DisplayName,
		Role:        string(m.Role),
	})
}

type memberView struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	TurnOrder   int    `json:"turn_order,omitempty"`
	BypassQuota int    `json:"bypass_quota"`
	SkipCredits int    `json:"skip_credits"`
	BypassDebt  int    `json:"bypass_debt"`
	Status      string `json:"status,omitempty"`
}

type roomStateResponse struct {
	RoomID           string       `json:"room_id"`
	RoomName         string       `json:"room_name"`
	CurrentTurnIndex int          `json:"current_turn_index"`
	CycleCount       int64        `json:"cycle_count"`
	BypassPending    bool         `json:"bypass_pending"`
	Current          *memberView  `json:"current,omitempty"`
	Members          []memberView `json:"members"`
}

func toMemberView(m *model.Member) memberView {
	return memberView{
		UID:         m.UID,
		DisplayName: m.DisplayName,
		Role:        string(m.Role),
		TurnOrder:   m.TurnOrder,
		BypassQuota: m.BypassQuota,
		SkipCredits: m.SkipCredits,
		BypassDebt:  m.BypassDebt,
		Status:      string(m.Status),
	}
}

// GetRoom возвращает состояние комнаты текущего участника.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	state, err := h.service.GetRoomState(r.Context(), uid)
	if err != nil {
		h.writeError(w, err, "get room state error", zap.String("uid", uid))
		return
	}

	resp := roomStateResponse{
		RoomID:           state.Room.ID,
		RoomName:         state.Room.Name,
		CurrentTurnIndex: state.Room.CurrentTurnIndex,
		CycleCount:       state.Room.CycleCount,
		BypassPending:    state.Room.LastBypasserUID != "",
		Members:          make([]memberView, 0, len(state.Members)),
	}
	for i := range state.Members {
		resp.Members = append(resp.Members, toMemberView(&state.Members[i]))
	}
	if state.Current != nil {
		v := toMemberView(state.Current)
		resp.Current = &v
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type purchaseRequest struct {
	ID           string   `json:"id,omitempty"`
	Cost         int64    `json:"cost"`
	Description  string   `json:"description,omitempty"`
	PhotoURLs    []string `json:"photo_urls,omitempty"`
	DeliveryType string   `json:"delivery_type"`
	CourierUID   string   `json:"courier_uid,omitempty"`
}

type purchaseView struct {
	ID                string   `json:"id"`
	BuyerUID          string   `json:"buyer_uid"`
	BuyerName         string   `json:"buyer_name"`
	Cost              int64    `json:"cost"`
	Description       string   `json:"description,omitempty"`
	PhotoURLs         []string `json:"photo_urls,omitempty"`
	DeliveryProofURLs []string `json:"delivery_proof_urls,omitempty"`
	IsBypassTask      bool     `json:"is_bypass_task"`
	IsDebtPayment     bool     `json:"is_debt_payment"`
	OrderID           string   `json:"order_id,omitempty"`
	CreatedAt         string   `json:"created_at"`
}

type submitPurchaseResponse struct {
	Purchase       purchaseView `json:"purchase"`
	Order          *orderView   `json:"order,omitempty"`
	NextUID        string       `json:"next_uid"`
	NextName       string       `json:"next_name"`
	DebtRemaining  int          `json:"debt_remaining"`
	CycleCompleted bool         `json:"cycle_completed"`
}

func toPurchaseView(p *model.Purchase) purchaseView {
	return purchaseView{
		ID:                p.ID,
		BuyerUID:          p.BuyerUID,
		BuyerName:         p.BuyerName,
		Cost:              p.Cost,
		Description:       p.Description,
		PhotoURLs:         p.PhotoURLs,
		DeliveryProofURLs: p.DeliveryProofURLs,
		IsBypassTask:      p.IsBypassTask,
		IsDebtPayment:     p.IsDebtPayment,
		OrderID:           p.OrderID,
		CreatedAt:         p.CreatedAt.Format(time.RFC3339),
	}
}

// SubmitPurchase принимает завершённую покупку от текущего ответственного.
func (h *Handler) SubmitPurchase(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	deliveryType := model.DeliveryType(req.DeliveryType)
	if deliveryType == "" {
		deliveryType = model.DeliveryTypeSelf
	}
	if deliveryType != model.DeliveryTypeSelf && deliveryType != model.DeliveryTypeCourier {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Cost < 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.SubmitPurchase(r.Context(), uid, service.PurchaseInput{
		ID:           req.ID,
		Cost:         req.Cost,
		Description:  req.Description,
		PhotoURLs:    req.PhotoURLs,
		DeliveryType: deliveryType,
		CourierUID:   req.CourierUID,
	})
	if err != nil {
		h.writeError(w, err, "submit purchase error", zap.String("uid", uid))
		return
	}

	resp := submitPurchaseResponse{
		Purchase:       toPurchaseView(&res.Purchase),
		NextUID:        res.Next.UID,
		NextName:       res.Next.DisplayName,
		DebtRemaining:  res.DebtRemaining,
		CycleCompleted: res.CycleCompleted,
	}
	if res.Order != nil {
		v := toOrderView(res.Order)
		resp.Order = &v
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// GetPurchases возвращает историю покупок комнаты текущего участника.
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	purchases, err := h.service.ListPurchases(r.Context(), uid)
	if err != nil {
		h.writeError(w, err, "list purchases error", zap.String("uid", uid))
		return
	}

	if len(purchases) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]purchaseView, 0, len(purchases))
	for i := range purchases {
		resp = append(resp, toPurchaseView(&purchases[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type bypassRequest struct {
	HelperUID string `json:"helper_uid"`
}

// Bypass передаёт очередь текущего участника выбранному помощнику.
func (h *Handler) Bypass(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.HelperUID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	helper, err := h.service.BypassTurn(r.Context(), uid, req.HelperUID)
	if err != nil {
		h.writeError(w, err, "bypass error", zap.String("uid", uid))
		return
	}

	h.writeJSON(w, http.StatusOK, toMemberView(helper))
}

type statusRequest struct {
	OnLeave bool `json:"on_leave"`
}

// SetStatus переключает участие текущего жильца в ротации.
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetLeaveStatus(r.Context(), uid, req.OnLeave); err != nil {
		h.writeError(w, err, "set status error", zap.String("uid", uid))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type onlineRequest struct {
	Online bool `json:"online"`
}

// SetOnline переключает доступность текущего курьера.
func (h *Handler) SetOnline(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req onlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetOnline(r.Context(), uid, req.Online); err != nil {
		h.writeError(w, err, "set online error", zap.String("uid", uid))
		return
	}

	w.WriteHeader(http.StatusOK)
}

type orderView struct {
	ID                string   `json:"id"`
	RoomName          string   `json:"room_name"`
	BuyerName         string   `json:"buyer_name"`
	Status            string   `json:"status"`
	Cost              int64    `json:"cost"`
	Description       string   `json:"description,omitempty"`
	CourierUID        string   `json:"courier_uid,omitempty"`
	CourierName       string   `json:"courier_name,omitempty"`
	PhotoURLs         []string `json:"photo_urls,omitempty"`
	DeliveryProofURLs []string `json:"delivery_proof_urls,omitempty"`
	CreatedAt         string   `json:"created_at"`
	DeliveredAt       string   `json:"delivered_at,omitempty"`
}

func toOrderView(o *model.DeliveryOrder) orderView {
	v := orderView{
		ID:                o.ID,
		RoomName:          o.RoomName,
		BuyerName:         o.BuyerName,
		Status:            string(o.Status),
		Cost:              o.Cost,
		Description:       o.Description,
		CourierUID:        o.CourierUID,
		CourierName:       o.CourierName,
		PhotoURLs:         o.PhotoURLs,
		DeliveryProofURLs: o.DeliveryProofURLs,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
	}
	if o.DeliveredAt != nil {
		v.DeliveredAt = o.DeliveredAt.Format(time.RFC3339)
	}
	return v
}

// GetDeliveryOrders возвращает рабочий список заказов текущего курьера.
func (h *Handler) GetDeliveryOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orders, err := h.service.ListCourierOrders(r.Context(), uid)
	if err != nil {
		h.writeError(w, err, "list delivery orders error", zap.String("uid", uid))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderView, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderView(&orders[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ClaimOrder захватывает заказ для текущего курьера.
func (h *Handler) ClaimOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := orderIDFromRequest(r)
	if orderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.ClaimOrder(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, err, "claim order error", zap.String("uid", uid), zap.String("order", orderID))
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderView(order))
}

type completeOrderRequest struct {
	ProofURLs []string `json:"proof_urls"`
}

// CompleteOrder завершает заказ текущего курьера с фото-подтверждением.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := orderIDFromRequest(r)
	if orderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req completeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CompleteOrder(r.Context(), uid, orderID, req.ProofURLs)
	if err != nil {
		h.writeError(w, err, "complete order error", zap.String("uid", uid), zap.String("order", orderID))
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderView(order))
}

// CancelOrder отменяет заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	orderID := orderIDFromRequest(r)
	if orderID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.CancelOrder(r.Context(), uid, orderID)
	if err != nil {
		h.writeError(w, err, "cancel order error", zap.String("uid", uid), zap.String("order", orderID))
		return
	}

	h.writeJSON(w, http.StatusOK, toOrderView(order))
}

type createRoomRequest struct {
	Name string `json:"name"`
}

// CreateRoom создаёт новую комнату. Только для администратора.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	room, err := h.service.CreateRoom(r.Context(), uid, req.Name)
	if err != nil {
		h.writeError(w, err, "create room error", zap.String("uid", uid))
		return
	}

	h.writeJSON(w, http.StatusCreated, room)
}

type createMemberRequest struct {
	Login          string `json:"login"`
	Password       string `json:"password"`
	DisplayName    string `json:"display_name"`
	Role           string `json:"role,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	TurnOrder      int    `json:"turn_order,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	MaxBypassQuota int    `json:"max_bypass_quota,omitempty"`
}

// CreateMember создаёт нового участника. Только для администратора.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	uid, ok := middleware.GetMemberUIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	m, err := h.service.CreateMember(r.Context(), uid, service.MemberInput{
		Login:          req.Login,
		Password:       req.Password,
		DisplayName:    req.DisplayName,
		Role:           model.Role(req.Role),
		RoomID:         req.RoomID,
		TurnOrder:      req.TurnOrder,
		PhoneNumber:    req.PhoneNumber,
		MaxBypassQuota: req.MaxBypassQuota,
	})
	if err != nil {
		h.writeError(w, err, "create member error", zap.String("uid", uid))
		return
	}

	h.writeJSON(w, http.StatusCreated, toMemberView(m))
}
