// Package model содержит доменные сущности сервиса учёта галонов.
package model

import "time"

// Role описывает роль участника системы.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
	RoleCourier Role = "courier"
)

// MemberStatus описывает участие жильца в ротации.
type MemberStatus string

const (
	// MemberStatusActive — жилец участвует в ротации.
	MemberStatusActive MemberStatus = "active"
	// MemberStatusOnLeave — жилец временно исключён из ротации, его очередь пропускается.
	MemberStatusOnLeave MemberStatus = "leave"
)

// InteractionRecord хранит накопленную историю взаимодействий с одним участником.
type InteractionRecord struct {
	Name     string    `json:"name"`
	Count    int       `json:"count"`
	LastDate time.Time `json:"last_date"`
}

// Member представляет жильца комнаты со счётчиками экономики обязательств.
type Member struct {
	UID            string
	Login          string
	PasswordHash   []byte
	DisplayName    string
	Role           Role
	RoomID         string
	TurnOrder      int
	PhoneNumber    string
	BypassQuota    int
	MaxBypassQuota int
	SkipCredits    int
	BypassDebt     int
	Status         MemberStatus
	IsOnline       bool
	// HelpedBy: кому этот участник помогал (ключ — uid должника).
	HelpedBy map[string]InteractionRecord
	// BorrowedFrom: кто помогал этому участнику (ключ — uid помощника).
	BorrowedFrom   map[string]InteractionRecord
	LastQuotaReset string
	CreatedAt      time.Time
}

// Room описывает комнату и текущее состояние ротации.
type Room struct {
	ID               string
	Name             string
	CurrentTurnIndex int
	// LastBypasserUID установлен, пока передача очереди через bypass не закрыта покупкой.
	LastBypasserUID string
	CycleCount      int64
}

// DeliveryType описывает способ получения галона.
type DeliveryType string

const (
	DeliveryTypeSelf    DeliveryType = "self"
	DeliveryTypeCourier DeliveryType = "courier"
)

// Purchase фиксирует совершённую покупку галона.
// Запись неизменяемая; позже к ней могут быть добавлены только ссылки
// на фото-доказательства доставки.
type Purchase struct {
	ID                string
	BuyerUID          string
	BuyerName         string
	RoomID            string
	RoomName          string
	Cost              int64
	Description       string
	PhotoURLs         []string
	DeliveryProofURLs []string
	IsBypassTask      bool
	IsDebtPayment     bool
	OrderID           string
	CreatedAt         time.Time
}

// OrderStatus описывает состояние заказа на доставку.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// DeliveryOrder описывает заказ на доставку галона курьером.
// Пустой CourierUID у pending-заказа означает широковещательный заказ:
// его может принять любой курьер, побеждает первый успешный захват.
type DeliveryOrder struct {
	ID                string
	RoomID            string
	RoomName          string
	BuyerUID          string
	BuyerName         string
	Status            OrderStatus
	Cost              int64
	Description       string
	CourierUID        string
	CourierName       string
	PhotoURLs         []string
	DeliveryProofURLs []string
	PurchaseID        string
	CreatedAt         time.Time
	DeliveredAt       *time.Time
}
