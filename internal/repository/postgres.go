// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/aquaschedule/galon-system/internal/model"
	"github.com/aquaschedule/galon-system/internal/rotation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ошибки нарушения предусловий и целостности данных.
var (
	// ErrRoomNotFound возвращается, если комната не найдена.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomEmpty возвращается при операции над комнатой без жильцов.
	ErrRoomEmpty = errors.New("room has no members")
	// ErrMemberNotFound возвращается, если участник не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrLoginExists возвращается при попытке создать участника с занятым логином.
	ErrLoginExists = errors.New("login already exists")
	// ErrTurnOrderTaken возвращается, если ранг очереди в комнате уже занят.
	ErrTurnOrderTaken = errors.New("turn order already taken in room")
	// ErrNotYourTurn возвращается, если инициатор не является текущим ответственным.
	ErrNotYourTurn = errors.New("member is not the current responsible")
	// ErrNoBypassQuota возвращается при bypass с исчерпанной квотой.
	ErrNoBypassQuota = errors.New("bypass quota exhausted")
	// ErrBypassPending возвращается при попытке второго bypass до закрытия первого.
	ErrBypassPending = errors.New("unresolved bypass already pending")
	// ErrDebtOutstanding возвращается при bypass участника с непогашенным долгом.
	ErrDebtOutstanding = errors.New("bypass debt outstanding")
	// ErrSubstituteNotFound возвращается, если выбранный помощник не входит в комнату.
	ErrSubstituteNotFound = errors.New("substitute is not a room member")
	// ErrPurchaseExists возвращается при повторной отправке уже учтённой покупки.
	ErrPurchaseExists = errors.New("purchase already recorded")
	// ErrOrderNotFound возвращается, если заказ на доставку не найден.
	ErrOrderNotFound = errors.New("delivery order not found")
	// ErrOrderAlreadyClaimed возвращается, если заказ уже захвачен другим курьером.
	ErrOrderAlreadyClaimed = errors.New("delivery order already claimed")
	// ErrOrderNotProcessing возвращается при завершении заказа не в статусе processing.
	ErrOrderNotProcessing = errors.New("delivery order is not processing")
	// ErrOrderTerminal возвращается при отмене заказа в терминальном статусе.
	ErrOrderTerminal = errors.New("delivery order already in terminal state")
	// ErrPurchaseMissing сигнализирует о нарушении ссылочной целостности:
	// у завершаемого заказа отсутствует связанная покупка.
	ErrPurchaseMissing = errors.New("linked purchase missing")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию ограниченное число раз при конфликте
// сериализации или дедлоке. Нарушения предусловий не ретраятся.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(300*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected) {
			return retry.RetryableError(err)
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const memberColumns = `uid, login, password_hash, display_name, role, COALESCE(room_id, ''),
	turn_order, phone_number, bypass_quota, max_bypass_quota, skip_credits, bypass_debt,
	status, is_online, helped_by, borrowed_from, last_quota_reset, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (*model.Member, error) {
	var m model.Member
	err := row.Scan(
		&m.UID, &m.Login, &m.PasswordHash, &m.DisplayName, &m.Role, &m.RoomID,
		&m.TurnOrder, &m.PhoneNumber, &m.BypassQuota, &m.MaxBypassQuota, &m.SkipCredits, &m.BypassDebt,
		&m.Status, &m.IsOnline, &m.HelpedBy, &m.BorrowedFrom, &m.LastQuotaReset, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateRoom создаёт новую комнату.
func (r *PostgresRepository) CreateRoom(ctx context.Context, room *model.Room) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rooms (id, name) VALUES ($1, $2)`,
		room.ID, room.Name,
	)
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// CreateMember создаёт нового участника.
func (r *PostgresRepository) CreateMember(ctx context.Context, m *model.Member) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO members
		 (uid, login, password_hash, display_name, role, room_id, turn_order, phone_number,
		  bypass_quota, max_bypass_quota, status, last_quota_reset)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)`,
		m.UID, m.Login, m.PasswordHash, m.DisplayName, m.Role, m.RoomID, m.TurnOrder,
		m.PhoneNumber, m.BypassQuota, m.MaxBypassQuota, m.Status, m.LastQuotaReset,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "members_room_turn_order_uidx" {
				return fmt.Errorf("%w: %d", ErrTurnOrderTaken, m.TurnOrder)
			}
			return fmt.Errorf("%w: %s", ErrLoginExists, m.Login)
		}
		return fmt.Errorf("create member: %w", err)
	}
	return nil
}

// GetMemberByLogin возвращает участника по логину.
func (r *PostgresRepository) GetMemberByLogin(ctx context.Context, login string) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE login = $1`, login)

	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member by login: %w", err)
	}
	return m, nil
}

// GetMemberByUID возвращает участника по идентификатору.
func (r *PostgresRepository) GetMemberByUID(ctx context.Context, uid string) (*model.Member, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE uid = $1`, uid)

	m, err := scanMember(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// GetRoom возвращает комнату по идентификатору.
func (r *PostgresRepository) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := r.getRoom(ctx, r.pool, roomID, false)
	if err != nil {
		return nil, err
	}
	return room, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresRepository) getRoom(ctx context.Context, q querier, roomID string, forUpdate bool) (*model.Room, error) {
	query := `SELECT id, name, current_turn_index, COALESCE(last_bypasser_uid, ''), cycle_count
		 FROM rooms WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var room model.Room
	err := q.QueryRow(ctx, query, roomID).Scan(
		&room.ID, &room.Name, &room.CurrentTurnIndex, &room.LastBypasserUID, &room.CycleCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("get room: %w", err)
	}
	return &room, nil
}

// GetRoomMembers возвращает жильцов комнаты, отсортированных по рангу очереди.
// Порядок хранения не гарантирован, поэтому сортировка выполняется всегда явно.
func (r *PostgresRepository) GetRoomMembers(ctx context.Context, roomID string) ([]model.Member, error) {
	return r.getRoomMembers(ctx, r.pool, roomID)
}

func (r *PostgresRepository) getRoomMembers(ctx context.Context, q querier, roomID string) ([]model.Member, error) {
	rows, err := q.Query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE room_id = $1 ORDER BY turn_order ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return members, nil
}

// PurchaseParams описывает входные данные завершённой покупки.
type PurchaseParams struct {
	PurchaseID  string
	RoomID      string
	BuyerUID    string
	Cost        int64
	Description string
	PhotoURLs   []string
	// Order не nil, если запрошена доставка курьером.
	Order *OrderParams
}

// OrderParams описывает создаваемый заказ на доставку. Пустой CourierUID
// означает широковещательный заказ.
type OrderParams struct {
	OrderID     string
	CourierUID  string
	CourierName string
}

// PurchaseResult описывает итог учёта покупки.
type PurchaseResult struct {
	Purchase model.Purchase
	// Order заполнен, если создан заказ на доставку.
	Order *model.DeliveryOrder
	// Next — следующий ответственный за покупку.
	Next model.Member
	// DebtRemaining — остаток долга покупателя после этой покупки.
	DebtRemaining  int
	CycleCompleted bool
}

// SubmitPurchase учитывает покупку и продвигает очередь в одной транзакции.
// Блокировка строки комнаты сериализует все мутации состояния ротации;
// идентификатор покупки служит ключом идемпотентности, повторная отправка
// отклоняется и не продвигает очередь второй раз.
func (r *PostgresRepository) SubmitPurchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	var res *PurchaseResult

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		res, err = r.submitPurchase(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (r *PostgresRepository) submitPurchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room, err := r.getRoom(ctx, tx, params.RoomID, true)
	if err != nil {
		return nil, err
	}

	members, err := r.getRoomMembers(ctx, tx, params.RoomID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrRoomEmpty
	}
	if room.CurrentTurnIndex < 0 || room.CurrentTurnIndex >= len(members) {
		return nil, fmt.Errorf("room %s: %w", room.ID, rotation.ErrIndexOutOfRange)
	}

	buyer := members[room.CurrentTurnIndex]
	if buyer.UID != params.BuyerUID {
		return nil, ErrNotYourTurn
	}

	adv, err := rotation.Advance(rotation.Input{
		Members:       members,
		CurrentIndex:  room.CurrentTurnIndex,
		BypassPending: room.LastBypasserUID != "",
		BuyerDebt:     buyer.BypassDebt,
	})
	if err != nil {
		return nil, err
	}

	purchase := model.Purchase{
		ID:            params.PurchaseID,
		BuyerUID:      buyer.UID,
		BuyerName:     buyer.DisplayName,
		RoomID:        room.ID,
		RoomName:      room.Name,
		Cost:          params.Cost,
		Description:   params.Description,
		PhotoURLs:     params.PhotoURLs,
		IsBypassTask:  room.LastBypasserUID != "",
		IsDebtPayment: buyer.BypassDebt > 0,
		CreatedAt:     time.Now().UTC(),
	}
	if params.Order != nil {
		purchase.OrderID = params.Order.OrderID
	}

	photoURLs, err := json.Marshal(purchase.PhotoURLs)
	if err != nil {
		return nil, fmt.Errorf("marshal photo urls: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`INSERT INTO purchases
		 (id, buyer_uid, buyer_name, room_id, room_name, cost, description, photo_urls,
		  is_bypass_task, is_debt_payment, order_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12)
		 ON CONFLICT (id) DO NOTHING`,
		purchase.ID, purchase.BuyerUID, purchase.BuyerName, purchase.RoomID, purchase.RoomName,
		purchase.Cost, purchase.Description, photoURLs,
		purchase.IsBypassTask, purchase.IsDebtPayment, purchase.OrderID, purchase.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert purchase: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPurchaseExists, purchase.ID)
	}

	res := &PurchaseResult{
		Purchase:       purchase,
		DebtRemaining:  adv.DebtRemaining,
		CycleCompleted: adv.CycleCompleted,
	}

	if params.Order != nil {
		order := model.DeliveryOrder{
			ID:          params.Order.OrderID,
			RoomID:      room.ID,
			RoomName:    room.Name,
			BuyerUID:    buyer.UID,
			BuyerName:   buyer.DisplayName,
			Status:      model.OrderStatusPending,
			Cost:        params.Cost,
			Description: params.Description,
			CourierUID:  params.Order.CourierUID,
			CourierName: params.Order.CourierName,
			PhotoURLs:   params.PhotoURLs,
			PurchaseID:  purchase.ID,
			CreatedAt:   purchase.CreatedAt,
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO delivery_orders
			 (id, room_id, room_name, buyer_uid, buyer_name, status, cost, description,
			  courier_uid, courier_name, photo_urls, purchase_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12, $13)`,
			order.ID, order.RoomID, order.RoomName, order.BuyerUID, order.BuyerName,
			order.Status, order.Cost, order.Description,
			order.CourierUID, order.CourierName, photoURLs, order.PurchaseID, order.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert delivery order: %w", err)
		}

		res.Order = &order
	}

	if adv.DebtDecremented {
		cmdTag, err := tx.Exec(ctx,
			`UPDATE members SET bypass_debt = bypass_debt - 1 WHERE uid = $1 AND bypass_debt > 0`,
			buyer.UID,
		)
		if err != nil {
			return nil, fmt.Errorf("decrement debt: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return nil, fmt.Errorf("decrement debt for %s: %w", buyer.UID, ErrMemberNotFound)
		}
	}

	for _, uid := range adv.SkippedUIDs {
		_, err := tx.Exec(ctx,
			`UPDATE members SET skip_credits = skip_credits - 1 WHERE uid = $1 AND skip_credits > 0`,
			uid,
		)
		if err != nil {
			return nil, fmt.Errorf("consume skip credit: %w", err)
		}
	}

	if adv.RoomChanged {
		cycleInc := 0
		if adv.CycleCompleted {
			cycleInc = 1
		}
		_, err := tx.Exec(ctx,
			`UPDATE rooms
			 SET current_turn_index = $2, last_bypasser_uid = NULL, cycle_count = cycle_count + $3
			 WHERE id = $1`,
			room.ID, adv.NextIndex, cycleInc,
		)
		if err != nil {
			return nil, fmt.Errorf("update room: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	res.Next = members[adv.NextIndex]
	return res, nil
}

// BypassTurn передаёт текущую очередь помощнику, конвертируя единицу квоты
// в единицу долга и skip-кредит помощника. Все эффекты применяются атомарно.
func (r *PostgresRepository) BypassTurn(ctx context.Context, roomID, helpeeUID, helperUID string) (*model.Member, error) {
	var helper *model.Member

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		helper, err = r.bypassTurn(ctx, roomID, helpeeUID, helperUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return helper, nil
}

func (r *PostgresRepository) bypassTurn(ctx context.Context, roomID, helpeeUID, helperUID string) (*model.Member, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	room, err := r.getRoom(ctx, tx, roomID, true)
	if err != nil {
		return nil, err
	}
	if room.LastBypasserUID != "" {
		return nil, ErrBypassPending
	}

	members, err := r.getRoomMembers(ctx, tx, roomID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrRoomEmpty
	}
	if room.CurrentTurnIndex < 0 || room.CurrentTurnIndex >= len(members) {
		return nil, fmt.Errorf("room %s: %w", room.ID, rotation.ErrIndexOutOfRange)
	}

	helpee := members[room.CurrentTurnIndex]
	if helpee.UID != helpeeUID {
		return nil, ErrNotYourTurn
	}
	if helpee.BypassQuota <= 0 {
		return nil, ErrNoBypassQuota
	}
	if helpee.BypassDebt > 0 {
		return nil, ErrDebtOutstanding
	}

	helperIdx := -1
	for i := range members {
		if members[i].UID == helperUID {
			helperIdx = i
			break
		}
	}
	if helperIdx == -1 || helperUID == helpeeUID {
		return nil, ErrSubstituteNotFound
	}
	helper := members[helperIdx]

	now := time.Now().UTC()

	borrowed := helpee.BorrowedFrom
	if borrowed == nil {
		borrowed = map[string]model.InteractionRecord{}
	}
	borrowed[helper.UID] = model.InteractionRecord{
		Name:     helper.DisplayName,
		Count:    borrowed[helper.UID].Count + 1,
		LastDate: now,
	}
	borrowedJSON, err := json.Marshal(borrowed)
	if err != nil {
		return nil, fmt.Errorf("marshal borrowed_from: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE members
		 SET bypass_quota = bypass_quota - 1, bypass_debt = bypass_debt + 1, borrowed_from = $2
		 WHERE uid = $1`,
		helpee.UID, borrowedJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("update helpee: %w", err)
	}

	helped := helper.HelpedBy
	if helped == nil {
		helped = map[string]model.InteractionRecord{}
	}
	helped[helpee.UID] = model.InteractionRecord{
		Name:     helpee.DisplayName,
		Count:    helped[helpee.UID].Count + 1,
		LastDate: now,
	}
	helpedJSON, err := json.Marshal(helped)
	if err != nil {
		return nil, fmt.Errorf("marshal helped_by: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE members SET skip_credits = skip_credits + 1, helped_by = $2 WHERE uid = $1`,
		helper.UID, helpedJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("update helper: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE rooms SET current_turn_index = $2, last_bypasser_uid = $3 WHERE id = $1`,
		room.ID, helperIdx, helpee.UID,
	)
	if err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &helper, nil
}

// ListPurchases возвращает историю покупок комнаты, новые первыми.
func (r *PostgresRepository) ListPurchases(ctx context.Context, roomID string) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, buyer_uid, buyer_name, room_id, room_name, cost, description,
		        photo_urls, delivery_proof_urls, is_bypass_task, is_debt_payment,
		        COALESCE(order_id, ''), created_at
		 FROM purchases
		 WHERE room_id = $1
		 ORDER BY created_at DESC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var purchases []model.Purchase
	for rows.Next() {
		var p model.Purchase
		err := rows.Scan(
			&p.ID, &p.BuyerUID, &p.BuyerName, &p.RoomID, &p.RoomName, &p.Cost, &p.Description,
			&p.PhotoURLs, &p.DeliveryProofURLs, &p.IsBypassTask, &p.IsDebtPayment,
			&p.OrderID, &p.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return purchases, nil
}

const orderColumns = `id, room_id, room_name, buyer_uid, buyer_name, status, cost, description,
	COALESCE(courier_uid, ''), courier_name, photo_urls, delivery_proof_urls,
	COALESCE(purchase_id, ''), created_at, delivered_at`

func scanOrder(row rowScanner) (*model.DeliveryOrder, error) {
	var o model.DeliveryOrder
	err := row.Scan(
		&o.ID, &o.RoomID, &o.RoomName, &o.BuyerUID, &o.BuyerName, &o.Status, &o.Cost, &o.Description,
		&o.CourierUID, &o.CourierName, &o.PhotoURLs, &o.DeliveryProofURLs,
		&o.PurchaseID, &o.CreatedAt, &o.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// GetDeliveryOrder возвращает заказ на доставку по идентификатору.
func (r *PostgresRepository) GetDeliveryOrder(ctx context.Context, orderID string) (*model.DeliveryOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM delivery_orders WHERE id = $1`, orderID)

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get delivery order: %w", err)
	}
	return o, nil
}

// ListOrdersForCourier возвращает рабочий список курьера: свободные и
// адресованные ему pending-заказы плюс его собственные активные и завершённые.
func (r *PostgresRepository) ListOrdersForCourier(ctx context.Context, courierUID string) ([]model.DeliveryOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM delivery_orders
		 WHERE (status = 'pending' AND (courier_uid IS NULL OR courier_uid = $1))
		    OR (courier_uid = $1 AND status IN ('processing', 'delivered'))
		 ORDER BY created_at DESC`,
		courierUID,
	)
	if err != nil {
		return nil, fmt.Errorf("select courier orders: %w", err)
	}
	defer rows.Close()

	var orders []model.DeliveryOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery order: %w", err)
		}
		orders = append(orders, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// ClaimDeliveryOrder захватывает pending-заказ для курьера. Условный UPDATE
// гарантирует, что побеждает ровно один захват: проигравший получает
// ErrOrderAlreadyClaimed.
func (r *PostgresRepository) ClaimDeliveryOrder(ctx context.Context, orderID, courierUID, courierName string) (*model.DeliveryOrder, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE delivery_orders
		 SET status = 'processing', courier_uid = $2, courier_name = $3
		 WHERE id = $1 AND status = 'pending' AND (courier_uid IS NULL OR courier_uid = $2)`,
		orderID, courierUID, courierName,
	)
	if err != nil {
		return nil, fmt.Errorf("claim delivery order: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		if _, err := r.GetDeliveryOrder(ctx, orderID); err != nil {
			return nil, err
		}
		return nil, ErrOrderAlreadyClaimed
	}

	return r.GetDeliveryOrder(ctx, orderID)
}

// CompleteDeliveryOrder завершает заказ и копирует доказательства доставки
// на связанную покупку. Обе записи обновляются в одной транзакции: либо обе,
// либо ни одной. Отсутствие связанной покупки — фатальная ошибка целостности.
func (r *PostgresRepository) CompleteDeliveryOrder(ctx context.Context, orderID, courierUID string, proofURLs []string) (*model.DeliveryOrder, error) {
	var order *model.DeliveryOrder

	err := r.withRetry(ctx, func(ctx context.Context) error {
		var err error
		order, err = r.completeDeliveryOrder(ctx, orderID, courierUID, proofURLs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *PostgresRepository) completeDeliveryOrder(ctx context.Context, orderID, courierUID string, proofURLs []string) (*model.DeliveryOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	proofJSON, err := json.Marshal(proofURLs)
	if err != nil {
		return nil, fmt.Errorf("marshal proof urls: %w", err)
	}

	deliveredAt := time.Now().UTC()

	var purchaseID string
	err = tx.QueryRow(ctx,
		`UPDATE delivery_orders
		 SET status = 'delivered', delivered_at = $3, delivery_proof_urls = $4
		 WHERE id = $1 AND status = 'processing' AND courier_uid = $2
		 RETURNING COALESCE(purchase_id, '')`,
		orderID, courierUID, deliveredAt, proofJSON,
	).Scan(&purchaseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := r.GetDeliveryOrder(ctx, orderID); getErr != nil {
				return nil, getErr
			}
			return nil, ErrOrderNotProcessing
		}
		return nil, fmt.Errorf("complete delivery order: %w", err)
	}

	if purchaseID == "" {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrPurchaseMissing)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE purchases SET delivery_proof_urls = $2 WHERE id = $1`,
		purchaseID, proofJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("attach proof to purchase: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return nil, fmt.Errorf("order %s -> purchase %s: %w", orderID, purchaseID, ErrPurchaseMissing)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return r.GetDeliveryOrder(ctx, orderID)
}

// CancelDeliveryOrder переводит заказ в терминальный статус cancelled.
// Административный выход; планировщик ротации заказы не отменяет.
func (r *PostgresRepository) CancelDeliveryOrder(ctx context.Context, orderID string) (*model.DeliveryOrder, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE delivery_orders
		 SET status = 'cancelled'
		 WHERE id = $1 AND status IN ('pending', 'processing')`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel delivery order: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		if _, err := r.GetDeliveryOrder(ctx, orderID); err != nil {
			return nil, err
		}
		return nil, ErrOrderTerminal
	}

	return r.GetDeliveryOrder(ctx, orderID)
}

// SetMemberStatus переключает участие жильца в ротации.
func (r *PostgresRepository) SetMemberStatus(ctx context.Context, uid string, status model.MemberStatus) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE members SET status = $2 WHERE uid = $1`, uid, status)
	if err != nil {
		return fmt.Errorf("set member status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// SetMemberOnline переключает флаг доступности курьера.
func (r *PostgresRepository) SetMemberOnline(ctx context.Context, uid string, online bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE members SET is_online = $2 WHERE uid = $1`, uid, online)
	if err != nil {
		return fmt.Errorf("set member online: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// ListOnlineCouriers возвращает курьеров, доступных для широковещательных заказов.
func (r *PostgresRepository) ListOnlineCouriers(ctx context.Context) ([]model.Member, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM members WHERE role = $1 AND is_online`,
		model.RoleCourier,
	)
	if err != nil {
		return nil, fmt.Errorf("select online couriers: %w", err)
	}
	defer rows.Close()

	var couriers []model.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan courier: %w", err)
		}
		couriers = append(couriers, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return couriers, nil
}

// ResetExpiredQuotas восстанавливает квоту bypass участникам, у которых
// сохранённый период сброса отличается от текущего. Возвращает число
// обновлённых записей.
func (r *PostgresRepository) ResetExpiredQuotas(ctx context.Context, period string) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE members
		 SET bypass_quota = max_bypass_quota, last_quota_reset = $1
		 WHERE last_quota_reset <> $1`,
		period,
	)
	if err != nil {
		return 0, fmt.Errorf("reset quotas: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
