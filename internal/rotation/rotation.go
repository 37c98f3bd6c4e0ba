// Package rotation реализует алгоритм продвижения очереди покупки галона.
package rotation

import (
	"errors"

	"github.com/aquaschedule/galon-system/internal/model"
)

// ErrEmptyRoster возвращается при попытке продвинуть очередь в пустой комнате.
var ErrEmptyRoster = errors.New("roster is empty")

// ErrIndexOutOfRange возвращается, если текущий индекс очереди не адресует участника.
var ErrIndexOutOfRange = errors.New("current turn index out of range")

// Input описывает состояние комнаты на момент завершённой покупки.
type Input struct {
	// Members — список жильцов комнаты, отсортированный по TurnOrder по возрастанию.
	Members []model.Member
	// CurrentIndex — индекс текущего ответственного в Members.
	CurrentIndex int
	// BypassPending — true, если в комнате есть незакрытая передача очереди.
	BypassPending bool
	// BuyerDebt — долг покупателя до списания. Положительное значение
	// означает, что покупка является погашением долга.
	BuyerDebt int
}

// Result описывает вычисленное продвижение очереди.
type Result struct {
	// NextIndex — индекс следующего ответственного.
	NextIndex int
	// CycleCompleted — очередь прошла полный круг по комнате.
	CycleCompleted bool
	// DebtDecremented — долг покупателя должен быть уменьшен на единицу.
	DebtDecremented bool
	// DebtRemaining — остаток долга покупателя после списания.
	DebtRemaining int
	// SkippedUIDs — участники, у которых списывается по одному skip-кредиту.
	SkippedUIDs []string
	// RoomChanged — false, пока покупатель продолжает гасить долг:
	// состояние комнаты в этом случае не переписывается.
	RoomChanged bool
}

// Advance вычисляет следующего ответственного после завершённой покупки.
//
// Покупка с непогашенным долгом уменьшает долг на единицу; пока долг
// остаётся положительным, очередь не двигается. Когда долг обнуляется,
// ротация возобновляется обычным продвижением с позиции плательщика.
//
// При обычной покупке базовый кандидат — следующий за тем, кто фактически
// закрыл очередь (он всегда стоит на CurrentIndex, в том числе после
// bypass-подмены). Кандидаты со skip-кредитом или в статусе "в отъезде"
// пропускаются; кредит списывается только при его наличии. Цикл пропусков
// ограничен размером комнаты: если пропускать пришлось всех, принимается
// последний кандидат — движение вперёд важнее идеальной справедливости.
func Advance(in Input) (Result, error) {
	n := len(in.Members)
	if n == 0 {
		return Result{}, ErrEmptyRoster
	}
	if in.CurrentIndex < 0 || in.CurrentIndex >= n {
		return Result{}, ErrIndexOutOfRange
	}

	var res Result

	if in.BuyerDebt > 0 {
		res.DebtDecremented = true
		res.DebtRemaining = in.BuyerDebt - 1
		if res.DebtRemaining > 0 {
			res.NextIndex = in.CurrentIndex
			return res, nil
		}
	}

	next := (in.CurrentIndex + 1) % n
	if in.CurrentIndex == n-1 {
		res.CycleCompleted = true
	}

	for i := 0; i < n; i++ {
		m := in.Members[next]
		if m.SkipCredits <= 0 && m.Status != model.MemberStatusOnLeave {
			break
		}
		if m.SkipCredits > 0 {
			res.SkippedUIDs = append(res.SkippedUIDs, m.UID)
		}
		if next == n-1 {
			res.CycleCompleted = true
		}
		next = (next + 1) % n
	}

	res.NextIndex = next
	res.RoomChanged = true
	return res, nil
}
