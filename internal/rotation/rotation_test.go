package rotation

import (
	"testing"

	"github.com/aquaschedule/galon-system/internal/model"
)

func makeMembers(n int) []model.Member {
	members := make([]model.Member, 0, n)
	for i := 0; i < n; i++ {
		members = append(members, model.Member{
			UID:       string(rune('a' + i)),
			TurnOrder: i + 1,
			Status:    model.MemberStatusActive,
		})
	}
	return members
}

func TestAdvance_SimpleRotation(t *testing.T) {
	members := makeMembers(3)

	res, err := Advance(Input{Members: members, CurrentIndex: 0})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if res.NextIndex != 1 {
		t.Fatalf("NextIndex = %d, want 1", res.NextIndex)
	}
	if res.CycleCompleted {
		t.Fatalf("cycle must not complete mid-pass")
	}
	if res.DebtDecremented || len(res.SkippedUIDs) != 0 {
		t.Fatalf("unexpected ledger effects: %+v", res)
	}
	if !res.RoomChanged {
		t.Fatalf("room state must be rewritten on a normal purchase")
	}
}

func TestAdvance_SkipCreditConsumed(t *testing.T) {
	members := makeMembers(3)
	members[1].SkipCredits = 1

	res, err := Advance(Input{Members: members, CurrentIndex: 0})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if res.NextIndex != 2 {
		t.Fatalf("NextIndex = %d, want 2", res.NextIndex)
	}
	if len(res.SkippedUIDs) != 1 || res.SkippedUIDs[0] != members[1].UID {
		t.Fatalf("SkippedUIDs = %v, want exactly [%s]", res.SkippedUIDs, members[1].UID)
	}
	if res.CycleCompleted {
		t.Fatalf("cycle must not complete")
	}
}

func TestAdvance_OnLeaveSkippedWithoutCredit(t *testing.T) {
	members := makeMembers(3)
	members[1].Status = model.MemberStatusOnLeave

	res, err := Advance(Input{Members: members, CurrentIndex: 0})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if res.NextIndex != 2 {
		t.Fatalf("NextIndex = %d, want 2", res.NextIndex)
	}
	if len(res.SkippedUIDs) != 0 {
		t.Fatalf("on-leave member must not spend skip credits, got %v", res.SkippedUIDs)
	}
}

func TestAdvance_AfterBypassResumesAfterDischarger(t *testing.T) {
	// Участник 0 передал очередь участнику 2: текущий индекс — 2,
	// подмена не закрыта. Покупка участника 2 возобновляет ротацию
	// сразу за ним.
	members := makeMembers(3)

	res, err := Advance(Input{Members: members, CurrentIndex: 2, BypassPending: true})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if res.NextIndex != 0 {
		t.Fatalf("NextIndex = %d, want 0", res.NextIndex)
	}
	if !res.CycleCompleted {
		t.Fatalf("discharge from the last position must complete the cycle")
	}
}

func TestAdvance_DebtKeepsBuyerInPlace(t *testing.T) {
	members := makeMembers(3)

	res, err := Advance(Input{Members: members, CurrentIndex: 0, BuyerDebt: 2})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if !res.DebtDecremented || res.DebtRemaining != 1 {
		t.Fatalf("debt must decrement to 1, got %+v", res)
	}
	if res.NextIndex != 0 {
		t.Fatalf("NextIndex = %d, want 0: buyer keeps paying", res.NextIndex)
	}
	if res.RoomChanged {
		t.Fatalf("room state must stay untouched while debt remains")
	}
	if res.CycleCompleted {
		t.Fatalf("debt payment must not complete a cycle")
	}
}

func TestAdvance_FinalDebtPaymentResumesRotation(t *testing.T) {
	members := makeMembers(3)

	res, err := Advance(Input{Members: members, CurrentIndex: 0, BuyerDebt: 1})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if !res.DebtDecremented || res.DebtRemaining != 0 {
		t.Fatalf("debt must decrement to 0, got %+v", res)
	}
	if res.NextIndex != 1 {
		t.Fatalf("NextIndex = %d, want 1: rotation resumes past the payer", res.NextIndex)
	}
	if !res.RoomChanged {
		t.Fatalf("room state must be rewritten once debt is cleared")
	}
}

func TestAdvance_AllOnLeaveTerminates(t *testing.T) {
	members := makeMembers(3)
	for i := range members {
		members[i].Status = model.MemberStatusOnLeave
	}

	res, err := Advance(Input{Members: members, CurrentIndex: 0})
	if err != nil {
		t.Fatalf("Advance must make forward progress, got error: %v", err)
	}

	if res.NextIndex < 0 || res.NextIndex >= len(members) {
		t.Fatalf("NextIndex = %d out of range", res.NextIndex)
	}
}

func TestAdvance_AllCreditedTerminatesAndSpendsOncePerMember(t *testing.T) {
	members := makeMembers(4)
	for i := range members {
		members[i].SkipCredits = 3
	}

	res, err := Advance(Input{Members: members, CurrentIndex: 1})
	if err != nil {
		t.Fatalf("Advance error: %v", err)
	}

	if res.NextIndex < 0 || res.NextIndex >= len(members) {
		t.Fatalf("NextIndex = %d out of range", res.NextIndex)
	}
	if len(res.SkippedUIDs) != len(members) {
		t.Fatalf("one full bounded pass must spend one credit per member, got %v", res.SkippedUIDs)
	}
	seen := map[string]bool{}
	for _, uid := range res.SkippedUIDs {
		if seen[uid] {
			t.Fatalf("member %s charged twice in one advance", uid)
		}
		seen[uid] = true
	}
}

func TestAdvance_CycleCountedOncePerPass(t *testing.T) {
	// Полный круг по комнате из трёх: ровно одно завершение цикла,
	// независимо от пропусков внутри круга.
	members := makeMembers(3)
	members[1].SkipCredits = 1

	idx := 0
	cycles := 0
	for i := 0; i < 2; i++ {
		res, err := Advance(Input{Members: members, CurrentIndex: idx})
		if err != nil {
			t.Fatalf("Advance error: %v", err)
		}
		if res.CycleCompleted {
			cycles++
		}
		for _, uid := range res.SkippedUIDs {
			for j := range members {
				if members[j].UID == uid {
					members[j].SkipCredits--
				}
			}
		}
		idx = res.NextIndex
	}

	// 0 -> 2 (пропуск 1) -> 0: круг закрыт при покупке с последней позиции.
	if cycles != 1 {
		t.Fatalf("cycles = %d, want exactly 1 per full pass", cycles)
	}
	if idx != 0 {
		t.Fatalf("final index = %d, want 0", idx)
	}
}

func TestAdvance_Errors(t *testing.T) {
	if _, err := Advance(Input{}); err != ErrEmptyRoster {
		t.Fatalf("empty roster: err = %v, want ErrEmptyRoster", err)
	}

	members := makeMembers(2)
	if _, err := Advance(Input{Members: members, CurrentIndex: 5}); err != ErrIndexOutOfRange {
		t.Fatalf("bad index: err = %v, want ErrIndexOutOfRange", err)
	}
	if _, err := Advance(Input{Members: members, CurrentIndex: -1}); err != ErrIndexOutOfRange {
		t.Fatalf("negative index: err = %v, want ErrIndexOutOfRange", err)
	}
}
