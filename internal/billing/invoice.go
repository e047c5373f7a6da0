package billing

import (
	"sort"

	"fechamento/internal/core"

	"github.com/shopspring/decimal"
)

// Statement is the computed invoice of one card for one cycle.
type Statement struct {
	CardID    string
	Cycle     Cycle
	Expenses  []core.Expense
	Rollovers []core.RolloverExpense
	// Purchases is the sum of the effective amounts of Expenses.
	Purchases decimal.Decimal
	// CarriedIn is the sum of balances rolled over from the previous cycle.
	CarriedIn decimal.Decimal
	Total     decimal.Decimal
}

// Aggregate groups the confirmed credit-card expenses of cardID dated inside
// the cycle window. Installment purchases contribute their installment
// amount. Rollover expenses of the card inside the window are listed apart
// and added to the total as carried-in balance.
func Aggregate(cardID string, c Cycle, expenses []core.Expense, rollovers []core.RolloverExpense) Statement {
	st := Statement{
		CardID:    cardID,
		Cycle:     c,
		Purchases: decimal.Zero,
		CarriedIn: decimal.Zero,
	}
	for _, e := range expenses {
		if !belongsTo(e, cardID, c) {
			continue
		}
		st.Expenses = append(st.Expenses, e)
		st.Purchases = st.Purchases.Add(e.EffectiveAmount())
	}
	for _, r := range rollovers {
		if r.CardID != cardID || !c.Contains(r.Date) {
			continue
		}
		st.Rollovers = append(st.Rollovers, r)
		st.CarriedIn = st.CarriedIn.Add(r.Amount)
	}
	sort.SliceStable(st.Expenses, func(i, j int) bool {
		if st.Expenses[i].Date.Equal(st.Expenses[j].Date) {
			return st.Expenses[i].ID < st.Expenses[j].ID
		}
		return st.Expenses[i].Date.Before(st.Expenses[j].Date)
	})
	st.Total = st.Purchases.Add(st.CarriedIn)
	return st
}

func belongsTo(e core.Expense, cardID string, c Cycle) bool {
	return e.Status == core.ExpenseConfirmed &&
		e.IsCredit() &&
		e.CardID == cardID &&
		c.Contains(e.Date)
}

// StatementDueIn resolves the cycle of card due in the month of ref and
// aggregates it.
func StatementDueIn(card core.Card, ref core.Date, expenses []core.Expense, rollovers []core.RolloverExpense) (Statement, error) {
	c, err := Resolve(RulesOf(card), ref)
	if err != nil {
		return Statement{}, err
	}
	return Aggregate(card.ID, c, expenses, rollovers), nil
}
