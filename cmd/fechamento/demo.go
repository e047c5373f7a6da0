package main

import (
	"context"
	"fmt"

	"fechamento/internal/backend"
	"fechamento/internal/core"
)

// demoOrg is the organization seeded by -demo.
const demoOrg = "demo"

// seedDemo loads a two-member household with a shared center, one credit
// card and a few months of activity ending at today.
func seedDemo(ctx context.Context, w backend.Writer, today core.Date) error {
	for _, cc := range []core.CostCenter{
		{ID: "ana", OrgID: demoOrg, Name: "Ana", DefaultSplitPercentage: core.MustAmount("60"), Active: true, Position: 1},
		{ID: "bia", OrgID: demoOrg, Name: "Bia", DefaultSplitPercentage: core.MustAmount("40"), Active: true, Position: 2},
		{ID: "casa", OrgID: demoOrg, Name: "Casa", IsShared: true, Active: true, Position: 3},
	} {
		if _, err := w.CreateCostCenter(ctx, cc); err != nil {
			return fmt.Errorf("seed cost center %s: %w", cc.ID, err)
		}
	}
	if _, err := w.CreateCard(ctx, core.Card{
		ID: "visa", OrgID: demoOrg, Name: "Visa", Type: core.CardCredit,
		ClosingDay: 5, BillingDay: 15, CreditLimit: core.MustAmount("5000"), Active: true,
	}); err != nil {
		return fmt.Errorf("seed card: %w", err)
	}

	month := today.FirstOfMonth()
	for back := 2; back >= 0; back-- {
		first := core.NewDate(month.Year(), month.Month()-back, 1)
		y, m := first.Year(), first.Month()

		if _, err := w.CreateAllocation(ctx, core.Allocation{
			OrgID: demoOrg, Description: "Ana salary", Amount: core.MustAmount("4000"), Date: core.NewDate(y, m, 1),
			OwnershipType: core.OwnedByMember, AllocationTarget: core.TargetIndividual, CostCenterID: "ana",
		}); err != nil {
			return fmt.Errorf("seed allocation: %w", err)
		}
		if _, err := w.CreateAllocation(ctx, core.Allocation{
			OrgID: demoOrg, Description: "Bia salary", Amount: core.MustAmount("3000"), Date: core.NewDate(y, m, 1),
			OwnershipType: core.OwnedByMember, AllocationTarget: core.TargetIndividual, CostCenterID: "bia",
		}); err != nil {
			return fmt.Errorf("seed allocation: %w", err)
		}

		for _, e := range []core.Expense{
			{Description: "Rent", Amount: core.MustAmount("1800"), Date: core.NewDate(y, m, 3), PaymentMethod: core.PaymentCash, CostCenterID: "casa"},
			{Description: "Groceries", Amount: core.MustAmount("640.50"), Date: core.NewDate(y, m, 12), PaymentMethod: core.PaymentCreditCard, CardID: "visa"},
			{Description: "Gym", Amount: core.MustAmount("90"), Date: core.NewDate(y, m, 8), PaymentMethod: core.PaymentCreditCard, CardID: "visa", CostCenterID: "bia"},
			{
				Description: "Dinner", Amount: core.MustAmount("120"), Date: core.NewDate(y, m, 20), PaymentMethod: core.PaymentCreditCard, CardID: "visa",
				Splits: []core.ExpenseSplit{
					{CostCenterID: "ana", Percentage: core.Ptr(core.MustAmount("50"))},
					{CostCenterID: "bia", Percentage: core.Ptr(core.MustAmount("50"))},
				},
			},
		} {
			e.OrgID = demoOrg
			if _, err := w.CreateExpense(ctx, e); err != nil {
				return fmt.Errorf("seed expense %s: %w", e.Description, err)
			}
		}

		if _, err := w.CreateExpense(ctx, core.Expense{
			OrgID: demoOrg, Description: "Sofa", Amount: core.MustAmount("1500"), Date: core.NewDate(y, m, 25),
			PaymentMethod: core.PaymentCreditCard, CardID: "visa",
			Installment: &core.InstallmentInfo{CurrentInstallment: 3 - back, TotalInstallments: 3, InstallmentAmount: core.MustAmount("500")},
		}); err != nil {
			return fmt.Errorf("seed installment: %w", err)
		}
	}
	return nil
}
