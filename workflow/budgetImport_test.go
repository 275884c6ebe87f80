package workflow

import (
	"bytes"
	"context"
	"testing"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func budgetWorkbook(t *testing.T, rows ...[]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]interface{}{"Kode Rekening", "Uraian", "Pagu"}))
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestReadBudgetSheet(t *testing.T) {
	buf := budgetWorkbook(t,
		[]interface{}{"5.1.02.01.01.0024", "Belanja Alat Tulis Kantor", "1,500,000"},
		[]interface{}{"", "", ""},
		[]interface{}{"5.1.02.01.01.0026", "Belanja Bahan Cetak", 250000},
	)
	rows, err := ReadBudgetSheet(buf, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "5.1.02.01.01.0024", rows[0].Code)
	assert.True(t, rows[0].Allocation.Equal(rp(1500000)))
	assert.Equal(t, 2, rows[0].Row)
	assert.Equal(t, 4, rows[1].Row)
	assert.True(t, rows[1].Allocation.Equal(rp(250000)))
}

func TestReadBudgetSheet_BadAllocation(t *testing.T) {
	buf := budgetWorkbook(t, []interface{}{"5.1", "x", "lots"})
	_, err := ReadBudgetSheet(buf, "Sheet1")
	require.ErrorContains(t, err, "row 2")
}

func TestImportBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accounts, err := f.ledger.ImportBudget(ctx, 1, 2025, []BudgetSheetRow{
		{Row: 2, Code: "5.1.01", Allocation: rp(100)},
		{Row: 3, Code: "5.1.02", Allocation: rp(200)},
	})
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.True(t, accounts[1].Remaining.Equal(rp(200)))

	// one bad row rejects the whole sheet
	_, err = f.ledger.ImportBudget(ctx, 1, 2025, []BudgetSheetRow{
		{Row: 2, Code: "5.1.03", Allocation: rp(100)},
		{Row: 3, Code: "5.1.01", Allocation: rp(5)},
	})
	require.ErrorIs(t, err, models.ErrDuplicate)

	_, err = f.ledger.ImportBudget(ctx, 1, 2026, []BudgetSheetRow{
		{Row: 2, Code: "5.1.03", Allocation: rp(100)},
		{Row: 3, Code: "5.1.03", Allocation: rp(5)},
	})
	require.ErrorIs(t, err, models.ErrDuplicate)

	_, err = f.ledger.ImportBudget(ctx, 1, 2026, []BudgetSheetRow{{Row: 2, Code: "abc", Allocation: rp(1)}})
	require.ErrorContains(t, err, "row 2")

	list, err := f.ledger.ListAccounts(ctx, admin, 2025)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
