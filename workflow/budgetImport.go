package workflow

import (
	"context"
	"fmt"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// BudgetSheetRow is one budget line of a DPA sheet: code | description | allocation.
type BudgetSheetRow struct {
	Row         int
	Code        string
	Description string
	Allocation  decimal.Decimal
}

// ReadBudgetSheet reads budget lines from an .xlsx workbook. The first row is a header;
// blank rows are skipped. sheet defaults to the first sheet.
func ReadBudgetSheet(r io.Reader, sheet string) ([]BudgetSheetRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %v", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("unable to read sheet: %v", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var out []BudgetSheetRow
	for idx, row := range rows[1:] {
		rowNo := idx + 2
		cell := func(i int) string {
			if i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}
		if cell(0) == "" && cell(2) == "" {
			continue
		}
		allocation, err := decimal.NewFromString(strings.ReplaceAll(cell(2), ",", ""))
		if err != nil {
			return nil, fmt.Errorf("could not parse allocation in row %d: %v", rowNo, err)
		}
		out = append(out, BudgetSheetRow{
			Row:         rowNo,
			Code:        cell(0),
			Description: cell(1),
			Allocation:  allocation,
		})
	}
	return out, nil
}

// ImportBudget creates the accounts of one organization and fiscal year from sheet rows,
// all or nothing.
func (l *Ledger) ImportBudget(ctx context.Context, organizationId int, fiscalYear int, rows []BudgetSheetRow) ([]*models.Account, error) {
	accounts := make([]*models.Account, 0, len(rows))
	seen := make(map[string]int, len(rows))
	for _, r := range rows {
		if prev, ok := seen[r.Code]; ok {
			return nil, fmt.Errorf("%w: code %s in rows %d and %d", models.ErrDuplicate, r.Code, prev, r.Row)
		}
		seen[r.Code] = r.Row
		acc, err := models.NewAccount{
			Code:        r.Code,
			Description: r.Description,
			FiscalYear:  fiscalYear,
			Allocation:  r.Allocation,
		}.MapInput(organizationId)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", r.Row, err)
		}
		accounts = append(accounts, acc)
	}
	if err := l.CreateAccounts(ctx, accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}
