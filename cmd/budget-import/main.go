// budget-import loads a fiscal year's budget lines (pagu) for one organization
// from an .xlsx sheet with columns: code | description | allocation.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/budget-import --organization-id 12 --fiscal-year 2025 --file dpa-2025.xlsx
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"bitbucket.org/mmdatafocus/pagu_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	organizationID := flag.Int("organization-id", 0, "Required: organization id")
	fiscalYear := flag.Int("fiscal-year", 0, "Required: fiscal year")
	filePath := flag.String("file", "", "Required: .xlsx file")
	sheet := flag.String("sheet", "", "Optional: sheet name (default first sheet)")
	dryRun := flag.Bool("dry-run", false, "Parse and validate only")
	flag.Parse()

	if *organizationID <= 0 || *fiscalYear <= 0 || strings.TrimSpace(*filePath) == "" {
		fmt.Fprintln(os.Stderr, "--organization-id, --fiscal-year and --file are required")
		os.Exit(1)
	}
	if !strings.HasSuffix(strings.ToLower(*filePath), ".xlsx") {
		fmt.Fprintln(os.Stderr, "invalid file type: only .xlsx files are allowed")
		os.Exit(1)
	}

	f, err := os.Open(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	rows, err := workflow.ReadBudgetSheet(f, *sheet)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("read %d budget lines\n", len(rows))
	if *dryRun {
		for _, r := range rows {
			fmt.Printf("row %d\t%s\t%s\t%s\n", r.Row, r.Code, r.Allocation.String(), r.Description)
		}
		return
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	logger := config.GetLogger()
	store := models.NewGormStore(db)
	audit := workflow.NewAsyncAuditSink(workflow.NewOutboxAuditPublisher(store), 0, logger)
	ledger := workflow.NewLedger(store, audit, workflow.StaticPermissionChecker{}, logger)

	ctx := utils.SetOrganizationIdInContext(context.Background(), *organizationID)
	ctx = utils.SetUserNameInContext(ctx, "budget-import")
	ctx, _ = utils.EnsureCorrelationId(ctx)

	accounts, err := ledger.ImportBudget(ctx, *organizationID, *fiscalYear, rows)
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed, nothing was stored: %v\n", err)
		os.Exit(1)
	}
	if err := audit.Close(ctx); err != nil {
		logger.WithFields(logrus.Fields{"field": "budget-import"}).Warn("audit queue not drained: " + err.Error())
	}
	fmt.Printf("imported %d accounts for organization %d fiscal year %d\n", len(accounts), *organizationID, *fiscalYear)
}
