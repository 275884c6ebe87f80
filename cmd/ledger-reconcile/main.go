// ledger-reconcile checks, for every account of an organization and fiscal year, that
// realized equals the sum of its realizations and remaining equals allocation - realized.
// Exits 2 when any account is inconsistent.
//
// With -requeue-dead-audit it also moves the organization's DEAD audit outbox rows back to PENDING.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"bitbucket.org/mmdatafocus/pagu_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	organizationID := flag.Int("organization-id", 0, "Required: organization id")
	fiscalYear := flag.Int("fiscal-year", 0, "Required: fiscal year")
	verbose := flag.Bool("v", false, "Print consistent accounts too")
	requeueDead := flag.Bool("requeue-dead-audit", false, "Requeue DEAD audit outbox rows of the organization")
	flag.Parse()

	if *organizationID <= 0 || *fiscalYear <= 0 {
		fmt.Fprintln(os.Stderr, "--organization-id and --fiscal-year are required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := config.GetLogger()
	ledger := workflow.NewLedger(models.NewGormStore(db), nil, workflow.StaticPermissionChecker{}, logger)

	if *requeueDead {
		dispatcher := workflow.NewOutboxDispatcher(db, logger, nil)
		n, err := dispatcher.RequeueDead(utils.SetSkipTenantScopeInContext(context.Background(), true), *organizationID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requeue dead audit rows: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d dead audit rows requeued\n", n)
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), *organizationID)
	results, err := ledger.ReconcileFiscalYear(ctx, *organizationID, *fiscalYear)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		os.Exit(1)
	}

	bad := 0
	for _, r := range results {
		if r.Consistent {
			if *verbose {
				fmt.Printf("OK\t%s\tallocation=%s realized=%s remaining=%s\n", r.Code, r.Allocation, r.Realized, r.Remaining)
			}
			continue
		}
		bad++
		fmt.Printf("FAIL\t%s\tallocation=%s realized=%s remaining=%s realizations=%s\t%v\n",
			r.Code, r.Allocation, r.Realized, r.Remaining, r.RealizationSum, r.Problems)
		logger.WithFields(logrus.Fields{
			"field":           "ledger-reconcile",
			"organization_id": *organizationID,
			"account_id":      r.AccountId,
			"problems":        r.Problems,
		}).Error("account out of balance")
	}
	fmt.Printf("%d accounts checked, %d inconsistent\n", len(results), bad)
	if bad > 0 {
		os.Exit(2)
	}
}
