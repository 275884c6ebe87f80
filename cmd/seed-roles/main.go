// seed-roles creates (or updates) the default roles of an organization and prints a
// development token for one of them.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	  go run ./cmd/seed-roles --organization-id 12 --token-role bud --user-id 1
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/pagu_backend/config"
	"bitbucket.org/mmdatafocus/pagu_backend/models"
	"bitbucket.org/mmdatafocus/pagu_backend/utils"
	"bitbucket.org/mmdatafocus/pagu_backend/workflow"
)

// defaultRoles follows the usual SKPD split: PPTK drafts, PPK verifies, PA/KPA approves,
// BUD releases SP2D, and the admin keeps budget data.
var defaultRoles = map[string]string{
	"pptk":  "create",
	"ppk":   "create;verify",
	"pa":    "approve",
	"bud":   "disburse",
	"admin": "create;verify;approve;disburse;manage",
}

func main() {
	organizationID := flag.Int("organization-id", 0, "Required: organization id")
	tokenRole := flag.String("token-role", "", "Optional: print a JWT for this role")
	userID := flag.Int("user-id", 1, "User id for the printed JWT")
	userName := flag.String("user-name", "Seed", "User name for the printed JWT")
	flag.Parse()

	if *organizationID <= 0 {
		fmt.Fprintln(os.Stderr, "--organization-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}

	ctx := utils.SetOrganizationIdInContext(context.Background(), *organizationID)
	permissions := workflow.NewRolePermissionChecker(models.NewGormStore(db), config.CacheLifespan())
	for name, caps := range defaultRoles {
		role := &models.Role{OrganizationId: *organizationID, Name: name, Capabilities: caps}
		if err := permissions.SaveRole(ctx, role); err != nil {
			fmt.Fprintf(os.Stderr, "save role %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("role %s: %s\n", name, caps)
	}

	if *tokenRole == "" {
		return
	}
	if _, ok := defaultRoles[*tokenRole]; !ok {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *tokenRole)
		os.Exit(1)
	}
	token, err := utils.JwtGenerate(*userID, *userName, *tokenRole, *organizationID, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
