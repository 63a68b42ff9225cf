package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/uuid"

	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/auth"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/config"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/models"
	"github.com/sergiogarciasilva/n8n-code-generator-sub004/internal/db/repositories"
)

// userCreator and keyCreator are the two writes bootstrapping needs.
type userCreator interface {
	CreateUser(ctx context.Context, user *models.User) error
}

type keyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapResult is what the operator needs to start calling the API.
type bootstrapResult struct {
	UserID         string
	OrganizationID string
	APIKey         string
}

// runBootstrap creates the first admin of an organization and an API key for it.
//
//	server bootstrap -email ops@example.com [-name Ops] [-org <uuid>]
func runBootstrap(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	email := fs.String("email", "", "admin email (required)")
	name := fs.String("name", "", "admin display name")
	org := fs.String("org", "", "organization ID; a new one is generated when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("usage: bootstrap -email <email> [-name <name>] [-org <uuid>]")
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	res, err := bootstrapAdmin(ctx,
		repositories.NewUserRepository(database),
		repositories.NewAPIKeyRepository(database),
		*email, *name, *org, cfg.Auth.APIKeyPrefix)
	if err != nil {
		return err
	}

	fmt.Printf("Admin user:   %s\n", res.UserID)
	fmt.Printf("Organization: %s\n", res.OrganizationID)
	fmt.Printf("API key:      %s\n", res.APIKey)
	fmt.Println("Store the API key now; it cannot be shown again.")
	return nil
}

func bootstrapAdmin(ctx context.Context, users userCreator, keys keyCreator, email, name, orgID, prefix string) (*bootstrapResult, error) {
	if orgID == "" {
		orgID = uuid.New().String()
	} else if _, err := uuid.Parse(orgID); err != nil {
		return nil, fmt.Errorf("invalid organization ID %q: %w", orgID, err)
	}

	user := &models.User{
		Email:          email,
		Name:           name,
		Role:           models.RoleAdmin,
		OrganizationID: orgID,
		IsActive:       true,
	}
	if err := users.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create admin user: %w", err)
	}

	key, hash, displayPrefix, err := auth.GenerateAPIKey(prefix)
	if err != nil {
		return nil, err
	}
	if err := keys.CreateAPIKey(ctx, &models.APIKey{
		SubjectID: user.ID,
		Name:      "bootstrap",
		KeyHash:   hash,
		KeyPrefix: displayPrefix,
	}); err != nil {
		return nil, fmt.Errorf("failed to create admin API key: %w", err)
	}

	return &bootstrapResult{UserID: user.ID, OrganizationID: orgID, APIKey: key}, nil
}
