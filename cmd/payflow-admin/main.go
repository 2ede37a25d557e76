// payflow-admin bootstraps the first ADMIN account. The API refuses to create
// ADMIN users, so initial provisioning happens here, against the database
// directly.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"payflow/models"
)

func main() {
	username := flag.String("username", "", "username for the ADMIN account")
	displayName := flag.String("display-name", "", "display name for the ADMIN account")
	flag.Parse()

	if strings.TrimSpace(*username) == "" {
		fmt.Fprintln(os.Stderr, "usage: payflow-admin -username <name> [-display-name <name>]")
		os.Exit(2)
	}
	dbURL := os.Getenv("PAYFLOW_DB_URL")
	if dbURL == "" {
		fatal("PAYFLOW_DB_URL is required")
	}

	password, err := promptPassword()
	if err != nil {
		fatal("read password: %v", err)
	}
	if len(password) < 8 {
		fatal("password must be at least 8 characters")
	}

	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
	if err != nil {
		fatal("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		fatal("auto migrate error: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		fatal("hash password: %v", err)
	}

	now := time.Now().UTC()
	user := models.User{
		ID:           uuid.New(),
		Username:     strings.TrimSpace(*username),
		DisplayName:  strings.TrimSpace(*displayName),
		Role:         models.RoleAdmin,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := db.Create(&user).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			fatal("username %q already exists", user.Username)
		}
		fatal("create admin: %v", err)
	}
	fmt.Printf("created ADMIN %s (%s)\n", user.Username, user.ID)
}

func promptPassword() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	fmt.Fprint(os.Stderr, "Confirm: ")
	confirm, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if string(password) != string(confirm) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
