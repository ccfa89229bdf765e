package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"


	"github.com/victorgomez09/posauth/internal/auth/database"
	"github.com/victorgomez09/posauth/internal/auth/models"
	"github.com/victorgomez09/posauth/internal/auth/roles"
	"github.com/victorgomez09/posauth/internal/auth/service"
	"github.com/victorgomez09/posauth/internal/config"
	"github.com/victorgomez09/posauth/internal/logger"
	"github.com/victorgomez09/posauth/internal/seed"
)

func main() {
	var (
		configPath = flag.String("config", "posauth.yaml", "path to config file")
		listUsers  = flag.Bool("list", false, "list all users and exit")
		reset      = flag.Bool("reset", false, "delete every user, role and setting before seeding")
		create     = flag.Bool("create", false, "create a single user instead of seeding")
		username   = flag.String("username", "", "username for -create")
		password   = flag.String("password", "", "password for -create")
		email      = flag.String("email", "", "email for -create")
		role       = flag.String("role", "cashier", "role for -create")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logManager, err := logger.NewLoggerManager(cfg.Logging.Loggers)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logManager.Sync()
	zLog := logManager.Logger("seed")

	ctx := context.Background()
	db, err := database.NewSQLiteDB(ctx, cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	authCfg := cfg.AuthConfig()
	authCfg.SessionCleanupInterval = 0
	authService := service.NewAuthService(db, roles.NewProvider(db, zLog), authCfg, zLog)
	defer authService.Close()

	switch {
	case *listUsers:
		err = listAllUsers(ctx, db)
	case *create:
		if *username == "" || *password == "" {
			flag.Usage()
			os.Exit(2)
		}
		var u *models.User
		u, err = authService.CreateUser(ctx, *username, *password, *email, models.Role(*role))
		if err == nil {
			fmt.Printf("Created user '%s' with role '%s' (access level %d)\n", u.Username, u.Role, u.AccessLevel)
		}
	default:
		var sum seed.Summary
		sum, err = seed.NewSeeder(db, authService, zLog).Run(ctx, *reset)
		if err == nil {
			fmt.Printf("Seeded %d roles, %d users, %d settings\n", sum.Roles, sum.Users, sum.SystemConfigs)
			if sum.Users > 0 {
				fmt.Printf("Demo users share the password %q\n", seed.DemoPassword)
			}
		}
	}

	if err != nil {
		log.Fatalf("Failed: %v", err)
	}
}

func listAllUsers(ctx context.Context, db *database.SQLiteDB) error {
	users, err := db.ListUsers(ctx)
	if err != nil {
		return err
	}

	if len(users) == 0 {
		fmt.Println("No users found in database")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tLEVEL\tLOCKED\tCREATED AT")
	for _, u := range users {
		locked := "-"
		if u.LockedUntil != nil {
			locked = u.LockedUntil.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			u.Username,
			u.Role,
			u.AccessLevel,
			locked,
			u.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
