// Package main 系统初始化工具
// 创建首个管理员账号与演示项目，可重复执行
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"ai-knowledge-assistant/internal/config"
	"ai-knowledge-assistant/internal/domain/entity"
	"ai-knowledge-assistant/internal/infrastructure/persistence/postgres"
	apperrors "ai-knowledge-assistant/pkg/errors"
)

func main() {
	_ = godotenv.Load()

	fmt.Println("Starting system bootstrap...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	pgClient, err := postgres.NewClient(&cfg.Database.Postgres)
	if err != nil {
		log.Fatalf("failed to init postgres: %v", err)
	}
	defer func() { _ = pgClient.Close() }()

	if err := pgClient.AutoMigrate(); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	userRepo := postgres.NewUserRepository(pgClient)

	adminEmail := os.Getenv("BOOTSTRAP_ADMIN_EMAIL")
	if adminEmail == "" {
		adminEmail = "admin@example.com"
	}
	adminPassword := os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
	if adminPassword == "" {
		adminPassword = "admin123" // 生产环境请务必通过环境变量设置
	}

	existing, err := userRepo.GetByEmail(ctx, adminEmail)
	if err != nil && !errors.Is(err, apperrors.ErrUserNotFound) {
		log.Fatalf("failed to check admin existence: %v", err)
	}

	if existing != nil {
		fmt.Printf("Admin user %s already exists.\n", adminEmail)
	} else {
		fmt.Printf("Creating admin user: %s...\n", adminEmail)
		admin := entity.NewUser(adminEmail, "System Admin")
		admin.Role = entity.UserRoleAdmin
		if err := admin.SetPassword(adminPassword); err != nil {
			log.Fatalf("failed to hash admin password: %v", err)
		}
		if err := userRepo.Create(ctx, admin); err != nil {
			log.Fatalf("failed to create admin user: %v", err)
		}
		fmt.Println("Admin user created successfully.")
	}

	fmt.Println("Bootstrap completed successfully.")
}
