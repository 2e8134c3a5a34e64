// 创建用户的命令行工具
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/database"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/repository"
	"github.com/pu-ac-cn/cas-server/internal/service"
)

func main() {
	if len(os.Args) < 4 {
		fmt.Println("用法: adduser <用户名> <邮箱> <密码> [显示名]")
		fmt.Println("示例: adduser alice alice@example.com Passw0rd 张三")
		os.Exit(1)
	}

	username := os.Args[1]
	email := os.Args[2]
	password := os.Args[3]
	displayName := ""
	if len(os.Args) > 4 {
		displayName = os.Args[4]
	}

	if !service.IsPasswordStrong(password) {
		log.Fatal("密码强度不足：至少 8 位，包含大写字母、小写字母和数字")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化数据库
	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	ctx := context.Background()
	userRepo := repository.NewUserRepository(database.GetDB())

	user := &model.User{
		Username:    username,
		Email:       email,
		DisplayName: displayName,
		Status:      model.StatusActive,
	}
	if err := user.SetPassword(password); err != nil {
		log.Fatalf("密码加密失败: %v", err)
	}

	if err := userRepo.Create(ctx, user); err != nil {
		log.Fatalf("创建用户失败: %v", err)
	}

	fmt.Printf("成功创建用户 %s (%s)\n", user.Username, user.Email)
}
