package db

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/haowen-zh/chat-relay/internal/chat"
)

func Connect(dsn string) *gorm.DB {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := gdb.AutoMigrate(&chat.Chat{}, &chat.Message{}, &chat.UsageRecord{}); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	return gdb
}
