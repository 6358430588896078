package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"habit-planner/internal/bot"
	"habit-planner/internal/config"
	"habit-planner/internal/repository"
	"habit-planner/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := repository.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	userRepo := repository.NewUserRepository(db)
	categoryRepo := repository.NewCategoryRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	categorySvc := service.NewCategoryService(categoryRepo)
	lifecycleSvc := service.NewLifecycleService(taskRepo)
	taskSvc := service.NewTaskService(taskRepo, categoryRepo, lifecycleSvc)
	reminderSvc := service.NewReminderService(taskRepo, categoryRepo)

	telegramBot, err := bot.New(cfg.TelegramToken, userRepo, categorySvc, taskSvc, lifecycleSvc, reminderSvc, &cfg)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}

	scheduler := service.NewSchedulerService(time.UTC)

	if _, err := scheduler.ScheduleInterval(cfg.SweepInterval, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		result, err := lifecycleSvc.GenerateDueInstances(jobCtx, time.Now().UTC())
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweep: %v", err)
			return
		}
		if len(result.Created) > 0 || len(result.Failures) > 0 {
			log.Printf("[info] sweep created=%d failed=%d", len(result.Created), len(result.Failures))
		}
	}); err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}

	reportJob := func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := telegramBot.SendDailyReports(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("report: %v", err)
		}
	}
	if cfg.ReportTime != "" {
		if _, err := scheduler.ScheduleDaily(cfg.ReportTime, reportJob); err != nil {
			log.Fatalf("schedule reports: %v", err)
		}
	} else if _, err := scheduler.ScheduleInterval(cfg.ReportInterval, reportJob); err != nil {
		log.Fatalf("schedule reports: %v", err)
	}

	scheduler.Start()
	defer scheduler.Stop()

	log.Println("Habit planner bot started.")
	if err := telegramBot.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bot stopped with error: %v", err)
	}
	log.Println("Shutdown complete.")
}
