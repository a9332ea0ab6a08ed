package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	// Worker process management.
	WorkerBin     string        // binary re-executed for every worker generation
	MaxWorkers    int           // concurrent worker process ceiling
	SoftTimeout   time.Duration // heartbeat staleness before a stall warning
	HardTimeout   time.Duration // heartbeat staleness before the worker is declared unresponsive
	RespawnCap    int           // respawns per task before the task fails
	TaskDeadline  time.Duration // default per-task deadline
	RecoverRetry  int           // requeue attempts for orphaned running tasks on restart
	EvolveEvery   time.Duration // idle interval between self-initiated tasks
	SchedulerTick time.Duration

	// Reasoning loop.
	MaxRounds       int
	ToolConcurrency int
	ToolResultCap   int // bytes kept from a single tool result
	PromptBudget    int // total prompt character budget
	KeepRounds      int // recent rounds kept verbatim before compaction
	RoundTimeout    time.Duration
	RetryAttempts   int // transient reasoning-service retries per round
	EscalateAfter   int // consecutive round failures before the backup model

	// Global safety.
	BreakerThreshold int
	BudgetCapUSD     float64
	BudgetPausePct   float64

	// Reasoning service.
	LLMProvider     string
	LLMModel        string
	LLMBackupModel  string
	LLMAPIKey       string
	PriceInPerMTok  float64 // USD per million input tokens
	PriceOutPerMTok float64

	// Version-control boundary for self-modifying tasks.
	RepoDir   string
	GitBranch string
	GitRemote string
	GitUser   string
	GitToken  string
	GitName   string
	GitEmail  string

	RestartToken string
	LogLevel     string
	LogFormat    string
}

func Load() Config {
	_ = godotenv.Load()
	dataDir := getEnv("OURO_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("OURO_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("OURO_DB_PATH", filepath.Join(dataDir, "ouroboros.db")),

		WorkerBin:     getEnv("OURO_WORKER_BIN", ""),
		MaxWorkers:    getInt("OURO_MAX_WORKERS", 5),
		SoftTimeout:   getDuration("OURO_SOFT_TIMEOUT", 10*time.Minute),
		HardTimeout:   getDuration("OURO_HARD_TIMEOUT", 30*time.Minute),
		RespawnCap:    getInt("OURO_RESPAWN_CAP", 3),
		TaskDeadline:  getDuration("OURO_TASK_DEADLINE", time.Hour),
		RecoverRetry:  getInt("OURO_RECOVER_RETRY", 2),
		EvolveEvery:   getDuration("OURO_EVOLVE_EVERY", 15*time.Minute),
		SchedulerTick: getDuration("OURO_SCHEDULER_TICK", time.Second),

		MaxRounds:       getInt("OURO_MAX_ROUNDS", 200),
		ToolConcurrency: getInt("OURO_TOOL_CONCURRENCY", 4),
		ToolResultCap:   getInt("OURO_TOOL_RESULT_CAP", 16_000),
		PromptBudget:    getInt("OURO_PROMPT_BUDGET", 120_000),
		KeepRounds:      getInt("OURO_KEEP_ROUNDS", 8),
		RoundTimeout:    getDuration("OURO_ROUND_TIMEOUT", 5*time.Minute),
		RetryAttempts:   getInt("OURO_RETRY_ATTEMPTS", 3),
		EscalateAfter:   getInt("OURO_ESCALATE_AFTER", 2),

		BreakerThreshold: getInt("OURO_BREAKER_THRESHOLD", 3),
		BudgetCapUSD:     getFloat("OURO_BUDGET_CAP_USD", 0),
		BudgetPausePct:   getFloat("OURO_BUDGET_PAUSE_PCT", 95),

		LLMProvider:     getEnv("OURO_LLM_PROVIDER", "anthropic"),
		LLMModel:        getEnv("OURO_LLM_MODEL", ""),
		LLMBackupModel:  getEnv("OURO_LLM_BACKUP_MODEL", ""),
		LLMAPIKey:       getEnv("OURO_LLM_API_KEY", ""),
		PriceInPerMTok:  getFloat("OURO_PRICE_IN_PER_MTOK", 3),
		PriceOutPerMTok: getFloat("OURO_PRICE_OUT_PER_MTOK", 15),

		RepoDir:   getEnv("OURO_REPO_DIR", ""),
		GitBranch: getEnv("OURO_GIT_BRANCH", "ouroboros"),
		GitRemote: getEnv("OURO_GIT_REMOTE", "origin"),
		GitUser:   getEnv("OURO_GIT_USER", ""),
		GitToken:  getEnv("OURO_GIT_TOKEN", ""),
		GitName:   getEnv("OURO_GIT_NAME", "ouroboros"),
		GitEmail:  getEnv("OURO_GIT_EMAIL", "ouroboros@localhost"),

		RestartToken: getEnv("OURO_RESTART_TOKEN", ""),
		LogLevel:     getEnv("OURO_LOG_LEVEL", "info"),
		LogFormat:    getEnv("OURO_LOG_FORMAT", "json"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
