package main

import (
	"time"

	"github.com/dukex/agentflow/pkg/cmd"
	cli "github.com/urfave/cli/v3"
)

func runtimeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Persistence URL (memory://, file://, redis://, postgres://, sqlite://)",
			Value:   "memory://",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event transport (none, gochannel, kafka)",
			Value:   cmd.TransportNone,
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Value:   "localhost:9092",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for remote agents and shared rate limits",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.DurationFlag{
			Name:    "health-interval",
			Usage:   "Interval between agent health sweeps",
			Value:   30 * time.Second,
			Sources: cli.EnvVars("HEALTH_INTERVAL"),
		},
		&cli.DurationFlag{
			Name:    "flush-interval",
			Usage:   "Interval between event history flushes",
			Value:   5 * time.Second,
			Sources: cli.EnvVars("FLUSH_INTERVAL"),
		},
		&cli.IntFlag{
			Name:    "history-size",
			Usage:   "Events kept in the bus history",
			Value:   1000,
			Sources: cli.EnvVars("HISTORY_SIZE"),
		},
		&cli.IntFlag{
			Name:    "audit-size",
			Usage:   "Entries kept in the audit log",
			Value:   10000,
			Sources: cli.EnvVars("AUDIT_SIZE"),
		},
		&cli.StringFlag{
			Name:    "secret-key",
			Usage:   "Master key for the secret vault",
			Sources: cli.EnvVars("SECRET_KEY"),
		},
		&cli.StringFlag{
			Name:    "signing-key",
			Usage:   "HMAC key used to sign bus events",
			Sources: cli.EnvVars("SIGNING_KEY"),
		},
		&cli.StringFlag{
			Name:    "agents-file",
			Usage:   "YAML or JSON manifest of agents and policies",
			Sources: cli.EnvVars("AGENTS_FILE"),
		},
		&cli.StringFlag{
			Name:    "workflows-dir",
			Usage:   "Workflow definition file or directory",
			Sources: cli.EnvVars("WORKFLOWS_DIR"),
		},
	}
}

func configFromCommand(command *cli.Command) cmd.Config {
	return cmd.Config{
		DatabaseURL:    command.String("database-url"),
		EventBus:       command.String("event-bus"),
		KafkaBrokers:   command.String("kafka-brokers"),
		RedisURL:       command.String("redis-url"),
		HealthInterval: command.Duration("health-interval"),
		FlushInterval:  command.Duration("flush-interval"),
		HistorySize:    command.Int("history-size"),
		AuditSize:      command.Int("audit-size"),
		SecretKey:      command.String("secret-key"),
		SigningKey:     command.String("signing-key"),
	}
}
