package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-rewards/internal/audit"
	"github.com/celerix-dev/celerix-rewards/internal/handler"
	"github.com/celerix-dev/celerix-rewards/internal/logging"
	"github.com/celerix-dev/celerix-rewards/pkg/engine"
	"github.com/celerix-dev/celerix-rewards/pkg/schema"
	"github.com/celerix-dev/celerix-rewards/pkg/sdk"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	log := logging.Must(false)
	defer log.Sync()

	v := viper.New()
	v.SetEnvPrefix("CELERIX")
	v.AutomaticEnv()
	v.SetDefault("store_addr", "localhost:7001")
	v.SetDefault("disable_tls", false)
	v.SetDefault("timeout", "5s")

	command := strings.ToUpper(os.Args[1])
	args := os.Args[2:]

	// TOKEN needs no store.
	if command == "TOKEN" {
		mintToken(log, args)
		return
	}

	addr := v.GetString("store_addr")
	client, err := sdk.Dial(addr, sdk.Options{
		Timeout:    v.GetDuration("timeout"),
		DisableTLS: v.GetBool("disable_tls"),
		Logger:     log,
	})
	if err != nil {
		log.Fatal("failed to connect", zap.String("addr", addr), zap.Error(err))
	}
	defer client.Close()

	switch command {
	case "GET":
		if len(args) < 3 {
			log.Fatal("usage: ledgerctl GET <personaID> <appID> <key>")
		}
		val, version, err := client.GetVersioned(args[0], args[1], args[2])
		if err != nil {
			log.Fatal("get failed", zap.Error(err))
		}
		printJSON(map[string]any{"version": version, "value": val})

	case "USER":
		if len(args) < 1 {
			log.Fatal("usage: ledgerctl USER <userID>")
		}
		u, version, err := sdk.GetVersioned[schema.User](client, args[0], schema.AppAccount, schema.AccountKey)
		if err != nil {
			log.Fatal("user lookup failed", zap.String("user_id", args[0]), zap.Error(err))
		}
		printJSON(map[string]any{"version": version, "user": u})

	case "PENDING":
		all, err := client.DumpApp(schema.AppWithdrawals)
		if err != nil {
			log.Fatal("dump failed", zap.Error(err))
		}
		var pending []schema.Withdrawal
		for _, perUser := range all {
			for _, w := range sdk.DecodeAll[schema.Withdrawal](perUser) {
				if w.Status == schema.WithdrawalPending {
					if w.Sealed {
						w.Destination = "(sealed)"
					}
					pending = append(pending, w)
				}
			}
		}
		sort.Slice(pending, func(i, k int) bool { return pending[i].CreatedAt.Before(pending[k].CreatedAt) })
		printJSON(pending)

	case "LIST_PERSONAS":
		list, err := client.GetPersonas()
		if err != nil {
			log.Fatal("list failed", zap.Error(err))
		}
		printJSON(list)

	case "LIST_APPS":
		if len(args) < 1 {
			log.Fatal("usage: ledgerctl LIST_APPS <personaID>")
		}
		list, err := client.GetApps(args[0])
		if err != nil {
			log.Fatal("list failed", zap.Error(err))
		}
		printJSON(list)

	case "DUMP":
		if len(args) < 2 {
			log.Fatal("usage: ledgerctl DUMP <personaID> <appID>")
		}
		data, err := client.GetAppStore(args[0], args[1])
		if err != nil {
			log.Fatal("dump failed", zap.Error(err))
		}
		printJSON(data)

	case "AUDIT":
		limit := 50
		if len(args) > 0 {
			if limit, err = strconv.Atoi(args[0]); err != nil || limit <= 0 {
				log.Fatal("limit must be a positive integer")
			}
		}
		entries, err := recentAudit(client, limit)
		if err != nil {
			log.Fatal("audit read failed", zap.Error(err))
		}
		printJSON(entries)

	case "MIGRATE":
		if len(args) < 1 {
			log.Fatal("usage: ledgerctl MIGRATE <dataDir>")
		}
		p, err := engine.NewPersistence(args[0])
		if err != nil {
			log.Fatal("open data dir failed", zap.Error(err))
		}
		data, err := p.LoadAll()
		if err != nil {
			log.Fatal("load data dir failed", zap.Error(err))
		}
		n, err := engine.Migrate(engine.NewMemStore(data, nil), client)
		if err != nil {
			log.Fatal("migration failed", zap.Int("copied", n), zap.Error(err))
		}
		fmt.Printf("Migrated %d keys into %s\n", n, addr)

	case "PING":
		if err := client.Ping(); err != nil {
			log.Fatal("ping failed", zap.Error(err))
		}
		fmt.Println("PONG")

	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

// recentAudit reads the Postgres journal when REWARDS_AUDIT_DATABASE_URL is
// set and the store journal otherwise.
func recentAudit(store sdk.Store, limit int) ([]schema.AuditLog, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if dsn := os.Getenv("REWARDS_AUDIT_DATABASE_URL"); dsn != "" {
		pg, err := audit.OpenPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		defer pg.Close()
		return pg.Recent(ctx, limit)
	}
	return audit.NewStoreJournal(store).Recent(ctx, limit)
}

func mintToken(log *zap.Logger, args []string) {
	if len(args) < 1 {
		log.Fatal("usage: ledgerctl TOKEN <secret> [ttl]")
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			log.Fatal("invalid ttl", zap.Error(err))
		}
		ttl = d
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   handler.ServiceSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := tok.SignedString([]byte(args[0]))
	if err != nil {
		log.Fatal("signing failed", zap.Error(err))
	}
	fmt.Println(signed)
}

func printUsage() {
	fmt.Println("ledgerctl - operator tool for the reward ledger store")
	fmt.Println("\nUsage:")
	fmt.Println("  ledgerctl GET <personaID> <appID> <key>")
	fmt.Println("  ledgerctl USER <userID>")
	fmt.Println("  ledgerctl PENDING")
	fmt.Println("  ledgerctl LIST_PERSONAS")
	fmt.Println("  ledgerctl LIST_APPS <personaID>")
	fmt.Println("  ledgerctl DUMP <personaID> <appID>")
	fmt.Println("  ledgerctl AUDIT [limit]")
	fmt.Println("  ledgerctl MIGRATE <dataDir>")
	fmt.Println("  ledgerctl TOKEN <secret> [ttl]")
	fmt.Println("  ledgerctl PING")
	fmt.Println("\nEnvironment Variables:")
	fmt.Println("  CELERIX_STORE_ADDR           Address of the store (default: localhost:7001)")
	fmt.Println("  CELERIX_DISABLE_TLS          Set to true to disable TLS")
	fmt.Println("  REWARDS_AUDIT_DATABASE_URL   Read AUDIT from Postgres instead of the store")
}

func printJSON(v any) {
	bytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(bytes))
}
