package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/config"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/logger"
)

const (
	initialStock  = 20
	totalRequests = 50
)

func main() {
	cfg, err := config.Load()
	log := logger.Init("warn", true)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx := logger.With(context.Background(), log)

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open mysql")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	if err := storage.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	idem := service.NewIdempotencyStore(storage.NewRedisAdapter(rdb), storage.NewMySQLIdempotencyAdapter(db))
	locks := service.NewLockManager(storage.NewMySQLLockAdapter(db))
	stock := service.NewStockService(
		storage.NewMySQLLedgerAdapter(db), locks, idem, storage.NewMySQLAuditAdapter(db), nil,
		service.StockServiceConfig{
			LockTTL:       cfg.Lock.TTL,
			RetryAttempts: 200,
			RetryBackoff:  2 * time.Millisecond,
			StockKeyTTL:   time.Hour,
			HolderPrefix:  "stress",
		},
	)

	productID := fmt.Sprintf("stress-%d", time.Now().UnixNano())
	if _, err := stock.CreateProduct(ctx, productID, "stress", initialStock, "stress"); err != nil {
		log.Fatal().Err(err).Msg("failed to create product")
	}

	// Counters
	var (
		successCount atomic.Int32
		failCount    atomic.Int32
		netDelta     atomic.Int32
	)

	// Every third request adds a unit back, the rest take one out
	var g errgroup.Group
	start := time.Now()
	for i := 0; i < totalRequests; i++ {
		g.Go(func() error {
			delta, mt := -1, domain.MovementSale
			if i%3 == 0 {
				delta, mt = 1, domain.MovementReturn
			}
			_, err := stock.ApplyDelta(ctx, service.DeltaRequest{
				ProductID: productID,
				Delta:     delta,
				Type:      mt,
				Reason:    "stress",
				Actor:     "stress",
				OrderID:   fmt.Sprintf("stress-order-%d", i),
			})
			if err != nil {
				failCount.Add(1)
				log.Debug().Err(err).Int("request", i).Msg("rejected")
				return nil
			}
			successCount.Add(1)
			netDelta.Add(int32(delta))
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Product:          %s\n", productID)
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	p, err := stock.GetProduct(ctx, productID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read product")
	}
	expected := initialStock + int(netDelta.Load())
	if p.StockQuantity == expected && p.StockQuantity >= 0 {
		fmt.Printf("PASS: final stock %d equals initial stock plus applied deltas\n", p.StockQuantity)
	} else {
		fmt.Printf("FAIL: expected stock %d, got %d\n", expected, p.StockQuantity)
		ok = false
	}

	report, err := stock.Verify(ctx, productID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to verify ledger")
	}
	if report.Consistent && report.Entries == int(success)+1 {
		fmt.Printf("PASS: ledger replays to %d over %d entries\n", report.Expected, report.Entries)
	} else {
		fmt.Printf("FAIL: ledger report %+v\n", *report)
		ok = false
	}

	if !ok {
		os.Exit(1)
	}
}
