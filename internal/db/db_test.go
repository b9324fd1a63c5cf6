package db

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/friendsincode/equiplet_grid/internal/config"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

func TestConnectMigratesSQLite(t *testing.T) {
	cfg := &config.Config{Environment: "test", Blackboard: config.BlackboardSQLite, DBDSN: ":memory:"}
	database, err := Connect(cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = Close(database) }()

	for i := 0; i < 2; i++ {
		if err := Migrate(database); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}
	if !database.Migrator().HasTable(&models.BlackboardDocument{}) {
		t.Fatal("blackboard table missing")
	}
	if !database.Migrator().HasIndex(&models.BlackboardDocument{}, "idx_blackboard_collection_seq") {
		t.Fatal("collection index missing")
	}

	row := models.BlackboardDocument{Collection: "products", DocID: "p1", Body: "{}"}
	if err := database.Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got models.BlackboardDocument
	if err := database.Where("collection = ? AND doc_id = ?", "products", "p1").First(&got).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if testutil.CollectAndCount(telemetry.DatabaseQueryDuration) == 0 {
		t.Fatal("no query durations recorded")
	}

	UpdateConnectionMetrics(database)
	if v := testutil.ToFloat64(telemetry.DatabaseConnectionsActive); v < 1 {
		t.Fatalf("active connections = %v", v)
	}
}

func TestConnectRejectsMongo(t *testing.T) {
	if _, err := Connect(&config.Config{Blackboard: config.BlackboardMongo}); err == nil {
		t.Fatal("expected an error for a non-SQL backend")
	}
}
