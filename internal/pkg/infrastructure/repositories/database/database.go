package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrModuleNotFound  = fmt.Errorf("module not found")
	ErrReadingNotFound = fmt.Errorf("no reading found")
	ErrMappingNotFound = fmt.Errorf("mapping not found")
	ErrNotCutoffRelay  = fmt.Errorf("module is not a cutoff relay")
	ErrNoHistory       = fmt.Errorf("no emergency history recorded")
	ErrAlreadyExist    = fmt.Errorf("module already exists")
	ErrNoID            = fmt.Errorf("data contains no id")
	ErrRepositoryError = fmt.Errorf("could not fetch data from repository")
)

type ConnectorFunc func() (*gorm.DB, zerolog.Logger, error)

func NewSQLiteConnector(log zerolog.Logger) ConnectorFunc {
	return func() (*gorm.DB, zerolog.Logger, error) {
		db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
			Logger:          logger.Default.LogMode(logger.Silent),
			CreateBatchSize: 1000,
			NowFunc:         func() time.Time { return time.Now().UTC() },
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
			sqldb, _ := db.DB()
			sqldb.SetMaxOpenConns(1)
		}

		return db, log, err
	}
}

func NewPostgreSQLConnector(log zerolog.Logger) ConnectorFunc {
	dbHost := os.Getenv("POSTGRES_HOST")
	username := os.Getenv("POSTGRES_USER")
	dbName := env.GetVariableOrDefault(log, "POSTGRES_DBNAME", "diwise")
	password := os.Getenv("POSTGRES_PASSWORD")
	dbPort := env.GetVariableOrDefault(log, "POSTGRES_PORT", "5432")
	sslMode := env.GetVariableOrDefault(log, "POSTGRES_SSLMODE", "disable")

	dbURI := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s password=%s", dbHost, dbPort, username, dbName, sslMode, password)

	return func() (*gorm.DB, zerolog.Logger, error) {
		sublogger := log.With().Str("host", dbHost).Str("database", dbName).Logger()

		const attempts = 5

		var err error
		for i := 0; i < attempts; i++ {
			sublogger.Info().Msg("connecting to database host")

			var db *gorm.DB
			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.New(
					&sublogger,
					logger.Config{
						SlowThreshold:             time.Second,
						LogLevel:                  logger.Warn,
						IgnoreRecordNotFoundError: true,
						Colorful:                  false,
					},
				),
				NowFunc: func() time.Time { return time.Now().UTC() },
			})
			if err == nil {
				return db, sublogger, nil
			}

			sublogger.Error().Err(err).Msg("failed to connect to database")
			time.Sleep(3 * time.Second)
		}

		return nil, sublogger, err
	}
}

// Repositories groups the four stores the control loop reads and writes.
type Repositories interface {
	Modules() ModuleRepository
	Readings() ReadingRepository
	Mappings() MappingRepository
	History() HistoryRepository
}

type Datastore interface {
	Repositories
	// Transaction runs fn with repositories bound to a single database
	// transaction. Any error returned by fn rolls back every write made
	// through those repositories.
	Transaction(ctx context.Context, fn func(r Repositories) error) error
	Close() error
}

type store struct {
	db  *gorm.DB
	log zerolog.Logger
}

func New(connect ConnectorFunc) (Datastore, error) {
	impl, log, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Module{}, &Reading{}, &CutoffMapping{}, &EmergencyHistoryEntry{})
	if err != nil {
		return nil, err
	}

	return &store{
		db:  impl,
		log: log,
	}, nil
}

func (s *store) Modules() ModuleRepository {
	return &moduleRepository{db: s.db}
}

func (s *store) Readings() ReadingRepository {
	return &readingRepository{db: s.db}
}

func (s *store) Mappings() MappingRepository {
	return &mappingRepository{db: s.db}
}

func (s *store) History() HistoryRepository {
	return &historyRepository{db: s.db}
}

func (s *store) Transaction(ctx context.Context, fn func(r Repositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&store{db: tx, log: s.log})
	})
}

func (s *store) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

func repositoryError(ctx context.Context, err error) error {
	log := logging.GetLoggerFromContext(ctx)
	log.Error().Err(err).Msg("gorm error")
	return fmt.Errorf("%w: %s", ErrRepositoryError, err.Error())
}
