package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // register the /debug/pprof handlers
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	echoapi "github.com/trezcool/masomo/apps/api/echo"
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/auth"
	"github.com/trezcool/masomo/core/invitation"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
	"github.com/trezcool/masomo/core/user"
	appfs "github.com/trezcool/masomo/fs"
	emailsvc "github.com/trezcool/masomo/services/email"
	logsvc "github.com/trezcool/masomo/services/logger"
	metricsvc "github.com/trezcool/masomo/services/metrics"
	"github.com/trezcool/masomo/storage/database"
	inmemdb "github.com/trezcool/masomo/storage/database/inmem"
	sqlxdb "github.com/trezcool/masomo/storage/database/sqlx"
)

type repositories struct {
	users       user.Repository
	schools     school.Repository
	invitations invitation.Repository
	usage       usage.Repository
	close       func() error
}

func main() {
	// =========================================================================
	// Set up Dependencies

	conf, err := core.NewConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "DB : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	dbLogger.Enable(!conf.Debug)

	// set up DB
	repos, err := setUpRepositories(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = repos.close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	validate := validator.New()
	uni := core.NewTranslators()
	core.InitValidators(validate, uni)
	user.InitValidators(validate, uni)
	school.InitValidators(validate, uni)
	usage.InitValidators(validate, uni)

	core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, conf, logger)
	user.LoadCommonPasswords(appfs.FS, appfs.CommonPasswordsGzFile, logger)

	// set up services
	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(log.New(os.Stdout, "MAIL : ", log.LstdFlags), conf, logger)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, logger)
	}
	usrSvc := user.NewService(repos.users, mailSvc, conf, logger)
	schSvc := school.NewService(repos.schools)
	invSvc := invitation.NewService(repos.invitations, usrSvc, schSvc, mailSvc, validate, conf)
	usageSvc := usage.NewService(repos.usage, schSvc, mailSvc)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := metricsvc.New(registry)

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:          conf,
			Logger:        logger,
			Validate:      validate,
			Uni:           uni,
			UserSvc:       usrSvc,
			SchoolSvc:     schSvc,
			InvitationSvc: invSvc,
			UsageSvc:      usageSvc,
			Authorizer:    auth.NewAuthorizer(usrSvc, schSvc, logger, metrics),
			Authenticator: auth.NewAuthenticator(usrSvc, schSvc, conf),
			Metrics:       metrics,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

// setUpRepositories returns in-memory repositories when configured so, otherwise
// PostgreSQL ones over a migrated database.
func setUpRepositories(conf *core.Config) (repositories, error) {
	if conf.Database.InMemory {
		db, err := inmemdb.Open()
		if err != nil {
			return repositories{}, err
		}
		return repositories{
			users:       inmemdb.NewUserRepository(db),
			schools:     inmemdb.NewSchoolRepository(db),
			invitations: inmemdb.NewInvitationRepository(db),
			usage:       inmemdb.NewUsageRepository(db),
			close:       func() error { return nil },
		}, nil
	}

	db, err := setUpDB(conf)
	if err != nil {
		return repositories{}, err
	}
	return repositories{
		users:       sqlxdb.NewUserRepository(db),
		schools:     sqlxdb.NewSchoolRepository(db),
		invitations: sqlxdb.NewInvitationRepository(db),
		usage:       sqlxdb.NewUsageRepository(db),
		close:       db.Close,
	}, nil
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db.DB, "up"); err != nil {
		return nil, err
	}
	return db, nil
}
