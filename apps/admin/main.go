package main

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
	"github.com/trezcool/masomo/core/user"
	appfs "github.com/trezcool/masomo/fs"
	emailsvc "github.com/trezcool/masomo/services/email"
	logsvc "github.com/trezcool/masomo/services/logger"
	"github.com/trezcool/masomo/storage/database"
	sqlxdb "github.com/trezcool/masomo/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf, err := core.NewConfig()
	errAndDie(err)
	if conf.Database.InMemory {
		errAndDie(errors.New("the admin CLI needs a PostgreSQL database (database.inMemory is set)"))
	}
	appLogger := logsvc.NewRollbarLogger(logger, conf)
	appLogger.Enable(!conf.Debug)

	// set up DB
	errAndDie(database.CreateIfNotExist(conf))
	db, err := database.Open(conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())

	validate := validator.New()
	uni := core.NewTranslators()
	core.InitValidators(validate, uni)
	user.InitValidators(validate, uni)
	school.InitValidators(validate, uni)
	usage.InitValidators(validate, uni)
	user.LoadCommonPasswords(appfs.FS, appfs.CommonPasswordsGzFile, appLogger)

	mailSvc := emailsvc.NewConsoleService(logger, conf, appLogger)

	// start CLI
	cli := commandLine{
		db:       db.DB,
		validate: validate,
		usrSvc:   user.NewService(sqlxdb.NewUserRepository(db), mailSvc, conf, appLogger),
		schSvc:   school.NewService(sqlxdb.NewSchoolRepository(db)),
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
