package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/invitation"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/usage"
	"github.com/trezcool/masomo/core/user"
	appfs "github.com/trezcool/masomo/fs"
	emailsvc "github.com/trezcool/masomo/services/email"
	inmemdb "github.com/trezcool/masomo/storage/database/inmem"
)

// Password satisfies the password policy.
const Password = "Pass.w0rd-XYZ"

type (
	// Entry is a message logged through Logger.
	Entry struct {
		Level string
		Msg   string
		Args  []interface{}
	}

	// Logger records the log entries instead of printing them.
	Logger struct {
		mu      sync.Mutex
		entries []Entry
	}
)

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string, args []interface{}) {
	l.mu.Lock()
	l.entries = append(l.entries, Entry{Level: level, Msg: msg, Args: args})
	l.mu.Unlock()
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("debug", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("info", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("warn", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("error", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) { l.log("fatal", msg, args) }

// Entries returns the entries logged at level ("" for all).
func (l *Logger) Entries(level string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if level == "" || e.Level == level {
			res = append(res, e)
		}
	}
	return res
}

// Env wires the core services over an in-memory database.
type Env struct {
	Conf     *core.Config
	Logger   *Logger
	Validate *validator.Validate
	Uni      *ut.UniversalTranslator
	DB       *inmemdb.DB
	Mail     *emailsvc.ConsoleServiceMock

	UserRepo    user.Repository
	SchoolRepo  school.Repository
	Users       user.Service
	Schools     school.Service
	Invitations invitation.Service
	Usage       usage.Service
}

var initOnce sync.Once

// NewEnv returns a fresh Env; every call gets its own database.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	conf := core.NewTestConfig()
	logger := new(Logger)

	initOnce.Do(func() {
		core.ParseEmailTemplates(appfs.FS, appfs.EmailTemplatesDir, conf, logger)
		user.LoadCommonPasswords(appfs.FS, appfs.CommonPasswordsGzFile, logger)
	})

	validate := validator.New()
	uni := core.NewTranslators()
	core.InitValidators(validate, uni)
	user.InitValidators(validate, uni)
	school.InitValidators(validate, uni)
	usage.InitValidators(validate, uni)

	db, err := inmemdb.Open()
	if err != nil {
		t.Fatalf("inmemdb.Open() failed: %v", err)
	}
	mail := emailsvc.NewConsoleServiceMock(conf, logger)

	env := &Env{
		Conf:       conf,
		Logger:     logger,
		Validate:   validate,
		Uni:        uni,
		DB:         db,
		Mail:       mail,
		UserRepo:   inmemdb.NewUserRepository(db),
		SchoolRepo: inmemdb.NewSchoolRepository(db),
	}
	env.Users = user.NewService(env.UserRepo, mail, conf, logger)
	env.Schools = school.NewService(env.SchoolRepo)
	env.Invitations = invitation.NewService(inmemdb.NewInvitationRepository(db), env.Users, env.Schools, mail, validate, conf)
	env.Usage = usage.NewService(inmemdb.NewUsageRepository(db), env.Schools, mail)
	return env
}

// CreateUser stores a user with Password as password.
func (env *Env) CreateUser(t *testing.T, uname string, role permission.SystemRole, isActive bool) user.User {
	t.Helper()

	usr := user.User{
		Name:       "User " + uname,
		Username:   uname,
		Email:      uname + "@masomo.test",
		IsActive:   isActive,
		SystemRole: role,
	}
	if err := usr.SetPassword(Password); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	usr, err := env.UserRepo.CreateUser(context.Background(), usr)
	if err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	return usr
}

// CreateSchool stores an active school with the given credits.
func (env *Env) CreateSchool(t *testing.T, code string, credits int) school.School {
	t.Helper()

	sch, err := env.Schools.Create(context.Background(), school.NewSchool{
		Name:    fmt.Sprintf("School %s", code),
		Code:    code,
		Email:   code + "@school.test",
		Credits: credits,
	})
	if err != nil {
		t.Fatalf("CreateSchool() failed: %v", err)
	}
	return sch
}

// AddMember gives usr an active membership in sch.
func (env *Env) AddMember(t *testing.T, usr user.User, sch school.School, role permission.SchoolRole) school.Membership {
	t.Helper()

	m, err := env.Schools.AddMember(context.Background(), sch.ID, school.NewMembership{UserID: usr.ID, Role: role})
	if err != nil {
		t.Fatalf("AddMember() failed: %v", err)
	}
	return m
}
