package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"syscall"

	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/masomo/core/school"
	"github.com/trezcool/masomo/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db       *sql.DB
	validate *validator.Validate
	usrSvc   user.Service
	schSvc   school.Service
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run a goose command (up, up-by-one, up-to, down, down-to, redo, reset, status, version, create, fix)")
	fmt.Println("  adduser -name NAME -username USERNAME -email EMAIL [-superadmin] - create a user, or update an existing one")
	fmt.Println("  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Println("  addschool -name NAME -code CODE -email EMAIL [-credits N] - create a school")
	fmt.Println("  addmember -school CODE -username USERNAME|EMAIL -role ADMIN|TEACHER|STUDENT - add a user to a school")
}

// promptPassword reads a password from the terminal without echoing it.
func promptPassword() (string, error) {
	fmt.Print("Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	addUserCmd := flag.NewFlagSet("adduser", flag.ContinueOnError)
	addUserName := addUserCmd.String("name", "", "The user's full name.")
	addUserUname := addUserCmd.String("username", "", "The user's username. The password will be prompted next.")
	addUserEmail := addUserCmd.String("email", "", "The user's email.")
	addUserSuper := addUserCmd.Bool("superadmin", false, "Grant the SUPER_ADMIN system role.")

	resetPasswordCmd := flag.NewFlagSet("resetpassword", flag.ContinueOnError)
	resetPasswordUname := resetPasswordCmd.String("username", "", "The user's username or email. The password will be prompted next.")

	addSchoolCmd := flag.NewFlagSet("addschool", flag.ContinueOnError)
	addSchoolName := addSchoolCmd.String("name", "", "The school's name.")
	addSchoolCode := addSchoolCmd.String("code", "", "The school's unique code, used in sign-in identifiers.")
	addSchoolEmail := addSchoolCmd.String("email", "", "The school's email.")
	addSchoolCredits := addSchoolCmd.Int("credits", 0, "The initial credit balance.")

	addMemberCmd := flag.NewFlagSet("addmember", flag.ContinueOnError)
	addMemberSchool := addMemberCmd.String("school", "", "The school's code.")
	addMemberUname := addMemberCmd.String("username", "", "The user's username or email.")
	addMemberRole := addMemberCmd.String("role", "", "The school role: ADMIN, TEACHER or STUDENT.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		if err := addUserCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addUserUname == "" && *addUserEmail == "" {
			addUserCmd.Usage()
			return errHelp
		}
		pwd, err := promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			addUserCmd.Usage()
			return errHelp
		}
		_, err = cli.addUser(*addUserName, *addUserUname, *addUserEmail, pwd, *addUserSuper)
		return err

	case "resetpassword":
		if err := resetPasswordCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resetPasswordUname == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		pwd, err := promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			resetPasswordCmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*resetPasswordUname, pwd)

	case "addschool":
		if err := addSchoolCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addSchoolCode == "" {
			addSchoolCmd.Usage()
			return errHelp
		}
		_, err := cli.addSchool(school.NewSchool{
			Name:    *addSchoolName,
			Code:    *addSchoolCode,
			Email:   *addSchoolEmail,
			Credits: *addSchoolCredits,
		})
		return err

	case "addmember":
		if err := addMemberCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addMemberSchool == "" || *addMemberUname == "" || *addMemberRole == "" {
			addMemberCmd.Usage()
			return errHelp
		}
		_, err := cli.addMember(*addMemberSchool, *addMemberUname, *addMemberRole)
		return err

	default:
		cli.printUsage()
		return errHelp
	}
}
