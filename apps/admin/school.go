package main

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/school"
)

func (cli *commandLine) addSchool(ns school.NewSchool) (school.School, error) {
	if err := ns.Validate(cli.validate); err != nil {
		return school.School{}, err
	}
	return cli.schSvc.Create(context.Background(), ns)
}

// addMember gives the user a role in the school with the given code.
func (cli *commandLine) addMember(code, uname, role string) (school.Membership, error) {
	ctx := context.Background()
	sch, err := cli.schSvc.GetByCode(ctx, code)
	if err != nil {
		return school.Membership{}, errors.Wrap(err, "finding school")
	}
	usr, err := cli.usrSvc.GetByUsernameOrEmail(ctx, uname)
	if err != nil {
		return school.Membership{}, errors.Wrap(err, "finding user")
	}

	nm := school.NewMembership{UserID: usr.ID, Role: permission.SchoolRole(strings.ToUpper(strings.TrimSpace(role)))}
	if err = nm.Validate(cli.validate); err != nil {
		return school.Membership{}, err
	}
	return cli.schSvc.AddMember(ctx, sch.ID, nm)
}
