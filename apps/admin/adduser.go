package main

import (
	"context"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
	"github.com/trezcool/masomo/core/user"
)

// addUser creates a user.User, or activates an existing one matching uname/email and sets its password.
func (cli *commandLine) addUser(name, uname, email, pwd string, superAdmin bool) (user.User, error) {
	ctx := context.Background()
	role := permission.RoleNone
	if superAdmin {
		role = permission.RoleSuperAdmin
	}

	usr, err := cli.existingUser(ctx, uname, email)
	if err != nil {
		if !core.IsNotFound(err) {
			return user.User{}, err
		}
		if name == "" {
			name = core.CleanString(uname)
		}
		nu := user.NewUser{
			Name:            name,
			Username:        uname,
			Email:           email,
			Password:        pwd,
			PasswordConfirm: pwd,
			SystemRole:      role,
		}
		if err = nu.Validate(ctx, cli.validate, cli.usrSvc); err != nil {
			return user.User{}, err
		}
		return cli.usrSvc.Create(ctx, nu)
	}

	active := true
	uu := user.UpdateUser{Name: name, IsActive: &active}
	if superAdmin {
		uu.SystemRole = &role
	}
	if err = uu.Validate(ctx, usr, cli.validate, cli.usrSvc); err != nil {
		return user.User{}, err
	}
	if usr, err = cli.usrSvc.Update(ctx, usr, uu); err != nil {
		return user.User{}, err
	}
	return cli.usrSvc.ChangePassword(ctx, usr, user.ChangePassword{Password: pwd, PasswordConfirm: pwd})
}

func (cli *commandLine) existingUser(ctx context.Context, uname, email string) (user.User, error) {
	for _, ident := range []string{uname, email} {
		if core.CleanString(ident) == "" {
			continue
		}
		usr, err := cli.usrSvc.GetByUsernameOrEmail(ctx, ident)
		if err == nil || !core.IsNotFound(err) {
			return usr, err
		}
	}
	return user.User{}, core.ErrNotFound
}
