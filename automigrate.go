package main

import (
	"github.com/davecheney/courier/models"
)

type AutoMigrateCmd struct {
}

func (a *AutoMigrateCmd) Run(ctx *Context) error {
	env, err := ctx.open()
	if err != nil {
		return err
	}
	return env.DB.AutoMigrate(models.AllTables()...)
}
