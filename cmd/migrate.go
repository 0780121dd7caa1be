/*
Copyright 2024 Cellmark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"

	"github.com/cellmark/cellmark"
	"github.com/cellmark/cellmark/config"
	pgconn "github.com/cellmark/cellmark/internal/pg-conn"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

const migrationSchema = "cellmark"

func migrateCommands(_ *cellmarkInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run cellmark database migrations",
	}

	cmd.AddCommand(migrateCommand("up", migrate.Up, "Applied %d migrations!\n"))
	cmd.AddCommand(migrateCommand("down", migrate.Down, "Rolled back %d migrations!\n"))
	return cmd
}

func migrateCommand(use string, direction migrate.MigrationDirection, done string) *cobra.Command {
	return &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: cellmark.SQLFiles,
				Root:       "sql",
			}

			cnf, err := config.Fetch()
			if err != nil {
				log.Printf("Error fetching config: %v", err)
				return
			}

			db, err := pgconn.ConnectDB(cnf.DataSource)
			if err != nil {
				log.Printf("Error connecting to database: %v", err)
				return
			}
			defer db.Close()

			migrate.SetSchema(migrationSchema)
			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				log.Printf("Error migrating %s: %v", use, err)
				return
			}
			fmt.Printf(done, n)
		},
	}
}
